package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// GenericNotification is the name of the notification that carries the full record.
const GenericNotification = "message"

// Listener receives the notifications fanned out for a topic.
//
// For every newly observed record a listener is notified twice: once with the record's event as name
// and its message as payload, then once with GenericNotification as name and the full Record as payload.
// Notify is called from the tailing goroutine and must not block for long.
type Listener interface {
	Notify(name string, payload any)
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(name string, payload any)

// Notify calls f(name, payload).
func (f ListenerFunc) Notify(name string, payload any) {
	f(name, payload)
}

// Notification is a value copy of one Notify call, for listeners that forward notifications elsewhere.
type Notification struct {
	Topic   string
	Name    string
	Payload any
}

// Tail is a live feed of records newly inserted into one partition.
type Tail interface {
	// Start attaches the feed and returns. Records are then passed to deliver in insertion order from a
	// goroutine owned by the Tail, until Close is called. ctx only bounds the attach step.
	Start(ctx context.Context, deliver func(Record)) error

	// Close stops delivery and releases the resources of the feed.
	Close() error
}

// OpenFunc opens the storage side of a channel for the given partition.
type OpenFunc func(ctx context.Context, partition string) (Tail, error)

// hub holds the listener bindings of one topic. It exists independently of the channel, so listeners
// can be bound before the topic is materialized.
type hub struct {
	mu        sync.RWMutex
	listeners map[uuid.UUID]Listener
}

func newHub() *hub {
	return &hub{listeners: make(map[uuid.UUID]Listener)}
}

func (h *hub) add(l Listener) uuid.UUID {
	id := uuid.New()

	h.mu.Lock()
	h.listeners[id] = l
	h.mu.Unlock()

	return id
}

func (h *hub) remove(id uuid.UUID) {
	h.mu.Lock()
	delete(h.listeners, id)
	h.mu.Unlock()
}

func (h *hub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.listeners)
}

// snapshot copies the current bindings so that listeners are called without holding the lock.
func (h *hub) snapshot() []Listener {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		out = append(out, l)
	}

	return out
}
