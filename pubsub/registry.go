package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	logMsgChannelOpened      = "channel opened"
	logMsgTailStarted        = "tail started"
	logMsgListenerPanicked   = "listener panicked during notification"
	logMsgTailCloseFailed    = "failed to close tail"
	logAttrTopic             = "topic"
	logAttrPartition         = "partition"
	logAttrListeners         = "listeners"
	logAttrEvent             = "event"
	logAttrPanic             = "panic"
	logAttrError             = "error"
	metricNotificationsTotal = "pubsub_notifications_total"
	metricChannelsOpened     = "pubsub_channels_opened_total"
	labelTopic               = "topic"
	labelStatus              = "status"
)

// Channel is the live, process-local binding between a topic, its storage partition and the
// listeners bound to the topic.
type Channel struct {
	topic     string
	partition string
	tail      Tail
	hub       *hub
	registry  *Registry

	mu      sync.Mutex
	tailing bool
}

// Topic returns the logical topic name.
func (c *Channel) Topic() string {
	return c.topic
}

// Partition returns the storage partition backing the topic.
func (c *Channel) Partition() string {
	return c.partition
}

// Listeners returns the number of listeners currently bound to the topic.
func (c *Channel) Listeners() int {
	return c.hub.len()
}

// startTail attaches the document-arrival handler once per channel.
func (c *Channel) startTail(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tailing {
		return nil
	}

	if err := c.tail.Start(ctx, c.dispatch); err != nil {
		return errors.Join(ErrOpeningChannelFailed, err)
	}

	c.tailing = true
	c.registry.logInfo(logMsgTailStarted, logAttrTopic, c.topic, logAttrPartition, c.partition)

	return nil
}

// dispatch fans one tailed record out to every bound listener.
func (c *Channel) dispatch(record Record) {
	for _, l := range c.hub.snapshot() {
		c.notify(l, record.Event, record.Message)
		c.notify(l, GenericNotification, record)
	}
}

func (c *Channel) notify(l Listener, name string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			c.registry.logError(logMsgListenerPanicked, logAttrTopic, c.topic, logAttrEvent, name, logAttrPanic, fmt.Sprint(r))
			c.registry.count(metricNotificationsTotal, c.topic, "panic")
		}
	}()

	l.Notify(name, payload)
	c.registry.count(metricNotificationsTotal, c.topic, "delivered")
}

// channelSlot guards the creation of one topic's channel. A failed open leaves the slot empty.
type channelSlot struct {
	mu      sync.Mutex
	channel *Channel
}

// Registry lazily creates and memoizes one Channel per topic for the lifetime of its owner.
type Registry struct {
	settings TopicSettings
	open     OpenFunc
	slots    *xsync.MapOf[string, *channelSlot]
	hubs     *xsync.MapOf[string, *hub]
	logger   Logger
	metrics  MetricsCollector
	closed   atomic.Bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for channel lifecycle messages.
func WithRegistryLogger(logger Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryMetrics sets the collector for notification and channel metrics.
func WithRegistryMetrics(collector MetricsCollector) RegistryOption {
	return func(r *Registry) {
		r.metrics = collector
	}
}

// NewRegistry creates a Registry that opens partitions with open.
func NewRegistry(settings TopicSettings, open OpenFunc, options ...RegistryOption) *Registry {
	r := &Registry{
		settings: settings,
		open:     open,
		slots:    xsync.NewMapOf[string, *channelSlot](),
		hubs:     xsync.NewMapOf[string, *hub](),
	}

	for _, option := range options {
		option(r)
	}

	return r
}

// ResolvePartitionName returns the partition override configured for topic, else the topic name.
func (r *Registry) ResolvePartitionName(topic string) string {
	return r.settings.PartitionName(topic)
}

// IDFieldName returns the identifier field configured for topic.
func (r *Registry) IDFieldName(topic string) string {
	return r.settings.IDFieldName(topic)
}

// Ensure returns the channel for topic, opening it on first use.
//
// Concurrent first calls for one topic collapse into a single open; every caller observes the same
// *Channel. A failed open is returned to the caller and not memoized, so a later call tries again.
// If listeners are bound to the topic, the tail is attached before the channel is published.
func (r *Registry) Ensure(ctx context.Context, topic string) (*Channel, error) {
	if topic == "" {
		return nil, ErrEmptyTopicName
	}

	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}

	slot, _ := r.slots.LoadOrCompute(topic, func() *channelSlot {
		return &channelSlot{}
	})

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.channel != nil {
		return slot.channel, nil
	}

	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}

	partition := r.ResolvePartitionName(topic)

	tail, err := r.open(ctx, partition)
	if err != nil {
		r.count(metricChannelsOpened, topic, "error")
		return nil, errors.Join(ErrOpeningChannelFailed, err)
	}

	// Close may have run while the partition was opening and missed this slot.
	if r.closed.Load() {
		r.closeTail(topic, tail)
		return nil, ErrRegistryClosed
	}

	channel := &Channel{
		topic:     topic,
		partition: partition,
		tail:      tail,
		hub:       r.hubFor(topic),
		registry:  r,
	}

	if channel.hub.len() > 0 {
		if err := channel.startTail(ctx); err != nil {
			r.closeTail(topic, tail)
			r.count(metricChannelsOpened, topic, "error")
			return nil, err
		}
	}

	slot.channel = channel
	r.count(metricChannelsOpened, topic, "success")
	r.logInfo(logMsgChannelOpened, logAttrTopic, topic, logAttrPartition, partition, logAttrListeners, channel.hub.len())

	return channel, nil
}

// Lookup returns the channel of topic if it was materialized by a successful Ensure.
func (r *Registry) Lookup(topic string) (*Channel, bool) {
	slot, ok := r.slots.Load(topic)
	if !ok {
		return nil, false
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	return slot.channel, slot.channel != nil
}

// Subscribe binds l to topic and returns a function that unbinds it.
//
// When the topic is already materialized the tail is attached now, otherwise on the first Ensure.
// The returned cancel function is idempotent.
func (r *Registry) Subscribe(ctx context.Context, topic string, l Listener) (func(), error) {
	if topic == "" {
		return nil, ErrEmptyTopicName
	}

	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}

	h := r.hubFor(topic)
	id := h.add(l)

	if channel, ok := r.Lookup(topic); ok {
		if err := channel.startTail(ctx); err != nil {
			h.remove(id)
			return nil, err
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.remove(id)
		})
	}

	return cancel, nil
}

// Topics returns the names of all materialized topics.
func (r *Registry) Topics() []string {
	topics := make([]string, 0)

	r.slots.Range(func(topic string, _ *channelSlot) bool {
		if _, ok := r.Lookup(topic); ok {
			topics = append(topics, topic)
		}
		return true
	})

	return topics
}

// Close stops every tail. Channels are not reopened afterward.
func (r *Registry) Close() error {
	if r.closed.Swap(true) {
		return nil
	}

	var errs []error

	r.slots.Range(func(topic string, slot *channelSlot) bool {
		slot.mu.Lock()
		channel := slot.channel
		slot.mu.Unlock()

		if channel != nil {
			if err := channel.tail.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing tail of %q: %w", topic, err))
			}
		}

		return true
	})

	return errors.Join(errs...)
}

func (r *Registry) hubFor(topic string) *hub {
	h, _ := r.hubs.LoadOrCompute(topic, newHub)
	return h
}

func (r *Registry) closeTail(topic string, tail Tail) {
	if err := tail.Close(); err != nil {
		r.logWarn(logMsgTailCloseFailed, logAttrTopic, topic, logAttrError, err.Error())
	}
}

func (r *Registry) logInfo(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Info(msg, args...)
	}
}

func (r *Registry) logWarn(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}

func (r *Registry) logError(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Error(msg, args...)
	}
}

func (r *Registry) count(metric, topic, status string) {
	if r.metrics != nil {
		r.metrics.IncrementCounter(metric, map[string]string{labelTopic: topic, labelStatus: status})
	}
}
