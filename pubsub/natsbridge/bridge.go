package natsbridge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
)

const (
	// DefaultSubjectPrefix is the first subject token when no prefix is configured.
	DefaultSubjectPrefix = "pubsub"

	// DefaultSource is the CloudEvents source prefix, the topic is appended to it.
	DefaultSource = "/pubsub"

	typePrefix = "pubsub."

	logMsgPublishFailed = "pubsub bridge: publishing notification failed"
	logMsgEncodeFailed  = "pubsub bridge: encoding notification failed"
	logAttrSubject      = "subject"
	logAttrTopic        = "topic"
	logAttrName         = "name"
	logAttrError        = "error"

	metricPublished = "pubsub_bridge_published_total"
	metricErrors    = "pubsub_bridge_errors_total"
	labelTopic      = "topic"
	labelStage      = "stage"
	stageEncode     = "encode"
	stagePublish    = "publish"
)

// ErrConnectingFailed is returned when the NATS connection cannot be established.
var ErrConnectingFailed = errors.New("connecting to nats failed")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Bridge publishes pubsub notifications to NATS subjects.
type Bridge struct {
	conn    *nats.Conn
	owned   bool
	prefix  string
	source  string
	logger  pubsub.Logger
	metrics pubsub.MetricsCollector
	now     func() time.Time
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithSubjectPrefix sets the first subject token. Empty keeps DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) Option {
	return func(b *Bridge) {
		if prefix != "" {
			b.prefix = strings.TrimSuffix(prefix, ".")
		}
	}
}

// WithSource sets the CloudEvents source prefix.
func WithSource(source string) Option {
	return func(b *Bridge) {
		if source != "" {
			b.source = strings.TrimSuffix(source, "/")
		}
	}
}

// WithLogger sets the logger for publish failures.
func WithLogger(logger pubsub.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithMetrics sets the collector for published and failed notifications.
func WithMetrics(collector pubsub.MetricsCollector) Option {
	return func(b *Bridge) {
		b.metrics = collector
	}
}

// New creates a Bridge on an existing connection. Close does not close conn.
func New(conn *nats.Conn, options ...Option) *Bridge {
	b := &Bridge{
		conn:   conn,
		prefix: DefaultSubjectPrefix,
		source: DefaultSource,
		now:    time.Now,
	}

	for _, option := range options {
		option(b)
	}

	return b
}

// Connect dials url and creates a Bridge that owns the connection.
func Connect(url string, options ...Option) (*Bridge, error) {
	conn, err := nats.Connect(url,
		nats.Name("pubsub-bridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, errors.Join(ErrConnectingFailed, fmt.Errorf("connecting to %s: %w", url, err))
	}

	b := New(conn, options...)
	b.owned = true

	return b, nil
}

// Listener returns a pubsub.Listener that republishes the notifications of topic.
func (b *Bridge) Listener(topic string) pubsub.Listener {
	return pubsub.ListenerFunc(func(name string, payload any) {
		b.Publish(pubsub.Notification{Topic: topic, Name: name, Payload: payload})
	})
}

// Subject returns the NATS subject a notification is published to.
func (b *Bridge) Subject(topic, name string) string {
	return b.prefix + "." + subjectToken(topic) + "." + subjectToken(name)
}

// Publish sends n as a CloudEvents envelope. Failures are logged and counted.
func (b *Bridge) Publish(n pubsub.Notification) {
	subject := b.Subject(n.Topic, n.Name)

	data, err := b.envelope(n)
	if err != nil {
		b.fail(n, subject, stageEncode, logMsgEncodeFailed, err)
		return
	}

	if err := b.conn.Publish(subject, data); err != nil {
		b.fail(n, subject, stagePublish, logMsgPublishFailed, err)
		return
	}

	if b.metrics != nil {
		b.metrics.IncrementCounter(metricPublished, map[string]string{labelTopic: n.Topic})
	}
}

// Flush waits until the server has processed every published notification.
func (b *Bridge) Flush(timeout time.Duration) error {
	return b.conn.FlushTimeout(timeout)
}

// Close drains and closes the connection if the Bridge created it.
func (b *Bridge) Close() error {
	if !b.owned {
		return nil
	}

	return b.conn.Drain()
}

// envelope wraps the payload into a CloudEvent. A full record keeps its identifier as event ID.
func (b *Bridge) envelope(n pubsub.Notification) ([]byte, error) {
	event := cloudevents.NewEvent()
	event.SetSpecVersion(cloudevents.VersionV1)
	event.SetType(typePrefix + n.Name)
	event.SetSource(b.source + "/" + n.Topic)
	event.SetSubject(n.Topic)

	var data any = n.Payload

	if record, ok := n.Payload.(pubsub.Record); ok {
		event.SetID(pubsub.IDString(record.ID))
		event.SetTime(record.CreatedAt)
		data = recordData{
			ID:       pubsub.IDString(record.ID),
			Event:    record.Event,
			Message:  record.Message,
			Sequence: record.Sequence,
		}
	} else {
		event.SetID(uuid.NewString())
		event.SetTime(b.now())
	}

	if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return nil, err
	}

	return json.Marshal(event)
}

func (b *Bridge) fail(n pubsub.Notification, subject, stage, msg string, err error) {
	if b.logger != nil {
		b.logger.Warn(msg, logAttrTopic, n.Topic, logAttrName, n.Name, logAttrSubject, subject, logAttrError, err.Error())
	}

	if b.metrics != nil {
		b.metrics.IncrementCounter(metricErrors, map[string]string{labelTopic: n.Topic, labelStage: stage})
	}
}

// recordData is the envelope data of a full record notification.
type recordData struct {
	ID       string         `json:"id"`
	Event    string         `json:"event"`
	Message  pubsub.Message `json:"message"`
	Sequence uint64         `json:"sequence"`
}

// subjectToken replaces the characters NATS reserves in subject tokens.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}

	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		default:
			return r
		}
	}, s)
}
