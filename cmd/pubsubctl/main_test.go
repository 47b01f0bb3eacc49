package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
)

// fakeStore keeps records in memory and delivers queued records to subscribers on Ensure.
type fakeStore struct {
	mu         sync.Mutex
	records    map[string]pubsub.Records
	partitions []string
	ensured    []string
	listeners  map[string][]pubsub.Listener
	pending    pubsub.Records
	lastQuery  pubsub.Query
	lastWhere  pubsub.Where
	migrated   bool
	closed     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:   make(map[string]pubsub.Records),
		listeners: make(map[string][]pubsub.Listener),
	}
}

func (f *fakeStore) Migrate(context.Context) error {
	f.migrated = true
	return nil
}

func (f *fakeStore) ProvisionPartition(_ context.Context, name string) error {
	f.partitions = append(f.partitions, name)
	return nil
}

func (f *fakeStore) DropPartition(_ context.Context, name string) error {
	kept := f.partitions[:0]
	for _, p := range f.partitions {
		if p != name {
			kept = append(kept, p)
		}
	}
	f.partitions = kept

	return nil
}

func (f *fakeStore) Partitions(context.Context) ([]string, error) {
	return f.partitions, nil
}

func (f *fakeStore) ResolvePartitionName(topic string) string {
	return "p_" + topic
}

func (f *fakeStore) Publish(_ context.Context, topic, event string, message pubsub.Message) (primitive.ObjectID, error) {
	if err := pubsub.ValidateRecordInput(event, message); err != nil {
		return primitive.NilObjectID, err
	}

	id := primitive.NewObjectID()
	f.records[topic] = append(f.records[topic], pubsub.Record{ID: id, Event: event, Message: message})

	return id, nil
}

func (f *fakeStore) Query(_ context.Context, topic string, q pubsub.Query) (pubsub.Records, error) {
	f.lastQuery = q
	return f.records[topic], nil
}

func (f *fakeStore) Count(_ context.Context, topic string, where pubsub.Where) (int64, error) {
	f.lastWhere = where
	return int64(len(f.records[topic])), nil
}

func (f *fakeStore) RemoveAll(_ context.Context, topic string, where pubsub.Where) (pubsub.RemoveResult, error) {
	f.lastWhere = where
	removed := len(f.records[topic])
	delete(f.records, topic)

	return pubsub.RemoveResult{Count: int64(removed)}, nil
}

func (f *fakeStore) Ensure(_ context.Context, topic string) (*pubsub.Channel, error) {
	f.mu.Lock()
	f.ensured = append(f.ensured, topic)
	listeners := append([]pubsub.Listener(nil), f.listeners[topic]...)
	pending := f.pending
	f.mu.Unlock()

	go func() {
		for _, record := range pending {
			for _, l := range listeners {
				l.Notify(record.Event, record.Message)
				l.Notify(pubsub.GenericNotification, record)
			}
		}
	}()

	return nil, nil
}

func (f *fakeStore) Subscribe(_ context.Context, topic string, l pubsub.Listener) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listeners[topic] = append(f.listeners[topic], l)

	return func() {}, nil
}

func (f *fakeStore) Topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.ensured...)
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func runCLI(t *testing.T, store *fakeStore, args ...string) (string, error) {
	t.Helper()

	a := newApp()
	a.openStore = func(context.Context, *app) (docStore, error) { return store, nil }

	var out, errOut bytes.Buffer
	cmd := newRootCmd(a)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--postgres-url", "postgres://localhost/test"}, args...))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := cmd.ExecuteContext(ctx)

	return out.String(), err
}

func Test_Migrate(t *testing.T) {
	// setup
	store := newFakeStore()

	// act
	out, err := runCLI(t, store, "migrate")

	// assert
	require.NoError(t, err)
	assert.True(t, store.migrated)
	assert.True(t, store.closed)
	assert.Contains(t, out, "schema is up to date")
}

func Test_ProvisionPartitionsDrop(t *testing.T) {
	// setup
	store := newFakeStore()

	// act
	_, provisionErr := runCLI(t, store, "provision", "orders")
	listed, listErr := runCLI(t, store, "partitions")
	_, refusedErr := runCLI(t, store, "drop", "orders")
	_, dropErr := runCLI(t, store, "drop", "orders", "--yes")

	// assert
	require.NoError(t, provisionErr)
	require.NoError(t, listErr)
	assert.Equal(t, "p_orders\n", listed)
	assert.ErrorContains(t, refusedErr, "without --yes")
	require.NoError(t, dropErr)
	assert.Empty(t, store.partitions)
}

func Test_Publish_ParsesTypedFields(t *testing.T) {
	// setup
	store := newFakeStore()

	// act
	out, err := runCLI(t, store, "publish", "orders", "created",
		"-f", "sku=A-1", "-f", "qty=2", "-f", "gift=true", "--message", `{"tags":["red"]}`)

	// assert
	require.NoError(t, err)
	require.Len(t, store.records["orders"], 1)

	record := store.records["orders"][0]
	assert.Equal(t, record.ID.(primitive.ObjectID).Hex()+"\n", out)
	assert.Equal(t, "created", record.Event)
	assert.Equal(t, pubsub.Message{"sku": "A-1", "qty": float64(2), "gift": true, "tags": []any{"red"}}, record.Message)
}

func Test_Publish_When_FieldIsMalformed_Fails(t *testing.T) {
	// act
	_, err := runCLI(t, newFakeStore(), "publish", "orders", "created", "-f", "novalue")

	// assert
	assert.ErrorContains(t, err, "expected key=value")
}

func Test_Publish_When_MessageIsEmpty_ReturnsValidationError(t *testing.T) {
	// act
	_, err := runCLI(t, newFakeStore(), "publish", "orders", "created")

	// assert
	assert.ErrorIs(t, err, pubsub.ErrValidation)
}

func Test_List_PassesQueryAndPrintsFlattenedRecords(t *testing.T) {
	// setup
	store := newFakeStore()
	id := primitive.NewObjectID()
	store.records["orders"] = pubsub.Records{{ID: id, Event: "created", Message: pubsub.Message{"sku": "A-1"}}}

	// act
	out, err := runCLI(t, store, "list", "orders",
		"--where", `{"event":"created"}`, "--order", "sku DESC", "--limit", "5", "--skip", "1")

	// assert
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, store.ensured)
	assert.Equal(t, pubsub.Where{"event": "created"}, store.lastQuery.Where)
	assert.Equal(t, []pubsub.SortKey{{Field: "sku", Descending: true}}, store.lastQuery.Order)
	assert.Equal(t, 5, store.lastQuery.Limit)
	assert.Equal(t, 1, store.lastQuery.Skip)

	var line map[string]any
	require.NoError(t, json.UnmarshalFromString(strings.TrimSpace(out), &line))
	assert.Equal(t, id.Hex(), line["id"])
	assert.Equal(t, "created", line["event"])
	assert.Equal(t, "A-1", line["sku"])
}

func Test_List_When_WhereIsNotJSON_Fails(t *testing.T) {
	// act
	_, err := runCLI(t, newFakeStore(), "list", "orders", "--where", "{nope")

	// assert
	assert.ErrorContains(t, err, "parsing --where")
}

func Test_Count(t *testing.T) {
	// setup
	store := newFakeStore()
	store.records["orders"] = pubsub.Records{{Event: "a"}, {Event: "b"}}

	// act
	out, err := runCLI(t, store, "count", "orders", "--where", `{"event":"a"}`)

	// assert
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)
	assert.Equal(t, pubsub.Where{"event": "a"}, store.lastWhere)
}

func Test_Purge_When_WhereIsMissing_RequiresAll(t *testing.T) {
	// setup
	store := newFakeStore()
	store.records["orders"] = pubsub.Records{{Event: "a"}}

	// act
	_, refusedErr := runCLI(t, store, "purge", "orders")
	out, err := runCLI(t, store, "purge", "orders", "--all")

	// assert
	assert.ErrorIs(t, refusedErr, errPurgeNeedsFilter)
	require.NoError(t, err)
	assert.Equal(t, "removed 1 records\n", out)
}

func Test_Tail_PrintsDeliveredRecordsUntilMax(t *testing.T) {
	// setup
	store := newFakeStore()
	store.pending = pubsub.Records{
		{ID: primitive.NewObjectID(), Event: "created", Message: pubsub.Message{"n": 1}},
		{ID: primitive.NewObjectID(), Event: "created", Message: pubsub.Message{"n": 2}},
		{ID: primitive.NewObjectID(), Event: "created", Message: pubsub.Message{"n": 3}},
	}

	// act
	out, err := runCLI(t, store, "tail", "orders", "--max-records", "2")

	// assert
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"n":1`)
	assert.Contains(t, lines[1], `"n":2`)
}

func Test_Tail_When_NATSIsNotConfigured_Fails(t *testing.T) {
	// act
	_, err := runCLI(t, newFakeStore(), "tail", "orders", "--nats")

	// assert
	assert.ErrorContains(t, err, "nats.url")
}

func Test_MetricsRouter_ServesMetricsAndHealth(t *testing.T) {
	// setup
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "pubsub_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	store := newFakeStore()
	store.ensured = []string{"orders"}
	router := newMetricsRouter(registry, store)

	// act
	metrics := httptest.NewRecorder()
	router.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	// assert
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "pubsub_test_total 1")
	assert.Equal(t, http.StatusOK, health.Code)
	assert.JSONEq(t, `{"status":"ok","topics":["orders"]}`, health.Body.String())
}

func Test_Setup_When_ConfigIsInvalid_DoesNotOpenStore(t *testing.T) {
	// setup
	opened := false
	a := newApp()
	a.openStore = func(context.Context, *app) (docStore, error) {
		opened = true
		return newFakeStore(), nil
	}
	cmd := newRootCmd(a)
	cmd.SetArgs([]string{"--postgres-url", "postgres://localhost/test", "--log-level", "loud", "migrate"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	// act
	err := cmd.Execute()

	// assert
	assert.ErrorContains(t, err, "logging.level")
	assert.False(t, opened)
}
