package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailfeed/internal/decode"
	"mailfeed/internal/model"
	"mailfeed/internal/repository"
	"mailfeed/internal/webhook"
)

type fakeStore struct {
	mu     sync.Mutex
	events map[string]*model.EmailEvent
	errs   []error // consumed per Put call; nil entries mean success
	puts   int
}

func newFakeStore(errs ...error) *fakeStore {
	return &fakeStore{events: make(map[string]*model.EmailEvent), errs: errs}
}

func (s *fakeStore) Put(ctx context.Context, e *model.EmailEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.events[fmt.Sprintf("%s:%d", e.MessageID, e.SentAt)] = e
	return nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  int
	report webhook.Report
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, e *model.EmailEvent) webhook.Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.report
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int64)}
}

func (c *fakeCounter) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

func (c *fakeCounter) Reset(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
	return nil
}

type fakeDLQ struct {
	mu        sync.Mutex
	published [][]byte
}

func (d *fakeDLQ) PublishToDLQ(routingKey string, payload []byte, originalError string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published = append(d.published, payload)
	return nil
}

func newTestWorker(store EventStore, dispatcher Dispatcher, counter ReceiveCounter, dlq DeadLetterer) *Worker {
	decoder := decode.NewDecoder(90*24*time.Hour, zap.NewNop())
	return New(decoder, store, dispatcher, counter, dlq, nil, Config{
		RoutingKey:      "notification.status",
		MaxReceiveCount: 3,
		Concurrency:     4,
	}, zap.NewNop())
}

func bounceBody(messageID string, seconds int) []byte {
	return []byte(fmt.Sprintf(`{
		"notificationType": "Bounce",
		"mail": {
			"messageId": %q,
			"timestamp": "1970-01-01T00:00:%02dZ",
			"sendingAccountId": "acct-1"
		},
		"bounce": {"bounceType": "Permanent", "bounceSubType": "General"}
	}`, messageID, seconds))
}

func snsEnvelope(notifications ...[]byte) []byte {
	records := make([]map[string]any, 0, len(notifications))
	for _, n := range notifications {
		records = append(records, map[string]any{
			"Sns": map[string]any{"Message": string(n)},
		})
	}
	body, err := json.Marshal(map[string]any{"Records": records})
	if err != nil {
		panic(err)
	}
	return body
}

func TestProcessBatchStoresAndDispatches(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{report: webhook.Report{Total: 1, Successful: 1}}
	w := newTestWorker(store, dispatcher, newFakeCounter(), &fakeDLQ{})

	result := w.ProcessBatch(context.Background(), [][]byte{bounceBody("msg-1", 1)})

	assert.Equal(t, 200, result.StatusCode)
	require.Len(t, result.Results, 1)
	assert.Equal(t, StatusAcknowledged, result.Results[0].Status)
	assert.Equal(t, "msg-1", result.Results[0].MessageID)

	evt, ok := store.events["msg-1:1000"]
	require.True(t, ok)
	assert.Equal(t, model.EventBounce, evt.EventType)
	assert.Equal(t, "acct-1", evt.AccountID)
	assert.Equal(t, 1, dispatcher.calls)
}

// An envelope carrying several records yields one store and one webhook
// fan-out per notification, with the reports combined into the message result.
func TestMultiRecordEnvelopeDispatchesEachNotification(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{report: webhook.Report{Total: 1, Successful: 1}}
	w := newTestWorker(store, dispatcher, newFakeCounter(), &fakeDLQ{})

	body := snsEnvelope(bounceBody("msg-1", 1), bounceBody("msg-2", 2))
	result := w.ProcessBatch(context.Background(), [][]byte{body})

	require.Len(t, result.Results, 1)
	assert.Equal(t, StatusAcknowledged, result.Results[0].Status)
	assert.Len(t, store.events, 2)
	assert.Equal(t, 2, dispatcher.calls)
	assert.Equal(t, 2, result.Results[0].Webhook.Total)
	assert.Equal(t, 2, result.Results[0].Webhook.Successful)
}

// A message that fails to decode is dropped without blocking its siblings.
func TestProcessBatchPerMessageIsolation(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	w := newTestWorker(store, dispatcher, newFakeCounter(), &fakeDLQ{})

	result := w.ProcessBatch(context.Background(), [][]byte{
		bounceBody("msg-a", 1),
		[]byte(`{"mail": {"messageId": "no-type"}}`),
		bounceBody("msg-b", 2),
	})

	require.Len(t, result.Results, 3)
	assert.Equal(t, StatusAcknowledged, result.Results[0].Status)
	assert.Equal(t, StatusDroppedPermanent, result.Results[1].Status)
	assert.Equal(t, StatusAcknowledged, result.Results[2].Status)
	assert.Len(t, store.events, 2)
	assert.Equal(t, 2, dispatcher.calls)
}

func TestProcessBatchMalformedEnvelopeDropped(t *testing.T) {
	store := newFakeStore()
	w := newTestWorker(store, &fakeDispatcher{}, newFakeCounter(), &fakeDLQ{})

	result := w.ProcessBatch(context.Background(), [][]byte{[]byte(`{broken`)})

	assert.Equal(t, StatusDroppedPermanent, result.Results[0].Status)
	assert.Empty(t, store.events)
}

func TestTransientStoreFailureRequeuesThenSucceeds(t *testing.T) {
	store := newFakeStore(&repository.StoreError{Transient: true, Err: errors.New("throttled")})
	dispatcher := &fakeDispatcher{}
	counter := newFakeCounter()
	w := newTestWorker(store, dispatcher, counter, &fakeDLQ{})

	body := bounceBody("msg-1", 1)

	first := w.ProcessBatch(context.Background(), [][]byte{body})
	assert.Equal(t, StatusRedeliveryPending, first.Results[0].Status)
	assert.Empty(t, store.events)
	assert.Equal(t, 0, dispatcher.calls)

	// Queue redelivers; second attempt stores exactly once and acks.
	second := w.ProcessBatch(context.Background(), [][]byte{body})
	assert.Equal(t, StatusAcknowledged, second.Results[0].Status)
	assert.Len(t, store.events, 1)
	assert.Equal(t, 1, dispatcher.calls)
	assert.Empty(t, counter.counts, "receive counter is reset after a successful store")
}

func TestNonTransientStoreFailureDropped(t *testing.T) {
	store := newFakeStore(&repository.StoreError{Transient: false, ErrorType: "constraint_violation", Err: errors.New("value too long")})
	dlq := &fakeDLQ{}
	w := newTestWorker(store, &fakeDispatcher{}, newFakeCounter(), dlq)

	result := w.ProcessBatch(context.Background(), [][]byte{bounceBody("msg-1", 1)})

	assert.Equal(t, StatusDroppedPermanent, result.Results[0].Status)
	assert.Empty(t, dlq.published, "non-transient failures are dropped, not dead-lettered")
}

// A store aborted by shutdown cancellation leaves the message on the queue,
// even though cancellation classifies as non-transient, and does not count
// toward dead-lettering.
func TestCanceledStoreRequeues(t *testing.T) {
	store := newFakeStore(&repository.StoreError{
		Transient: false,
		ErrorType: "context_canceled",
		Err:       context.Canceled,
	})
	dlq := &fakeDLQ{}
	counter := newFakeCounter()
	w := newTestWorker(store, &fakeDispatcher{}, counter, dlq)

	result := w.ProcessBatch(context.Background(), [][]byte{bounceBody("msg-1", 1)})

	assert.Equal(t, StatusRedeliveryPending, result.Results[0].Status)
	assert.Empty(t, dlq.published)
	assert.Empty(t, counter.counts)
	assert.Empty(t, store.events)
}

// A message failing storage on every attempt hits the max receive count and
// goes to the DLQ on the final attempt instead of being acknowledged as stored.
func TestMaxReceiveCountDeadLetters(t *testing.T) {
	store := newFakeStore(
		&repository.StoreError{Transient: true, Err: errors.New("timeout")},
		&repository.StoreError{Transient: true, Err: errors.New("timeout")},
		&repository.StoreError{Transient: true, Err: errors.New("timeout")},
	)
	dlq := &fakeDLQ{}
	w := newTestWorker(store, &fakeDispatcher{}, newFakeCounter(), dlq)

	body := bounceBody("msg-1", 1)

	for attempt := 1; attempt <= 2; attempt++ {
		result := w.ProcessBatch(context.Background(), [][]byte{body})
		assert.Equal(t, StatusRedeliveryPending, result.Results[0].Status, "attempt %d", attempt)
	}

	final := w.ProcessBatch(context.Background(), [][]byte{body})
	assert.Equal(t, StatusDeadLettered, final.Results[0].Status)
	require.Len(t, dlq.published, 1)
	assert.Equal(t, body, dlq.published[0])
	assert.Empty(t, store.events)
}

// Webhook failures never cause reprocessing of an already-stored event.
func TestWebhookFailureStillAcknowledged(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{report: webhook.Report{Total: 2, Successful: 1, Failed: 1}}
	w := newTestWorker(store, dispatcher, newFakeCounter(), &fakeDLQ{})

	result := w.ProcessBatch(context.Background(), [][]byte{bounceBody("msg-1", 1)})

	assert.Equal(t, 207, result.StatusCode)
	assert.Equal(t, StatusAcknowledged, result.Results[0].Status)
	assert.Equal(t, 1, result.Results[0].Webhook.Failed)
	assert.Len(t, store.events, 1)
}

// Two notifications for the same messageId with different sentAt values are
// independent rows.
func TestSameMessageDifferentTimestamps(t *testing.T) {
	store := newFakeStore()
	w := newTestWorker(store, &fakeDispatcher{}, newFakeCounter(), &fakeDLQ{})

	result := w.ProcessBatch(context.Background(), [][]byte{
		bounceBody("msg-1", 1),
		bounceBody("msg-1", 2),
	})

	assert.Equal(t, 200, result.StatusCode)
	assert.Len(t, store.events, 2)
}
