package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailfeed/internal/model"
	"mailfeed/pkg/circuitbreaker"
)

func testEvent() *model.EmailEvent {
	return &model.EmailEvent{
		MessageID:   "msg-1",
		EventType:   model.EventBounce,
		SentAt:      1000,
		Source:      "sender@example.com",
		Destination: []string{"rcpt@example.com"},
		Subject:     "Hello",
		RawEvent:    json.RawMessage(`{"notificationType":"Bounce"}`),
	}
}

func TestDispatchNoReceivers(t *testing.T) {
	d := NewDispatcher(nil, Options{}, zap.NewNop())

	report := d.Dispatch(context.Background(), testEvent())
	assert.Equal(t, 0, report.Total)
	assert.Equal(t, 0, report.Successful)
	assert.Equal(t, 0, report.Failed)
	assert.Empty(t, report.Results)
}

func TestDispatchNormalizedPayload(t *testing.T) {
	var gotBody map[string]any
	var gotEventHeader, gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEventHeader = r.Header.Get("X-Mailfeed-Event")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]string{srv.URL}, Options{}, zap.NewNop())
	report := d.Dispatch(context.Background(), testEvent())

	require.Equal(t, 1, report.Successful)
	assert.Equal(t, "Bounce", gotEventHeader)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "Bounce", gotBody["event"])
	assert.Equal(t, "msg-1", gotBody["messageId"])
	assert.Equal(t, "1970-01-01T00:00:01Z", gotBody["timestamp"])
	assert.Equal(t, "sender@example.com", gotBody["source"])
	assert.Equal(t, "rcpt@example.com", gotBody["destination"])
	assert.Equal(t, "Hello", gotBody["subject"])
	assert.NotNil(t, gotBody["data"])
}

// One receiver answers 200, the other times out: the report must show one
// success and one failure, and neither call blocks the other.
func TestDispatchPartialFailure(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer slow.Close()

	d := NewDispatcher([]string{ok.URL, slow.URL}, Options{Timeout: 100 * time.Millisecond}, zap.NewNop())
	report := d.Dispatch(context.Background(), testEvent())

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Results, 2)
	assert.True(t, report.Results[0].Success)
	assert.False(t, report.Results[1].Success)
	assert.NotEmpty(t, report.Results[1].Error)
}

func TestDispatchNon2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher([]string{srv.URL}, Options{}, zap.NewNop())
	report := d.Dispatch(context.Background(), testEvent())

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, http.StatusInternalServerError, report.Results[0].StatusCode)
}

func TestDispatchCircuitBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewDispatcher([]string{srv.URL}, Options{
		Breaker: circuitbreaker.Config{
			FailureThreshold:    2,
			SuccessThreshold:    1,
			Timeout:             time.Minute,
			HalfOpenMaxRequests: 1,
		},
	}, zap.NewNop())

	for i := 0; i < 5; i++ {
		report := d.Dispatch(context.Background(), testEvent())
		assert.Equal(t, 1, report.Failed)
	}

	// After the threshold trips, further dispatches fail fast.
	assert.Equal(t, int64(2), calls.Load())
}
