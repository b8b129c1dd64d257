package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mailfeed/internal/decode"
	"mailfeed/internal/model"
	"mailfeed/internal/repository"
	"mailfeed/internal/webhook"
	"mailfeed/pkg/logger"
	"mailfeed/pkg/metrics"
	"mailfeed/pkg/trace"
	"mailfeed/pkg/util"
)

// Status is the terminal state of one queue message.
type Status int

const (
	// StatusAcknowledged: decoded, stored, dispatch attempted. Ack.
	StatusAcknowledged Status = iota
	// StatusDroppedPermanent: decode failure or non-transient store failure.
	// Logged and acked; redelivering garbage would never succeed.
	StatusDroppedPermanent
	// StatusRedeliveryPending: transient store failure after in-call retries.
	// Nacked so the queue redelivers after its visibility window.
	StatusRedeliveryPending
	// StatusDeadLettered: transient failures exceeded the max receive count.
	// Published to the DLQ exchange and acked.
	StatusDeadLettered
)

func (s Status) String() string {
	switch s {
	case StatusAcknowledged:
		return "acknowledged"
	case StatusDroppedPermanent:
		return "dropped_permanent"
	case StatusRedeliveryPending:
		return "redelivery_pending"
	case StatusDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Result is the per-message outcome of a batch.
type Result struct {
	Status    Status
	MessageID string
	EventType model.EventType
	Err       error
	Webhook   webhook.Report
}

// BatchResult summarizes a processed batch. StatusCode is 200 when every
// acknowledged message also delivered all its webhooks, 207 when webhook
// failures were present.
type BatchResult struct {
	StatusCode int
	Results    []Result
}

// Worker runs the decode → store → dispatch pipeline for incoming queue
// batches. Messages are processed independently with bounded concurrency and
// no shared mutable state beyond read-only configuration; the queue's
// visibility window is the only cross-invocation coordination.
type Worker struct {
	decoder         *decode.Decoder
	store           EventStore
	dispatcher      Dispatcher
	counter         ReceiveCounter
	dlq             DeadLetterer
	deduper         Deduper
	routingKey      string
	maxReceiveCount int64
	concurrency     int
	logger          *zap.Logger
}

type Config struct {
	RoutingKey      string
	MaxReceiveCount int64
	Concurrency     int
}

func New(
	decoder *decode.Decoder,
	store EventStore,
	dispatcher Dispatcher,
	counter ReceiveCounter,
	dlq DeadLetterer,
	deduper Deduper,
	cfg Config,
	log *zap.Logger,
) *Worker {
	if cfg.MaxReceiveCount <= 0 {
		cfg.MaxReceiveCount = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Worker{
		decoder:         decoder,
		store:           store,
		dispatcher:      dispatcher,
		counter:         counter,
		dlq:             dlq,
		deduper:         deduper,
		routingKey:      cfg.RoutingKey,
		maxReceiveCount: cfg.MaxReceiveCount,
		concurrency:     cfg.Concurrency,
		logger:          log,
	}
}

// ProcessBatch processes each message independently: one message's failure
// never prevents processing or acknowledgment of its siblings. It never
// panics outward; unexpected failures inside one message's processing are
// treated as a transient store failure for that message only.
func (w *Worker) ProcessBatch(ctx context.Context, bodies [][]byte) BatchResult {
	metrics.BatchSize.Observe(float64(len(bodies)))

	results := make([]Result, len(bodies))
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	for i, body := range bodies {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, body []byte) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = w.processOne(trace.WithContext(ctx, trace.GenerateTraceID()), body)
		}(i, body)
	}
	wg.Wait()

	status := 200
	for _, res := range results {
		metrics.RecordIngested(string(res.EventType), res.Status.String())
		if res.Status == StatusAcknowledged && res.Webhook.Failed > 0 {
			status = 207
		}
	}
	return BatchResult{StatusCode: status, Results: results}
}

// processOne walks one message through
// Received → Decoded → Stored → Dispatched → Acknowledged.
func (w *Worker) processOne(ctx context.Context, body []byte) (result Result) {
	log := logger.WithTrace(ctx, w.logger)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic while processing message, treating as transient",
				zap.Any("panic", r),
			)
			result = w.storeFailure(ctx, log, result.MessageID, 0, body,
				fmt.Errorf("panic: %v", r))
		}
	}()

	payloads, err := w.decoder.Unwrap(body)
	if err != nil {
		log.Error("Undecodable envelope, dropping message", zap.Error(err))
		return Result{Status: StatusDroppedPermanent, Err: err}
	}

	// Each decoded notification is stored and dispatched individually; the
	// envelope is only a transport grouping. The combined webhook report and
	// the last stored key summarize the message.
	var stored *model.EmailEvent
	var report webhook.Report
	for _, payload := range payloads {
		evt, err := w.decoder.Decode(payload)
		if err != nil {
			var decodeErr *decode.DecodeError
			if errors.As(err, &decodeErr) {
				// Permanent: log and drop this notification, do not fail siblings.
				log.Error("Undecodable notification, dropping",
					zap.String("reason", decodeErr.Reason),
					zap.Error(err),
				)
				continue
			}
			log.Error("Unexpected decode failure, dropping", zap.Error(err))
			continue
		}

		if err := w.store.Put(ctx, evt); err != nil {
			return w.storeFailure(ctx, log, evt.MessageID, evt.SentAt, body, err)
		}
		stored = evt

		key := util.FormatReceiveKey(evt.MessageID, evt.SentAt)
		if resetErr := w.counter.Reset(ctx, key); resetErr != nil {
			log.Warn("Failed to reset receive counter", zap.Error(resetErr))
		}

		// Dispatch failures are best-effort: the event is ingested once stored,
		// and re-storing on webhook failure would be wasted work.
		r := w.dispatch(ctx, evt)
		report.Total += r.Total
		report.Successful += r.Successful
		report.Failed += r.Failed
		report.Results = append(report.Results, r.Results...)
	}

	if stored == nil {
		// Nothing in the envelope decoded; redelivery would never help.
		return Result{Status: StatusDroppedPermanent}
	}

	log.Info("Message processed",
		zap.String("message_id", stored.MessageID),
		zap.Int64("sent_at", stored.SentAt),
		zap.String("event_type", string(stored.EventType)),
		zap.Int("webhooks_failed", report.Failed),
	)

	return Result{
		Status:    StatusAcknowledged,
		MessageID: stored.MessageID,
		EventType: stored.EventType,
		Webhook:   report,
	}
}

func (w *Worker) dispatch(ctx context.Context, evt *model.EmailEvent) webhook.Report {
	if w.deduper != nil {
		key := fmt.Sprintf("%s:%d", evt.MessageID, evt.SentAt)
		if !w.deduper.AcquireOnce(ctx, "webhook", key) {
			return webhook.Report{}
		}
	}
	return w.dispatcher.Dispatch(ctx, evt)
}

// storeFailure resolves a failed store attempt into redelivery, drop, or
// dead-letter. Transient failures count against the max receive count; the
// counter lives in Redis because the queue does not expose receive counts.
func (w *Worker) storeFailure(ctx context.Context, log *zap.Logger, messageID string, sentAt int64, body []byte, err error) Result {
	if errors.Is(err, context.Canceled) {
		// Shutdown interrupted the write. The message was never stored, so it
		// must stay on the queue; cancellation also does not count toward the
		// max receive count.
		log.Warn("Store interrupted by cancellation, message will be redelivered",
			zap.String("message_id", messageID),
		)
		return Result{Status: StatusRedeliveryPending, MessageID: messageID, Err: err}
	}

	var storeErr *repository.StoreError
	if errors.As(err, &storeErr) && !storeErr.Transient {
		log.Error("Non-transient store error, dropping message",
			zap.String("message_id", messageID),
			zap.String("error_type", storeErr.ErrorType),
			zap.Error(err),
		)
		return Result{Status: StatusDroppedPermanent, MessageID: messageID, Err: err}
	}

	fingerprint := messageID
	if fingerprint == "" {
		// No decoded key yet (e.g. a panic before decode finished); fall back
		// to a body digest so distinct messages never share a counter.
		sum := sha256.Sum256(body)
		fingerprint = "body-" + hex.EncodeToString(sum[:8])
	}
	key := util.FormatReceiveKey(fingerprint, sentAt)
	count, cntErr := w.counter.IncrementAndGet(ctx, key)
	if cntErr != nil {
		// Counter unavailable: keep redelivering rather than risk losing data.
		log.Warn("Receive counter unavailable, requeueing",
			zap.String("message_id", messageID),
			zap.Error(cntErr),
		)
		return Result{Status: StatusRedeliveryPending, MessageID: messageID, Err: err}
	}

	if count >= w.maxReceiveCount {
		if dlqErr := w.dlq.PublishToDLQ(w.routingKey, body, err.Error()); dlqErr != nil {
			log.Error("Failed to publish to DLQ, requeueing",
				zap.String("message_id", messageID),
				zap.Error(dlqErr),
			)
			return Result{Status: StatusRedeliveryPending, MessageID: messageID, Err: err}
		}
		metrics.DeadLetteredMessages.Inc()
		log.Error("Max receive count exceeded, message dead-lettered",
			zap.String("message_id", messageID),
			zap.Int64("receive_count", count),
			zap.Error(err),
		)
		return Result{Status: StatusDeadLettered, MessageID: messageID, Err: err}
	}

	log.Warn("Transient store failure, message will be redelivered",
		zap.String("message_id", messageID),
		zap.Int64("receive_count", count),
		zap.Error(err),
	)
	return Result{Status: StatusRedeliveryPending, MessageID: messageID, Err: err}
}
