package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailfeed/internal/model"
	"mailfeed/pkg/circuitbreaker"
	"mailfeed/pkg/metrics"
)

// Result is the outcome of one POST to one receiver.
type Result struct {
	Receiver   string        `json:"receiver"`
	Success    bool          `json:"success"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"-"`
}

// Report summarizes the fan-out for one event. Any failure present means a
// degraded (not fatal) outcome: the event is already stored.
type Report struct {
	Total      int      `json:"total"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Results    []Result `json:"results"`
}

// payload is the normalized body POSTed to each receiver.
type payload struct {
	Event       string          `json:"event"`
	MessageID   string          `json:"messageId"`
	Timestamp   string          `json:"timestamp"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Subject     string          `json:"subject"`
	Data        json.RawMessage `json:"data"`
}

type Options struct {
	Timeout     time.Duration
	MaxInFlight int
	Breaker     circuitbreaker.Config
}

// Dispatcher fans an event out to the configured receivers. Receiver calls
// are independent: one failure never blocks delivery to another. There is no
// in-call retry; receivers are expected to be idempotent on messageId, and
// redelivery happens at the queue level.
type Dispatcher struct {
	receivers []string
	client    *http.Client
	breakers  map[string]*circuitbreaker.CircuitBreaker
	sem       chan struct{}
	logger    *zap.Logger
}

func NewDispatcher(receivers []string, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 4
	}
	if opts.Breaker.FailureThreshold == 0 {
		opts.Breaker = circuitbreaker.DefaultConfig()
	}

	breakers := make(map[string]*circuitbreaker.CircuitBreaker, len(receivers))
	for _, r := range receivers {
		breakers[r] = circuitbreaker.NewCircuitBreaker(opts.Breaker)
	}

	return &Dispatcher{
		receivers: receivers,
		client:    &http.Client{Timeout: opts.Timeout},
		breakers:  breakers,
		sem:       make(chan struct{}, opts.MaxInFlight),
		logger:    logger,
	}
}

// Dispatch POSTs the normalized event to every receiver with bounded
// concurrency and returns a per-receiver report. With no receivers
// configured it is a no-op returning an empty report.
func (d *Dispatcher) Dispatch(ctx context.Context, e *model.EmailEvent) Report {
	report := Report{Total: len(d.receivers)}
	if len(d.receivers) == 0 {
		return report
	}

	body, err := json.Marshal(payload{
		Event:       string(e.EventType),
		MessageID:   e.MessageID,
		Timestamp:   time.UnixMilli(e.SentAt).UTC().Format(time.RFC3339),
		Source:      e.Source,
		Destination: strings.Join(e.Destination, ", "),
		Subject:     e.Subject,
		Data:        e.RawEvent,
	})
	if err != nil {
		// Marshal of our own types failing means a bug, not a receiver problem.
		for _, r := range d.receivers {
			report.Results = append(report.Results, Result{
				Receiver: r,
				Error:    fmt.Sprintf("marshal payload: %v", err),
			})
		}
		report.Failed = report.Total
		return report
	}

	results := make([]Result, len(d.receivers))
	var wg sync.WaitGroup
	for i, receiver := range d.receivers {
		wg.Add(1)
		d.sem <- struct{}{}
		go func(i int, receiver string) {
			defer wg.Done()
			defer func() { <-d.sem }()
			results[i] = d.deliver(ctx, receiver, string(e.EventType), body)
		}(i, receiver)
	}
	wg.Wait()

	for _, res := range results {
		if res.Success {
			report.Successful++
		} else {
			report.Failed++
		}
	}
	report.Results = results
	return report
}

func (d *Dispatcher) deliver(ctx context.Context, receiver, eventType string, body []byte) Result {
	start := time.Now()
	res := Result{Receiver: receiver}

	breaker := d.breakers[receiver]
	err := breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, receiver, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Mailfeed-Event", eventType)

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		res.StatusCode = resp.StatusCode
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("receiver returned status %d", resp.StatusCode)
		}
		return nil
	})

	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		outcome := "failure"
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			outcome = "short_circuited"
		}
		metrics.RecordWebhookDelivery(receiver, outcome, res.Duration)
		d.logger.Warn("Webhook delivery failed",
			zap.String("receiver", receiver),
			zap.Int("status_code", res.StatusCode),
			zap.Error(err),
		)
		return res
	}

	res.Success = true
	metrics.RecordWebhookDelivery(receiver, "success", res.Duration)
	return res
}
