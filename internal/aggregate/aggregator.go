package aggregate

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"mailfeed/internal/model"
	"mailfeed/internal/repository"
	"mailfeed/pkg/metrics"
)

// DefaultPeriod is the bucket width the dashboard charts at.
const DefaultPeriod = 5 * time.Minute

// Bucket is one fixed-width time interval of counts, aligned to epoch.
type Bucket struct {
	BucketStart int64 `json:"timestamp"` // epoch millis
	Count       int64 `json:"value"`
}

// Scanner is the read-only view of the event store the aggregator consumes.
type Scanner interface {
	Scan(ctx context.Context, f repository.ScanFilter, fn func(*model.EmailEvent) error) error
}

// Aggregator buckets stored events into fixed-width counters for the
// dashboard. It is a read-only consumer of the event store.
type Aggregator struct {
	store  Scanner
	period int64 // millis
	logger *zap.Logger
}

func New(store Scanner, period time.Duration, logger *zap.Logger) *Aggregator {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Aggregator{
		store:  store,
		period: period.Milliseconds(),
		logger: logger,
	}
}

// Aggregate scans [start, end) and counts events per epoch-aligned bucket
// (bucketStart = floor(sentAt/period)*period), ascending by bucket start.
// Every requested event type is present in the result, empty slice included.
// A store failure degrades to empty results so the dashboard shows "no data"
// instead of an error page.
func (a *Aggregator) Aggregate(ctx context.Context, start, end int64, eventTypes []model.EventType) map[model.EventType][]Bucket {
	if len(eventTypes) == 0 {
		eventTypes = model.AllEventTypes
	}

	out := make(map[model.EventType][]Bucket, len(eventTypes))
	for _, t := range eventTypes {
		out[t] = []Bucket{}
	}

	acc := make(map[model.EventType]map[int64]int64)

	began := time.Now()
	err := a.store.Scan(ctx, repository.ScanFilter{
		Start:      start,
		End:        end,
		EventTypes: eventTypes,
	}, func(e *model.EmailEvent) error {
		bucketStart := e.SentAt / a.period * a.period
		buckets, ok := acc[e.EventType]
		if !ok {
			buckets = make(map[int64]int64)
			acc[e.EventType] = buckets
		}
		buckets[bucketStart]++
		return nil
	})
	if err != nil {
		metrics.RecordAggregation("failure", time.Since(began))
		a.logger.Error("Aggregation scan failed, returning empty buckets",
			zap.Int64("start", start),
			zap.Int64("end", end),
			zap.Error(err),
		)
		return out
	}
	metrics.RecordAggregation("success", time.Since(began))

	for eventType, buckets := range acc {
		series := make([]Bucket, 0, len(buckets))
		for bucketStart, count := range buckets {
			series = append(series, Bucket{BucketStart: bucketStart, Count: count})
		}
		sort.Slice(series, func(i, j int) bool {
			return series[i].BucketStart < series[j].BucketStart
		})
		out[eventType] = series
	}

	return out
}
