package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"mailfeed/internal/model"
	"mailfeed/pkg/metrics"
	"mailfeed/pkg/retry"
	"mailfeed/pkg/util"
)

// StoreError wraps an event store failure. Transient errors are worth a
// queue-level redelivery; non-transient errors (schema or size violations)
// are reported up and the event is dropped.
type StoreError struct {
	Transient bool
	ErrorType string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error (%s, transient=%v): %v", e.ErrorType, e.Transient, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

const putTimeout = 5 * time.Second

// EventRepository is the only writer of email_events rows. Rows are
// append-only and expire via the expires_at attribute; expiry is enforced by
// a scheduled job owned by the platform, never by this code.
type EventRepository struct {
	db     *pgxpool.Pool
	table  string
	retry  retry.Config
	logger *zap.Logger
}

func NewEventRepository(db *pgxpool.Pool, table string, logger *zap.Logger) *EventRepository {
	return &EventRepository{
		db:    db,
		table: table,
		retry: retry.Config{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		logger: logger,
	}
}

// Put upserts an event keyed by (message_id, sent_at). Re-delivery of the
// same notification overwrites the same row; when the content differs the
// last writer wins, decided by call order. Transient failures are retried
// in-call with bounded exponential backoff before surfacing.
func (r *EventRepository) Put(ctx context.Context, e *model.EmailEvent) error {
	query := fmt.Sprintf(`
        INSERT INTO %s (
            message_id, sent_at, account_id, event_type, source, destination,
            subject, bounce_type, bounce_subtype, bounced_recipients,
            complaint_feedback_type, processing_time_ms, smtp_response,
            link, ip_address, user_agent, raw_event, expires_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
        ON CONFLICT (message_id, sent_at) DO UPDATE SET
            account_id = EXCLUDED.account_id,
            event_type = EXCLUDED.event_type,
            source = EXCLUDED.source,
            destination = EXCLUDED.destination,
            subject = EXCLUDED.subject,
            bounce_type = EXCLUDED.bounce_type,
            bounce_subtype = EXCLUDED.bounce_subtype,
            bounced_recipients = EXCLUDED.bounced_recipients,
            complaint_feedback_type = EXCLUDED.complaint_feedback_type,
            processing_time_ms = EXCLUDED.processing_time_ms,
            smtp_response = EXCLUDED.smtp_response,
            link = EXCLUDED.link,
            ip_address = EXCLUDED.ip_address,
            user_agent = EXCLUDED.user_agent,
            raw_event = EXCLUDED.raw_event,
            expires_at = EXCLUDED.expires_at
    `, r.table)

	var bounceType, bounceSubType *string
	var bouncedRecipients []string
	if e.Bounce != nil {
		bounceType = &e.Bounce.Type
		bounceSubType = &e.Bounce.SubType
		bouncedRecipients = e.Bounce.Recipients
	}
	var feedbackType *string
	if e.Complaint != nil {
		feedbackType = &e.Complaint.FeedbackType
	}
	var processingTimeMs *int64
	var smtpResponse *string
	if e.Delivery != nil {
		processingTimeMs = &e.Delivery.ProcessingTimeMillis
		smtpResponse = &e.Delivery.SMTPResponse
	}
	var link, ipAddress, userAgent *string
	if e.Open != nil {
		ipAddress = &e.Open.IPAddress
		userAgent = &e.Open.UserAgent
	}
	if e.Click != nil {
		link = &e.Click.Link
		ipAddress = &e.Click.IPAddress
		userAgent = &e.Click.UserAgent
	}

	start := time.Now()
	err := retry.Do(ctx, r.retry, func() error {
		putCtx, cancel := context.WithTimeout(ctx, putTimeout)
		defer cancel()

		_, execErr := r.db.Exec(putCtx, query,
			e.MessageID,
			e.SentAt,
			e.AccountID,
			string(e.EventType),
			e.Source,
			e.Destination,
			e.Subject,
			bounceType,
			bounceSubType,
			bouncedRecipients,
			feedbackType,
			processingTimeMs,
			smtpResponse,
			link,
			ipAddress,
			userAgent,
			[]byte(e.RawEvent),
			e.ExpiresAt,
		)
		if execErr == nil {
			return nil
		}

		retryable, errType := util.IsRetryableError(execErr)
		storeErr := &StoreError{Transient: retryable, ErrorType: errType, Err: execErr}
		if !retryable {
			return retry.Permanent(storeErr)
		}
		r.logger.Warn("Transient store error, retrying",
			zap.String("message_id", e.MessageID),
			zap.Int64("sent_at", e.SentAt),
			zap.String("error_type", errType),
			zap.Error(execErr),
		)
		return storeErr
	})

	if err != nil {
		metrics.RecordStorePut("failure", time.Since(start))
		return err
	}
	metrics.RecordStorePut("success", time.Since(start))
	return nil
}

// ScanFilter narrows a scan. AccountIDs and EventTypes are optional; the
// time range is [Start, End) in epoch millis.
type ScanFilter struct {
	AccountIDs []string
	Start      int64
	End        int64
	EventTypes []model.EventType
}

// Scan streams events in the range to fn. No ordering is guaranteed. The
// scan holds no state between invocations, so it is safe to re-invoke after
// a transient failure.
func (r *EventRepository) Scan(ctx context.Context, f ScanFilter, fn func(*model.EmailEvent) error) error {
	query := fmt.Sprintf(`
        SELECT message_id, sent_at, account_id, event_type, source, destination,
               subject, bounce_type, bounce_subtype, bounced_recipients,
               complaint_feedback_type, processing_time_ms, smtp_response,
               link, ip_address, user_agent, raw_event, expires_at
        FROM %s
        WHERE sent_at >= $1 AND sent_at < $2
    `, r.table)

	args := []any{f.Start, f.End}
	if len(f.AccountIDs) > 0 {
		args = append(args, f.AccountIDs)
		query += fmt.Sprintf(" AND account_id = ANY($%d)", len(args))
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, 0, len(f.EventTypes))
		for _, t := range f.EventTypes {
			types = append(types, string(t))
		}
		args = append(args, types)
		query += fmt.Sprintf(" AND event_type = ANY($%d)", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		retryable, errType := util.IsRetryableError(err)
		return &StoreError{Transient: retryable, ErrorType: errType, Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var e model.EmailEvent
		var eventType string
		var bounceType, bounceSubType, feedbackType *string
		var bouncedRecipients []string
		var processingTimeMs *int64
		var smtpResponse, link, ipAddress, userAgent *string

		err := rows.Scan(
			&e.MessageID,
			&e.SentAt,
			&e.AccountID,
			&eventType,
			&e.Source,
			&e.Destination,
			&e.Subject,
			&bounceType,
			&bounceSubType,
			&bouncedRecipients,
			&feedbackType,
			&processingTimeMs,
			&smtpResponse,
			&link,
			&ipAddress,
			&userAgent,
			&e.RawEvent,
			&e.ExpiresAt,
		)
		if err != nil {
			return &StoreError{Transient: false, ErrorType: "scan_error", Err: err}
		}

		e.EventType = model.EventType(eventType)
		if bounceType != nil {
			e.Bounce = &model.BounceInfo{
				Type:       *bounceType,
				Recipients: bouncedRecipients,
			}
			if bounceSubType != nil {
				e.Bounce.SubType = *bounceSubType
			}
		}
		if feedbackType != nil {
			e.Complaint = &model.ComplaintInfo{FeedbackType: *feedbackType}
		}
		if processingTimeMs != nil {
			e.Delivery = &model.DeliveryInfo{ProcessingTimeMillis: *processingTimeMs}
			if smtpResponse != nil {
				e.Delivery.SMTPResponse = *smtpResponse
			}
		}
		switch e.EventType {
		case model.EventOpen:
			if ipAddress != nil || userAgent != nil {
				e.Open = &model.OpenInfo{}
				if ipAddress != nil {
					e.Open.IPAddress = *ipAddress
				}
				if userAgent != nil {
					e.Open.UserAgent = *userAgent
				}
			}
		case model.EventClick:
			if link != nil {
				e.Click = &model.ClickInfo{Link: *link}
				if ipAddress != nil {
					e.Click.IPAddress = *ipAddress
				}
				if userAgent != nil {
					e.Click.UserAgent = *userAgent
				}
			}
		}

		if err := fn(&e); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		retryable, errType := util.IsRetryableError(err)
		return &StoreError{Transient: retryable, ErrorType: errType, Err: err}
	}
	return nil
}
