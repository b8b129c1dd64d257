package decode

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailfeed/internal/model"
)

const (
	ReasonMalformedJSON        = "malformed-json"
	ReasonMissingDiscriminator = "missing-discriminator"
)

// DecodeError marks a payload as permanently unprocessable. The worker acks
// and drops the message instead of requeueing it.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode failed (%s)", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// envelope is the pub/sub transport wrapper delivered by the queue.
type envelope struct {
	Records []struct {
		Sns struct {
			Message              string `json:"Message"`
			EventSubscriptionArn string `json:"EventSubscriptionArn"`
		} `json:"Sns"`
	} `json:"Records"`
}

// notification is the provider notification body carried inside the envelope.
type notification struct {
	NotificationType string       `json:"notificationType"`
	EventType        string       `json:"eventType"`
	Mail             mailObject   `json:"mail"`
	Bounce           *bounceObj   `json:"bounce"`
	Complaint        *complntObj  `json:"complaint"`
	Delivery         *deliveryObj `json:"delivery"`
	Open             *openObj     `json:"open"`
	Click            *clickObj    `json:"click"`
}

type mailObject struct {
	Timestamp        string   `json:"timestamp"`
	MessageID        string   `json:"messageId"`
	Source           string   `json:"source"`
	SendingAccountID string   `json:"sendingAccountId"`
	Destination      []string `json:"destination"`
	CommonHeaders    struct {
		Subject string `json:"subject"`
	} `json:"commonHeaders"`
}

type bounceObj struct {
	BounceType        string `json:"bounceType"`
	BounceSubType     string `json:"bounceSubType"`
	BouncedRecipients []struct {
		EmailAddress string `json:"emailAddress"`
	} `json:"bouncedRecipients"`
}

type complntObj struct {
	ComplaintFeedbackType string `json:"complaintFeedbackType"`
}

type deliveryObj struct {
	ProcessingTimeMillis int64  `json:"processingTimeMillis"`
	SMTPResponse         string `json:"smtpResponse"`
}

type openObj struct {
	IPAddress string `json:"ipAddress"`
	UserAgent string `json:"userAgent"`
}

type clickObj struct {
	Link      string `json:"link"`
	IPAddress string `json:"ipAddress"`
	UserAgent string `json:"userAgent"`
}

// Decoder turns raw queue payloads into EmailEvents.
type Decoder struct {
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewDecoder(retention time.Duration, logger *zap.Logger) *Decoder {
	return &Decoder{
		retention: retention,
		now:       time.Now,
		logger:    logger,
	}
}

// Unwrap extracts the notification bodies from a transport envelope. A body
// without a Records wrapper is treated as a single bare notification.
func (d *Decoder) Unwrap(raw []byte) ([]json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Reason: ReasonMalformedJSON, Err: err}
	}
	if len(env.Records) == 0 {
		return []json.RawMessage{json.RawMessage(raw)}, nil
	}
	payloads := make([]json.RawMessage, 0, len(env.Records))
	for _, rec := range env.Records {
		payloads = append(payloads, json.RawMessage(rec.Sns.Message))
	}
	return payloads, nil
}

// Decode parses a single notification payload into an EmailEvent. A payload
// that cannot be parsed or carries no recognizable event type returns a
// DecodeError, which the caller must treat as permanent.
func (d *Decoder) Decode(raw []byte) (*model.EmailEvent, error) {
	var n notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, &DecodeError{Reason: ReasonMalformedJSON, Err: err}
	}

	discriminator := n.NotificationType
	if discriminator == "" {
		discriminator = n.EventType
	}
	if discriminator == "" {
		return nil, &DecodeError{Reason: ReasonMissingDiscriminator}
	}
	eventType, ok := model.ParseEventType(discriminator)
	if !ok {
		return nil, &DecodeError{
			Reason: ReasonMissingDiscriminator,
			Err:    fmt.Errorf("unknown event type %q", discriminator),
		}
	}

	now := d.now()

	messageID := n.Mail.MessageID
	if messageID == "" {
		// Every parseable notification must still yield a storable key.
		messageID = fmt.Sprintf("event-%d", now.UnixMilli())
		d.logger.Warn("Notification has no messageId, synthesized one",
			zap.String("event_type", string(eventType)),
			zap.String("message_id", messageID),
		)
	}

	sentAt := now.UnixMilli()
	if n.Mail.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, n.Mail.Timestamp); err == nil {
			sentAt = ts.UnixMilli()
		} else {
			d.logger.Warn("Unparseable mail timestamp, using receive time",
				zap.String("message_id", messageID),
				zap.String("timestamp", n.Mail.Timestamp),
			)
		}
	}

	evt := &model.EmailEvent{
		MessageID:   messageID,
		EventType:   eventType,
		SentAt:      sentAt,
		AccountID:   n.Mail.SendingAccountID,
		Source:      n.Mail.Source,
		Destination: n.Mail.Destination,
		Subject:     n.Mail.CommonHeaders.Subject,
		RawEvent:    append(json.RawMessage(nil), raw...),
		ExpiresAt:   sentAt/1000 + int64(d.retention.Seconds()),
	}

	switch eventType {
	case model.EventBounce:
		if n.Bounce != nil {
			recipients := make([]string, 0, len(n.Bounce.BouncedRecipients))
			for _, r := range n.Bounce.BouncedRecipients {
				recipients = append(recipients, r.EmailAddress)
			}
			evt.Bounce = &model.BounceInfo{
				Type:       n.Bounce.BounceType,
				SubType:    n.Bounce.BounceSubType,
				Recipients: recipients,
			}
		}
	case model.EventComplaint:
		if n.Complaint != nil {
			evt.Complaint = &model.ComplaintInfo{
				FeedbackType: n.Complaint.ComplaintFeedbackType,
			}
		}
	case model.EventDelivery:
		if n.Delivery != nil {
			evt.Delivery = &model.DeliveryInfo{
				ProcessingTimeMillis: n.Delivery.ProcessingTimeMillis,
				SMTPResponse:         n.Delivery.SMTPResponse,
			}
		}
	case model.EventOpen:
		if n.Open != nil {
			evt.Open = &model.OpenInfo{
				IPAddress: n.Open.IPAddress,
				UserAgent: n.Open.UserAgent,
			}
		}
	case model.EventClick:
		if n.Click != nil {
			evt.Click = &model.ClickInfo{
				Link:      n.Click.Link,
				IPAddress: n.Click.IPAddress,
				UserAgent: n.Click.UserAgent,
			}
		}
	}

	return evt, nil
}
