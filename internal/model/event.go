package model

import "encoding/json"

// EventType is the delivery-status notification kind reported by the sending
// provider.
type EventType string

const (
	EventSend      EventType = "Send"
	EventDelivery  EventType = "Delivery"
	EventBounce    EventType = "Bounce"
	EventComplaint EventType = "Complaint"
	EventOpen      EventType = "Open"
	EventClick     EventType = "Click"
)

// AllEventTypes lists every known event type in a stable order.
var AllEventTypes = []EventType{
	EventSend,
	EventDelivery,
	EventBounce,
	EventComplaint,
	EventOpen,
	EventClick,
}

// ParseEventType maps a provider discriminator string to an EventType.
func ParseEventType(s string) (EventType, bool) {
	for _, t := range AllEventTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// EmailEvent is one stored delivery-status notification. Events are
// append-only: the composite key (MessageID, SentAt) is unique, re-delivery
// of the same notification overwrites the same row.
type EmailEvent struct {
	MessageID   string          `json:"message_id"`
	EventType   EventType       `json:"event_type"`
	SentAt      int64           `json:"sent_at"` // epoch millis, monotonic per message
	AccountID   string          `json:"account_id"`
	Source      string          `json:"source"`
	Destination []string        `json:"destination"`
	Subject     string          `json:"subject"`
	Bounce      *BounceInfo     `json:"bounce,omitempty"`
	Complaint   *ComplaintInfo  `json:"complaint,omitempty"`
	Delivery    *DeliveryInfo   `json:"delivery,omitempty"`
	Open        *OpenInfo       `json:"open,omitempty"`
	Click       *ClickInfo      `json:"click,omitempty"`
	RawEvent    json.RawMessage `json:"raw_event"`
	ExpiresAt   int64           `json:"expires_at"` // epoch seconds, TTL attribute
}

type BounceInfo struct {
	Type       string   `json:"type"`
	SubType    string   `json:"sub_type"`
	Recipients []string `json:"recipients,omitempty"`
}

type ComplaintInfo struct {
	FeedbackType string `json:"feedback_type"`
}

type DeliveryInfo struct {
	ProcessingTimeMillis int64  `json:"processing_time_millis"`
	SMTPResponse         string `json:"smtp_response,omitempty"`
}

type OpenInfo struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type ClickInfo struct {
	Link      string `json:"link"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}
