package model

import "time"

// ArchivedEmail is the full message content kept in the archival store,
// looked up on demand by the dashboard.
type ArchivedEmail struct {
	MessageID   string       `json:"message_id"`
	Subject     string       `json:"subject"`
	BodyText    string       `json:"body_text"`
	BodyHTML    string       `json:"body_html,omitempty"`
	Headers     []Header     `json:"headers,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	StoredAt    time.Time    `json:"stored_at"`
}

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}
