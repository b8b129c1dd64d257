package util

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		errType   string
	}{
		{"nil", nil, false, ""},
		{"json syntax", &json.SyntaxError{}, false, "json_decode_error"},
		{"no rows", pgx.ErrNoRows, false, "not_found"},
		{"duplicate key", errors.New(`duplicate key value violates unique constraint "email_events_pkey"`), false, "duplicate_key"},
		{"oversized value", errors.New("value too long for type character varying(255)"), false, "constraint_violation"},
		{"db connection", errors.New("failed to connect to database: connection refused"), true, "db_connection_error"},
		// context.DeadlineExceeded satisfies net.Error, so it classifies as a
		// network timeout before the context branch is reached.
		{"deadline", context.DeadlineExceeded, true, "network_timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"unknown", errors.New("something odd"), false, "unknown_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, errType := IsRetryableError(tt.err)
			assert.Equal(t, tt.retryable, retryable)
			assert.Equal(t, tt.errType, errType)
		})
	}
}

func TestFormatReceiveKey(t *testing.T) {
	assert.Equal(t, "receive:msg-1:1000", FormatReceiveKey("msg-1", 1000))
}
