package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailfeed/internal/model"
)

// The archival store is addressed by a caller-supplied handle (a table
// name); only plain identifiers are accepted since the name is interpolated
// into the query.
var validArchiveLocation = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

// ArchiveRepository reads full message content from a separate, externally
// owned archival store. It shares message identifiers with the event store
// but nothing else.
type ArchiveRepository struct {
	db           *pgxpool.Pool
	defaultTable string
}

func NewArchiveRepository(db *pgxpool.Pool, defaultTable string) *ArchiveRepository {
	return &ArchiveRepository{db: db, defaultTable: defaultTable}
}

// Fetch looks up the archived message by id. Not-found is an expected
// outcome and returns (nil, nil); transport and permission errors propagate.
func (r *ArchiveRepository) Fetch(ctx context.Context, messageID, location string) (*model.ArchivedEmail, error) {
	table := location
	if table == "" {
		table = r.defaultTable
	}
	if !validArchiveLocation.MatchString(table) {
		return nil, fmt.Errorf("invalid archive location %q", location)
	}

	query := fmt.Sprintf(`
        SELECT message_id, subject, body_text, body_html, headers, attachments, stored_at
        FROM %s
        WHERE message_id = $1
    `, table)

	var e model.ArchivedEmail
	var bodyHTML *string
	var headersJSON, attachmentsJSON []byte

	err := r.db.QueryRow(ctx, query, messageID).Scan(
		&e.MessageID,
		&e.Subject,
		&e.BodyText,
		&bodyHTML,
		&headersJSON,
		&attachmentsJSON,
		&e.StoredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archived message: %w", err)
	}

	if bodyHTML != nil {
		e.BodyHTML = *bodyHTML
	}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &e.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode archived headers: %w", err)
		}
	}
	if len(attachmentsJSON) > 0 {
		if err := json.Unmarshal(attachmentsJSON, &e.Attachments); err != nil {
			return nil, fmt.Errorf("failed to decode archived attachments: %w", err)
		}
	}

	return &e, nil
}
