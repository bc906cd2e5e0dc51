package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
)

// EventStore implements shared.EventStore on SQLite.
type EventStore struct {
	db DBTX
}

// NewEventStore creates a store over db.
func NewEventStore(db DBTX) *EventStore {
	return &EventStore{db: db}
}

// Append inserts the event; a duplicate event id is ignored.
func (s *EventStore) Append(ctx context.Context, event shared.Event) error {
	envelope, err := json.Marshal(event)
	if err != nil {
		return shared.WrapError("sqlite", "Append", shared.ErrPersistence, "encoding event", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO training_events (event_id, session_id, event_type, envelope, occurred_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		event.ID, event.Metadata.SessionID, string(event.Type), string(envelope),
		event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return shared.WrapError("sqlite", "Append", shared.ErrPersistence, "inserting event", err)
	}
	return nil
}

// ListBySession returns the most recent events of a session, oldest first.
func (s *EventStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]shared.Event, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT envelope FROM (
			SELECT seq, envelope FROM training_events
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`, sessionID, limit)
	if err != nil {
		return nil, shared.WrapError("sqlite", "ListBySession", shared.ErrPersistence, "querying events", err)
	}
	defer rows.Close()

	var events []shared.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, shared.WrapError("sqlite", "ListBySession", shared.ErrPersistence, "scanning event", err)
		}
		var e shared.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, shared.WrapError("sqlite", "ListBySession", shared.ErrPersistence, "decoding event", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ shared.EventStore = (*EventStore)(nil)
