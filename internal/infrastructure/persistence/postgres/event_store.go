package postgres

import (
	"context"
	"encoding/json"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
)

// EventStore implements shared.EventStore for PostgreSQL.
type EventStore struct {
	conn *Connection
}

// NewEventStore creates a new EventStore.
func NewEventStore(conn *Connection) *EventStore {
	return &EventStore{conn: conn}
}

// Append inserts the event; a duplicate event id is ignored.
func (s *EventStore) Append(ctx context.Context, event shared.Event) error {
	envelope, err := json.Marshal(event)
	if err != nil {
		return shared.WrapError("postgres", "Append", shared.ErrPersistence, "failed to marshal event", err)
	}

	_, err = s.conn.Exec(ctx, `
		INSERT INTO training_events (event_id, session_id, event_type, envelope, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`, event.ID, event.Metadata.SessionID, string(event.Type), envelope, event.Timestamp)
	if err != nil {
		return shared.WrapError("postgres", "Append", shared.ErrPersistence, "failed to insert event", err)
	}
	return nil
}

// ListBySession returns the most recent events of a session, oldest first.
func (s *EventStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]shared.Event, error) {
	query := `
		SELECT envelope FROM (
			SELECT seq, envelope FROM training_events
			WHERE session_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`
	var lim interface{}
	if limit > 0 {
		lim = limit
	}

	rows, err := s.conn.Query(ctx, query, sessionID, lim)
	if err != nil {
		return nil, shared.WrapError("postgres", "ListBySession", shared.ErrPersistence, "failed to query events", err)
	}
	defer rows.Close()

	var events []shared.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, shared.WrapError("postgres", "ListBySession", shared.ErrPersistence, "failed to scan event", err)
		}
		var e shared.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, shared.WrapError("postgres", "ListBySession", shared.ErrPersistence, "failed to unmarshal event", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ shared.EventStore = (*EventStore)(nil)
