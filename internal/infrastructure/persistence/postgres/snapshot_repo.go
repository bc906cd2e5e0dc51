package postgres

import (
	"context"
	"encoding/json"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// SnapshotRepository implements training.SnapshotRepository for PostgreSQL.
// The whole snapshot is kept as a JSONB document; a few columns are copied out
// for querying.
type SnapshotRepository struct {
	conn *Connection
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(conn *Connection) *SnapshotRepository {
	return &SnapshotRepository{conn: conn}
}

// Save upserts the snapshot. The row is only replaced when the incoming
// revision is not older than the stored one.
func (r *SnapshotRepository) Save(ctx context.Context, snap training.Snapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return shared.WrapError("postgres", "Save", shared.ErrPersistence, "failed to marshal snapshot", err)
	}

	query := `
		INSERT INTO learner_snapshots (
			session_id, learner_id, revision, current_step, global_progress, document, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (session_id) DO UPDATE SET
			learner_id = EXCLUDED.learner_id,
			revision = EXCLUDED.revision,
			current_step = EXCLUDED.current_step,
			global_progress = EXCLUDED.global_progress,
			document = EXCLUDED.document,
			updated_at = NOW()
		WHERE learner_snapshots.revision <= EXCLUDED.revision
	`

	_, err = r.conn.Exec(ctx, query,
		snap.SessionID,
		snap.LearnerID,
		snap.Revision,
		snap.CurrentStep,
		snap.GlobalProgress,
		doc,
	)
	if err != nil {
		return shared.WrapError("postgres", "Save", shared.ErrPersistence, "failed to save snapshot", err)
	}
	return nil
}

// Load returns the snapshot of a session.
func (r *SnapshotRepository) Load(ctx context.Context, sessionID shared.SessionID) (training.Snapshot, error) {
	var doc []byte
	err := r.conn.QueryRow(ctx, `SELECT document FROM learner_snapshots WHERE session_id = $1`, sessionID.String()).Scan(&doc)
	if err != nil {
		if IsNoRows(err) {
			return training.Snapshot{}, shared.ErrSnapshotNotFound
		}
		return training.Snapshot{}, shared.WrapError("postgres", "Load", shared.ErrPersistence, "failed to load snapshot", err)
	}

	var snap training.Snapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return training.Snapshot{}, shared.WrapError("postgres", "Load", shared.ErrPersistence, "failed to unmarshal snapshot", err)
	}
	return snap, nil
}

// ListByLearner returns the session ids of a learner, most recently updated first.
func (r *SnapshotRepository) ListByLearner(ctx context.Context, learnerID shared.LearnerID) ([]shared.SessionID, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT session_id FROM learner_snapshots
		WHERE learner_id = $1
		ORDER BY updated_at DESC
	`, learnerID.String())
	if err != nil {
		return nil, shared.WrapError("postgres", "ListByLearner", shared.ErrPersistence, "failed to query sessions", err)
	}
	defer rows.Close()

	var ids []shared.SessionID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, shared.WrapError("postgres", "ListByLearner", shared.ErrPersistence, "failed to scan session id", err)
		}
		ids = append(ids, shared.SessionID(id))
	}
	return ids, rows.Err()
}

var _ training.SnapshotRepository = (*SnapshotRepository)(nil)
