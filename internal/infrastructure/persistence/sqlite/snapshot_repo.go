package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// SnapshotRepository implements training.SnapshotRepository on SQLite.
type SnapshotRepository struct {
	db DBTX
}

// NewSnapshotRepository creates a repository over db.
func NewSnapshotRepository(db DBTX) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Save upserts the snapshot unless the stored revision is newer.
func (r *SnapshotRepository) Save(ctx context.Context, snap training.Snapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return shared.WrapError("sqlite", "Save", shared.ErrPersistence, "encoding snapshot", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO learner_snapshots (session_id, learner_id, revision, current_step, global_progress, document, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			learner_id = excluded.learner_id,
			revision = excluded.revision,
			current_step = excluded.current_step,
			global_progress = excluded.global_progress,
			document = excluded.document,
			updated_at = excluded.updated_at
		WHERE learner_snapshots.revision <= excluded.revision`,
		snap.SessionID, snap.LearnerID, snap.Revision, snap.CurrentStep, snap.GlobalProgress,
		string(doc), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return shared.WrapError("sqlite", "Save", shared.ErrPersistence, "upserting snapshot", err)
	}
	return nil
}

// Load returns the snapshot of a session.
func (r *SnapshotRepository) Load(ctx context.Context, sessionID shared.SessionID) (training.Snapshot, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, `SELECT document FROM learner_snapshots WHERE session_id = ?`, sessionID.String()).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return training.Snapshot{}, shared.ErrSnapshotNotFound
	}
	if err != nil {
		return training.Snapshot{}, shared.WrapError("sqlite", "Load", shared.ErrPersistence, "querying snapshot", err)
	}

	var snap training.Snapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		return training.Snapshot{}, shared.WrapError("sqlite", "Load", shared.ErrPersistence, "decoding snapshot", err)
	}
	return snap, nil
}

var _ training.SnapshotRepository = (*SnapshotRepository)(nil)
