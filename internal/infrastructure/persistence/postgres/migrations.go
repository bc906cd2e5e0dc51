package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEMA VERSIONING
// ══════════════════════════════════════════════════════════════════════════════

// Migration is one schema step. AppliedAt and IsApplied are filled by Status.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// migrationLockID serialises migrators across instances through a
// transaction-scoped advisory lock.
const migrationLockID = 0x7472_6169_6e65_72 // "trainer"

const versionTable = "schema_migrations"

// Migrator applies the embedded migrations in version order.
type Migrator struct {
	conn       *Connection
	migrations []Migration
}

func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn, migrations: GetMigrations()}
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+versionTable+` (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrMigrationFailed, versionTable, err)
	}
	return nil
}

func appliedVersions(ctx context.Context, q interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
}) (map[int]time.Time, error) {
	rows, err := q.Query(ctx, `SELECT version, applied_at FROM `+versionTable)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrMigrationFailed, versionTable, err)
	}
	applied := make(map[int]time.Time)
	var (
		version int
		at      time.Time
	)
	_, err = pgx.ForEachRow(rows, []any{&version, &at}, func() error {
		applied[version] = at
		return nil
	})
	return applied, err
}

// Migrate applies every pending migration and returns how many ran. Each
// migration commits on its own, so a failure keeps the earlier ones.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range m.migrations {
		ran := false
		err := m.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
				return err
			}
			applied, err := appliedVersions(ctx, tx)
			if err != nil {
				return err
			}
			if _, done := applied[mig.Version]; done {
				return nil
			}
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO `+versionTable+` (version, name) VALUES ($1, $2)`, mig.Version, mig.Name); err != nil {
				return err
			}
			ran = true
			return nil
		})
		if err != nil {
			return count, fmt.Errorf("%w: %03d %s: %v", ErrMigrationFailed, mig.Version, mig.Name, err)
		}
		if ran {
			count++
		}
	}
	return count, nil
}

// Rollback reverts the newest applied migration. It is a no-op on an empty
// schema.
func (m *Migrator) Rollback(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return err
	}
	return m.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
			return err
		}
		applied, err := appliedVersions(ctx, tx)
		if err != nil {
			return err
		}

		for i := len(m.migrations) - 1; i >= 0; i-- {
			mig := m.migrations[i]
			if _, ok := applied[mig.Version]; !ok {
				continue
			}
			if _, err := tx.Exec(ctx, mig.DownSQL); err != nil {
				return fmt.Errorf("%w: revert %03d %s: %v", ErrMigrationFailed, mig.Version, mig.Name, err)
			}
			_, err := tx.Exec(ctx, `DELETE FROM `+versionTable+` WHERE version = $1`, mig.Version)
			return err
		}
		return nil
	})
}

// Status lists every embedded migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, m.conn)
	if err != nil {
		return nil, err
	}

	out := append([]Migration(nil), m.migrations...)
	for i := range out {
		out[i].AppliedAt, out[i].IsApplied = applied[out[i].Version]
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetMigrations returns the schema history, oldest first.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_learner_snapshots", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_training_events", UpSQL: migration002Up, DownSQL: migration002Down},
	}
}

const migration001Up = `
CREATE TABLE IF NOT EXISTS learner_snapshots (
    session_id VARCHAR(64) PRIMARY KEY,
    learner_id VARCHAR(128) NOT NULL,
    revision BIGINT NOT NULL,
    current_step SMALLINT NOT NULL,
    global_progress SMALLINT NOT NULL,
    document JSONB NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_current_step CHECK (current_step BETWEEN 1 AND 5),
    CONSTRAINT valid_global_progress CHECK (global_progress BETWEEN 0 AND 100)
);

CREATE INDEX IF NOT EXISTS idx_learner_snapshots_learner ON learner_snapshots(learner_id);
CREATE INDEX IF NOT EXISTS idx_learner_snapshots_updated ON learner_snapshots(updated_at DESC);
`

const migration001Down = `
DROP TABLE IF EXISTS learner_snapshots;
`

const migration002Up = `
CREATE TABLE IF NOT EXISTS training_events (
    seq BIGSERIAL PRIMARY KEY,
    event_id UUID NOT NULL UNIQUE,
    session_id VARCHAR(64) NOT NULL,
    event_type VARCHAR(64) NOT NULL,
    envelope JSONB NOT NULL,
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_training_events_session ON training_events(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_training_events_type ON training_events(event_type);
`

const migration002Down = `
DROP TABLE IF EXISTS training_events;
`
