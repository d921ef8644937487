package sqlite

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/taskcrew"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations are applied in order and recorded in taskcrew_migrations.
var migrations = []migration{
	{
		version: 1,
		name:    "create_units_table",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS taskcrew_units (
				id            TEXT PRIMARY KEY,
				kind          TEXT NOT NULL,
				worker_type   TEXT NOT NULL,
				priority      INTEGER NOT NULL DEFAULT 0,
				status        TEXT NOT NULL DEFAULT 'pending',
				subject_ref   TEXT NOT NULL DEFAULT '',
				parent_ref    TEXT NOT NULL DEFAULT '',
				input         TEXT,
				output        TEXT,
				error         TEXT NOT NULL DEFAULT '',
				attempt_count INTEGER NOT NULL DEFAULT 0,
				max_attempts  INTEGER NOT NULL DEFAULT 3,
				available_at  INTEGER NOT NULL,
				started_at    INTEGER,
				completed_at  INTEGER,
				created_at    INTEGER NOT NULL,
				updated_at    INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_taskcrew_units_claim
				ON taskcrew_units (worker_type, priority ASC, created_at ASC, id ASC)
				WHERE status = 'pending'`,
			`CREATE INDEX IF NOT EXISTS idx_taskcrew_units_status
				ON taskcrew_units (status, worker_type)`,
		},
	},
	{
		version: 2,
		name:    "index_stale_claims",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_taskcrew_units_started
				ON taskcrew_units (started_at)
				WHERE status = 'processing'`,
		},
	},
	{
		version: 3,
		name:    "add_heartbeat_at",
		stmts: []string{
			`ALTER TABLE taskcrew_units ADD COLUMN heartbeat_at INTEGER`,
			`CREATE INDEX IF NOT EXISTS idx_taskcrew_units_heartbeat
				ON taskcrew_units (heartbeat_at)
				WHERE status = 'processing'`,
		},
	},
}

// Migrate creates or updates the schema. It is safe to call repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS taskcrew_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)`); err != nil {
		return fmt.Errorf("%w: taskcrew/sqlite: create migrations table: %w", taskcrew.ErrMigrationFailed, err)
	}

	for _, m := range migrations {
		var applied int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM taskcrew_migrations WHERE version = ?`, m.version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("%w: taskcrew/sqlite: check %s: %w", taskcrew.ErrMigrationFailed, m.name, err)
		}
		if applied > 0 {
			continue
		}

		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("%w: taskcrew/sqlite: %s: %w", taskcrew.ErrMigrationFailed, m.name, err)
		}
		s.logger.Debug("sqlite migration applied",
			slog.Int("version", m.version),
			slog.String("name", m.name),
		)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO taskcrew_migrations (version, name) VALUES (?, ?)`, m.version, m.name,
	); err != nil {
		return err
	}
	return tx.Commit()
}
