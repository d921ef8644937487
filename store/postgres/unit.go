package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/workunit"
)

// InsertUnit persists a new unit.
func (s *Store) InsertUnit(ctx context.Context, u *workunit.WorkUnit) error {
	m, err := toUnitModel(u)
	if err != nil {
		return fmt.Errorf("taskcrew/postgres: insert unit: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO taskcrew_units (`+unitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		m.ID, m.Kind, m.WorkerType, m.Priority, m.Status, m.SubjectRef, m.ParentRef,
		m.Input, m.Output, m.Error, m.AttemptCount, m.MaxAttempts,
		m.AvailableAt, m.StartedAt, m.HeartbeatAt, m.CompletedAt, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return taskcrew.ErrUnitAlreadyExists
		}
		return fmt.Errorf("taskcrew/postgres: insert unit: %w", err)
	}
	return nil
}

// GetUnit retrieves a unit by ID.
func (s *Store) GetUnit(ctx context.Context, unitID id.WorkUnitID) (*workunit.WorkUnit, error) {
	u, err := scanUnit(s.pool.QueryRow(ctx,
		`SELECT `+unitColumns+` FROM taskcrew_units WHERE id = $1`, unitID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, taskcrew.ErrUnitNotFound
		}
		return nil, fmt.Errorf("taskcrew/postgres: get unit: %w", err)
	}
	return u, nil
}

// ClaimNext locks the best ready candidate with SKIP LOCKED and claims it
// in the same statement. A NULL worker type array matches every type.
func (s *Store) ClaimNext(ctx context.Context, workerTypes []string, now time.Time) (*workunit.WorkUnit, error) {
	var types []string
	if len(workerTypes) > 0 {
		types = workerTypes
	}

	u, err := scanUnit(s.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT id FROM taskcrew_units
			WHERE status = 'pending'
			  AND available_at <= $1
			  AND ($2::text[] IS NULL OR worker_type = ANY($2))
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE taskcrew_units u
		SET status = 'processing', attempt_count = u.attempt_count + 1,
		    started_at = $1, heartbeat_at = $1, updated_at = $1
		FROM candidate
		WHERE u.id = candidate.id AND u.status = 'pending'
		RETURNING `+qualified("u"),
		now.UTC(), types,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("taskcrew/postgres: claim next: %w", err)
	}
	return u, nil
}

// ClaimUnit claims one specific pending unit.
func (s *Store) ClaimUnit(ctx context.Context, unitID id.WorkUnitID, now time.Time) (*workunit.WorkUnit, error) {
	u, err := scanUnit(s.pool.QueryRow(ctx, `
		UPDATE taskcrew_units
		SET status = 'processing', attempt_count = attempt_count + 1,
		    started_at = $2, heartbeat_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending' AND available_at <= $2
		RETURNING `+unitColumns,
		unitID.String(), now.UTC(),
	))
	if err != nil {
		if isNoRows(err) {
			return nil, s.conflictOrMissing(ctx, unitID, taskcrew.ErrClaimConflict)
		}
		return nil, fmt.Errorf("taskcrew/postgres: claim unit: %w", err)
	}
	return u, nil
}

// FinishUnit persists the outcome of a claim, fenced by claimedAttempt.
func (s *Store) FinishUnit(ctx context.Context, u *workunit.WorkUnit, claimedAttempt int) error {
	output, err := encodeJSON(u.Output)
	if err != nil {
		return fmt.Errorf("taskcrew/postgres: encode output: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE taskcrew_units
		SET status = $2, output = $3, error = $4, attempt_count = $5, available_at = $6,
		    heartbeat_at = NULL, completed_at = $7, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND attempt_count = $8`,
		u.ID.String(), string(u.Status), output, u.Error, u.AttemptCount, u.AvailableAt.UTC(),
		u.CompletedAt, claimedAttempt,
	)
	if err != nil {
		return fmt.Errorf("taskcrew/postgres: finish unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, u.ID, taskcrew.ErrClaimConflict)
	}
	return nil
}

// HeartbeatUnit refreshes the lease of a unit still processing under
// claimedAttempt.
func (s *Store) HeartbeatUnit(ctx context.Context, unitID id.WorkUnitID, claimedAttempt int, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE taskcrew_units SET heartbeat_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'processing' AND attempt_count = $2`,
		unitID.String(), claimedAttempt, now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("taskcrew/postgres: heartbeat unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, unitID, taskcrew.ErrClaimConflict)
	}
	return nil
}

// CancelUnit moves a pending or processing unit to cancelled.
func (s *Store) CancelUnit(ctx context.Context, unitID id.WorkUnitID, now time.Time) (*workunit.WorkUnit, error) {
	u, err := scanUnit(s.pool.QueryRow(ctx, `
		UPDATE taskcrew_units
		SET status = 'cancelled', heartbeat_at = NULL, completed_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING `+unitColumns,
		unitID.String(), now.UTC(),
	))
	if err != nil {
		if isNoRows(err) {
			return nil, s.conflictOrMissing(ctx, unitID, taskcrew.ErrTerminalState)
		}
		return nil, fmt.Errorf("taskcrew/postgres: cancel unit: %w", err)
	}
	return u, nil
}

// RecordLateOutput attaches output to a cancelled unit.
func (s *Store) RecordLateOutput(ctx context.Context, unitID id.WorkUnitID, output map[string]any) error {
	encoded, err := encodeJSON(output)
	if err != nil {
		return fmt.Errorf("taskcrew/postgres: encode output: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE taskcrew_units SET output = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'cancelled'`,
		unitID.String(), encoded,
	)
	if err != nil {
		return fmt.Errorf("taskcrew/postgres: record late output: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, unitID, taskcrew.ErrInvalidState)
	}
	return nil
}

// ListPending returns pending units in serving order.
func (s *Store) ListPending(ctx context.Context, opts workunit.ListOpts) ([]*workunit.WorkUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM taskcrew_units
		WHERE status = 'pending' AND ($1 = '' OR worker_type = $1)
		ORDER BY priority ASC, created_at ASC, id ASC`
	args := []any{opts.WorkerType}
	if opts.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskcrew/postgres: list pending: %w", err)
	}
	units, err := collectUnits(rows)
	if err != nil {
		return nil, fmt.Errorf("taskcrew/postgres: list pending: %w", err)
	}
	return units, nil
}

// RequeueStale returns processing units whose last heartbeat is older than
// cutoff to pending, failing those without attempts left. Both updates run in one transaction.
func (s *Store) RequeueStale(ctx context.Context, cutoff time.Time) ([]*workunit.WorkUnit, error) {
	var affected []*workunit.WorkUnit

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE taskcrew_units
			SET status = 'failed', error = $2, heartbeat_at = NULL, completed_at = NOW(), updated_at = NOW()
			WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at) < $1
			  AND attempt_count >= max_attempts
			RETURNING `+unitColumns,
			cutoff.UTC(), workunit.StaleExhaustedError,
		)
		if err != nil {
			return err
		}
		failed, err := collectUnits(rows)
		if err != nil {
			return err
		}

		rows, err = tx.Query(ctx, `
			UPDATE taskcrew_units
			SET status = 'pending', error = '', heartbeat_at = NULL, available_at = NOW(), updated_at = NOW()
			WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at) < $1
			RETURNING `+unitColumns,
			cutoff.UTC(),
		)
		if err != nil {
			return err
		}
		requeued, err := collectUnits(rows)
		if err != nil {
			return err
		}

		affected = append(failed, requeued...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("taskcrew/postgres: requeue stale: %w", err)
	}
	return affected, nil
}

// Stats counts units per status.
func (s *Store) Stats(ctx context.Context, workerType string) (workunit.Stats, error) {
	var stats workunit.Stats

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM taskcrew_units
		WHERE ($1 = '' OR worker_type = $1)
		GROUP BY status`, workerType)
	if err != nil {
		return stats, fmt.Errorf("taskcrew/postgres: stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("taskcrew/postgres: stats scan: %w", err)
		}
		stats.Add(workunit.Status(status), n)
	}
	return stats, rows.Err()
}

func collectUnits(rows pgx.Rows) ([]*workunit.WorkUnit, error) {
	defer rows.Close()

	var units []*workunit.WorkUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// conflictOrMissing resolves a zero-row conditional update into
// ErrUnitNotFound or the given conflict error.
func (s *Store) conflictOrMissing(ctx context.Context, unitID id.WorkUnitID, conflict error) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM taskcrew_units WHERE id = $1)`, unitID.String()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("taskcrew/postgres: lookup unit: %w", err)
	}
	if !exists {
		return taskcrew.ErrUnitNotFound
	}
	return conflict
}

// qualified prefixes every unit column with alias.
func qualified(alias string) string {
	return alias + `.id, ` + alias + `.kind, ` + alias + `.worker_type, ` + alias + `.priority, ` +
		alias + `.status, ` + alias + `.subject_ref, ` + alias + `.parent_ref, ` +
		alias + `.input, ` + alias + `.output, ` + alias + `.error, ` +
		alias + `.attempt_count, ` + alias + `.max_attempts, ` +
		alias + `.available_at, ` + alias + `.started_at, ` + alias + `.heartbeat_at, ` +
		alias + `.completed_at, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}
