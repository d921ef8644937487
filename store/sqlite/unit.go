package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/workunit"
)

// claimCandidates is how many candidates one claim round considers before
// selecting again.
const claimCandidates = 8

// claimRounds bounds how often ClaimNext re-selects after losing every
// candidate of a round.
const claimRounds = 3

// InsertUnit persists a new unit.
func (s *Store) InsertUnit(ctx context.Context, u *workunit.WorkUnit) error {
	input, err := encodeMap(u.Input)
	if err != nil {
		return fmt.Errorf("taskcrew/sqlite: encode input: %w", err)
	}
	output, err := encodeMap(u.Output)
	if err != nil {
		return fmt.Errorf("taskcrew/sqlite: encode output: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO taskcrew_units (`+unitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID.String(), u.Kind, u.WorkerType, u.Priority, string(u.Status), u.SubjectRef, refString(u.ParentRef),
		input, output, u.Error, u.AttemptCount, u.MaxAttempts,
		toNanos(u.AvailableAt), toNullNanos(u.StartedAt), toNullNanos(u.HeartbeatAt), toNullNanos(u.CompletedAt),
		toNanos(u.CreatedAt), toNanos(u.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return taskcrew.ErrUnitAlreadyExists
		}
		return fmt.Errorf("taskcrew/sqlite: insert unit: %w", err)
	}
	return nil
}

// GetUnit retrieves a unit by ID.
func (s *Store) GetUnit(ctx context.Context, unitID id.WorkUnitID) (*workunit.WorkUnit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM taskcrew_units WHERE id = ?`, unitID.String())
	u, err := scanUnit(row)
	if err != nil {
		if isNoRows(err) {
			return nil, taskcrew.ErrUnitNotFound
		}
		return nil, fmt.Errorf("taskcrew/sqlite: get unit: %w", err)
	}
	return u, nil
}

// ClaimNext selects candidates in serving order and claims the first one
// whose conditional update succeeds.
func (s *Store) ClaimNext(ctx context.Context, workerTypes []string, now time.Time) (*workunit.WorkUnit, error) {
	query, args := candidateQuery(workerTypes, now)

	for range claimRounds {
		ids, err := s.selectIDs(ctx, query, args)
		if err != nil {
			return nil, fmt.Errorf("taskcrew/sqlite: select candidates: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}

		for _, candidate := range ids {
			u, err := s.claim(ctx, candidate, now)
			if err != nil {
				return nil, err
			}
			if u != nil {
				return u, nil
			}
		}
	}
	return nil, nil
}

// ClaimUnit claims one specific pending unit.
func (s *Store) ClaimUnit(ctx context.Context, unitID id.WorkUnitID, now time.Time) (*workunit.WorkUnit, error) {
	u, err := s.claim(ctx, unitID.String(), now)
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}
	if _, err := s.GetUnit(ctx, unitID); err != nil {
		return nil, err
	}
	return nil, taskcrew.ErrClaimConflict
}

// claim returns nil, nil when the conditional update lost.
func (s *Store) claim(ctx context.Context, unitID string, now time.Time) (*workunit.WorkUnit, error) {
	ts := toNanos(now)
	row := s.db.QueryRowContext(ctx, `
		UPDATE taskcrew_units
		SET status = 'processing', attempt_count = attempt_count + 1,
		    started_at = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND available_at <= ?
		RETURNING `+unitColumns,
		ts, ts, ts, unitID, ts,
	)
	u, err := scanUnit(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("taskcrew/sqlite: claim unit: %w", err)
	}
	return u, nil
}

func candidateQuery(workerTypes []string, now time.Time) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, len(workerTypes)+2)

	b.WriteString(`SELECT id FROM taskcrew_units WHERE status = 'pending' AND available_at <= ?`)
	args = append(args, toNanos(now))
	if len(workerTypes) > 0 {
		b.WriteString(` AND worker_type IN (`)
		for i, wt := range workerTypes {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, wt)
		}
		b.WriteString(`)`)
	}
	b.WriteString(` ORDER BY priority ASC, created_at ASC, id ASC LIMIT ?`)
	args = append(args, claimCandidates)
	return b.String(), args
}

func (s *Store) selectIDs(ctx context.Context, query string, args []any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var unitID string
		if err := rows.Scan(&unitID); err != nil {
			return nil, err
		}
		ids = append(ids, unitID)
	}
	return ids, rows.Err()
}

// FinishUnit persists the outcome of a claim, fenced by claimedAttempt.
func (s *Store) FinishUnit(ctx context.Context, u *workunit.WorkUnit, claimedAttempt int) error {
	output, err := encodeMap(u.Output)
	if err != nil {
		return fmt.Errorf("taskcrew/sqlite: encode output: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE taskcrew_units
		SET status = ?, output = ?, error = ?, attempt_count = ?, available_at = ?,
		    heartbeat_at = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND attempt_count = ?`,
		string(u.Status), output, u.Error, u.AttemptCount, toNanos(u.AvailableAt),
		toNullNanos(u.CompletedAt), toNanos(time.Now()),
		u.ID.String(), claimedAttempt,
	)
	if err != nil {
		return fmt.Errorf("taskcrew/sqlite: finish unit: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 { //nolint:errcheck // driver always returns nil
		return s.conflictOrMissing(ctx, u.ID, taskcrew.ErrClaimConflict)
	}
	return nil
}

// HeartbeatUnit refreshes the lease of a unit still processing under
// claimedAttempt.
func (s *Store) HeartbeatUnit(ctx context.Context, unitID id.WorkUnitID, claimedAttempt int, now time.Time) error {
	ts := toNanos(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE taskcrew_units SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND attempt_count = ?`,
		ts, ts, unitID.String(), claimedAttempt,
	)
	if err != nil {
		return fmt.Errorf("taskcrew/sqlite: heartbeat unit: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 { //nolint:errcheck // driver always returns nil
		return s.conflictOrMissing(ctx, unitID, taskcrew.ErrClaimConflict)
	}
	return nil
}

// CancelUnit moves a pending or processing unit to cancelled.
func (s *Store) CancelUnit(ctx context.Context, unitID id.WorkUnitID, now time.Time) (*workunit.WorkUnit, error) {
	ts := toNanos(now)
	row := s.db.QueryRowContext(ctx, `
		UPDATE taskcrew_units
		SET status = 'cancelled', heartbeat_at = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
		RETURNING `+unitColumns,
		ts, ts, unitID.String(),
	)
	u, err := scanUnit(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.conflictOrMissing(ctx, unitID, taskcrew.ErrTerminalState)
		}
		return nil, fmt.Errorf("taskcrew/sqlite: cancel unit: %w", err)
	}
	return u, nil
}

// RecordLateOutput attaches output to a cancelled unit.
func (s *Store) RecordLateOutput(ctx context.Context, unitID id.WorkUnitID, output map[string]any) error {
	encoded, err := encodeMap(output)
	if err != nil {
		return fmt.Errorf("taskcrew/sqlite: encode output: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE taskcrew_units SET output = ?, updated_at = ?
		WHERE id = ? AND status = 'cancelled'`,
		encoded, toNanos(time.Now()), unitID.String(),
	)
	if err != nil {
		return fmt.Errorf("taskcrew/sqlite: record late output: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 { //nolint:errcheck // driver always returns nil
		return s.conflictOrMissing(ctx, unitID, taskcrew.ErrInvalidState)
	}
	return nil
}

// ListPending returns pending units in serving order.
func (s *Store) ListPending(ctx context.Context, opts workunit.ListOpts) ([]*workunit.WorkUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM taskcrew_units WHERE status = 'pending'`
	var args []any
	if opts.WorkerType != "" {
		query += ` AND worker_type = ?`
		args = append(args, opts.WorkerType)
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	units, err := s.queryUnits(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskcrew/sqlite: list pending: %w", err)
	}
	return units, nil
}

// RequeueStale returns processing units whose last heartbeat is older than
// cutoff to pending, failing those without attempts left.
func (s *Store) RequeueStale(ctx context.Context, cutoff time.Time) ([]*workunit.WorkUnit, error) {
	now := toNanos(time.Now())
	cut := toNanos(cutoff)

	failed, err := s.queryUnits(ctx, `
		UPDATE taskcrew_units
		SET status = 'failed', error = ?, heartbeat_at = NULL, completed_at = ?, updated_at = ?
		WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at) < ?
		  AND attempt_count >= max_attempts
		RETURNING `+unitColumns,
		workunit.StaleExhaustedError, now, now, cut,
	)
	if err != nil {
		return nil, fmt.Errorf("taskcrew/sqlite: fail stale: %w", err)
	}

	requeued, err := s.queryUnits(ctx, `
		UPDATE taskcrew_units
		SET status = 'pending', error = '', heartbeat_at = NULL, available_at = ?, updated_at = ?
		WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at) < ?
		RETURNING `+unitColumns,
		now, now, cut,
	)
	if err != nil {
		return nil, fmt.Errorf("taskcrew/sqlite: requeue stale: %w", err)
	}
	return append(failed, requeued...), nil
}

// Stats counts units per status.
func (s *Store) Stats(ctx context.Context, workerType string) (workunit.Stats, error) {
	query := `SELECT status, COUNT(*) FROM taskcrew_units`
	var args []any
	if workerType != "" {
		query += ` WHERE worker_type = ?`
		args = append(args, workerType)
	}
	query += ` GROUP BY status`

	var stats workunit.Stats
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return stats, fmt.Errorf("taskcrew/sqlite: stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("taskcrew/sqlite: stats scan: %w", err)
		}
		stats.Add(workunit.Status(status), n)
	}
	return stats, rows.Err()
}

func (s *Store) queryUnits(ctx context.Context, query string, args ...any) ([]*workunit.WorkUnit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
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
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM taskcrew_units WHERE id = ?`, unitID.String()).Scan(&exists)
	if err != nil {
		if isNoRows(err) {
			return taskcrew.ErrUnitNotFound
		}
		return fmt.Errorf("taskcrew/sqlite: lookup unit: %w", err)
	}
	return conflict
}
