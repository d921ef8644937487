package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/workunit"
)

const unitColumns = `id, kind, worker_type, priority, status, subject_ref, parent_ref,
	input, output, error, attempt_count, max_attempts,
	available_at, started_at, heartbeat_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*workunit.WorkUnit, error) {
	var (
		rawID, parentRef                    string
		input, output                       sql.NullString
		availableAt, createdAt, updatedAt   int64
		startedAt, heartbeatAt, completedAt sql.NullInt64
		status                              string
		u                                   workunit.WorkUnit
	)
	if err := row.Scan(
		&rawID, &u.Kind, &u.WorkerType, &u.Priority, &status, &u.SubjectRef, &parentRef,
		&input, &output, &u.Error, &u.AttemptCount, &u.MaxAttempts,
		&availableAt, &startedAt, &heartbeatAt, &completedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	unitID, err := id.ParseWorkUnitID(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}
	u.ID = unitID
	if parentRef != "" {
		if u.ParentRef, err = id.ParseWorkUnitID(parentRef); err != nil {
			return nil, fmt.Errorf("parse parent ref: %w", err)
		}
	}
	u.Status = workunit.Status(status)
	if u.Input, err = decodeMap(input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if u.Output, err = decodeMap(output); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	u.AvailableAt = fromNanos(availableAt)
	u.StartedAt = fromNullNanos(startedAt)
	u.HeartbeatAt = fromNullNanos(heartbeatAt)
	u.CompletedAt = fromNullNanos(completedAt)
	u.Entity = taskcrew.Entity{CreatedAt: fromNanos(createdAt), UpdatedAt: fromNanos(updatedAt)}
	return &u, nil
}

func encodeMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func refString(ref id.WorkUnitID) string {
	if ref.IsNil() {
		return ""
	}
	return ref.String()
}
