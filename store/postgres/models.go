package postgres

import (
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

// unitModel mirrors one taskcrew_units row.
type unitModel struct {
	ID           string
	Kind         string
	WorkerType   string
	Priority     int
	Status       string
	SubjectRef   string
	ParentRef    *string
	Input        []byte
	Output       []byte
	Error        string
	AttemptCount int
	MaxAttempts  int
	AvailableAt  time.Time
	StartedAt    *time.Time
	HeartbeatAt  *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (m *unitModel) scan(row rowScanner) error {
	return row.Scan(
		&m.ID, &m.Kind, &m.WorkerType, &m.Priority, &m.Status, &m.SubjectRef, &m.ParentRef,
		&m.Input, &m.Output, &m.Error, &m.AttemptCount, &m.MaxAttempts,
		&m.AvailableAt, &m.StartedAt, &m.HeartbeatAt, &m.CompletedAt, &m.CreatedAt, &m.UpdatedAt,
	)
}

func scanUnit(row rowScanner) (*workunit.WorkUnit, error) {
	var m unitModel
	if err := m.scan(row); err != nil {
		return nil, err
	}
	return fromUnitModel(&m)
}

func toUnitModel(u *workunit.WorkUnit) (*unitModel, error) {
	input, err := encodeJSON(u.Input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	output, err := encodeJSON(u.Output)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}

	m := &unitModel{
		ID:           u.ID.String(),
		Kind:         u.Kind,
		WorkerType:   u.WorkerType,
		Priority:     u.Priority,
		Status:       string(u.Status),
		SubjectRef:   u.SubjectRef,
		Input:        input,
		Output:       output,
		Error:        u.Error,
		AttemptCount: u.AttemptCount,
		MaxAttempts:  u.MaxAttempts,
		AvailableAt:  u.AvailableAt.UTC(),
		StartedAt:    u.StartedAt,
		HeartbeatAt:  u.HeartbeatAt,
		CompletedAt:  u.CompletedAt,
		CreatedAt:    u.CreatedAt.UTC(),
		UpdatedAt:    u.UpdatedAt.UTC(),
	}
	if !u.ParentRef.IsNil() {
		ref := u.ParentRef.String()
		m.ParentRef = &ref
	}
	return m, nil
}

func fromUnitModel(m *unitModel) (*workunit.WorkUnit, error) {
	unitID, err := id.ParseWorkUnitID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}

	u := &workunit.WorkUnit{
		Entity:       taskcrew.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:           unitID,
		Kind:         m.Kind,
		WorkerType:   m.WorkerType,
		Priority:     m.Priority,
		Status:       workunit.Status(m.Status),
		SubjectRef:   m.SubjectRef,
		Error:        m.Error,
		AttemptCount: m.AttemptCount,
		MaxAttempts:  m.MaxAttempts,
		AvailableAt:  m.AvailableAt.UTC(),
		StartedAt:    utcPtr(m.StartedAt),
		HeartbeatAt:  utcPtr(m.HeartbeatAt),
		CompletedAt:  utcPtr(m.CompletedAt),
	}
	if m.ParentRef != nil && *m.ParentRef != "" {
		if u.ParentRef, err = id.ParseWorkUnitID(*m.ParentRef); err != nil {
			return nil, fmt.Errorf("parse parent ref: %w", err)
		}
	}
	if u.Input, err = decodeJSON(m.Input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if u.Output, err = decodeJSON(m.Output); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return u, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
