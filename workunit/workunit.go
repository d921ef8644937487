package workunit

import (
	"fmt"
	"time"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/id"
)

// Status represents the lifecycle state of a work unit.
type Status string

const (
	// StatusPending means the unit is waiting to be claimed.
	StatusPending Status = "pending"
	// StatusProcessing means exactly one pool worker holds the claim.
	StatusProcessing Status = "processing"
	// StatusCompleted means the handler succeeded.
	StatusCompleted Status = "completed"
	// StatusFailed means the unit failed permanently or ran out of attempts.
	StatusFailed Status = "failed"
	// StatusCancelled means the unit was cancelled before it finalized.
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

// IsTerminal reports whether s is completed, failed, or cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled || to == StatusFailed
	case StatusProcessing:
		return to == StatusPending || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// WorkUnit is one schedulable, retryable piece of work routed to a
// worker type.
type WorkUnit struct {
	taskcrew.Entity

	ID           id.WorkUnitID  `json:"id"`
	Kind         string         `json:"kind"`
	WorkerType   string         `json:"worker_type"`
	Priority     int            `json:"priority"`
	Status       Status         `json:"status"`
	SubjectRef   string         `json:"subject_ref,omitempty"`
	ParentRef    id.WorkUnitID  `json:"parent_ref,omitzero"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	MaxAttempts  int            `json:"max_attempts"`
	AvailableAt  time.Time      `json:"available_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	HeartbeatAt  *time.Time     `json:"heartbeat_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// New builds a pending unit with a fresh ID. Options are applied over
// DefaultOptions.
func New(kind, workerType string, priority int, input map[string]any, opts ...Option) *WorkUnit {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	entity := taskcrew.NewEntity()
	availableAt := o.AvailableAt
	if availableAt.IsZero() {
		availableAt = entity.CreatedAt
	}

	return &WorkUnit{
		Entity:      entity,
		ID:          id.NewWorkUnitID(),
		Kind:        kind,
		WorkerType:  workerType,
		Priority:    priority,
		Status:      StatusPending,
		SubjectRef:  o.SubjectRef,
		ParentRef:   o.ParentRef,
		Input:       CloneMap(input),
		MaxAttempts: o.MaxAttempts,
		AvailableAt: availableAt.UTC(),
	}
}

// Validate checks the fields a caller controls.
func (u *WorkUnit) Validate() error {
	if u.WorkerType == "" {
		return fmt.Errorf("%w: worker type is required", taskcrew.ErrInvalidInput)
	}
	if u.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", taskcrew.ErrInvalidInput, u.MaxAttempts)
	}
	if u.AttemptCount > u.MaxAttempts {
		return fmt.Errorf("%w: attempt count %d exceeds max attempts %d", taskcrew.ErrInvalidInput, u.AttemptCount, u.MaxAttempts)
	}
	if !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", taskcrew.ErrInvalidInput, u.Status)
	}
	return nil
}

// IsTerminal reports whether the unit reached a terminal status.
func (u *WorkUnit) IsTerminal() bool { return u.Status.IsTerminal() }

// LastSeen returns when the current claim last proved alive: the latest
// heartbeat, or the claim time before the first heartbeat. It is nil for
// a unit that was never claimed.
func (u *WorkUnit) LastSeen() *time.Time {
	if u.HeartbeatAt != nil {
		return u.HeartbeatAt
	}
	return u.StartedAt
}

// HasAttemptsLeft reports whether another claim is allowed.
func (u *WorkUnit) HasAttemptsLeft() bool { return u.AttemptCount < u.MaxAttempts }

// Clone returns a deep copy so callers can never mutate stored state.
func (u *WorkUnit) Clone() *WorkUnit {
	if u == nil {
		return nil
	}
	c := *u
	c.Input = CloneMap(u.Input)
	c.Output = CloneMap(u.Output)
	if u.StartedAt != nil {
		t := *u.StartedAt
		c.StartedAt = &t
	}
	if u.HeartbeatAt != nil {
		t := *u.HeartbeatAt
		c.HeartbeatAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Less reports whether a is served before b: lower priority value first,
// then earlier creation, then lower ID.
func Less(a, b *WorkUnit) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// CloneMap deep-copies a payload map, descending into nested maps and
// slices.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	default:
		return v
	}
}
