package workunit_test

import (
	"errors"
	"testing"
	"time"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/workunit"
)

func TestNew_Defaults(t *testing.T) {
	u := workunit.New("score_lead", "analyst", 2, map[string]any{"lead": "l-1"})

	if u.ID.Prefix() != id.PrefixWorkUnit {
		t.Errorf("prefix = %q, want %q", u.ID.Prefix(), id.PrefixWorkUnit)
	}
	if u.Status != workunit.StatusPending {
		t.Errorf("status = %q, want pending", u.Status)
	}
	if u.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", u.MaxAttempts)
	}
	if u.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0", u.AttemptCount)
	}
	if !u.AvailableAt.Equal(u.CreatedAt) {
		t.Errorf("available_at %v should default to created_at %v", u.AvailableAt, u.CreatedAt)
	}
	if err := u.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestNew_Options(t *testing.T) {
	parent := id.NewWorkUnitID()
	later := time.Now().Add(time.Hour).UTC()

	u := workunit.New("send_follow_up", "sales", 0, nil,
		workunit.WithMaxAttempts(5),
		workunit.WithSubjectRef("cust-42"),
		workunit.WithParentRef(parent),
		workunit.WithAvailableAt(later),
	)

	if u.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", u.MaxAttempts)
	}
	if u.SubjectRef != "cust-42" {
		t.Errorf("subject ref = %q", u.SubjectRef)
	}
	if u.ParentRef.String() != parent.String() {
		t.Errorf("parent ref = %q, want %q", u.ParentRef, parent)
	}
	if !u.AvailableAt.Equal(later) {
		t.Errorf("available at = %v, want %v", u.AvailableAt, later)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(u *workunit.WorkUnit)
	}{
		{"missing worker type", func(u *workunit.WorkUnit) { u.WorkerType = "" }},
		{"zero max attempts", func(u *workunit.WorkUnit) { u.MaxAttempts = 0 }},
		{"attempts over budget", func(u *workunit.WorkUnit) { u.AttemptCount = 4 }},
		{"unknown status", func(u *workunit.WorkUnit) { u.Status = "exploded" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := workunit.New("k", "analyst", 0, nil)
			tt.mutate(u)
			err := u.Validate()
			if !errors.Is(err, taskcrew.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to workunit.Status
		want     bool
	}{
		{workunit.StatusPending, workunit.StatusProcessing, true},
		{workunit.StatusPending, workunit.StatusCancelled, true},
		{workunit.StatusPending, workunit.StatusCompleted, false},
		{workunit.StatusProcessing, workunit.StatusCompleted, true},
		{workunit.StatusProcessing, workunit.StatusFailed, true},
		{workunit.StatusProcessing, workunit.StatusPending, true},
		{workunit.StatusProcessing, workunit.StatusCancelled, true},
		{workunit.StatusCompleted, workunit.StatusPending, false},
		{workunit.StatusFailed, workunit.StatusProcessing, false},
		{workunit.StatusCancelled, workunit.StatusCompleted, false},
	}

	for _, tt := range tests {
		if got := workunit.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := map[workunit.Status]bool{
		workunit.StatusPending:    false,
		workunit.StatusProcessing: false,
		workunit.StatusCompleted:  true,
		workunit.StatusFailed:     true,
		workunit.StatusCancelled:  true,
	}
	for s, want := range terminal {
		if s.IsTerminal() != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, !want, want)
		}
	}
}

func TestClone_IsDeep(t *testing.T) {
	u := workunit.New("k", "analyst", 0, map[string]any{
		"nested": map[string]any{"a": 1},
		"list":   []any{"x", map[string]any{"b": 2}},
	})
	now := time.Now()
	u.StartedAt = &now

	c := u.Clone()
	c.Input["nested"].(map[string]any)["a"] = 99
	c.Input["list"].([]any)[0] = "changed"
	*c.StartedAt = now.Add(time.Hour)

	if u.Input["nested"].(map[string]any)["a"] != 1 {
		t.Error("nested map was shared between clone and original")
	}
	if u.Input["list"].([]any)[0] != "x" {
		t.Error("slice was shared between clone and original")
	}
	if !u.StartedAt.Equal(now) {
		t.Error("StartedAt pointer was shared between clone and original")
	}
}

func TestLess_PriorityThenFIFO(t *testing.T) {
	base := time.Now().UTC()

	high := workunit.New("k", "analyst", 0, nil)
	high.CreatedAt = base.Add(time.Second)

	lowEarly := workunit.New("k", "analyst", 5, nil)
	lowEarly.CreatedAt = base

	lowLate := workunit.New("k", "analyst", 5, nil)
	lowLate.CreatedAt = base.Add(2 * time.Second)

	if !workunit.Less(high, lowEarly) {
		t.Error("lower priority value should be served first")
	}
	if !workunit.Less(lowEarly, lowLate) {
		t.Error("equal priority should be served FIFO")
	}
	if workunit.Less(lowLate, lowEarly) {
		t.Error("Less must be asymmetric")
	}
}

func TestStats(t *testing.T) {
	var s workunit.Stats
	s.Add(workunit.StatusPending, 2)
	s.Add(workunit.StatusFailed, 1)
	s.Add(workunit.StatusCancelled, 3)

	if s.Pending != 2 || s.Failed != 1 || s.Cancelled != 3 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if s.Total() != 6 {
		t.Errorf("total = %d, want 6", s.Total())
	}
}
