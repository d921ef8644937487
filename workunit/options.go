package workunit

import (
	"time"

	"github.com/xraph/taskcrew/id"
)

// Options configures a unit at enqueue time.
type Options struct {
	// MaxAttempts is the claim budget. The unit fails once AttemptCount
	// reaches it.
	MaxAttempts int

	// SubjectRef is an opaque reference to the business entity the work is
	// about, such as a customer ID.
	SubjectRef string

	// ParentRef links a fan-out child to its parent unit. A child failure
	// never fails the parent.
	ParentRef id.WorkUnitID

	// AvailableAt delays the first claim. Zero means immediately.
	AvailableAt time.Time
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{MaxAttempts: 3}
}

// Option is a functional option for configuring a unit.
type Option func(*Options)

// WithMaxAttempts sets the claim budget.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithSubjectRef sets the business entity reference.
func WithSubjectRef(ref string) Option {
	return func(o *Options) { o.SubjectRef = ref }
}

// WithParentRef links the unit to a parent unit.
func WithParentRef(parent id.WorkUnitID) Option {
	return func(o *Options) { o.ParentRef = parent }
}

// WithAvailableAt delays the first claim until t.
func WithAvailableAt(t time.Time) Option {
	return func(o *Options) { o.AvailableAt = t }
}
