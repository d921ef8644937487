package registry

import (
	"context"
	"sync/atomic"

	"github.com/xraph/taskcrew/workunit"
)

// EmitFunc publishes one step event for the unit being handled.
type EmitFunc func(kind string, payload map[string]any)

// StreamFunc re-delivers already produced text to observers as ordered
// increments.
type StreamFunc func(ctx context.Context, title, content string) error

// Call is the per-attempt view a handler gets of its unit.
type Call struct {
	unit      *workunit.WorkUnit
	emit      EmitFunc
	stream    StreamFunc
	cancelled atomic.Bool
}

// NewCall builds a Call over a snapshot of u. emit and stream may be nil.
func NewCall(u *workunit.WorkUnit, emit EmitFunc, stream StreamFunc) *Call {
	return &Call{unit: u.Clone(), emit: emit, stream: stream}
}

// Unit returns a copy of the unit snapshot taken at claim time.
func (c *Call) Unit() *workunit.WorkUnit { return c.unit.Clone() }

// Attempt returns the 1-based attempt number of this call.
func (c *Call) Attempt() int { return c.unit.AttemptCount }

// Input returns the unit input. Callers must not mutate it.
func (c *Call) Input() map[string]any { return c.unit.Input }

// Emit publishes a step event. Delivery is best-effort and never blocks
// on slow observers.
func (c *Call) Emit(kind string, payload map[string]any) {
	if c.emit == nil {
		return
	}
	c.emit(kind, payload)
}

// Stream replays content to observers of the unit's worker type as
// start, content, and end events. It is a no-op when nobody listens.
func (c *Call) Stream(ctx context.Context, title, content string) error {
	if c.stream == nil {
		return nil
	}
	return c.stream(ctx, title, content)
}

// Cancelled reports whether the unit was cancelled while running. The
// handler context is not cancelled; handlers poll this flag and stop
// when convenient.
func (c *Call) Cancelled() bool { return c.cancelled.Load() }

// MarkCancelled flips the cooperative cancel flag.
func (c *Call) MarkCancelled() { c.cancelled.Store(true) }
