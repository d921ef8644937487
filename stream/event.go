// Package stream provides the live event feed for taskcrew observers.
// It fans step events out to subscriptions keyed by worker type, with the
// wildcard topic "all" observing every worker type.
package stream

import (
	"time"
)

// Step event kinds published by the engine itself. Handlers may emit
// any other kind, such as "think" or "act".
const (
	KindUnitEnqueued  = "unit.enqueued"
	KindUnitStarted   = "unit.started"
	KindUnitCompleted = "unit.completed"
	KindUnitFailed    = "unit.failed"
	KindUnitRetrying  = "unit.retrying"
	KindUnitCancelled = "unit.cancelled"

	KindStreamStart   = "stream_start"
	KindStreamContent = "stream_content"
	KindStreamEnd     = "stream_end"
)

// StepEvent is one ephemeral observation of work in progress. Events are
// never stored; subscribers share the same value and must not mutate it.
type StepEvent struct {
	// ID is an "evt" TypeID assigned when the event is published.
	ID string `json:"id,omitempty" msgpack:"id,omitempty"`

	// WorkerType is the topic the event is published on.
	WorkerType string `json:"worker_type" msgpack:"worker_type"`

	// SessionRef correlates the events of one unit execution.
	SessionRef string `json:"session_ref,omitempty" msgpack:"session_ref,omitempty"`

	// Kind identifies what happened.
	Kind string `json:"kind" msgpack:"kind"`

	// Payload is the kind-specific body.
	Payload map[string]any `json:"payload,omitempty" msgpack:"payload,omitempty"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}
