package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/taskcrew/ext"
	"github.com/xraph/taskcrew/workunit"
)

// Compile-time interface checks.
var (
	_ ext.Extension            = (*Extension)(nil)
	_ ext.UnitEnqueued         = (*Extension)(nil)
	_ ext.UnitStarted          = (*Extension)(nil)
	_ ext.UnitCompleted        = (*Extension)(nil)
	_ ext.UnitFailed           = (*Extension)(nil)
	_ ext.UnitRetrying         = (*Extension)(nil)
	_ ext.UnitCancelled        = (*Extension)(nil)
	_ ext.BackendHealthChanged = (*Extension)(nil)
)

// Recorder is the interface audit backends implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one recorded lifecycle transition.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// NewSlogRecorder returns a Recorder that writes each event as one log
// record, at a level derived from its severity.
func NewSlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityCritical:
			level = slog.LevelError
		}

		attrs := []slog.Attr{
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
		}
		if evt.Reason != "" {
			attrs = append(attrs, slog.String("reason", evt.Reason))
		}
		for k, v := range evt.Metadata {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.LogAttrs(ctx, level, "audit", attrs...)
		return nil
	})
}

// Extension bridges taskcrew lifecycle events to an audit trail.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// OnUnitEnqueued implements ext.UnitEnqueued.
func (e *Extension) OnUnitEnqueued(ctx context.Context, u *workunit.WorkUnit) error {
	return e.recordUnit(ctx, ActionUnitEnqueued, SeverityInfo, OutcomeSuccess, u, nil,
		"priority", u.Priority,
	)
}

// OnUnitStarted implements ext.UnitStarted.
func (e *Extension) OnUnitStarted(ctx context.Context, u *workunit.WorkUnit) error {
	return e.recordUnit(ctx, ActionUnitStarted, SeverityInfo, OutcomeSuccess, u, nil,
		"attempt", u.AttemptCount,
	)
}

// OnUnitCompleted implements ext.UnitCompleted.
func (e *Extension) OnUnitCompleted(ctx context.Context, u *workunit.WorkUnit, elapsed time.Duration) error {
	return e.recordUnit(ctx, ActionUnitCompleted, SeverityInfo, OutcomeSuccess, u, nil,
		"attempt", u.AttemptCount,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnUnitFailed implements ext.UnitFailed.
func (e *Extension) OnUnitFailed(ctx context.Context, u *workunit.WorkUnit, unitErr error) error {
	return e.recordUnit(ctx, ActionUnitFailed, SeverityCritical, OutcomeFailure, u, unitErr,
		"attempt", u.AttemptCount,
		"max_attempts", u.MaxAttempts,
	)
}

// OnUnitRetrying implements ext.UnitRetrying.
func (e *Extension) OnUnitRetrying(ctx context.Context, u *workunit.WorkUnit, attempt int, nextRunAt time.Time) error {
	return e.recordUnit(ctx, ActionUnitRetrying, SeverityWarning, OutcomeFailure, u, nil,
		"attempt", attempt,
		"max_attempts", u.MaxAttempts,
		"next_run_at", nextRunAt.UTC().Format(time.RFC3339),
	)
}

// OnUnitCancelled implements ext.UnitCancelled.
func (e *Extension) OnUnitCancelled(ctx context.Context, u *workunit.WorkUnit) error {
	return e.recordUnit(ctx, ActionUnitCancelled, SeverityWarning, OutcomeSuccess, u, nil,
		"attempt", u.AttemptCount,
	)
}

// OnBackendHealthChanged implements ext.BackendHealthChanged.
func (e *Extension) OnBackendHealthChanged(ctx context.Context, healthy bool) error {
	severity, outcome := SeverityInfo, OutcomeSuccess
	if !healthy {
		severity, outcome = SeverityWarning, OutcomeFailure
	}
	return e.record(ctx, ActionBackendHealth, severity, outcome,
		ResourceBackend, "", CategoryBackend, nil,
		"healthy", healthy,
	)
}

func (e *Extension) recordUnit(
	ctx context.Context,
	action, severity, outcome string,
	u *workunit.WorkUnit,
	err error,
	kvPairs ...any,
) error {
	kvPairs = append(kvPairs,
		"kind", u.Kind,
		"worker_type", u.WorkerType,
	)
	if u.SubjectRef != "" {
		kvPairs = append(kvPairs, "subject_ref", u.SubjectRef)
	}
	return e.record(ctx, action, severity, outcome,
		ResourceUnit, u.ID.String(), CategoryUnit, err, kvPairs...)
}

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
