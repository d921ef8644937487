package stream

import (
	"context"
	"time"

	"github.com/xraph/taskcrew/ext"
	"github.com/xraph/taskcrew/workunit"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*Broadcaster)(nil)
	_ ext.UnitEnqueued  = (*Broadcaster)(nil)
	_ ext.UnitStarted   = (*Broadcaster)(nil)
	_ ext.UnitCompleted = (*Broadcaster)(nil)
	_ ext.UnitFailed    = (*Broadcaster)(nil)
	_ ext.UnitRetrying  = (*Broadcaster)(nil)
	_ ext.UnitCancelled = (*Broadcaster)(nil)
	_ ext.Shutdown      = (*Broadcaster)(nil)
)

// Name implements ext.Extension.
func (b *Broadcaster) Name() string { return "stream-broadcaster" }

// lifecycle publishes a dispatcher transition on the unit's worker type.
func (b *Broadcaster) lifecycle(u *workunit.WorkUnit, kind string, extra map[string]any) {
	if !b.HasSubscribers(u.WorkerType) {
		return
	}
	payload := map[string]any{
		"unit_id":      u.ID.String(),
		"kind":         u.Kind,
		"status":       string(u.Status),
		"priority":     u.Priority,
		"attempt":      u.AttemptCount,
		"max_attempts": u.MaxAttempts,
	}
	if u.SubjectRef != "" {
		payload["subject_ref"] = u.SubjectRef
	}
	for k, v := range extra {
		payload[k] = v
	}
	b.Publish(&StepEvent{
		WorkerType: u.WorkerType,
		SessionRef: u.ID.String(),
		Kind:       kind,
		Payload:    payload,
	})
}

func (b *Broadcaster) OnUnitEnqueued(_ context.Context, u *workunit.WorkUnit) error {
	b.lifecycle(u, KindUnitEnqueued, nil)
	return nil
}

func (b *Broadcaster) OnUnitStarted(_ context.Context, u *workunit.WorkUnit) error {
	b.lifecycle(u, KindUnitStarted, nil)
	return nil
}

func (b *Broadcaster) OnUnitCompleted(_ context.Context, u *workunit.WorkUnit, elapsed time.Duration) error {
	b.lifecycle(u, KindUnitCompleted, map[string]any{
		"elapsed_ms": elapsed.Milliseconds(),
		"output":     workunit.CloneMap(u.Output),
	})
	return nil
}

func (b *Broadcaster) OnUnitFailed(_ context.Context, u *workunit.WorkUnit, unitErr error) error {
	b.lifecycle(u, KindUnitFailed, map[string]any{"error": unitErr.Error()})
	return nil
}

func (b *Broadcaster) OnUnitRetrying(_ context.Context, u *workunit.WorkUnit, attempt int, nextRunAt time.Time) error {
	b.lifecycle(u, KindUnitRetrying, map[string]any{
		"attempt":     attempt,
		"next_run_at": nextRunAt.Format(time.RFC3339Nano),
		"error":       u.Error,
	})
	return nil
}

func (b *Broadcaster) OnUnitCancelled(_ context.Context, u *workunit.WorkUnit) error {
	b.lifecycle(u, KindUnitCancelled, nil)
	return nil
}

func (b *Broadcaster) OnShutdown(_ context.Context) error {
	b.Close()
	b.logger.Info("stream broadcaster shut down")
	return nil
}
