// Package worker provides the unit execution engine: an Executor that
// invokes registered handlers through middleware and persists the outcome,
// and a Pool that runs a fixed number of goroutines claiming units.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/backoff"
	"github.com/xraph/taskcrew/ext"
	"github.com/xraph/taskcrew/middleware"
	"github.com/xraph/taskcrew/queue"
	"github.com/xraph/taskcrew/registry"
	"github.com/xraph/taskcrew/workunit"
)

// Executor runs a single claimed unit through middleware and its handler,
// then completes, requeues, or fails it and emits lifecycle events.
type Executor struct {
	backend    queue.Backend
	registry   *registry.Registry
	extensions *ext.Registry
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
	now        func() time.Time
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	backend queue.Backend,
	reg *registry.Registry,
	extensions *ext.Registry,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	return &Executor{
		backend:    backend,
		registry:   reg,
		extensions: extensions,
		backoff:    bo,
		mw:         middleware.Chain(mws...),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Outcome is the persisted result of one attempt.
type Outcome int

const (
	// OutcomeCompleted means the unit was acked.
	OutcomeCompleted Outcome = iota
	// OutcomeRetrying means the unit went back to pending with backoff.
	OutcomeRetrying
	// OutcomeFailed means the unit failed terminally.
	OutcomeFailed
	// OutcomeSuperseded means another writer finalized the unit first,
	// typically a cancel.
	OutcomeSuperseded
)

// Execute runs call's unit, which must be the snapshot returned by Claim.
// The handler runs under ctx; the outcome is persisted even if ctx is
// cancelled meanwhile. The returned error is the persistence error, if
// any. Handler failures are reflected in the Outcome.
func (e *Executor) Execute(ctx context.Context, u *workunit.WorkUnit, call *registry.Call) (Outcome, error) {
	persistCtx := context.WithoutCancel(ctx)

	handler, err := e.registry.Resolve(u.WorkerType)
	if err != nil {
		return e.reject(persistCtx, u, err)
	}

	start := time.Now()

	var output map[string]any
	terminal := func(ctx context.Context) error {
		var hErr error
		output, hErr = handler.Handle(ctx, call)
		return hErr
	}

	err = e.mw(ctx, u, terminal)
	elapsed := time.Since(start)

	if err != nil {
		return e.handleFailure(persistCtx, u, err)
	}
	return e.handleSuccess(persistCtx, u, output, elapsed)
}

// reject fails a unit that could never run and refunds its attempt.
func (e *Executor) reject(ctx context.Context, u *workunit.WorkUnit, cause error) (Outcome, error) {
	if err := e.backend.Reject(ctx, u, cause); err != nil {
		return e.persistFailed(ctx, u, nil, cause, "reject", err)
	}
	failed := u.Clone()
	failed.Status = workunit.StatusFailed
	failed.AttemptCount--
	failed.Error = cause.Error()

	e.logger.Warn("unit rejected",
		slog.String("unit_id", u.ID.String()),
		slog.String("worker_type", u.WorkerType),
		slog.String("error", cause.Error()),
	)
	e.extensions.EmitUnitFailed(ctx, failed, cause)
	return OutcomeFailed, nil
}

// handleSuccess acks the claim and emits UnitCompleted.
func (e *Executor) handleSuccess(ctx context.Context, u *workunit.WorkUnit, output map[string]any, elapsed time.Duration) (Outcome, error) {
	if err := e.backend.Complete(ctx, u, output); err != nil {
		return e.persistFailed(ctx, u, output, nil, "complete", err)
	}

	now := e.now()
	done := u.Clone()
	done.Status = workunit.StatusCompleted
	done.Output = workunit.CloneMap(output)
	done.Error = ""
	done.CompletedAt = &now

	e.extensions.EmitUnitCompleted(ctx, done, elapsed)
	return OutcomeCompleted, nil
}

// handleFailure requeues with backoff while attempts remain and the
// error is retryable; otherwise it fails the unit with the error preserved.
func (e *Executor) handleFailure(ctx context.Context, u *workunit.WorkUnit, handlerErr error) (Outcome, error) {
	if taskcrew.IsRetryable(handlerErr) && u.HasAttemptsLeft() {
		return e.scheduleRetry(ctx, u, handlerErr)
	}
	return e.fail(ctx, u, handlerErr)
}

func (e *Executor) scheduleRetry(ctx context.Context, u *workunit.WorkUnit, handlerErr error) (Outcome, error) {
	delay := e.backoff.Delay(u.AttemptCount)
	nextRunAt := e.now().Add(delay)

	if err := e.backend.Requeue(ctx, u, nextRunAt, handlerErr); err != nil {
		return e.persistFailed(ctx, u, nil, handlerErr, "requeue", err)
	}

	retrying := u.Clone()
	retrying.Status = workunit.StatusPending
	retrying.AvailableAt = nextRunAt
	retrying.Error = handlerErr.Error()
	e.extensions.EmitUnitRetrying(ctx, retrying, u.AttemptCount, nextRunAt)

	e.logger.Info("unit scheduled for retry",
		slog.String("unit_id", u.ID.String()),
		slog.String("worker_type", u.WorkerType),
		slog.Int("attempt", u.AttemptCount),
		slog.Int("max_attempts", u.MaxAttempts),
		slog.Duration("delay", delay),
	)
	return OutcomeRetrying, nil
}

func (e *Executor) fail(ctx context.Context, u *workunit.WorkUnit, handlerErr error) (Outcome, error) {
	if err := e.backend.Fail(ctx, u, handlerErr); err != nil {
		return e.persistFailed(ctx, u, nil, handlerErr, "fail", err)
	}

	now := e.now()
	failed := u.Clone()
	failed.Status = workunit.StatusFailed
	failed.Error = handlerErr.Error()
	failed.CompletedAt = &now
	e.extensions.EmitUnitFailed(ctx, failed, handlerErr)

	e.logger.Warn("unit failed",
		slog.String("unit_id", u.ID.String()),
		slog.String("worker_type", u.WorkerType),
		slog.Int("attempt", u.AttemptCount),
		slog.Bool("retryable", taskcrew.IsRetryable(handlerErr)),
		slog.String("error", handlerErr.Error()),
	)
	return OutcomeFailed, nil
}

// persistFailed handles a finalization write that did not apply. A claim
// conflict means another writer got there first: if that writer was a
// cancel and the handler succeeded, its output is kept on the cancelled
// unit. Any other error is returned to the caller.
func (e *Executor) persistFailed(ctx context.Context, u *workunit.WorkUnit, output map[string]any, handlerErr error, op string, err error) (Outcome, error) {
	if !errors.Is(err, taskcrew.ErrClaimConflict) {
		e.logger.Error("failed to persist unit outcome",
			slog.String("unit_id", u.ID.String()),
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return OutcomeFailed, err
	}

	cur, getErr := e.backend.Get(ctx, u.ID)
	if getErr != nil {
		return OutcomeSuperseded, getErr
	}

	attrs := []any{
		slog.String("unit_id", u.ID.String()),
		slog.String("op", op),
		slog.String("status", string(cur.Status)),
	}
	if cur.Status == workunit.StatusCancelled && handlerErr == nil && op == "complete" {
		if lateErr := e.backend.RecordLateOutput(ctx, u.ID, output); lateErr != nil {
			return OutcomeSuperseded, lateErr
		}
		e.logger.Info("kept late output on cancelled unit", attrs...)
		return OutcomeSuperseded, nil
	}
	if handlerErr != nil {
		attrs = append(attrs, slog.String("error", handlerErr.Error()))
	}
	e.logger.Info("unit finalized by another writer", attrs...)
	return OutcomeSuperseded, nil
}
