package ext_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/taskcrew/ext"
	"github.com/xraph/taskcrew/workunit"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnUnitEnqueued(_ context.Context, _ *workunit.WorkUnit) error {
	e.calls = append(e.calls, "OnUnitEnqueued")
	return nil
}

func (e *allHooksExt) OnUnitStarted(_ context.Context, _ *workunit.WorkUnit) error {
	e.calls = append(e.calls, "OnUnitStarted")
	return nil
}

func (e *allHooksExt) OnUnitCompleted(_ context.Context, _ *workunit.WorkUnit, _ time.Duration) error {
	e.calls = append(e.calls, "OnUnitCompleted")
	return nil
}

func (e *allHooksExt) OnUnitFailed(_ context.Context, _ *workunit.WorkUnit, _ error) error {
	e.calls = append(e.calls, "OnUnitFailed")
	return nil
}

func (e *allHooksExt) OnUnitRetrying(_ context.Context, _ *workunit.WorkUnit, _ int, _ time.Time) error {
	e.calls = append(e.calls, "OnUnitRetrying")
	return nil
}

func (e *allHooksExt) OnUnitCancelled(_ context.Context, _ *workunit.WorkUnit) error {
	e.calls = append(e.calls, "OnUnitCancelled")
	return nil
}

func (e *allHooksExt) OnBackendHealthChanged(_ context.Context, _ bool) error {
	e.calls = append(e.calls, "OnBackendHealthChanged")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// enqueueOnlyExt only implements the enqueue and completion hooks.
type enqueueOnlyExt struct {
	calls []string
}

func (e *enqueueOnlyExt) Name() string { return "enqueue-only" }

func (e *enqueueOnlyExt) OnUnitEnqueued(_ context.Context, _ *workunit.WorkUnit) error {
	e.calls = append(e.calls, "OnUnitEnqueued")
	return nil
}

func (e *enqueueOnlyExt) OnUnitCompleted(_ context.Context, _ *workunit.WorkUnit, _ time.Duration) error {
	e.calls = append(e.calls, "OnUnitCompleted")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnUnitEnqueued(_ context.Context, _ *workunit.WorkUnit) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(_ context.Context) error {
	return errors.New("shutdown boom")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := ext.NewRegistry(quietLogger())
	r.Register(&allHooksExt{})

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(quietLogger())
	all := &allHooksExt{}
	eo := &enqueueOnlyExt{}
	r.Register(all)
	r.Register(eo)

	ctx := context.Background()
	u := workunit.New("score_lead", "analyst", 0, nil)

	// Both implement OnUnitEnqueued.
	r.EmitUnitEnqueued(ctx, u)
	if len(all.calls) != 1 || all.calls[0] != "OnUnitEnqueued" {
		t.Fatalf("all: expected [OnUnitEnqueued], got %v", all.calls)
	}
	if len(eo.calls) != 1 || eo.calls[0] != "OnUnitEnqueued" {
		t.Fatalf("eo: expected [OnUnitEnqueued], got %v", eo.calls)
	}

	// Only all implements OnUnitStarted.
	r.EmitUnitStarted(ctx, u)
	if len(all.calls) != 2 || all.calls[1] != "OnUnitStarted" {
		t.Fatalf("all: expected OnUnitStarted as 2nd, got %v", all.calls)
	}
	if len(eo.calls) != 1 {
		t.Fatalf("eo: should still have 1 call, got %v", eo.calls)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := ext.NewRegistry(quietLogger())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	u := workunit.New("score_lead", "analyst", 0, nil)

	r.EmitUnitEnqueued(ctx, u)
	r.EmitUnitStarted(ctx, u)
	r.EmitUnitCompleted(ctx, u, time.Second)
	r.EmitUnitFailed(ctx, u, errors.New("fail"))
	r.EmitUnitRetrying(ctx, u, 1, time.Now())
	r.EmitUnitCancelled(ctx, u)
	r.EmitBackendHealthChanged(ctx, false)
	r.EmitShutdown(ctx)

	expected := []string{
		"OnUnitEnqueued", "OnUnitStarted", "OnUnitCompleted",
		"OnUnitFailed", "OnUnitRetrying", "OnUnitCancelled",
		"OnBackendHealthChanged", "OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsDoNotStopOthers(t *testing.T) {
	r := ext.NewRegistry(quietLogger())
	all := &allHooksExt{}
	r.Register(&failingExt{})
	r.Register(all)

	ctx := context.Background()
	r.EmitUnitEnqueued(ctx, workunit.New("k", "analyst", 0, nil))
	r.EmitShutdown(ctx)

	if len(all.calls) != 2 {
		t.Fatalf("expected later extensions to still run, got %v", all.calls)
	}
}

func TestRegistry_RegistrationOrder(t *testing.T) {
	r := ext.NewRegistry(quietLogger())
	var order []string
	r.Register(&orderExt{name: "first", order: &order})
	r.Register(&orderExt{name: "second", order: &order})

	r.EmitUnitCancelled(context.Background(), workunit.New("k", "analyst", 0, nil))

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected [first second], got %v", order)
	}
}

func TestRegistry_NilLoggerDefaults(t *testing.T) {
	r := ext.NewRegistry(nil)
	r.Register(&failingExt{})
	// Must not panic when logging the hook error.
	r.EmitShutdown(context.Background())
}

type orderExt struct {
	name  string
	order *[]string
}

func (e *orderExt) Name() string { return e.name }

func (e *orderExt) OnUnitCancelled(_ context.Context, _ *workunit.WorkUnit) error {
	*e.order = append(*e.order, e.name)
	return nil
}
