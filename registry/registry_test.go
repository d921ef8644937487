package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/registry"
	"github.com/xraph/taskcrew/workunit"
)

func noop(context.Context, *registry.Call) (map[string]any, error) { return nil, nil }

func TestRegister_AndResolve(t *testing.T) {
	r := registry.New()
	if err := r.Register("analyst", registry.HandlerFunc(noop)); err != nil {
		t.Fatalf("register: %v", err)
	}

	h, err := r.Resolve("analyst")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if h == nil {
		t.Fatal("expected handler")
	}
	if !r.Has("analyst") {
		t.Error("Has(analyst) = false")
	}
}

func TestRegister_Rejects(t *testing.T) {
	tests := []struct {
		name       string
		workerType string
		handler    registry.Handler
		want       error
	}{
		{"empty worker type", "", registry.HandlerFunc(noop), taskcrew.ErrInvalidWorkerType},
		{"wildcard", registry.Wildcard, registry.HandlerFunc(noop), taskcrew.ErrInvalidWorkerType},
		{"nil handler", "sales", nil, taskcrew.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.New().Register(tt.workerType, tt.handler)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := registry.New()
	if err := r.Register("sales", registry.HandlerFunc(noop)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register("sales", registry.HandlerFunc(noop))
	if !errors.Is(err, taskcrew.ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}
}

func TestResolve_Unknown(t *testing.T) {
	_, err := registry.New().Resolve("ghost")
	if !errors.Is(err, taskcrew.ErrUnknownWorkerType) {
		t.Fatalf("expected ErrUnknownWorkerType, got %v", err)
	}
	if taskcrew.IsRetryable(err) {
		t.Error("unknown worker type must not be retryable")
	}
}

func TestWorkerTypes_Sorted(t *testing.T) {
	r := registry.New()
	for _, wt := range []string{"sales", "analyst", "media"} {
		if err := r.Register(wt, registry.HandlerFunc(noop)); err != nil {
			t.Fatalf("register %s: %v", wt, err)
		}
	}

	got := r.WorkerTypes()
	want := []string{"analyst", "media", "sales"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

type leadInput struct {
	LeadID string `json:"lead_id"`
	Score  int    `json:"score"`
}

func TestRegisterTyped_DecodesInput(t *testing.T) {
	r := registry.New()
	var got leadInput
	err := registry.RegisterTyped(r, "analyst", func(_ context.Context, _ *registry.Call, in leadInput) (map[string]any, error) {
		got = in
		return map[string]any{"ok": true}, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	u := workunit.New("score_lead", "analyst", 0, map[string]any{"lead_id": "l-7", "score": 42})
	h, _ := r.Resolve("analyst")
	out, err := h.Handle(context.Background(), registry.NewCall(u, nil, nil))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out["ok"] != true {
		t.Errorf("output = %v", out)
	}
	if got.LeadID != "l-7" || got.Score != 42 {
		t.Errorf("decoded = %+v", got)
	}
}

func TestRegisterTyped_DecodeFailureIsNonRetryable(t *testing.T) {
	r := registry.New()
	_ = registry.RegisterTyped(r, "analyst", func(context.Context, *registry.Call, leadInput) (map[string]any, error) {
		t.Fatal("handler should not run")
		return nil, nil
	})

	u := workunit.New("score_lead", "analyst", 0, map[string]any{"score": "not a number"})
	h, _ := r.Resolve("analyst")
	_, err := h.Handle(context.Background(), registry.NewCall(u, nil, nil))
	if err == nil {
		t.Fatal("expected decode error")
	}
	if taskcrew.IsRetryable(err) {
		t.Error("decode failure should be non-retryable")
	}
}

func TestCall_EmitAndCancel(t *testing.T) {
	u := workunit.New("k", "sales", 0, map[string]any{"a": 1})

	var kinds []string
	call := registry.NewCall(u, func(kind string, _ map[string]any) {
		kinds = append(kinds, kind)
	}, nil)

	call.Emit("thinking", nil)
	call.Emit("done", map[string]any{"n": 1})
	if len(kinds) != 2 || kinds[0] != "thinking" || kinds[1] != "done" {
		t.Errorf("emitted kinds = %v", kinds)
	}

	if call.Cancelled() {
		t.Error("new call should not be cancelled")
	}
	call.MarkCancelled()
	if !call.Cancelled() {
		t.Error("expected Cancelled() after MarkCancelled")
	}

	if err := call.Stream(context.Background(), "t", "content"); err != nil {
		t.Errorf("stream without streamer: %v", err)
	}
}

func TestCall_SnapshotIsIsolated(t *testing.T) {
	u := workunit.New("k", "sales", 0, map[string]any{"a": 1})
	call := registry.NewCall(u, nil, nil)

	u.Input["a"] = 2
	snap := call.Unit()
	snap.Input["a"] = 3

	if call.Input()["a"] != 1 {
		t.Errorf("snapshot leaked mutation: %v", call.Input()["a"])
	}
}
