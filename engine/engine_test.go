package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/engine"
	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/queue"
	"github.com/xraph/taskcrew/registry"
	"github.com/xraph/taskcrew/store/memory"
	redisindex "github.com/xraph/taskcrew/store/redis"
	"github.com/xraph/taskcrew/stream"
	"github.com/xraph/taskcrew/workunit"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() taskcrew.Config {
	cfg := taskcrew.DefaultConfig()
	cfg.Concurrency = 2
	cfg.PollInterval = 5 * time.Millisecond
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.StreamDelay = 0
	cfg.ProbeInterval = 20 * time.Millisecond
	return cfg
}

func newEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()
	return newEngineWithConfig(t, testConfig(), opts...)
}

func newEngineWithConfig(t *testing.T, cfg taskcrew.Config, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()
	s := memory.New()
	d, err := taskcrew.New(
		taskcrew.WithConfig(cfg),
		taskcrew.WithStore(s),
		taskcrew.WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("taskcrew.New: %v", err)
	}
	eng, err := engine.Build(d, opts...)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return eng, s
}

func start(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
}

func waitForStatus(t *testing.T, eng *engine.Engine, unitID id.WorkUnitID, want workunit.Status) *workunit.WorkUnit {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		u, err := eng.Get(context.Background(), unitID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if u.Status == want {
			return u
		}
		if time.Now().After(deadline) {
			t.Fatalf("unit %s status = %q, want %q", unitID, u.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func succeed(output map[string]any) registry.Handler {
	return registry.HandlerFunc(func(context.Context, *registry.Call) (map[string]any, error) {
		return output, nil
	})
}

// lifecycleStorer satisfies taskcrew.Storer but not workunit.Store.
type lifecycleStorer struct{}

func (lifecycleStorer) Migrate(context.Context) error { return nil }
func (lifecycleStorer) Ping(context.Context) error    { return nil }
func (lifecycleStorer) Close() error                  { return nil }

// healthRecorder records fast-backend transitions.
type healthRecorder struct {
	mu   sync.Mutex
	seen []bool
}

func (h *healthRecorder) Name() string { return "health-recorder" }

func (h *healthRecorder) OnBackendHealthChanged(_ context.Context, healthy bool) error {
	h.mu.Lock()
	h.seen = append(h.seen, healthy)
	h.mu.Unlock()
	return nil
}

func (h *healthRecorder) transitions() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.seen...)
}

// ──────────────────────────────────────────────────
// Build
// ──────────────────────────────────────────────────

func TestBuild_RequiresStore(t *testing.T) {
	d, err := taskcrew.New(taskcrew.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("taskcrew.New: %v", err)
	}
	if _, err := engine.Build(d); !errors.Is(err, taskcrew.ErrNoStore) {
		t.Fatalf("Build error = %v, want ErrNoStore", err)
	}
}

func TestBuild_RequiresUnitStore(t *testing.T) {
	d, err := taskcrew.New(taskcrew.WithStore(lifecycleStorer{}), taskcrew.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("taskcrew.New: %v", err)
	}
	if _, err := engine.Build(d); err == nil {
		t.Fatal("expected error for a store without workunit.Store")
	}
}

func TestBuild_DurableOnlyIsNeverHealthy(t *testing.T) {
	eng, _ := newEngine(t)
	if eng.Healthy() {
		t.Error("Healthy() = true without a fast index")
	}
	if eng.Dual() != nil {
		t.Error("Dual() should be nil without a fast index")
	}
	if eng.Limiter() != nil {
		t.Error("Limiter() should be nil without limits")
	}
}

// ──────────────────────────────────────────────────
// Register / Enqueue / Process
// ──────────────────────────────────────────────────

func TestEngine_RegisterEnqueueProcess(t *testing.T) {
	eng, _ := newEngine(t)

	var got atomic.Value
	if err := eng.Register("analyst", registry.HandlerFunc(func(_ context.Context, call *registry.Call) (map[string]any, error) {
		got.Store(call.Input()["lead"])
		return map[string]any{"score": 87}, nil
	})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	unitID, err := eng.Enqueue(context.Background(), "score_lead", "analyst", 5,
		map[string]any{"lead": "acme"},
		workunit.WithSubjectRef("acct_456"),
	)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	pending, err := eng.Get(context.Background(), unitID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pending.Status != workunit.StatusPending {
		t.Errorf("Status = %q, want pending", pending.Status)
	}
	if pending.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want the configured default 3", pending.MaxAttempts)
	}

	start(t, eng)
	u := waitForStatus(t, eng, unitID, workunit.StatusCompleted)

	if got.Load() != "acme" {
		t.Errorf("handler saw lead %v, want acme", got.Load())
	}
	if u.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", u.AttemptCount)
	}
	if u.SubjectRef != "acct_456" {
		t.Errorf("SubjectRef = %q, want acct_456", u.SubjectRef)
	}
	if u.Output["score"] != 87 {
		t.Errorf("Output = %v, want score 87", u.Output)
	}

	again, err := eng.Get(context.Background(), unitID)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if again.Status != workunit.StatusCompleted || again.AttemptCount != 1 {
		t.Errorf("second Get = %q/%d, want completed/1", again.Status, again.AttemptCount)
	}
}

func TestEngine_RegisterDuplicate(t *testing.T) {
	eng, _ := newEngine(t)
	if err := eng.Register("analyst", succeed(nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := eng.Register("analyst", succeed(nil)); !errors.Is(err, taskcrew.ErrDuplicateRegistration) {
		t.Fatalf("second Register error = %v, want ErrDuplicateRegistration", err)
	}
}

func TestEngine_RegisterTyped(t *testing.T) {
	type brief struct {
		Topic string `json:"topic"`
		Words int    `json:"words"`
	}

	eng, _ := newEngine(t)
	err := engine.RegisterTyped(eng, "writer", func(_ context.Context, _ *registry.Call, in brief) (map[string]any, error) {
		return map[string]any{"title": strings.ToUpper(in.Topic), "words": in.Words}, nil
	})
	if err != nil {
		t.Fatalf("RegisterTyped: %v", err)
	}

	unitID, err := eng.Enqueue(context.Background(), "draft", "writer", 0,
		map[string]any{"topic": "pricing", "words": 300})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	start(t, eng)
	u := waitForStatus(t, eng, unitID, workunit.StatusCompleted)
	if u.Output["title"] != "PRICING" {
		t.Errorf("Output = %v, want title PRICING", u.Output)
	}
}

func TestEngine_EnqueueRejectsInvalidInput(t *testing.T) {
	eng, _ := newEngine(t)

	if _, err := eng.Enqueue(context.Background(), "k", "", 0, nil); !errors.Is(err, taskcrew.ErrInvalidInput) {
		t.Errorf("empty worker type error = %v, want ErrInvalidInput", err)
	}
	if _, err := eng.Enqueue(context.Background(), "k", "analyst", 0, nil, workunit.WithMaxAttempts(0)); !errors.Is(err, taskcrew.ErrInvalidInput) {
		t.Errorf("zero max attempts error = %v, want ErrInvalidInput", err)
	}
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	eng, _ := newEngine(t)

	var calls atomic.Int32
	if err := eng.Register("analyst", registry.HandlerFunc(func(context.Context, *registry.Call) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("upstream timeout")
		}
		return map[string]any{"ok": true}, nil
	})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	unitID, err := eng.Enqueue(context.Background(), "score_lead", "analyst", 0, nil, workunit.WithMaxAttempts(3))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	start(t, eng)
	u := waitForStatus(t, eng, unitID, workunit.StatusCompleted)
	if u.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", u.AttemptCount)
	}
	if u.Error != "" {
		t.Errorf("Error = %q, want empty after success", u.Error)
	}
}

func TestEngine_RetryingUnitCarriesNoError(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffBase = time.Hour
	cfg.BackoffMax = time.Hour
	eng, _ := newEngineWithConfig(t, cfg)

	var calls atomic.Int32
	if err := eng.Register("analyst", registry.HandlerFunc(func(context.Context, *registry.Call) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("llm timeout")
	})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	unitID, err := eng.Enqueue(context.Background(), "score_lead", "analyst", 0, nil, workunit.WithMaxAttempts(5))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	start(t, eng)

	deadline := time.Now().Add(5 * time.Second)
	for {
		u, err := eng.Get(context.Background(), unitID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if u.Status == workunit.StatusPending && u.AttemptCount == 1 {
			if u.Error != "" {
				t.Errorf("pending unit Error = %q, want empty", u.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("unit = %s attempt %d, want pending after one failed attempt", u.Status, u.AttemptCount)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
}

func TestEngine_LongHandlerOutlivesStaleThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 4
	cfg.StaleThreshold = 60 * time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond
	eng, _ := newEngineWithConfig(t, cfg)

	var calls, running, maxRunning atomic.Int32
	if err := eng.Register("analyst", registry.HandlerFunc(func(context.Context, *registry.Call) (map[string]any, error) {
		calls.Add(1)
		n := running.Add(1)
		defer running.Add(-1)
		for {
			cur := maxRunning.Load()
			if n <= cur || maxRunning.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(300 * time.Millisecond)
		return map[string]any{"score": 72}, nil
	})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	unitID, err := eng.Enqueue(context.Background(), "score_lead", "analyst", 0, nil, workunit.WithMaxAttempts(3))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	start(t, eng)

	u := waitForStatus(t, eng, unitID, workunit.StatusCompleted)
	if u.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", u.AttemptCount)
	}
	if calls.Load() != 1 || maxRunning.Load() != 1 {
		t.Errorf("handler ran %d times, %d at once; want once", calls.Load(), maxRunning.Load())
	}
}

func TestEngine_ExhaustsAttempts(t *testing.T) {
	eng, _ := newEngine(t)
	if err := eng.Register("analyst", registry.HandlerFunc(func(context.Context, *registry.Call) (map[string]any, error) {
		return nil, errors.New("model refused")
	})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	unitID, err := eng.Enqueue(context.Background(), "score_lead", "analyst", 0, nil, workunit.WithMaxAttempts(2))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	start(t, eng)
	u := waitForStatus(t, eng, unitID, workunit.StatusFailed)
	if u.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", u.AttemptCount)
	}
	if !strings.Contains(u.Error, "model refused") {
		t.Errorf("Error = %q, want the last handler error", u.Error)
	}
}

func TestEngine_UnknownWorkerTypeFailsAtEnqueue(t *testing.T) {
	eng, _ := newEngine(t)

	unitID, err := eng.Enqueue(context.Background(), "score_lead", "nobody", 0, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	u, err := eng.Get(context.Background(), unitID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if u.Status != workunit.StatusFailed {
		t.Errorf("Status = %q, want failed", u.Status)
	}
	if u.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0", u.AttemptCount)
	}
	if !strings.Contains(u.Error, taskcrew.ErrUnknownWorkerType.Error()) {
		t.Errorf("Error = %q, want it to contain %q", u.Error, taskcrew.ErrUnknownWorkerType)
	}
	if u.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
}

// ──────────────────────────────────────────────────
// Cancel
// ──────────────────────────────────────────────────

func TestEngine_CancelPending(t *testing.T) {
	eng, _ := newEngine(t)
	if err := eng.Register("analyst", succeed(nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	unitID, err := eng.Enqueue(context.Background(), "score_lead", "analyst", 0, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	u, err := eng.Cancel(context.Background(), unitID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if u.Status != workunit.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", u.Status)
	}

	if _, err := eng.Cancel(context.Background(), unitID); !errors.Is(err, taskcrew.ErrTerminalState) {
		t.Errorf("second Cancel error = %v, want ErrTerminalState", err)
	}

	start(t, eng)
	time.Sleep(30 * time.Millisecond)
	got, err := eng.Get(context.Background(), unitID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != workunit.StatusCancelled || got.AttemptCount != 0 {
		t.Errorf("after start = %q/%d, want cancelled/0", got.Status, got.AttemptCount)
	}
}

func TestEngine_CancelRunningIsCooperative(t *testing.T) {
	eng, _ := newEngine(t)

	started := make(chan struct{})
	var sawCancel atomic.Bool
	if err := eng.Register("analyst", registry.HandlerFunc(func(_ context.Context, call *registry.Call) (map[string]any, error) {
		close(started)
		deadline := time.Now().Add(3 * time.Second)
		for !call.Cancelled() && time.Now().Before(deadline) {
			time.Sleep(2 * time.Millisecond)
		}
		sawCancel.Store(call.Cancelled())
		return map[string]any{"partial": true}, nil
	})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	unitID, err := eng.Enqueue(context.Background(), "score_lead", "analyst", 0, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	start(t, eng)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not start")
	}

	if _, err := eng.Cancel(context.Background(), unitID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for eng.Pool().ActiveCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	u := waitForStatus(t, eng, unitID, workunit.StatusCancelled)
	if !sawCancel.Load() {
		t.Error("handler never observed Call.Cancelled()")
	}
	if u.Output["partial"] != true {
		t.Errorf("Output = %v, want the late output kept", u.Output)
	}
}

// ──────────────────────────────────────────────────
// Stats
// ──────────────────────────────────────────────────

func TestEngine_Stats(t *testing.T) {
	eng, _ := newEngine(t)
	if err := eng.Register("analyst", succeed(nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := eng.Register("writer", succeed(nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	for range 3 {
		if _, err := eng.Enqueue(ctx, "score_lead", "analyst", 0, nil); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if _, err := eng.Enqueue(ctx, "draft", "writer", 0, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := eng.Enqueue(ctx, "x", "nobody", 0, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	st, err := eng.Stats(ctx, "analyst")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Pending != 3 || st.Total() != 3 {
		t.Errorf("analyst stats = %+v, want 3 pending", st)
	}

	all, err := eng.Stats(ctx, "")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if all.Pending != 4 || all.Failed != 1 {
		t.Errorf("all stats = %+v, want 4 pending and 1 failed", all)
	}
}

// ──────────────────────────────────────────────────
// Observation
// ──────────────────────────────────────────────────

func TestEngine_SubscribeSeesLifecycleAndSteps(t *testing.T) {
	eng, _ := newEngine(t)

	if err := eng.Register("analyst", registry.HandlerFunc(func(ctx context.Context, call *registry.Call) (map[string]any, error) {
		call.Emit("think", map[string]any{"step": 1})
		if err := call.Stream(ctx, "Lead report", "acme scores 87"); err != nil {
			return nil, err
		}
		return map[string]any{"score": 87}, nil
	})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sub, err := eng.Subscribe("analyst")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer eng.Unsubscribe(sub)

	unitID, err := eng.Enqueue(context.Background(), "score_lead", "analyst", 0, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	start(t, eng)

	var kinds []string
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case evt := <-sub.C():
			kinds = append(kinds, evt.Kind)
			if evt.SessionRef != unitID.String() {
				t.Errorf("%s SessionRef = %q, want %q", evt.Kind, evt.SessionRef, unitID)
			}
			done = evt.Kind == stream.KindUnitCompleted
		case <-timeout:
			t.Fatalf("timed out; saw %v", kinds)
		}
	}

	want := []string{
		stream.KindUnitEnqueued,
		stream.KindUnitStarted,
		"think",
		stream.KindStreamStart,
		stream.KindStreamContent,
		stream.KindStreamEnd,
		stream.KindUnitCompleted,
	}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("kinds = %v, want %v", kinds, want)
	}
}

func TestEngine_StreamWithoutSubscribersIsNoop(t *testing.T) {
	eng, _ := newEngine(t)
	err := eng.Stream(context.Background(), stream.StreamRequest{
		WorkerType: "analyst",
		Content:    "nobody is listening",
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := eng.Broadcaster().Stats().Published; got != 0 {
		t.Errorf("Published = %d, want 0", got)
	}
}

func TestEngine_StopClosesSubscriptions(t *testing.T) {
	eng, _ := newEngine(t)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub, err := eng.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("expected closed subscription after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after Stop")
	}
}

// ──────────────────────────────────────────────────
// Limits
// ──────────────────────────────────────────────────

func TestEngine_WorkerTypeConcurrencyLimit(t *testing.T) {
	eng, _ := newEngine(t, engine.WithLimits(queue.Limit{WorkerType: "analyst", MaxConcurrency: 1}))

	var running, peak atomic.Int32
	if err := eng.Register("analyst", registry.HandlerFunc(func(context.Context, *registry.Call) (map[string]any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var ids []id.WorkUnitID
	for range 4 {
		unitID, err := eng.Enqueue(context.Background(), "score_lead", "analyst", 0, nil)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, unitID)
	}

	start(t, eng)
	for _, unitID := range ids {
		u := waitForStatus(t, eng, unitID, workunit.StatusCompleted)
		if u.AttemptCount != 1 {
			t.Errorf("unit %s AttemptCount = %d, want 1", unitID, u.AttemptCount)
		}
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}

// ──────────────────────────────────────────────────
// Fast backend outage
// ──────────────────────────────────────────────────

func TestEngine_FastBackendOutageFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	index := redisindex.New(rdb, redisindex.WithLogger(quietLogger()))

	health := &healthRecorder{}
	eng, _ := newEngine(t, engine.WithFastIndex(index), engine.WithExtension(health))
	if err := eng.Register("analyst", succeed(map[string]any{"ok": true})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	if eng.Healthy() {
		t.Fatal("dual backend should start unhealthy until the first probe")
	}
	if !eng.Dual().Probe(ctx) {
		t.Fatal("first probe failed")
	}

	enqueue := func() id.WorkUnitID {
		t.Helper()
		unitID, err := eng.Enqueue(ctx, "score_lead", "analyst", 0, nil)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		return unitID
	}
	ready := func() int64 {
		t.Helper()
		n, _, err := index.Len(ctx, "analyst")
		if err != nil {
			t.Fatalf("Len: %v", err)
		}
		return n
	}

	a := enqueue()
	if got := ready(); got != 1 {
		t.Fatalf("indexed = %d, want 1", got)
	}

	// Outage: enqueue still succeeds through the durable table.
	mr.SetError("ERR simulated outage")
	b := enqueue()
	if eng.Healthy() {
		t.Fatal("Healthy() = true during outage")
	}

	// Recovery: the probe re-indexes pending units and new enqueues use
	// the index again.
	mr.SetError("")
	if !eng.Dual().Probe(ctx) {
		t.Fatal("probe after recovery failed")
	}
	c := enqueue()
	if got := ready(); got != 3 {
		t.Fatalf("indexed after recovery = %d, want 3", got)
	}

	start(t, eng)
	for _, unitID := range []id.WorkUnitID{a, b, c} {
		waitForStatus(t, eng, unitID, workunit.StatusCompleted)
	}

	got := health.transitions()
	if len(got) < 3 || got[0] != true || got[1] != false || got[2] != true {
		t.Errorf("health transitions = %v, want [true false true ...]", got)
	}
}
