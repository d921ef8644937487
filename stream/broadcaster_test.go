package stream

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/workunit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mustSubscribe(t *testing.T, b *Broadcaster, topics ...string) *Subscription {
	t.Helper()
	sub, err := b.Subscribe(topics...)
	if err != nil {
		t.Fatalf("subscribe %v: %v", topics, err)
	}
	return sub
}

// drain returns every event already buffered on sub.
func drain(sub *Subscription) []*StepEvent {
	var out []*StepEvent
	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestBroadcaster_FanOutByWorkerType(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger())
	sales := mustSubscribe(t, b, "sales")
	wildcard := mustSubscribe(t, b, Wildcard)
	analyst := mustSubscribe(t, b, "analyst")

	b.Publish(&StepEvent{WorkerType: "sales", Kind: "think"})

	if got := len(drain(sales)); got != 1 {
		t.Errorf("sales received %d events, want 1", got)
	}
	if got := len(drain(wildcard)); got != 1 {
		t.Errorf("wildcard received %d events, want 1", got)
	}
	if got := len(drain(analyst)); got != 0 {
		t.Errorf("analyst received %d events, want 0", got)
	}
	if got := b.Stats().Delivered; got != 2 {
		t.Errorf("delivered = %d, want 2", got)
	}
}

func TestBroadcaster_StampsEventIDs(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger())
	sub := mustSubscribe(t, b, "sales")

	b.Publish(&StepEvent{WorkerType: "sales", Kind: "think"})
	b.Publish(&StepEvent{WorkerType: "sales", Kind: "act"})
	b.Publish(&StepEvent{ID: "evt_keep", WorkerType: "sales", Kind: "say"})

	events := drain(sub)
	if len(events) != 3 {
		t.Fatalf("received %d events, want 3", len(events))
	}
	if !strings.HasPrefix(events[0].ID, "evt_") || !strings.HasPrefix(events[1].ID, "evt_") {
		t.Errorf("ids = %q, %q, want evt_ TypeIDs", events[0].ID, events[1].ID)
	}
	if events[0].ID == events[1].ID {
		t.Errorf("two events share id %q", events[0].ID)
	}
	if events[2].ID != "evt_keep" {
		t.Errorf("id = %q, want the publisher's id kept", events[2].ID)
	}
}

func TestBroadcaster_DeduplicatesOverlappingTopics(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger())
	both := mustSubscribe(t, b, "sales", Wildcard)

	b.Publish(&StepEvent{WorkerType: "sales", Kind: "act"})

	if got := len(drain(both)); got != 1 {
		t.Fatalf("received %d events, want exactly 1", got)
	}
}

func TestBroadcaster_DefaultTopicIsWildcard(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger())
	sub := mustSubscribe(t, b)

	if topics := sub.Topics(); len(topics) != 1 || topics[0] != Wildcard {
		t.Fatalf("topics = %v, want [all]", topics)
	}
	b.Publish(&StepEvent{WorkerType: "anything", Kind: "think"})
	if got := len(drain(sub)); got != 1 {
		t.Fatalf("received %d events, want 1", got)
	}
}

func TestBroadcaster_SubscribeRejectsEmptyTopic(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger())
	if _, err := b.Subscribe(""); !errors.Is(err, taskcrew.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger())
	sub := mustSubscribe(t, b, "sales")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // idempotent

	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if b.HasSubscribers("sales") {
		t.Fatal("expected no subscribers after unsubscribe")
	}

	// Publishing afterwards must not panic or count a drop.
	b.Publish(&StepEvent{WorkerType: "sales", Kind: "think"})
	if got := b.Stats().Dropped; got != 0 {
		t.Errorf("dropped = %d, want 0", got)
	}
}

func TestBroadcaster_DropsFullSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger(), WithBufferSize(1))
	slow := mustSubscribe(t, b, "sales")
	fast := mustSubscribe(t, b, Wildcard)

	b.Publish(&StepEvent{WorkerType: "sales", Kind: "first"})
	<-fast.C()
	b.Publish(&StepEvent{WorkerType: "sales", Kind: "second"})

	if !slow.Closed() {
		t.Fatal("expected the full subscription to be removed")
	}
	events := drain(slow)
	if len(events) != 1 || events[0].Kind != "first" {
		t.Fatalf("slow kept %v, want only the first event", events)
	}
	if got := drain(fast); len(got) != 1 || got[0].Kind != "second" {
		t.Fatalf("fast subscriber should be unaffected, got %v", got)
	}

	stats := b.Stats()
	if stats.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", stats.Dropped)
	}
	if stats.SubscriptionCount != 1 {
		t.Errorf("subscriptions = %d, want 1", stats.SubscriptionCount)
	}
}

func TestBroadcaster_HasSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger())
	if b.HasSubscribers("sales") {
		t.Fatal("expected no subscribers")
	}

	direct := mustSubscribe(t, b, "sales")
	if !b.HasSubscribers("sales") || b.HasSubscribers("analyst") {
		t.Fatal("direct subscription should only cover its worker type")
	}
	b.Unsubscribe(direct)

	mustSubscribe(t, b, Wildcard)
	if !b.HasSubscribers("analyst") {
		t.Fatal("wildcard subscription should cover every worker type")
	}
}

func TestBroadcaster_ConcurrentSubscribeAndPublish(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger(), WithBufferSize(4), WithFanOut(4))
	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				b.Publish(&StepEvent{WorkerType: "sales", Kind: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			topic := "sales"
			if i%2 == 0 {
				topic = Wildcard
			}
			for range 20 {
				sub, err := b.Subscribe(topic)
				if err != nil {
					t.Errorf("subscribe: %v", err)
					return
				}
				drain(sub)
				b.Unsubscribe(sub)
			}
		}()
	}
	wg.Wait()

	if got := b.Stats().SubscriptionCount; got != 0 {
		t.Fatalf("subscriptions = %d, want 0", got)
	}
}

func TestBroadcaster_LifecycleHooksPublish(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger())
	sub := mustSubscribe(t, b, "analyst")
	ctx := context.Background()

	u := workunit.New("score_lead", "analyst", 1, nil, workunit.WithSubjectRef("acct_1"))
	_ = b.OnUnitEnqueued(ctx, u)
	_ = b.OnUnitStarted(ctx, u)
	_ = b.OnUnitRetrying(ctx, u, 1, time.Now())
	_ = b.OnUnitCompleted(ctx, u, 42*time.Millisecond)
	_ = b.OnUnitFailed(ctx, u, errors.New("boom"))
	_ = b.OnUnitCancelled(ctx, u)

	events := drain(sub)
	want := []string{
		KindUnitEnqueued, KindUnitStarted, KindUnitRetrying,
		KindUnitCompleted, KindUnitFailed, KindUnitCancelled,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, evt := range events {
		if evt.Kind != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, evt.Kind, want[i])
		}
		if evt.SessionRef != u.ID.String() {
			t.Errorf("event[%d] session = %q, want unit id", i, evt.SessionRef)
		}
		if evt.Payload["subject_ref"] != "acct_1" {
			t.Errorf("event[%d] missing subject_ref", i)
		}
	}
	if events[3].Payload["elapsed_ms"] != int64(42) {
		t.Errorf("elapsed_ms = %v, want 42", events[3].Payload["elapsed_ms"])
	}
	if events[4].Payload["error"] != "boom" {
		t.Errorf("error = %v, want boom", events[4].Payload["error"])
	}
}

func TestBroadcaster_ShutdownClosesSubscriptions(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger())
	a := mustSubscribe(t, b, "sales")
	w := mustSubscribe(t, b, Wildcard)

	_ = b.OnShutdown(context.Background())

	if !a.Closed() || !w.Closed() {
		t.Fatal("expected every subscription to be closed")
	}
	if got := b.Stats().TopicCount; got != 0 {
		t.Errorf("topics = %d, want 0", got)
	}
}

func TestBroadcaster_StepSkipsWithoutSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger())
	b.Step(workunit.New("k", "sales", 0, nil), "think", map[string]any{"x": 1})

	if got := b.Stats().Published; got != 0 {
		t.Fatalf("published = %d, want 0", got)
	}

	sub := mustSubscribe(t, b, "sales")
	payload := map[string]any{"x": 1}
	b.Step(workunit.New("k", "sales", 0, nil), "think", payload)
	payload["x"] = 2

	events := drain(sub)
	if len(events) != 1 || events[0].Payload["x"] != 1 {
		t.Fatalf("step payload should be copied at publish time, got %v", events)
	}
	if !strings.HasPrefix(events[0].SessionRef, "wu_") {
		t.Errorf("session ref = %q, want a unit id", events[0].SessionRef)
	}
}
