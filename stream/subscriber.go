package stream

import (
	"sync"
	"sync/atomic"

	"github.com/xraph/taskcrew/id"
)

// Subscription receives the events of the topics it was created with.
// It lives as long as the observer connection that owns it.
type Subscription struct {
	id     id.SubscriptionID
	topics []string

	// ch is the buffered channel events are sent on.
	ch chan *StepEvent

	// mu orders send against Close so a closed channel is never written.
	mu     sync.Mutex
	closed atomic.Bool
}

func newSubscription(bufferSize int, topics []string) *Subscription {
	return &Subscription{
		id:     id.NewSubscriptionID(),
		topics: topics,
		ch:     make(chan *StepEvent, bufferSize),
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() id.SubscriptionID { return s.id }

// Topics returns the topics this subscription listens on.
func (s *Subscription) Topics() []string {
	out := make([]string, len(s.topics))
	copy(out, s.topics)
	return out
}

// C returns the read-only event channel. It is closed when the
// subscription is removed, either by Unsubscribe or because it fell
// behind.
func (s *Subscription) C() <-chan *StepEvent { return s.ch }

// Closed reports whether the subscription has been removed.
func (s *Subscription) Closed() bool { return s.closed.Load() }

// send attempts a non-blocking delivery. It returns false when the
// subscription is closed or its buffer is full.
func (s *Subscription) send(evt *StepEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

// close closes the event channel. Safe to call multiple times.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
