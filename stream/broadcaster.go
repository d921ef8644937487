package stream

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/workunit"
)

// DefaultBufferSize is the default per-subscription event buffer.
const DefaultBufferSize = 256

// DefaultFanOut is the default number of concurrent deliveries per publish.
const DefaultFanOut = 16

// Broadcaster is the live event feed. Publishers never block on
// subscribers: a subscription whose buffer is full is removed and
// counted as dropped.
type Broadcaster struct {
	topics *TopicRegistry
	logger *slog.Logger

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64

	bufferSize int
	fanOut     int
	chunkSize  int
	chunkDelay time.Duration
	now        func() time.Time
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBufferSize sets the per-subscription event buffer size.
func WithBufferSize(size int) BroadcasterOption {
	return func(b *Broadcaster) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithFanOut caps concurrent deliveries per publish.
func WithFanOut(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.fanOut = n
		}
	}
}

// WithStreamDefaults sets the chunk size and inter-chunk delay used when
// a StreamRequest leaves them unset.
func WithStreamDefaults(chunkSize int, delay time.Duration) BroadcasterOption {
	return func(b *Broadcaster) {
		if chunkSize > 0 {
			b.chunkSize = chunkSize
		}
		if delay >= 0 {
			b.chunkDelay = delay
		}
	}
}

// NewBroadcaster creates a broadcaster with no subscriptions.
func NewBroadcaster(logger *slog.Logger, opts ...BroadcasterOption) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		topics:     NewTopicRegistry(),
		logger:     logger,
		bufferSize: DefaultBufferSize,
		fanOut:     DefaultFanOut,
		chunkSize:  DefaultChunkSize,
		chunkDelay: DefaultChunkDelay,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Topics returns the topic registry.
func (b *Broadcaster) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a subscription on topics, each a worker type or
// Wildcard. No topics means Wildcard.
func (b *Broadcaster) Subscribe(topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		topics = []string{Wildcard}
	}
	for _, t := range topics {
		if err := ValidateTopic(t); err != nil {
			return nil, err
		}
	}

	sub := newSubscription(b.bufferSize, append([]string(nil), topics...))
	b.topics.Add(sub)

	b.logger.Debug("subscription added",
		slog.String("subscription_id", sub.ID().String()),
		slog.Any("topics", topics),
	)
	return sub, nil
}

// Unsubscribe removes sub and closes its channel. It is idempotent.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if b.topics.Remove(sub) {
		b.logger.Debug("subscription removed", slog.String("subscription_id", sub.ID().String()))
	}
	sub.close()
}

// HasSubscribers reports whether anyone observes workerType, directly or
// through the wildcard.
func (b *Broadcaster) HasSubscribers(workerType string) bool {
	return b.topics.SubscriberCount(workerType)+b.topics.SubscriberCount(Wildcard) > 0
}

// Publish delivers evt to subscriptions on its worker type and on the
// wildcard, at most once each. Delivery is non-blocking; subscriptions
// that cannot take the event are removed. Publish returns once every
// delivery attempt finished, so events from one publisher keep their
// order for every subscriber. Events without an ID or timestamp get
// them here.
func (b *Broadcaster) Publish(evt *StepEvent) {
	if evt.ID == "" {
		evt.ID = id.NewEventID().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now()
	}
	b.published.Add(1)

	targets := b.topics.Targets(evt.WorkerType, Wildcard)
	if len(targets) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(b.fanOut)
	for _, sub := range targets {
		g.Go(func() error {
			if sub.send(evt) {
				b.delivered.Add(1)
				return nil
			}
			b.drop(sub)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Broadcaster) drop(sub *Subscription) {
	b.dropped.Add(1)
	b.topics.Remove(sub)
	sub.close()
	b.logger.Debug("dropped slow subscription", slog.String("subscription_id", sub.ID().String()))
}

// Stats returns broadcaster statistics.
func (b *Broadcaster) Stats() BroadcasterStats {
	return BroadcasterStats{
		TopicCount:        b.topics.TopicCount(),
		SubscriptionCount: len(b.topics.All()),
		Published:         b.published.Load(),
		Delivered:         b.delivered.Load(),
		Dropped:           b.dropped.Load(),
	}
}

// BroadcasterStats contains broadcaster counters.
type BroadcasterStats struct {
	TopicCount        int   `json:"topic_count"`
	SubscriptionCount int   `json:"subscription_count"`
	Published         int64 `json:"published"`
	Delivered         int64 `json:"delivered"`
	Dropped           int64 `json:"dropped"`
}

// Step publishes a handler step event for u.
func (b *Broadcaster) Step(u *workunit.WorkUnit, kind string, payload map[string]any) {
	if !b.HasSubscribers(u.WorkerType) {
		return
	}
	b.Publish(&StepEvent{
		WorkerType: u.WorkerType,
		SessionRef: u.ID.String(),
		Kind:       kind,
		Payload:    workunit.CloneMap(payload),
	})
}

// StreamUnit replays content for u's observers with the default chunking.
func (b *Broadcaster) StreamUnit(ctx context.Context, u *workunit.WorkUnit, title, content string) error {
	return b.Stream(ctx, StreamRequest{
		WorkerType: u.WorkerType,
		SessionRef: u.ID.String(),
		Title:      title,
		Content:    content,
	})
}

// Close removes every subscription.
func (b *Broadcaster) Close() {
	for _, sub := range b.topics.All() {
		b.Unsubscribe(sub)
	}
}
