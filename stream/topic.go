package stream

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xraph/taskcrew"
)

// Wildcard is the topic that observes every worker type.
const Wildcard = "all"

// TopicRegistry manages subscription sets per topic.
// It is safe for concurrent use.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscription // topic → subscriptionID → subscription
}

// NewTopicRegistry creates an empty topic registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		topics: make(map[string]map[string]*Subscription),
	}
}

// Add registers sub on every topic it listens on.
func (tr *TopicRegistry) Add(sub *Subscription) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	key := sub.ID().String()
	for _, topic := range sub.topics {
		subs, ok := tr.topics[topic]
		if !ok {
			subs = make(map[string]*Subscription)
			tr.topics[topic] = subs
		}
		subs[key] = sub
	}
}

// Remove unregisters sub from all its topics and cleans up empty topics.
// It reports whether sub was registered.
func (tr *TopicRegistry) Remove(sub *Subscription) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	key := sub.ID().String()
	found := false
	for _, topic := range sub.topics {
		subs, ok := tr.topics[topic]
		if !ok {
			continue
		}
		if _, exists := subs[key]; exists {
			found = true
			delete(subs, key)
		}
		if len(subs) == 0 {
			delete(tr.topics, topic)
		}
	}
	return found
}

// Targets returns the subscriptions on any of topics, deduplicated so a
// subscription on several of them appears once.
func (tr *TopicRegistry) Targets(topics ...string) []*Subscription {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*Subscription
	for _, topic := range topics {
		for key, sub := range tr.topics[topic] {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, sub)
		}
	}
	return out
}

// All returns every registered subscription once.
func (tr *TopicRegistry) All() []*Subscription {
	tr.mu.RLock()
	topics := make([]string, 0, len(tr.topics))
	for topic := range tr.topics {
		topics = append(topics, topic)
	}
	tr.mu.RUnlock()
	return tr.Targets(topics...)
}

// TopicCount returns the number of topics with at least one subscription.
func (tr *TopicRegistry) TopicCount() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}

// SubscriberCount returns the number of subscriptions on a topic.
func (tr *TopicRegistry) SubscriberCount(topic string) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics[topic])
}

// ValidateTopic checks whether topic is a usable worker type or the wildcard.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", taskcrew.ErrInvalidInput)
	}
	if strings.ContainsAny(topic, " \t\r\n") {
		return fmt.Errorf("%w: topic %q", taskcrew.ErrInvalidInput, topic)
	}
	return nil
}
