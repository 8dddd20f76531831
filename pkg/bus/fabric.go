package bus

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Fabric routes events to subscribers by topic pattern. Each subscriber
// owns an independent bounded queue, so no subscriber can starve another:
// delivery is a non-blocking send per queue, and overflow affects only the
// overflowing subscription.
type Fabric struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an empty fabric.
func New() *Fabric {
	return &Fabric{subs: make(map[uint64]*Subscription)}
}

// Publish routes the event to every subscription whose pattern matches one
// of the event's topics and returns the number of subscribers that dropped
// it. Non-blocking: a full subscriber queue drops the event for that
// subscriber and increments its drop counter. Publishing on a closed fabric
// is a no-op.
func (f *Fabric) Publish(evt Event) int {
	topics := evt.Topics()

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return 0
	}

	f.published.Add(1)
	drops := 0
	for _, sub := range f.subs {
		if !sub.matchesAny(topics) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			f.dropped.Add(1)
			drops++
		}
	}
	return drops
}

// Subscribe registers a subscriber for the given topic pattern with a
// bounded queue of the given capacity. Valid patterns: an exact topic
// ("task:<id>", "agent:<id>", "system"), a class wildcard ("task:*",
// "agent:*"), or "*" for everything.
func (f *Fabric) Subscribe(pattern string, capacity int) (*Subscription, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("subscription capacity must be positive, got %d", capacity)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFabricClosed
	}

	f.nextID++
	sub := &Subscription{
		id:      f.nextID,
		pattern: pattern,
		ch:      make(chan Event, capacity),
		fabric:  f,
	}
	f.subs[sub.id] = sub
	return sub, nil
}

// Close shuts the fabric down: all subscriber channels are closed and
// further publishes are dropped silently. Safe to call more than once.
func (f *Fabric) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		sub.closeChannel()
		delete(f.subs, id)
	}
}

// Published returns the total number of publish calls routed.
func (f *Fabric) Published() uint64 { return f.published.Load() }

// Dropped returns the total number of per-subscriber drops.
func (f *Fabric) Dropped() uint64 { return f.dropped.Load() }

// SubscriberCount returns the number of live subscriptions.
func (f *Fabric) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *Fabric) unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub.id]; !ok {
		return
	}
	delete(f.subs, sub.id)
	// Closing under the write lock guarantees no Publish (which holds the
	// read lock while sending) can race with the close.
	sub.closeChannel()
}

// Subscription is a single subscriber's handle: a bounded event queue plus
// its overflow counter.
type Subscription struct {
	id      uint64
	pattern string
	ch      chan Event
	fabric  *Fabric

	dropped   atomic.Uint64
	closeOnce sync.Once
}

// Events returns the subscriber's queue. The channel is closed when the
// subscription or the fabric is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Pattern returns the topic pattern this subscription was created with.
func (s *Subscription) Pattern() string { return s.pattern }

// Dropped returns the number of events dropped because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close removes the subscription synchronously: once Close returns, no
// further events are delivered. Safe to call more than once.
func (s *Subscription) Close() {
	s.fabric.unsubscribe(s)
}

func (s *Subscription) closeChannel() {
	s.closeOnce.Do(func() { close(s.ch) })
}

func (s *Subscription) matchesAny(topics []string) bool {
	for _, t := range topics {
		if matchTopic(s.pattern, t) {
			return true
		}
	}
	return false
}

// matchTopic reports whether pattern matches topic. "*" matches everything;
// "task:*" and "agent:*" match their topic class; anything else is exact.
func matchTopic(pattern, topic string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ":*"):
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	default:
		return pattern == topic
	}
}

func validatePattern(pattern string) error {
	if pattern == "*" || pattern == SystemTopic {
		return nil
	}
	if strings.HasPrefix(pattern, "task:") || strings.HasPrefix(pattern, "agent:") {
		if len(pattern) > strings.Index(pattern, ":")+1 {
			return nil
		}
	}
	return fmt.Errorf("invalid topic pattern %q", pattern)
}
