// Package bus implements the in-process topic bus that fans measurements,
// attention changes and load changes out to subscribers. Delivery is
// at-least-once to local subscribers with FIFO order per topic per
// subscriber; a publisher never blocks on a slow subscriber.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adiibanez/sensocto-sub012/internal/metrics"
)

// Event kinds carried on the bus.
const (
	KindMeasurement       = "measurement"
	KindMeasurementBatch  = "measurement_batch"
	KindNewState          = "new_state"
	KindAttentionChanged  = "attention_changed"
	KindSystemLoadChanged = "system_load_changed"
)

// Event is a single bus message. Payload is owned by the producer and must be
// treated as read-only by subscribers.
type Event struct {
	Topic   string
	Kind    string
	Payload any
}

// OverflowPolicy decides what happens when a subscriber mailbox is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued event to make room for the new one.
	DropOldest OverflowPolicy = iota
	// CloseSubscriber closes the mailbox and removes the subscription.
	CloseSubscriber
)

// DefaultMailboxCapacity bounds a subscriber mailbox unless overridden.
const DefaultMailboxCapacity = 1024

// Subscription is a registered subscriber mailbox. The mailbox channel is
// owned by the subscriber; the bus only holds a delivery handle.
type Subscription struct {
	topic    string
	mailbox  chan Event
	policy   OverflowPolicy
	dropped  int64
	closed   atomic.Bool
	closeOne sync.Once
	// sendMu serializes mailbox sends against close. Sends are non-blocking,
	// so the critical section is short.
	sendMu sync.RWMutex
	bus    *Bus
}

// C returns the receive side of the mailbox. The channel is closed when the
// subscription is unsubscribed or closed by policy.
func (s *Subscription) C() <-chan Event { return s.mailbox }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Dropped returns how many events were evicted or discarded for this
// subscriber.
func (s *Subscription) Dropped() int64 { return atomic.LoadInt64(&s.dropped) }

// Option configures a subscription.
type Option func(*Subscription)

// WithCapacity overrides the mailbox capacity.
func WithCapacity(n int) Option {
	return func(s *Subscription) {
		if n > 0 {
			s.mailbox = make(chan Event, n)
		}
	}
}

// WithPolicy overrides the overflow policy.
func WithPolicy(p OverflowPolicy) Option {
	return func(s *Subscription) { s.policy = p }
}

// Bus is the topic registry. The per-topic subscriber set is guarded by a
// short critical section; publish snapshots the set and delivers outside the
// lock.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string]map[*Subscription]struct{}
	mailCap int
	logger  zerolog.Logger
}

// BusOption configures the bus itself.
type BusOption func(*Bus)

// WithDefaultMailboxCapacity sets the mailbox capacity subscriptions get when
// they do not pass WithCapacity themselves.
func WithDefaultMailboxCapacity(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.mailCap = n
		}
	}
}

// New creates an empty bus.
func New(logger zerolog.Logger, opts ...BusOption) *Bus {
	b := &Bus{
		topics:  make(map[string]map[*Subscription]struct{}),
		mailCap: DefaultMailboxCapacity,
		logger:  logger.With().Str("component", "bus").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a mailbox for the topic.
func (b *Bus) Subscribe(topic string, opts ...Option) *Subscription {
	sub := &Subscription{
		topic:   topic,
		mailbox: make(chan Event, b.mailCap),
		policy:  DropOldest,
		bus:     b,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	set, ok := b.topics[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	metrics.BusSubscribers.Inc()
	return sub
}

// Unsubscribe removes the subscription and closes its mailbox. Safe to call
// more than once; calls after the first are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.closeOne.Do(func() {
		sub.closed.Store(true)

		b.mu.Lock()
		if set, ok := b.topics[sub.topic]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.topics, sub.topic)
			}
		}
		b.mu.Unlock()

		sub.sendMu.Lock()
		close(sub.mailbox)
		sub.sendMu.Unlock()
		metrics.BusSubscribers.Dec()
	})
}

// Publish delivers the event to every subscriber of the topic. It never
// blocks: a full mailbox triggers the subscription's overflow policy.
func (b *Bus) Publish(topic string, ev Event) {
	ev.Topic = topic
	metrics.BusPublished.Inc()
	for _, sub := range b.snapshot(topic) {
		b.deliver(sub, ev)
	}
}

// BroadcastMany publishes a batch; each subscriber sees the events in batch
// order (interleaving with concurrent publishes is unspecified).
func (b *Bus) BroadcastMany(topic string, events []Event) {
	if len(events) == 0 {
		return
	}
	subs := b.snapshot(topic)
	for _, sub := range subs {
		for i := range events {
			ev := events[i]
			ev.Topic = topic
			b.deliver(sub, ev)
		}
	}
	metrics.BusPublished.Add(float64(len(events)))
}

// SubscriberCount reports how many subscriptions a topic currently has. The
// registry consults this before tearing down an idle sensor actor.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// MaxMailboxDepth returns the deepest subscriber mailbox, for load sampling.
func (b *Bus) MaxMailboxDepth() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	max := 0
	for _, set := range b.topics {
		for sub := range set {
			if d := len(sub.mailbox); d > max {
				max = d
			}
		}
	}
	return max
}

// AvgMailboxDepth returns the mean subscriber mailbox depth.
func (b *Bus) AvgMailboxDepth() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total, count := 0, 0
	for _, set := range b.topics {
		for sub := range set {
			total += len(sub.mailbox)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return float64(total) / float64(count)
}

func (b *Bus) snapshot(topic string) []*Subscription {
	b.mu.RLock()
	set, ok := b.topics[topic]
	if !ok {
		b.mu.RUnlock()
		return nil
	}
	subs := make([]*Subscription, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	return subs
}

// deliver enqueues without blocking. Overflow fires the subscription policy
// and bumps the drop counter; errors are never surfaced to the publisher.
func (b *Bus) deliver(sub *Subscription, ev Event) {
	sub.sendMu.RLock()
	if sub.closed.Load() {
		sub.sendMu.RUnlock()
		return
	}
	select {
	case sub.mailbox <- ev:
		sub.sendMu.RUnlock()
		return
	default:
	}

	switch sub.policy {
	case DropOldest:
		// Evict one, then retry once. The second send can still lose a race
		// with another publisher; count the event as dropped in that case.
		select {
		case <-sub.mailbox:
			atomic.AddInt64(&sub.dropped, 1)
			metrics.BusDropped.WithLabelValues(topicClass(sub.topic)).Inc()
		default:
		}
		select {
		case sub.mailbox <- ev:
		default:
			atomic.AddInt64(&sub.dropped, 1)
			metrics.BusDropped.WithLabelValues(topicClass(sub.topic)).Inc()
		}
		sub.sendMu.RUnlock()
	case CloseSubscriber:
		sub.sendMu.RUnlock()
		atomic.AddInt64(&sub.dropped, 1)
		metrics.BusDropped.WithLabelValues(topicClass(sub.topic)).Inc()
		b.logger.Warn().
			Str("topic", sub.topic).
			Int64("dropped", sub.Dropped()).
			Msg("Mailbox overflow, closing subscriber")
		b.Unsubscribe(sub)
	}
}

// topicClass folds "data:S1" into "data" so drop metrics stay low-cardinality.
func topicClass(topic string) string {
	if i := strings.IndexByte(topic, ':'); i > 0 {
		return topic[:i]
	}
	return topic
}
