// Package inproc provides the single-process Transport implementation.
// All topics live in one broker; durable topics keep the last value per
// key and replay the current instance set to late joiners under the
// broker lock, so there is no window where a sample can be missed between
// snapshot and live delivery. Used by tests and single-process
// deployments; the postgres package provides the cross-process substrate.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/genesis-runtime/genesis/pkg/transport"
)

// Bus is the in-process broker implementing transport.Transport.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topicState
	closed bool
}

type topicState struct {
	qos transport.QoS

	// Durable instance store: last value per key plus insertion order for
	// deterministic snapshots and history-depth eviction.
	instances map[string][]byte
	order     []string

	subs map[*subscription]bool
}

// New creates an empty broker.
func New() *Bus {
	return &Bus{topics: make(map[string]*topicState)}
}

// PublishDurable upserts a keyed instance and fans the sample out to
// matching subscribers.
func (b *Bus) PublishDurable(ctx context.Context, topic, key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("durable publish on %s requires a key", topic)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	ts := b.topic(topic, transport.DurableQoS())

	if _, exists := ts.instances[key]; !exists {
		ts.order = append(ts.order, key)
		// Keep-last history: evict the oldest instance when over depth.
		if depth := ts.qos.HistoryDepth; depth > 0 && len(ts.order) > depth {
			oldest := ts.order[0]
			ts.order = ts.order[1:]
			delete(ts.instances, oldest)
		}
	}
	// Copy so callers may reuse their buffer.
	stored := make([]byte, len(data))
	copy(stored, data)
	ts.instances[key] = stored

	sample := transport.Sample{Topic: topic, Key: key, Data: stored}
	subs := matchingSubs(ts, stored, false)
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(sample)
	}
	return nil
}

// Dispose removes a durable instance and notifies subscribers with a
// disposed sample. Disposing an unknown key is a no-op.
func (b *Bus) Dispose(ctx context.Context, topic, key string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	ts, ok := b.topics[topic]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	data, exists := ts.instances[key]
	if !exists {
		b.mu.Unlock()
		return nil
	}
	delete(ts.instances, key)
	for i, k := range ts.order {
		if k == key {
			ts.order = append(ts.order[:i], ts.order[i+1:]...)
			break
		}
	}
	sample := transport.Sample{Topic: topic, Key: key, Disposed: true}
	// Disposal routing uses the last known value so kind filters still match.
	subs := matchingSubs(ts, data, true)
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(sample)
	}
	return nil
}

// PublishVolatile broadcasts a sample with no retention.
func (b *Bus) PublishVolatile(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	ts := b.topic(topic, transport.VolatileQoS())
	stored := make([]byte, len(data))
	copy(stored, data)
	sample := transport.Sample{Topic: topic, Data: stored}
	subs := matchingSubs(ts, stored, false)
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(sample)
	}
	return nil
}

// Subscribe attaches a handler. For durable topics the current instance
// set is enqueued before the subscription is published to writers, so a
// late joiner observes snapshot-then-updates with no gap.
func (b *Bus) Subscribe(ctx context.Context, topic string, qos transport.QoS, filter transport.Filter, h transport.Handler) (transport.Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("subscribe on %s: handler is required", topic)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	ts := b.topic(topic, qos)

	sub := newSubscription(b, topic, filter, h)
	// Snapshot first, still under the broker lock.
	if ts.qos.Durable {
		for _, key := range ts.order {
			data := ts.instances[key]
			if transport.Matches(filter, data) {
				sub.enqueue(transport.Sample{Topic: topic, Key: key, Data: data})
			}
		}
	}
	ts.subs[sub] = true
	b.mu.Unlock()

	sub.start()
	return sub, nil
}

// Close stops all subscriptions and rejects further publishes.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, ts := range b.topics {
		for s := range ts.subs {
			all = append(all, s)
		}
		ts.subs = make(map[*subscription]bool)
	}
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	return nil
}

// topic returns the topic state, creating it with the given QoS on first
// touch. The first toucher's QoS wins; publishers and subscribers of one
// topic are expected to agree.
func (b *Bus) topic(name string, qos transport.QoS) *topicState {
	ts, ok := b.topics[name]
	if !ok {
		ts = &topicState{
			qos:       qos,
			instances: make(map[string][]byte),
			subs:      make(map[*subscription]bool),
		}
		b.topics[name] = ts
	}
	return ts
}

// matchingSubs snapshots the subscribers whose filter accepts data.
// Caller holds b.mu.
func matchingSubs(ts *topicState, data []byte, disposal bool) []*subscription {
	out := make([]*subscription, 0, len(ts.subs))
	for s := range ts.subs {
		if disposal || transport.Matches(s.filter, data) {
			out = append(out, s)
		}
	}
	return out
}

// removeSub detaches a subscription from its topic.
func (b *Bus) removeSub(topic string, s *subscription) {
	b.mu.Lock()
	if ts, ok := b.topics[topic]; ok {
		delete(ts.subs, s)
	}
	b.mu.Unlock()
}
