package inproc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesis-runtime/genesis/pkg/transport"
)

// collector accumulates delivered samples for assertions.
type collector struct {
	mu      sync.Mutex
	samples []transport.Sample
}

func (c *collector) handler(s transport.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
}

func (c *collector) snapshot() []transport.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Sample, len(c.samples))
	copy(out, c.samples)
	return out
}

// waitFor polls until the collector holds at least n samples.
func (c *collector) waitFor(t *testing.T, n int) []transport.Sample {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := c.snapshot()
	require.GreaterOrEqual(t, len(got), n, "timed out waiting for %d samples, have %d", n, len(got))
	return got
}

func TestDurableLateJoinerReceivesSnapshot(t *testing.T) {
	bus := New()
	defer func() { _ = bus.Close(context.Background()) }()
	ctx := context.Background()

	require.NoError(t, bus.PublishDurable(ctx, transport.TopicAdvertisement, "k1", []byte(`{"kind":0,"name":"a"}`)))
	require.NoError(t, bus.PublishDurable(ctx, transport.TopicAdvertisement, "k2", []byte(`{"kind":1,"name":"b"}`)))
	// Last value wins for k1.
	require.NoError(t, bus.PublishDurable(ctx, transport.TopicAdvertisement, "k1", []byte(`{"kind":0,"name":"a2"}`)))

	c := &collector{}
	_, err := bus.Subscribe(ctx, transport.TopicAdvertisement, transport.DurableQoS(), nil, c.handler)
	require.NoError(t, err)

	got := c.waitFor(t, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "k1", got[0].Key)
	assert.JSONEq(t, `{"kind":0,"name":"a2"}`, string(got[0].Data))
	assert.Equal(t, "k2", got[1].Key)
}

func TestKindFilterSeesOnlyMatchingKinds(t *testing.T) {
	bus := New()
	defer func() { _ = bus.Close(context.Background()) }()
	ctx := context.Background()

	c := &collector{}
	_, err := bus.Subscribe(ctx, transport.TopicAdvertisement, transport.DurableQoS(),
		transport.KindIn(0), c.handler)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.PublishDurable(ctx, transport.TopicAdvertisement,
			fmt.Sprintf("f%d", i), []byte(fmt.Sprintf(`{"kind":0,"n":%d}`, i))))
		require.NoError(t, bus.PublishDurable(ctx, transport.TopicAdvertisement,
			fmt.Sprintf("a%d", i), []byte(fmt.Sprintf(`{"kind":1,"n":%d}`, i))))
	}

	got := c.waitFor(t, 3)
	require.Len(t, got, 3)
	for _, s := range got {
		var probe struct {
			Kind int32 `json:"kind"`
		}
		require.NoError(t, json.Unmarshal(s.Data, &probe))
		assert.Equal(t, int32(0), probe.Kind)
	}
}

func TestDisposeDeliversDisposedSample(t *testing.T) {
	bus := New()
	defer func() { _ = bus.Close(context.Background()) }()
	ctx := context.Background()

	require.NoError(t, bus.PublishDurable(ctx, transport.TopicGraph, "node-1", []byte(`{"kind":0}`)))

	c := &collector{}
	_, err := bus.Subscribe(ctx, transport.TopicGraph, transport.DurableQoS(), nil, c.handler)
	require.NoError(t, err)
	c.waitFor(t, 1)

	require.NoError(t, bus.Dispose(ctx, transport.TopicGraph, "node-1"))
	got := c.waitFor(t, 2)
	assert.True(t, got[1].Disposed)
	assert.Equal(t, "node-1", got[1].Key)

	// A fresh subscriber sees an empty snapshot.
	c2 := &collector{}
	_, err = bus.Subscribe(ctx, transport.TopicGraph, transport.DurableQoS(), nil, c2.handler)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c2.snapshot())
}

func TestVolatileHasNoHistory(t *testing.T) {
	bus := New()
	defer func() { _ = bus.Close(context.Background()) }()
	ctx := context.Background()

	require.NoError(t, bus.PublishVolatile(ctx, transport.TopicEvent, []byte(`{"kind":1}`)))

	c := &collector{}
	_, err := bus.Subscribe(ctx, transport.TopicEvent, transport.VolatileQoS(), nil, c.handler)
	require.NoError(t, err)

	// The pre-subscription sample is gone; only the next one arrives.
	require.NoError(t, bus.PublishVolatile(ctx, transport.TopicEvent, []byte(`{"kind":2}`)))
	got := c.waitFor(t, 1)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"kind":2}`, string(got[0].Data))
}

func TestFieldEqualsRoutesReplies(t *testing.T) {
	bus := New()
	defer func() { _ = bus.Close(context.Background()) }()
	ctx := context.Background()

	mine := &collector{}
	topic := transport.ReplyTopic("calculator@p1")
	_, err := bus.Subscribe(ctx, topic, transport.VolatileQoS(),
		transport.FieldEquals("to", "requester-1"), mine.handler)
	require.NoError(t, err)

	require.NoError(t, bus.PublishVolatile(ctx, topic, []byte(`{"to":"requester-1","correlation_id":"c1"}`)))
	require.NoError(t, bus.PublishVolatile(ctx, topic, []byte(`{"to":"requester-2","correlation_id":"c2"}`)))

	got := mine.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	got = mine.snapshot()
	require.Len(t, got, 1)
	assert.Contains(t, string(got[0].Data), "requester-1")
}

func TestHistoryDepthEvictsOldest(t *testing.T) {
	bus := New()
	defer func() { _ = bus.Close(context.Background()) }()
	ctx := context.Background()

	qos := transport.QoS{Durable: true, HistoryDepth: 2}
	topic := "test/depth"
	c0 := &collector{}
	_, err := bus.Subscribe(ctx, topic, qos, nil, c0.handler)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.PublishDurable(ctx, topic, fmt.Sprintf("k%d", i), []byte(`{"kind":0}`)))
	}

	c := &collector{}
	_, err = bus.Subscribe(ctx, topic, qos, nil, c.handler)
	require.NoError(t, err)
	got := c.waitFor(t, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "k1", got[0].Key)
	assert.Equal(t, "k2", got[1].Key)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	defer func() { _ = bus.Close(context.Background()) }()
	ctx := context.Background()

	c := &collector{}
	sub, err := bus.Subscribe(ctx, transport.TopicEvent, transport.VolatileQoS(), nil, c.handler)
	require.NoError(t, err)

	require.NoError(t, bus.PublishVolatile(ctx, transport.TopicEvent, []byte(`{"n":1}`)))
	c.waitFor(t, 1)

	sub.Unsubscribe()
	require.NoError(t, bus.PublishVolatile(ctx, transport.TopicEvent, []byte(`{"n":2}`)))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.snapshot(), 1)
}

func TestGraphMonotonicWithoutWithdrawals(t *testing.T) {
	// Invariant: absent disposals, the node set a subscriber observes is
	// non-decreasing.
	bus := New()
	defer func() { _ = bus.Close(context.Background()) }()
	ctx := context.Background()

	seen := make(map[string]bool)
	var mu sync.Mutex
	_, err := bus.Subscribe(ctx, transport.TopicGraph, transport.DurableQoS(), nil, func(s transport.Sample) {
		mu.Lock()
		defer mu.Unlock()
		require.False(t, s.Disposed)
		seen[s.Key] = true
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("node-%d", i%5)
		require.NoError(t, bus.PublishDurable(ctx, transport.TopicGraph, key, []byte(`{"kind":0}`)))
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 5 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected 5 distinct nodes, saw %d", len(seen))
}
