package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesis-runtime/genesis/pkg/transport"
	"github.com/genesis-runtime/genesis/test/util"
)

// newTestTransport wires a Transport against a real PostgreSQL database
// (testcontainers locally, service container in CI).
func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	dsn := util.TestDSN(t)
	tr, err := New(context.Background(), Config{DSN: dsn, MaxOpenConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

type recorder struct {
	mu      sync.Mutex
	samples []transport.Sample
}

func (r *recorder) handler(s transport.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

func (r *recorder) waitFor(t *testing.T, n int) []transport.Sample {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		got := make([]transport.Sample, len(r.samples))
		copy(got, r.samples)
		r.mu.Unlock()
		if len(got) >= n {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	require.GreaterOrEqual(t, len(r.samples), n)
	return r.samples
}

func TestIntegration_DurableSnapshotThenLive(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	require.NoError(t, tr.PublishDurable(ctx, transport.TopicAdvertisement, "k1", []byte(`{"kind":0,"name":"one"}`)))
	require.NoError(t, tr.PublishDurable(ctx, transport.TopicAdvertisement, "k1", []byte(`{"kind":0,"name":"one-v2"}`)))
	require.NoError(t, tr.PublishDurable(ctx, transport.TopicAdvertisement, "k2", []byte(`{"kind":1,"name":"two"}`)))

	rec := &recorder{}
	_, err := tr.Subscribe(ctx, transport.TopicAdvertisement, transport.DurableQoS(), nil, rec.handler)
	require.NoError(t, err)

	got := rec.waitFor(t, 2)
	assert.Equal(t, "k1", got[0].Key)
	assert.JSONEq(t, `{"kind":0,"name":"one-v2"}`, string(got[0].Data))

	// Live update after snapshot.
	require.NoError(t, tr.PublishDurable(ctx, transport.TopicAdvertisement, "k3", []byte(`{"kind":0,"name":"three"}`)))
	got = rec.waitFor(t, 3)
	found := false
	for _, s := range got {
		if s.Key == "k3" {
			found = true
		}
	}
	assert.True(t, found, "live sample k3 not delivered")
}

func TestIntegration_VolatileFilteredDelivery(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	rec := &recorder{}
	_, err := tr.Subscribe(ctx, transport.TopicEvent, transport.VolatileQoS(), transport.KindIn(1), rec.handler)
	require.NoError(t, err)

	// LISTEN is synchronous; both publishes will be observed by the
	// connection, only the kind=1 one should pass the filter.
	require.NoError(t, tr.PublishVolatile(ctx, transport.TopicEvent, []byte(`{"kind":0,"msg":"lifecycle"}`)))
	require.NoError(t, tr.PublishVolatile(ctx, transport.TopicEvent, []byte(`{"kind":1,"msg":"chain"}`)))

	got := rec.waitFor(t, 1)
	time.Sleep(100 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.samples, 1)
	assert.Contains(t, string(got[0].Data), "chain")
}

func TestIntegration_DisposeNotifiesAndRemoves(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	require.NoError(t, tr.PublishDurable(ctx, transport.TopicGraph, "node-1", []byte(`{"kind":0}`)))

	rec := &recorder{}
	_, err := tr.Subscribe(ctx, transport.TopicGraph, transport.DurableQoS(), nil, rec.handler)
	require.NoError(t, err)
	rec.waitFor(t, 1)

	require.NoError(t, tr.Dispose(ctx, transport.TopicGraph, "node-1"))
	got := rec.waitFor(t, 2)
	assert.True(t, got[1].Disposed)
	assert.Equal(t, "node-1", got[1].Key)

	// A fresh subscriber sees nothing.
	rec2 := &recorder{}
	_, err = tr.Subscribe(ctx, transport.TopicGraph, transport.DurableQoS(), nil, rec2.handler)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	rec2.mu.Lock()
	defer rec2.mu.Unlock()
	assert.Empty(t, rec2.samples)
}

func TestIntegration_OversizedSampleSpillsAndDelivers(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	rec := &recorder{}
	topic := transport.RequestTopic("bulk@p1")
	_, err := tr.Subscribe(ctx, topic, transport.VolatileQoS(), nil, rec.handler)
	require.NoError(t, err)

	big := fmt.Sprintf(`{"correlation_id":"c1","arguments":"%s"}`, strings.Repeat("x", 20000))
	require.NoError(t, tr.PublishVolatile(ctx, topic, []byte(big)))

	got := rec.waitFor(t, 1)
	assert.JSONEq(t, big, string(got[0].Data))
}

func TestDomainScopesTopicsAndChannels(t *testing.T) {
	prod := &Transport{domain: "prod"}
	staging := &Transport{domain: "staging"}
	unscoped := &Transport{}

	assert.Equal(t, transport.TopicEvent, unscoped.scopedTopic(transport.TopicEvent))
	assert.Equal(t, "prod/"+transport.TopicEvent, prod.scopedTopic(transport.TopicEvent))
	assert.NotEqual(t, prod.scopedTopic(transport.TopicEvent), staging.scopedTopic(transport.TopicEvent))
	assert.NotEqual(t,
		channelFor(prod.scopedTopic(transport.TopicEvent)),
		channelFor(staging.scopedTopic(transport.TopicEvent)))
}

func TestIntegration_DomainsAreIsolated(t *testing.T) {
	dsn := util.TestDSN(t)
	ctx := context.Background()

	alpha, err := New(ctx, Config{DSN: dsn, Domain: "alpha", MaxOpenConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = alpha.Close(context.Background()) })
	beta, err := New(ctx, Config{DSN: dsn, Domain: "beta", MaxOpenConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = beta.Close(context.Background()) })

	rec := &recorder{}
	_, err = beta.Subscribe(ctx, transport.TopicAdvertisement, transport.DurableQoS(), nil, rec.handler)
	require.NoError(t, err)

	require.NoError(t, alpha.PublishDurable(ctx, transport.TopicAdvertisement, "k1", []byte(`{"kind":0,"name":"alpha-only"}`)))

	time.Sleep(300 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.samples, "sample crossed domain boundary")
}

func TestIntegration_CrossTransportDelivery(t *testing.T) {
	// Two transports on the same database simulate two processes; a
	// sample published on one must reach a subscriber on the other.
	dsn := util.TestDSN(t)
	ctx := context.Background()

	a, err := New(ctx, Config{DSN: dsn, MaxOpenConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	b, err := New(ctx, Config{DSN: dsn, MaxOpenConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	rec := &recorder{}
	_, err = b.Subscribe(ctx, transport.TopicAdvertisement, transport.DurableQoS(), nil, rec.handler)
	require.NoError(t, err)

	require.NoError(t, a.PublishDurable(ctx, transport.TopicAdvertisement, "remote-1", []byte(`{"kind":0,"name":"remote"}`)))

	got := rec.waitFor(t, 1)
	assert.Equal(t, "remote-1", got[0].Key)
}
