package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesis-runtime/genesis/pkg/models"
	"github.com/genesis-runtime/genesis/pkg/transport/inproc"
)

func waitDelta(t *testing.T, ch <-chan Delta, wantType string) Delta {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			require.True(t, ok, "watcher channel closed while waiting for %s", wantType)
			if d.Type == wantType {
				return d
			}
		case <-deadline:
			t.Fatalf("no %s delta within deadline", wantType)
		}
	}
}

func TestGraphProjectionFromDurableSnapshot(t *testing.T) {
	bus := inproc.New()
	ctx := context.Background()

	pub := NewPublisher(bus, "agent-1", "Agent")
	require.NoError(t, pub.Node(ctx, string(models.StateReady), ""))
	require.NoError(t, pub.Edge(ctx, "interface-1", "agent-1", "INTERFACE_TO_AGENT"))

	// Service started after the records exist still reconstructs the graph.
	svc := NewGraphService(bus, 0)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)

	require.Eventually(t, func() bool {
		snap := svc.Snapshot()
		return len(snap.Nodes) == 1 && len(snap.Edges) == 1
	}, 5*time.Second, 10*time.Millisecond)

	node, ok := svc.Node("agent-1")
	require.True(t, ok)
	assert.Equal(t, string(models.StateReady), node.State)
	assert.Equal(t, "Agent", node.ElementType)
}

func TestWatcherReceivesDeltas(t *testing.T) {
	bus := inproc.New()
	ctx := context.Background()

	svc := NewGraphService(bus, 0)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)

	id, ch := svc.Watch(16)
	t.Cleanup(func() { svc.Unwatch(id) })

	pub := NewPublisher(bus, "agent-1", "Agent")
	require.NoError(t, pub.Node(ctx, string(models.StateJoining), ""))

	d := waitDelta(t, ch, "node_update")
	require.NotNil(t, d.Record)
	assert.Equal(t, "agent-1", d.Record.ElementID)
	assert.Equal(t, string(models.StateJoining), d.Record.State)

	require.NoError(t, pub.RemoveNode(ctx))
	d = waitDelta(t, ch, "node_remove")
	assert.Equal(t, "agent-1", d.Record.ElementID)
}

func TestActivityDeltaFromVolatileEvent(t *testing.T) {
	bus := inproc.New()
	ctx := context.Background()

	svc := NewGraphService(bus, 0)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)

	id, ch := svc.Watch(16)
	t.Cleanup(func() { svc.Unwatch(id) })

	pub := NewPublisher(bus, "agent-1", "Agent")
	pub.Lifecycle(ctx, string(models.StateReady), "joined the domain")

	d := waitDelta(t, ch, "activity")
	require.NotNil(t, d.Event)
	assert.Equal(t, models.EventLifecycle, d.Event.Kind)
	assert.Equal(t, string(models.StateReady), d.Event.EventType)
	assert.Equal(t, "agent-1", d.Event.ComponentID)
}

func TestChainHopEventsCarryPhases(t *testing.T) {
	bus := inproc.New()
	ctx := context.Background()

	svc := NewGraphService(bus, 0)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)

	id, ch := svc.Watch(16)
	t.Cleanup(func() { svc.Unwatch(id) })

	pub := NewPublisher(bus, "agent-1", "Agent")
	callID := pub.ChainStart(ctx, "chain-1", "agent-1", "calc@provider-1")
	pub.ChainError(ctx, "chain-1", callID, "agent-1", "calc@provider-1", "TIMEOUT")

	start := waitDelta(t, ch, "activity")
	require.Equal(t, models.EventChain, start.Event.Kind)
	var hop models.ChainHop
	require.NoError(t, json.Unmarshal([]byte(start.Event.Payload), &hop))
	assert.Equal(t, models.PhaseStart, hop.Phase)
	assert.Equal(t, "chain-1", hop.ChainID)
	assert.Equal(t, callID, hop.CallID)

	errDelta := waitDelta(t, ch, "activity")
	require.NoError(t, json.Unmarshal([]byte(errDelta.Event.Payload), &hop))
	assert.Equal(t, models.PhaseError, hop.Phase)
	assert.Equal(t, "TIMEOUT", hop.Reason)
	assert.Equal(t, "ERROR", errDelta.Event.Severity)
}

func TestOfflineSweepWithdrawsNodeAndEdges(t *testing.T) {
	bus := inproc.New()
	ctx := context.Background()

	svc := NewGraphService(bus, time.Millisecond)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)

	pub := NewPublisher(bus, "agent-1", "Agent")
	require.NoError(t, pub.Node(ctx, string(models.StateOffline), ""))
	require.NoError(t, pub.Edge(ctx, "interface-1", "agent-1", "INTERFACE_TO_AGENT"))
	require.Eventually(t, func() bool {
		return len(svc.Snapshot().Nodes) == 1 && len(svc.Snapshot().Edges) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Drive the sweep directly instead of waiting for the ticker.
	time.Sleep(5 * time.Millisecond)
	svc.sweepOffline()

	require.Eventually(t, func() bool {
		snap := svc.Snapshot()
		return len(snap.Nodes) == 0 && len(snap.Edges) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLaggingWatcherDropsInsteadOfBlocking(t *testing.T) {
	bus := inproc.New()
	ctx := context.Background()

	svc := NewGraphService(bus, 0)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)

	id, ch := svc.Watch(1)
	t.Cleanup(func() { svc.Unwatch(id) })

	pub := NewPublisher(bus, "agent-1", "Agent")
	for i := 0; i < 10; i++ {
		pub.Lifecycle(ctx, string(models.StateReady), "heartbeat")
	}

	// The projection stays live even though the watcher never drained.
	require.NoError(t, pub.Node(ctx, string(models.StateReady), ""))
	require.Eventually(t, func() bool {
		_, ok := svc.Node("agent-1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	// Only one delta fit the buffer; everything else was dropped rather
	// than blocking the projection.
	require.Eventually(t, func() bool { return len(ch) == 1 }, 5*time.Second, 10*time.Millisecond)
}
