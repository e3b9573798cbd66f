package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/genesis-runtime/genesis/pkg/models"
	"github.com/genesis-runtime/genesis/pkg/transport"
)

// DefaultOfflineRetention is how long an OFFLINE node stays visible in
// the graph before the janitor withdraws its durable record.
const DefaultOfflineRetention = 10 * time.Minute

// Delta is one incremental change streamed to graph watchers.
type Delta struct {
	Type   string              `json:"type"` // node_update, node_remove, edge_update, edge_remove, activity
	Record *models.GraphRecord `json:"record,omitempty"`
	Event  *models.Event       `json:"event,omitempty"`
}

// Snapshot is a point-in-time copy of the projected graph.
type Snapshot struct {
	Nodes []models.GraphRecord `json:"nodes"`
	Edges []models.GraphRecord `json:"edges"`
}

// GraphService projects the durable GraphTopology topic and the volatile
// Event topic into an in-memory graph, and streams deltas to watchers.
// Watchers with full channels lose deltas rather than block the
// projection; a reconnecting watcher starts from a fresh Snapshot.
type GraphService struct {
	tr        transport.Transport
	retention time.Duration

	mu           sync.RWMutex
	nodes        map[string]models.GraphRecord
	edges        map[string]models.GraphRecord
	offlineSince map[string]time.Time

	watcherMu sync.RWMutex
	watchers  map[int]chan Delta
	nextID    int

	subs     []transport.Subscription
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGraphService creates a projection with the given OFFLINE retention;
// zero uses DefaultOfflineRetention.
func NewGraphService(tr transport.Transport, retention time.Duration) *GraphService {
	if retention <= 0 {
		retention = DefaultOfflineRetention
	}
	return &GraphService{
		tr:           tr,
		retention:    retention,
		nodes:        make(map[string]models.GraphRecord),
		edges:        make(map[string]models.GraphRecord),
		offlineSince: make(map[string]time.Time),
		watchers:     make(map[int]chan Delta),
		stopCh:       make(chan struct{}),
	}
}

// Start subscribes to both monitoring topics and launches the retention
// janitor. The durable graph snapshot is applied before live samples, so
// the projection is complete once Start returns and the mailboxes drain.
func (g *GraphService) Start(ctx context.Context) error {
	graphSub, err := g.tr.Subscribe(ctx, transport.TopicGraph, transport.DurableQoS(), nil, g.onGraph)
	if err != nil {
		return err
	}
	g.subs = append(g.subs, graphSub)

	eventSub, err := g.tr.Subscribe(ctx, transport.TopicEvent, transport.VolatileQoS(), nil, g.onEvent)
	if err != nil {
		graphSub.Unsubscribe()
		return err
	}
	g.subs = append(g.subs, eventSub)

	g.wg.Add(1)
	go g.runJanitor()
	return nil
}

// Stop unsubscribes and closes all watcher channels.
func (g *GraphService) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		for _, s := range g.subs {
			s.Unsubscribe()
		}
		g.wg.Wait()
		g.watcherMu.Lock()
		for id, ch := range g.watchers {
			close(ch)
			delete(g.watchers, id)
		}
		g.watcherMu.Unlock()
	})
}

// Snapshot returns the current projected graph.
func (g *GraphService) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap := Snapshot{
		Nodes: make([]models.GraphRecord, 0, len(g.nodes)),
		Edges: make([]models.GraphRecord, 0, len(g.edges)),
	}
	for _, n := range g.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	for _, e := range g.edges {
		snap.Edges = append(snap.Edges, e)
	}
	return snap
}

// Node returns one node by element id.
func (g *GraphService) Node(elementID string) (models.GraphRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[elementID]
	return n, ok
}

// Watch registers a delta watcher. The returned channel is closed on
// Unwatch or Stop.
func (g *GraphService) Watch(buffer int) (int, <-chan Delta) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Delta, buffer)
	g.watcherMu.Lock()
	g.nextID++
	id := g.nextID
	g.watchers[id] = ch
	g.watcherMu.Unlock()
	return id, ch
}

// Unwatch removes a watcher and closes its channel.
func (g *GraphService) Unwatch(id int) {
	g.watcherMu.Lock()
	if ch, ok := g.watchers[id]; ok {
		close(ch)
		delete(g.watchers, id)
	}
	g.watcherMu.Unlock()
}

func (g *GraphService) onGraph(s transport.Sample) {
	if s.Disposed {
		g.mu.Lock()
		var delta Delta
		if rec, ok := g.nodes[s.Key]; ok {
			delete(g.nodes, s.Key)
			delete(g.offlineSince, s.Key)
			delta = Delta{Type: "node_remove", Record: &rec}
		} else if rec, ok := g.edges[s.Key]; ok {
			delete(g.edges, s.Key)
			delta = Delta{Type: "edge_remove", Record: &rec}
		}
		g.mu.Unlock()
		if delta.Type != "" {
			g.broadcast(delta)
		}
		return
	}

	var rec models.GraphRecord
	if err := json.Unmarshal(s.Data, &rec); err != nil {
		slog.Warn("Dropping malformed graph record", "key", s.Key, "error", err)
		return
	}

	g.mu.Lock()
	var deltaType string
	switch rec.Kind {
	case models.GraphNode:
		g.nodes[rec.ElementID] = rec
		deltaType = "node_update"
		if rec.State == string(models.StateOffline) {
			if _, marked := g.offlineSince[rec.ElementID]; !marked {
				g.offlineSince[rec.ElementID] = time.Now()
			}
		} else {
			delete(g.offlineSince, rec.ElementID)
		}
	case models.GraphEdge:
		g.edges[rec.ElementID] = rec
		deltaType = "edge_update"
	default:
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.broadcast(Delta{Type: deltaType, Record: &rec})
}

func (g *GraphService) onEvent(s transport.Sample) {
	var ev models.Event
	if err := json.Unmarshal(s.Data, &ev); err != nil {
		slog.Warn("Dropping malformed event", "error", err)
		return
	}
	g.broadcast(Delta{Type: "activity", Event: &ev})
}

func (g *GraphService) broadcast(d Delta) {
	g.watcherMu.RLock()
	defer g.watcherMu.RUnlock()
	for id, ch := range g.watchers {
		select {
		case ch <- d:
		default:
			slog.Debug("Graph watcher lagging, delta dropped", "watcher_id", id, "type", d.Type)
		}
	}
}

// runJanitor withdraws OFFLINE nodes past retention, plus the edges
// touching them. Every projection instance may race to dispose the same
// record; disposal of an absent key is a no-op so the race is harmless.
func (g *GraphService) runJanitor() {
	defer g.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.sweepOffline()
		}
	}
}

func (g *GraphService) sweepOffline() {
	cutoff := time.Now().Add(-g.retention)

	g.mu.RLock()
	var expired []string
	for id, since := range g.offlineSince {
		if since.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	var staleEdges []string
	for _, nodeID := range expired {
		for edgeID, edge := range g.edges {
			var meta models.EdgeMetadata
			if json.Unmarshal([]byte(edge.Metadata), &meta) == nil &&
				(meta.Source == nodeID || meta.Target == nodeID) {
				staleEdges = append(staleEdges, edgeID)
			}
		}
	}
	g.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, edgeID := range staleEdges {
		if err := g.tr.Dispose(ctx, transport.TopicGraph, edgeID); err != nil {
			slog.Warn("Failed to withdraw stale edge", "element_id", edgeID, "error", err)
		}
	}
	for _, nodeID := range expired {
		if err := g.tr.Dispose(ctx, transport.TopicGraph, nodeID); err != nil {
			slog.Warn("Failed to withdraw offline node", "element_id", nodeID, "error", err)
			continue
		}
		slog.Info("Withdrew offline node past retention", "element_id", nodeID, "retention", g.retention)
	}
}
