// Package monitor implements the monitoring plane: volatile activity
// events, the durable topology graph, and the projection service that
// turns both streams into a queryable system graph.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-runtime/genesis/pkg/models"
	"github.com/genesis-runtime/genesis/pkg/transport"
)

// Publisher emits monitoring records for one component. Events are
// fire-and-forget; topology records are durable and must be withdrawn on
// shutdown.
type Publisher struct {
	tr            transport.Transport
	componentID   string
	componentType string
}

// NewPublisher creates a publisher bound to one component identity.
func NewPublisher(tr transport.Transport, componentID, componentType string) *Publisher {
	return &Publisher{tr: tr, componentID: componentID, componentType: componentType}
}

// Event publishes one volatile event. Monitoring is best effort: a
// failed publish is logged, never fatal to the caller's operation.
func (p *Publisher) Event(ctx context.Context, kind models.EventKind, eventType, severity, message, payload string) {
	ev := models.Event{
		EventID:       uuid.NewString(),
		Kind:          kind,
		ComponentID:   p.componentID,
		ComponentType: p.componentType,
		EventType:     eventType,
		Severity:      severity,
		Message:       message,
		Payload:       payload,
		Timestamp:     time.Now().UnixNano(),
	}
	if err := ev.Validate(); err != nil {
		slog.Warn("Dropping invalid event", "component_id", p.componentID, "event_type", eventType, "error", err)
		return
	}
	data, err := json.Marshal(&ev)
	if err != nil {
		return
	}
	if err := p.tr.PublishVolatile(ctx, transport.TopicEvent, data); err != nil {
		slog.Debug("Event publish failed", "event_type", eventType, "error", err)
	}
}

// Lifecycle publishes a LIFECYCLE event for a state transition.
func (p *Publisher) Lifecycle(ctx context.Context, state, message string) {
	p.Event(ctx, models.EventLifecycle, state, "INFO", message, "")
}

// chainHop publishes one CHAIN event carrying the hop payload.
func (p *Publisher) chainHop(ctx context.Context, hop models.ChainHop) {
	hop.Timestamp = time.Now().UnixNano()
	payload, err := json.Marshal(&hop)
	if err != nil {
		return
	}
	severity := "INFO"
	if hop.Phase == models.PhaseError {
		severity = "ERROR"
	}
	p.Event(ctx, models.EventChain, string(hop.Phase), severity, hop.Reason, string(payload))
}

// ChainStart records the start of one hop and returns its call id.
func (p *Publisher) ChainStart(ctx context.Context, chainID, source, target string) string {
	callID := uuid.NewString()
	p.chainHop(ctx, models.ChainHop{
		ChainID: chainID, CallID: callID, Source: source, Target: target, Phase: models.PhaseStart,
	})
	return callID
}

// ChainComplete records successful completion of a hop.
func (p *Publisher) ChainComplete(ctx context.Context, chainID, callID, source, target string) {
	p.chainHop(ctx, models.ChainHop{
		ChainID: chainID, CallID: callID, Source: source, Target: target, Phase: models.PhaseComplete,
	})
}

// ChainError records a failed hop with its error kind as reason.
func (p *Publisher) ChainError(ctx context.Context, chainID, callID, source, target, reason string) {
	p.chainHop(ctx, models.ChainHop{
		ChainID: chainID, CallID: callID, Source: source, Target: target, Phase: models.PhaseError, Reason: reason,
	})
}

// Node publishes (or updates) this component's durable NODE record.
func (p *Publisher) Node(ctx context.Context, state string, metadata string) error {
	rec := models.GraphRecord{
		ElementID:   p.componentID,
		Kind:        models.GraphNode,
		ElementType: p.componentType,
		State:       state,
		Metadata:    metadata,
		Timestamp:   time.Now().UnixNano(),
	}
	return p.publishGraph(ctx, rec)
}

// Edge publishes a durable EDGE record between two nodes.
func (p *Publisher) Edge(ctx context.Context, source, target, edgeType string) error {
	meta, err := json.Marshal(models.EdgeMetadata{Source: source, Target: target})
	if err != nil {
		return err
	}
	rec := models.GraphRecord{
		ElementID:   models.EdgeElementID(source, target, edgeType),
		Kind:        models.GraphEdge,
		ElementType: edgeType,
		Metadata:    string(meta),
		Timestamp:   time.Now().UnixNano(),
	}
	return p.publishGraph(ctx, rec)
}

// RemoveNode withdraws this component's NODE record.
func (p *Publisher) RemoveNode(ctx context.Context) error {
	return p.tr.Dispose(ctx, transport.TopicGraph, p.componentID)
}

// RemoveEdge withdraws an EDGE record.
func (p *Publisher) RemoveEdge(ctx context.Context, source, target, edgeType string) error {
	return p.tr.Dispose(ctx, transport.TopicGraph, models.EdgeElementID(source, target, edgeType))
}

func (p *Publisher) publishGraph(ctx context.Context, rec models.GraphRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("graph record rejected: %w", err)
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal graph record: %w", err)
	}
	if err := p.tr.PublishDurable(ctx, transport.TopicGraph, rec.ElementID, data); err != nil {
		return fmt.Errorf("publish graph record %s: %w", rec.ElementID, err)
	}
	return nil
}
