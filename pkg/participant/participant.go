// Package participant implements the shared lifecycle runtime every
// Genesis process embeds: identity, state machine, advertisement
// ownership, capability discovery, and monitoring hooks.
package participant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/genesis-runtime/genesis/pkg/advertise"
	"github.com/genesis-runtime/genesis/pkg/models"
	"github.com/genesis-runtime/genesis/pkg/monitor"
	"github.com/genesis-runtime/genesis/pkg/transport"
)

// Participant is one live process on the domain. All state transitions
// flow through SetState so every transition is mirrored to the
// monitoring plane exactly once.
type Participant struct {
	id   string
	kind models.ParticipantKind
	tr   transport.Transport

	Advertiser *advertise.Advertiser
	Cache      *advertise.Cache
	Monitor    *monitor.Publisher

	mu    sync.Mutex
	state models.ParticipantState
}

// NewID builds a participant id from a human-readable name and a random
// suffix, so restarts never reuse an identity.
func NewID(name string) string {
	return fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
}

// New creates a participant in JOINING state. Nothing is published until
// Start.
func New(tr transport.Transport, id string, kind models.ParticipantKind) *Participant {
	return &Participant{
		id:         id,
		kind:       kind,
		tr:         tr,
		Advertiser: advertise.NewAdvertiser(tr, id),
		Cache:      advertise.NewCache(),
		Monitor:    monitor.NewPublisher(tr, id, componentType(kind)),
		state:      models.StateJoining,
	}
}

// ID returns the participant identity.
func (p *Participant) ID() string { return p.id }

// Kind returns the participant classification.
func (p *Participant) Kind() models.ParticipantKind { return p.kind }

// State returns the current lifecycle state.
func (p *Participant) State() models.ParticipantState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Transport returns the underlying transport, for wiring RPC endpoints.
func (p *Participant) Transport() transport.Transport { return p.tr }

// Start walks JOINING -> DISCOVERING: announces the node and subscribes
// the capability cache. kinds narrows what the cache tracks; empty
// tracks everything. Readiness is declared separately with Ready, once
// the runtime's advertisements are acknowledged by the durable store.
func (p *Participant) Start(ctx context.Context, kinds ...models.AdvertisementKind) error {
	p.announce(ctx, models.StateJoining, "joining domain")

	if err := p.SetState(ctx, models.StateDiscovering, "discovering capabilities"); err != nil {
		return err
	}
	if err := p.Cache.Start(ctx, p.tr, kinds...); err != nil {
		return fmt.Errorf("start capability cache: %w", err)
	}
	return nil
}

// Ready moves DISCOVERING -> READY. Runtimes call it only after every
// advertisement they own has been acknowledged by the durable store.
func (p *Participant) Ready(ctx context.Context) error {
	if err := p.SetState(ctx, models.StateReady, "discovery complete"); err != nil {
		return err
	}
	slog.Info("Participant ready", "participant_id", p.id, "kind", p.kind)
	return nil
}

// SetState performs one validated lifecycle transition and mirrors it to
// the monitoring plane. Self-transitions are no-ops.
func (p *Participant) SetState(ctx context.Context, to models.ParticipantState, message string) error {
	p.mu.Lock()
	from := p.state
	if from == to {
		p.mu.Unlock()
		return nil
	}
	if !allowed(from, to) {
		p.mu.Unlock()
		return fmt.Errorf("invalid lifecycle transition %s -> %s", from, to)
	}
	p.state = to
	p.mu.Unlock()

	slog.Debug("Lifecycle transition", "participant_id", p.id, "from", from, "to", to)
	p.announce(ctx, to, message)
	return nil
}

// SetBusy toggles READY <-> BUSY. Called from RPC busy hooks; a
// participant in any other state ignores the toggle.
func (p *Participant) SetBusy(busy bool) {
	target := models.StateReady
	if busy {
		target = models.StateBusy
	}
	p.mu.Lock()
	from := p.state
	p.mu.Unlock()
	if from != models.StateReady && from != models.StateBusy {
		return
	}
	_ = p.SetState(context.Background(), target, "")
}

// Degrade moves the participant to DEGRADED and stops it volunteering as
// a default-capable fallback. It keeps serving matched peers.
func (p *Participant) Degrade(ctx context.Context, reason string) {
	if err := p.SetState(ctx, models.StateDegraded, reason); err != nil {
		return
	}
	p.Advertiser.MarkDegraded(ctx)
	slog.Warn("Participant degraded", "participant_id", p.id, "reason", reason)
}

// Close withdraws all advertisements and goes OFFLINE. The node record
// stays on the graph with state OFFLINE until the retention janitor
// withdraws it. Close is terminal; the participant cannot restart.
func (p *Participant) Close(ctx context.Context) error {
	p.Cache.Stop()
	err := p.Advertiser.WithdrawAll(ctx)
	if err != nil {
		slog.Warn("Advertisement withdrawal incomplete on shutdown",
			"participant_id", p.id, "error", err)
	}
	if serr := p.SetState(ctx, models.StateOffline, "shutting down"); serr != nil && err == nil {
		err = serr
	}
	return err
}

// announce mirrors a state to the monitoring plane: one LIFECYCLE event
// plus the durable NODE record.
func (p *Participant) announce(ctx context.Context, state models.ParticipantState, message string) {
	p.Monitor.Lifecycle(ctx, string(state), message)
	if err := p.Monitor.Node(ctx, string(state), ""); err != nil {
		slog.Warn("Failed to publish node record",
			"participant_id", p.id, "state", state, "error", err)
	}
}

// allowed encodes the lifecycle state machine.
func allowed(from, to models.ParticipantState) bool {
	if from.Terminal() {
		return false
	}
	if to == models.StateOffline || to == models.StateDegraded {
		return true
	}
	switch from {
	case models.StateJoining:
		return to == models.StateDiscovering
	case models.StateDiscovering:
		return to == models.StateReady
	case models.StateReady:
		return to == models.StateBusy
	case models.StateBusy:
		return to == models.StateReady
	case models.StateDegraded:
		// A degraded participant may recover to READY.
		return to == models.StateReady
	default:
		return false
	}
}

func componentType(kind models.ParticipantKind) string {
	switch kind {
	case models.ParticipantInterface:
		return "Interface"
	case models.ParticipantAgent:
		return "Agent"
	case models.ParticipantService:
		return "Service"
	default:
		return string(kind)
	}
}
