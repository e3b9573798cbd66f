package models

import "fmt"

// EventKind discriminates records on the volatile Event topic.
type EventKind int32

const (
	EventLifecycle EventKind = 0
	EventChain     EventKind = 1
	EventGeneral   EventKind = 2
)

func (k EventKind) String() string {
	switch k {
	case EventLifecycle:
		return "LIFECYCLE"
	case EventChain:
		return "CHAIN"
	case EventGeneral:
		return "GENERAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(k))
	}
}

// Event is a fire-and-forget activity record. No key, no history for late
// joiners.
type Event struct {
	EventID       string    `json:"event_id"`
	Kind          EventKind `json:"kind"`
	ComponentID   string    `json:"component_id"`
	ComponentType string    `json:"component_type"`
	EventType     string    `json:"event_type"` // e.g. "STARTED", "TOOL_CALL_START"
	Severity      string    `json:"severity"`
	Message       string    `json:"message"`
	Payload       string    `json:"payload"` // UTF-8 JSON
	Timestamp     int64     `json:"timestamp"`
}

// Event size limits.
const (
	MaxEventID       = 128
	MaxComponentID   = 256
	MaxComponentType = 128
	MaxEventType     = 128
	MaxSeverity      = 32
	MaxEventMessage  = 2048
)

// Validate enforces wire size limits on the event envelope.
func (e *Event) Validate() error {
	checks := []struct {
		field string
		value string
		max   int
	}{
		{"event_id", e.EventID, MaxEventID},
		{"component_id", e.ComponentID, MaxComponentID},
		{"component_type", e.ComponentType, MaxComponentType},
		{"event_type", e.EventType, MaxEventType},
		{"severity", e.Severity, MaxSeverity},
		{"message", e.Message, MaxEventMessage},
		{"payload", e.Payload, MaxPayload},
	}
	for _, c := range checks {
		if len(c.value) > c.max {
			return fmt.Errorf("event field %s exceeds %d bytes (got %d)", c.field, c.max, len(c.value))
		}
	}
	return nil
}

// GraphKind discriminates records on the durable GraphTopology topic.
type GraphKind int32

const (
	GraphNode GraphKind = 0
	GraphEdge GraphKind = 1
)

func (k GraphKind) String() string {
	switch k {
	case GraphNode:
		return "NODE"
	case GraphEdge:
		return "EDGE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(k))
	}
}

// GraphRecord reflects one topology element. Keyed by ElementID; the
// durable store keeps the last value so late subscribers reconstruct the
// whole graph.
type GraphRecord struct {
	ElementID   string    `json:"element_id"`
	Kind        GraphKind `json:"kind"`
	ElementType string    `json:"element_type"` // e.g. "Agent", "Service", "INTERFACE_TO_AGENT"
	State       string    `json:"state"`        // nodes only
	Metadata    string    `json:"metadata"`     // JSON; for edges includes source/target
	Timestamp   int64     `json:"timestamp"`
}

// Key returns the topic instance key for this record.
func (g *GraphRecord) Key() string { return g.ElementID }

// MaxElementID bounds the graph element key.
const MaxElementID = 256

// Validate enforces wire size limits on the graph record.
func (g *GraphRecord) Validate() error {
	if len(g.ElementID) > MaxElementID {
		return fmt.Errorf("graph element_id exceeds %d bytes", MaxElementID)
	}
	if len(g.Metadata) > MaxPayload {
		return fmt.Errorf("graph metadata exceeds %d bytes", MaxPayload)
	}
	if g.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	return nil
}

// Edge element types.
const (
	EdgeInterfaceToAgent = "INTERFACE_TO_AGENT"
	EdgeAgentToAgent     = "AGENT_TO_AGENT"
	EdgeAgentToService   = "AGENT_TO_SERVICE"
)

// EdgeMetadata is the recognized JSON metadata carried by EDGE records.
type EdgeMetadata struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// EdgeElementID builds the composite key for an edge between two nodes.
func EdgeElementID(source, target, edgeType string) string {
	return fmt.Sprintf("%s->%s/%s", source, target, edgeType)
}

// ChainPhase marks the position of a hop event within a call.
type ChainPhase string

const (
	PhaseStart    ChainPhase = "START"
	PhaseComplete ChainPhase = "COMPLETE"
	PhaseError    ChainPhase = "ERROR"
)

// ChainHop is the payload of a CHAIN event: one hop of a multi-hop
// workflow. Chains live only in the volatile stream and subscriber caches.
type ChainHop struct {
	ChainID   string     `json:"chain_id"`
	CallID    string     `json:"call_id"`
	Source    string     `json:"source_participant"`
	Target    string     `json:"target_participant"`
	Phase     ChainPhase `json:"phase"`
	Reason    string     `json:"reason,omitempty"` // set on ERROR, e.g. "TIMEOUT"
	Timestamp int64      `json:"timestamp"`
}
