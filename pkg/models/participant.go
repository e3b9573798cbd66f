package models

// ParticipantKind classifies a live process on the discovery plane.
type ParticipantKind string

const (
	ParticipantInterface ParticipantKind = "INTERFACE"
	ParticipantAgent     ParticipantKind = "AGENT"
	ParticipantService   ParticipantKind = "SERVICE"
)

// ParticipantState is the lifecycle state of a participant.
//
//	JOINING -> DISCOVERING -> READY <-> BUSY
//	any non-terminal state -> DEGRADED -> OFFLINE
//
// OFFLINE is terminal; rejoining requires a new identity.
type ParticipantState string

const (
	StateJoining     ParticipantState = "JOINING"
	StateDiscovering ParticipantState = "DISCOVERING"
	StateReady       ParticipantState = "READY"
	StateBusy        ParticipantState = "BUSY"
	StateDegraded    ParticipantState = "DEGRADED"
	StateOffline     ParticipantState = "OFFLINE"
)

// Terminal reports whether no further transitions are allowed.
func (s ParticipantState) Terminal() bool { return s == StateOffline }

// ServiceClassOf builds the "<service>@<provider>" routing key that binds a
// FUNCTION advertisement to the RPC plane of the participant hosting it.
func ServiceClassOf(serviceName, providerID string) string {
	return serviceName + "@" + providerID
}
