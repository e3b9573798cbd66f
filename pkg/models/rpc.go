package models

import "fmt"

// RPC envelope size limits.
const (
	MaxCorrelationID  = 64
	MaxOperation      = 128
	MaxArguments      = 65536
	MaxConversationID = 128
)

// Request is the RPC request envelope published on a service class's
// Request topic. ToParticipant is a routing hint; empty means any capable
// provider of the class may answer.
type Request struct {
	CorrelationID  string `json:"correlation_id"`
	From           string `json:"from"` // requester participant_id
	ToParticipant  string `json:"to_participant,omitempty"`
	Operation      string `json:"operation"`
	Arguments      string `json:"arguments"` // UTF-8 JSON
	DeadlineUnixNs int64  `json:"deadline_unix_ns"`
	ConversationID string `json:"conversation_id,omitempty"` // preserved across hops
}

// Validate enforces wire size limits on the request envelope.
func (r *Request) Validate() error {
	checks := []struct {
		field string
		value string
		max   int
	}{
		{"correlation_id", r.CorrelationID, MaxCorrelationID},
		{"from", r.From, MaxProviderID},
		{"to_participant", r.ToParticipant, MaxProviderID},
		{"operation", r.Operation, MaxOperation},
		{"arguments", r.Arguments, MaxArguments},
		{"conversation_id", r.ConversationID, MaxConversationID},
	}
	for _, c := range checks {
		if len(c.value) > c.max {
			return fmt.Errorf("request field %s exceeds %d bytes (got %d)", c.field, c.max, len(c.value))
		}
	}
	if r.CorrelationID == "" {
		return fmt.Errorf("correlation_id is required")
	}
	return nil
}

// Reply statuses. Anything non-zero is an error; Error carries the kind.
const (
	StatusOK    int32 = 0
	StatusError int32 = 1
)

// Reply mirrors the request envelope. For every sent Request there is at
// most one accepted Reply; late replies are discarded by the caller.
type Reply struct {
	CorrelationID  string `json:"correlation_id"`
	From           string `json:"from"` // replying participant_id
	To             string `json:"to"`   // requester participant_id, for reply routing
	Status         int32  `json:"status"`
	Result         string `json:"result,omitempty"` // UTF-8 JSON, set when Status==StatusOK
	Error          string `json:"error,omitempty"`  // error kind + message otherwise
	ConversationID string `json:"conversation_id,omitempty"`
}

// OK reports whether the reply carries a successful result.
func (r *Reply) OK() bool { return r.Status == StatusOK }
