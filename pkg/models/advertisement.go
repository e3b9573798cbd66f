// Package models defines the wire-level data model of the Genesis
// capability plane: advertisements, monitoring records, RPC envelopes,
// and the enums they carry. All records cross process boundaries as JSON;
// the opaque `payload` fields isolate evolving capability attributes from
// the stable envelopes.
package models

import (
	"encoding/json"
	"fmt"
)

// AdvertisementKind discriminates what an advertisement declares.
type AdvertisementKind int32

const (
	KindFunction     AdvertisementKind = 0
	KindAgent        AdvertisementKind = 1
	KindRegistration AdvertisementKind = 2 // service presence
)

// String returns the wire name for the kind.
func (k AdvertisementKind) String() string {
	switch k {
	case KindFunction:
		return "FUNCTION"
	case KindAgent:
		return "AGENT"
	case KindRegistration:
		return "REGISTRATION"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(k))
	}
}

// Wire size limits for Advertisement fields. One byte over any limit is a
// schema violation; exactly at the limit is accepted.
const (
	MaxAdvertisementID = 128
	MaxName            = 256
	MaxDescription     = 2048
	MaxServiceName     = 256
	MaxProviderID      = 128
	MaxPayload         = 8192
)

// Advertisement is the durable record a provider publishes to declare a
// capability. Keyed by AdvertisementID; last value wins. Exactly one live
// advertisement exists per (ProviderID, Kind, Name).
type Advertisement struct {
	AdvertisementID string            `json:"advertisement_id"`
	Kind            AdvertisementKind `json:"kind"`
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	ServiceName     string            `json:"service_name"`
	ProviderID      string            `json:"provider_id"`
	LastSeen        int64             `json:"last_seen"` // unix nanos, monotonic within provider
	Payload         string            `json:"payload"`   // UTF-8 JSON, schema per kind
}

// Key returns the topic instance key for this record.
func (a *Advertisement) Key() string { return a.AdvertisementID }

// Validate checks wire size limits. Payload schema validation is the
// advertise package's job; this only enforces the envelope contract.
func (a *Advertisement) Validate() error {
	checks := []struct {
		field string
		value string
		max   int
	}{
		{"advertisement_id", a.AdvertisementID, MaxAdvertisementID},
		{"name", a.Name, MaxName},
		{"description", a.Description, MaxDescription},
		{"service_name", a.ServiceName, MaxServiceName},
		{"provider_id", a.ProviderID, MaxProviderID},
		{"payload", a.Payload, MaxPayload},
	}
	for _, c := range checks {
		if len(c.value) > c.max {
			return fmt.Errorf("advertisement field %s exceeds %d bytes (got %d)", c.field, c.max, len(c.value))
		}
	}
	if a.AdvertisementID == "" {
		return fmt.Errorf("advertisement_id is required")
	}
	if a.ProviderID == "" {
		return fmt.Errorf("provider_id is required")
	}
	return nil
}

// FunctionPayload is the recognized JSON payload for KindFunction.
type FunctionPayload struct {
	ParameterSchema    json.RawMessage `json:"parameter_schema,omitempty"`
	Capabilities       []string        `json:"capabilities,omitempty"`
	ClassificationTags []string        `json:"classification_tags,omitempty"`
	ServiceName        string          `json:"service_name,omitempty"`
}

// AgentPayload is the recognized JSON payload for KindAgent.
type AgentPayload struct {
	Specializations    []string `json:"specializations,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty"`
	ClassificationTags []string `json:"classification_tags,omitempty"`
	ModelInfo          string   `json:"model_info,omitempty"`
	DefaultCapable     bool     `json:"default_capable,omitempty"`
}

// ServicePayload is the recognized JSON payload for KindRegistration.
type ServicePayload struct {
	Functions    []string `json:"functions,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// IdempotentTag is the capabilities entry marking a function as safe to
// retry.
const IdempotentTag = "idempotent"

// FunctionPayloadOf decodes the payload of a FUNCTION advertisement.
func FunctionPayloadOf(a *Advertisement) (*FunctionPayload, error) {
	if a.Kind != KindFunction {
		return nil, fmt.Errorf("advertisement %s is %s, not FUNCTION", a.AdvertisementID, a.Kind)
	}
	var p FunctionPayload
	if err := json.Unmarshal([]byte(a.Payload), &p); err != nil {
		return nil, fmt.Errorf("decode function payload: %w", err)
	}
	return &p, nil
}

// AgentPayloadOf decodes the payload of an AGENT advertisement.
func AgentPayloadOf(a *Advertisement) (*AgentPayload, error) {
	if a.Kind != KindAgent {
		return nil, fmt.Errorf("advertisement %s is %s, not AGENT", a.AdvertisementID, a.Kind)
	}
	var p AgentPayload
	if err := json.Unmarshal([]byte(a.Payload), &p); err != nil {
		return nil, fmt.Errorf("decode agent payload: %w", err)
	}
	return &p, nil
}

// ServicePayloadOf decodes the payload of a REGISTRATION advertisement.
func ServicePayloadOf(a *Advertisement) (*ServicePayload, error) {
	if a.Kind != KindRegistration {
		return nil, fmt.Errorf("advertisement %s is %s, not REGISTRATION", a.AdvertisementID, a.Kind)
	}
	var p ServicePayload
	if err := json.Unmarshal([]byte(a.Payload), &p); err != nil {
		return nil, fmt.Errorf("decode service payload: %w", err)
	}
	return &p, nil
}

// AdvertisementID builds the stable instance key for one capability:
// provider, kind, and name uniquely identify a live advertisement.
func AdvertisementID(providerID string, kind AdvertisementKind, name string) string {
	return fmt.Sprintf("%s/%s/%s", providerID, kind, name)
}
