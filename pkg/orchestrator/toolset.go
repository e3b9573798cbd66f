package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/genesis-runtime/genesis/pkg/advertise"
	"github.com/genesis-runtime/genesis/pkg/classifier"
	"github.com/genesis-runtime/genesis/pkg/llm"
	"github.com/genesis-runtime/genesis/pkg/models"
)

// ToolKind discriminates how a tool executes.
type ToolKind int

const (
	// ToolFunction routes to a remote function provider over RPC.
	ToolFunction ToolKind = iota
	// ToolAgent delegates the task to a peer agent over RPC.
	ToolAgent
	// ToolInternal executes in-process.
	ToolInternal
)

// InternalHandler executes an internal tool.
type InternalHandler func(ctx context.Context, arguments json.RawMessage) (string, error)

// Tool is one entry in the unified toolset: discovered functions, peer
// agents, and internal tools all present the same surface to the model.
type Tool struct {
	Kind        ToolKind
	Name        string
	Description string
	Schema      json.RawMessage
	Tags        []string

	// Function routing.
	ServiceClass string
	ProviderID   string
	Idempotent   bool

	// Agent routing.
	AgentProviderID string
	DefaultCapable  bool

	// Internal execution.
	Handler InternalHandler
}

// delegateSchema is the input contract for agent delegation tools.
const delegateSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "the task to hand off, fully self-contained"}
	},
	"required": ["query"]
}`

// anySchema accepts any JSON object; used when a function advertises no
// parameter schema.
const anySchema = `{"type": "object"}`

// buildToolset assembles the unified toolset from the capability cache
// plus internal tools. selfID excludes the agent's own advertisements.
func buildToolset(cache *advertise.Cache, selfID string, internal []Tool) map[string]Tool {
	tools := make(map[string]Tool)

	for _, ad := range cache.Functions() {
		if ad.ProviderID == selfID {
			continue
		}
		payload, err := models.FunctionPayloadOf(&ad)
		if err != nil {
			continue
		}
		schema := json.RawMessage(anySchema)
		if len(payload.ParameterSchema) > 0 {
			schema = payload.ParameterSchema
		}
		serviceName := ad.ServiceName
		if serviceName == "" {
			serviceName = payload.ServiceName
		}
		idempotent := false
		for _, c := range payload.Capabilities {
			if c == models.IdempotentTag {
				idempotent = true
			}
		}
		tools[ad.Name] = Tool{
			Kind:         ToolFunction,
			Name:         ad.Name,
			Description:  ad.Description,
			Schema:       schema,
			Tags:         payload.ClassificationTags,
			ServiceClass: models.ServiceClassOf(serviceName, ad.ProviderID),
			ProviderID:   ad.ProviderID,
			Idempotent:   idempotent,
		}
	}

	for _, ad := range cache.Agents() {
		if ad.ProviderID == selfID {
			continue
		}
		if _, taken := tools[ad.Name]; taken {
			// A function and an agent sharing a name: the function wins,
			// delegation stays reachable through default-capable fallback.
			continue
		}
		payload, err := models.AgentPayloadOf(&ad)
		if err != nil {
			continue
		}
		tools[ad.Name] = Tool{
			Kind:            ToolAgent,
			Name:            ad.Name,
			Description:     ad.Description,
			Schema:          json.RawMessage(delegateSchema),
			Tags:            payload.ClassificationTags,
			ServiceClass:    models.ServiceClassOf(ad.Name, ad.ProviderID),
			AgentProviderID: ad.ProviderID,
			DefaultCapable:  payload.DefaultCapable,
		}
	}

	for _, t := range internal {
		t.Kind = ToolInternal
		tools[t.Name] = t
	}
	return tools
}

// candidates converts the toolset for the classifier. Default-capable
// agents bypass ranking so a fallback is always offered.
func candidates(tools map[string]Tool) []classifier.Candidate {
	out := make([]classifier.Candidate, 0, len(tools))
	for _, t := range tools {
		out = append(out, classifier.Candidate{
			Name:          t.Name,
			Description:   t.Description,
			Tags:          t.Tags,
			AlwaysInclude: t.Kind == ToolAgent && t.DefaultCapable,
		})
	}
	return out
}

// toolSpecs converts selected tools into model tool declarations.
func toolSpecs(tools map[string]Tool, names []string) []llm.ToolSpec {
	out := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		t, ok := tools[name]
		if !ok {
			continue
		}
		out = append(out, llm.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.Schema})
	}
	return out
}
