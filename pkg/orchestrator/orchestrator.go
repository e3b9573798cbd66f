// Package orchestrator implements the agent runtime: it joins the
// domain as an AGENT participant, discovers the unified toolset, and
// answers requests by looping the model over tool calls until it
// produces a final text answer.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-runtime/genesis/pkg/advertise"
	"github.com/genesis-runtime/genesis/pkg/classifier"
	"github.com/genesis-runtime/genesis/pkg/llm"
	"github.com/genesis-runtime/genesis/pkg/memory"
	"github.com/genesis-runtime/genesis/pkg/models"
	"github.com/genesis-runtime/genesis/pkg/participant"
	"github.com/genesis-runtime/genesis/pkg/rpc"
	"github.com/genesis-runtime/genesis/pkg/transport"
)

// DefaultMaxToolHops bounds the tool-call loop per request.
const DefaultMaxToolHops = 8

// defaultToolCallTimeout applies when the inbound request carries no
// deadline headroom for an individual tool call.
const defaultToolCallTimeout = 30 * time.Second

// Options configures an agent.
type Options struct {
	Name            string
	Description     string
	SystemPrompt    string
	Specializations []string
	Tags            []string
	DefaultCapable  bool

	MaxToolHops int    // <= 0 uses DefaultMaxToolHops
	ToolChoice  string // llm.ToolChoiceAuto when empty
	ToolWindow  int    // classifier window, <= 0 uses classifier.DefaultWindow
	WorkerCount int

	Memory memory.Store // optional
}

// Agent is one orchestrating participant.
type Agent struct {
	part   *participant.Participant
	client llm.Client
	class  *classifier.Classifier
	caller *rpc.Caller
	server *rpc.Server
	opts   Options

	internal []Tool
}

// New creates an agent on the given transport.
func New(tr transport.Transport, participantID string, client llm.Client, opts Options) *Agent {
	if opts.MaxToolHops <= 0 {
		opts.MaxToolHops = DefaultMaxToolHops
	}
	if opts.ToolChoice == "" {
		opts.ToolChoice = llm.ToolChoiceAuto
	}
	a := &Agent{
		part:   participant.New(tr, participantID, models.ParticipantAgent),
		client: client,
		class:  classifier.New(client, opts.ToolWindow),
		caller: rpc.NewCaller(tr, participantID),
		opts:   opts,
	}
	if opts.Memory != nil {
		a.internal = memoryTools(opts.Memory)
	}
	return a
}

// Participant exposes the underlying lifecycle runtime.
func (a *Agent) Participant() *participant.Participant { return a.part }

// ServiceClass returns the RPC class this agent answers on.
func (a *Agent) ServiceClass() string {
	return models.ServiceClassOf(a.opts.Name, a.part.ID())
}

// RegisterInternalTool adds an in-process tool. Must be called before
// Start.
func (a *Agent) RegisterInternalTool(t Tool) {
	t.Kind = ToolInternal
	a.internal = append(a.internal, t)
}

// Start joins the domain, advertises the agent, and begins serving.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.part.Start(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(models.AgentPayload{
		Specializations:    a.opts.Specializations,
		ClassificationTags: a.opts.Tags,
		DefaultCapable:     a.opts.DefaultCapable,
	})
	if err != nil {
		return fmt.Errorf("marshal agent payload: %w", err)
	}
	if _, err := a.part.Advertiser.Publish(ctx, models.KindAgent, a.opts.Name, a.opts.Description, "", string(payload)); err != nil {
		a.part.Degrade(ctx, "advertisement retry budget exhausted")
		return err
	}

	a.server = rpc.NewServer(a.part.Transport(), a.part.ID(), a.ServiceClass(), a.opts.WorkerCount, a.handleRequest)
	a.server.OnBusy(a.part.SetBusy)
	if err := a.server.Start(ctx); err != nil {
		return err
	}
	// READY only once the advertisement is acknowledged by the durable
	// store and the server answers.
	return a.part.Ready(ctx)
}

// Close stops serving and leaves the domain.
func (a *Agent) Close(ctx context.Context) error {
	if a.server != nil {
		a.server.Stop()
	}
	a.caller.Close()
	return a.part.Close(ctx)
}

type processArgs struct {
	Query string `json:"query"`
}

type processResult struct {
	Answer string `json:"answer"`
}

// handleRequest serves the agent's RPC surface. The only operation is
// process_request.
func (a *Agent) handleRequest(ctx context.Context, req models.Request) models.Reply {
	if req.Operation != "process_request" {
		return rpc.ErrorReply(&req, a.part.ID(),
			rpc.E(rpc.KindSchemaViolation, "unknown operation %q", req.Operation))
	}
	var args processArgs
	if err := json.Unmarshal([]byte(req.Arguments), &args); err != nil || args.Query == "" {
		return rpc.ErrorReply(&req, a.part.ID(),
			rpc.E(rpc.KindSchemaViolation, "process_request needs a query argument"))
	}

	answer, err := a.ProcessRequest(ctx, args.Query, req.ConversationID)
	if err != nil {
		return rpc.ErrorReply(&req, a.part.ID(), err)
	}
	result, merr := json.Marshal(processResult{Answer: answer})
	if merr != nil {
		return rpc.ErrorReply(&req, a.part.ID(), merr)
	}
	return rpc.OKReply(&req, a.part.ID(), string(result))
}

// ProcessRequest runs the tool-call loop for one query and returns the
// final answer. conversationID scopes memory and the monitoring chain;
// empty means a fresh conversation.
func (a *Agent) ProcessRequest(ctx context.Context, query, conversationID string) (string, error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	chainID := conversationID

	tools := buildToolset(a.part.Cache, a.part.ID(), a.internal)
	selected := a.class.Select(ctx, query, candidates(tools))
	specs := toolSpecs(tools, selected)
	slog.Debug("Toolset assembled",
		"participant_id", a.part.ID(), "total", len(tools), "offered", len(specs))

	messages := []llm.Message{llm.UserText(a.composeUserTurn(ctx, query, conversationID))}

	lastFailed := false
	var lastErr error
	for hop := 0; hop < a.opts.MaxToolHops; hop++ {
		resp, err := a.client.Complete(ctx, llm.Request{
			System:     a.opts.SystemPrompt,
			Messages:   messages,
			Tools:      specs,
			ToolChoice: a.opts.ToolChoice,
		})
		if err != nil {
			// Feed the failure back so the model can adjust, burning a hop.
			lastFailed, lastErr = true, err
			messages = append(messages, llm.UserText(
				fmt.Sprintf("Error from previous attempt: %s. Please try again.", err.Error())))
			continue
		}
		lastFailed = false

		if !resp.HasToolCalls() {
			a.remember(ctx, conversationID, query, resp.Text)
			return resp.Text, nil
		}

		messages = append(messages, resp.AssistantMessage())
		var results []llm.ToolResult
		for _, call := range resp.ToolCalls {
			content, terr := a.executeTool(ctx, tools, chainID, call)
			if terr != nil {
				lastFailed, lastErr = true, terr
				results = append(results, llm.ToolResult{
					ToolCallID: call.ID, Content: terr.Error(), IsError: true,
				})
				continue
			}
			lastFailed = false
			results = append(results, llm.ToolResult{ToolCallID: call.ID, Content: content})
		}
		messages = append(messages, llm.ToolResults(results...))
	}

	// The hop budget is a hard stop. Even when every hop succeeded, an
	// answer the model never concluded is not an answer; fail closed.
	if lastFailed {
		return "", rpc.Wrap(rpc.KindToolLoopExceeded, lastErr,
			"gave up after %d tool hops, last hop failed", a.opts.MaxToolHops)
	}
	return "", rpc.E(rpc.KindToolLoopExceeded,
		"no final answer after %d tool hops", a.opts.MaxToolHops)
}

// executeTool runs one tool call, emitting chain hop events around it.
func (a *Agent) executeTool(ctx context.Context, tools map[string]Tool, chainID string, call llm.ToolCall) (string, error) {
	tool, ok := tools[call.Name]
	if !ok {
		return "", rpc.E(rpc.KindToolCallFailed, "unknown tool %q", call.Name)
	}

	target := tool.ServiceClass
	if tool.Kind == ToolInternal {
		target = "internal/" + tool.Name
	}
	callID := a.part.Monitor.ChainStart(ctx, chainID, a.part.ID(), target)

	content, err := a.dispatch(ctx, tool, chainID, call)
	if err != nil {
		reason := string(rpc.KindOf(err))
		if reason == "" {
			reason = string(rpc.KindToolCallFailed)
		}
		a.part.Monitor.ChainError(ctx, chainID, callID, a.part.ID(), target, reason)
		return "", err
	}
	a.part.Monitor.ChainComplete(ctx, chainID, callID, a.part.ID(), target)
	return content, nil
}

func (a *Agent) dispatch(ctx context.Context, tool Tool, chainID string, call llm.ToolCall) (string, error) {
	switch tool.Kind {
	case ToolInternal:
		return tool.Handler(ctx, call.Arguments)

	case ToolFunction:
		if err := advertise.ValidateArguments(tool.Schema, string(call.Arguments)); err != nil {
			return "", rpc.Wrap(rpc.KindSchemaViolation, err, "arguments for %s", tool.Name)
		}
		if _, live := a.part.Cache.SelectFunction(tool.Name); !live {
			return a.fallbackDelegate(ctx, chainID, tool.Name, call)
		}
		_ = a.part.Monitor.Edge(ctx, a.part.ID(), tool.ProviderID, models.EdgeAgentToService)
		req := models.Request{
			Operation:      tool.Name,
			Arguments:      string(call.Arguments),
			DeadlineUnixNs: a.callDeadline(ctx),
			ConversationID: chainID,
		}
		var reply models.Reply
		var err error
		if tool.Idempotent {
			reply, err = a.caller.CallIdempotent(ctx, tool.ServiceClass, req, 3)
		} else {
			reply, err = a.caller.Call(ctx, tool.ServiceClass, req)
		}
		if err != nil {
			if rpc.KindOf(err) == rpc.KindTimeout {
				return "", err
			}
			return "", rpc.Wrap(rpc.KindToolCallFailed, err, "function %s", tool.Name)
		}
		return reply.Result, nil

	case ToolAgent:
		return a.delegate(ctx, tool, chainID, string(call.Arguments))

	default:
		return "", rpc.E(rpc.KindToolCallFailed, "tool %s has no execution path", tool.Name)
	}
}

// delegate hands a task to a peer agent over RPC.
func (a *Agent) delegate(ctx context.Context, tool Tool, chainID, arguments string) (string, error) {
	var args processArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || args.Query == "" {
		return "", rpc.E(rpc.KindSchemaViolation, "delegation to %s needs a query argument", tool.Name)
	}
	if tool.AgentProviderID != "" {
		_ = a.part.Monitor.Edge(ctx, a.part.ID(), tool.AgentProviderID, models.EdgeAgentToAgent)
	}
	reply, err := a.caller.Call(ctx, tool.ServiceClass, models.Request{
		Operation:      "process_request",
		Arguments:      arguments,
		DeadlineUnixNs: a.callDeadline(ctx),
		ConversationID: chainID,
	})
	if err != nil {
		return "", rpc.Wrap(rpc.KindToolCallFailed, err, "delegate to %s", tool.Name)
	}
	var result processResult
	if err := json.Unmarshal([]byte(reply.Result), &result); err != nil {
		return reply.Result, nil
	}
	return result.Answer, nil
}

// fallbackDelegate reroutes a call whose provider vanished to a
// default-capable agent. With no fallback available the failure is
// NO_CAPABLE_PROVIDER.
func (a *Agent) fallbackDelegate(ctx context.Context, chainID, toolName string, call llm.ToolCall) (string, error) {
	agents := a.part.Cache.DefaultCapableAgents(a.part.ID())
	if len(agents) == 0 {
		return "", rpc.E(rpc.KindNoCapableProvider, "no provider for %q and no default-capable agent", toolName)
	}
	ad := agents[0]
	slog.Info("Rerouting lost tool to default-capable agent",
		"tool", toolName, "agent", ad.Name, "provider_id", ad.ProviderID)

	query := fmt.Sprintf("The tool %q is unavailable. Accomplish its intent with arguments: %s", toolName, string(call.Arguments))
	args, err := json.Marshal(processArgs{Query: query})
	if err != nil {
		return "", err
	}
	return a.delegate(ctx, Tool{
		Kind:            ToolAgent,
		Name:            ad.Name,
		ServiceClass:    models.ServiceClassOf(ad.Name, ad.ProviderID),
		AgentProviderID: ad.ProviderID,
	}, chainID, string(args))
}

// composeUserTurn prepends retrieved memory to the query when a store is
// configured. Memory failures degrade to a plain query.
func (a *Agent) composeUserTurn(ctx context.Context, query, conversationID string) string {
	if a.opts.Memory == nil {
		return query
	}
	recs, err := a.opts.Memory.Retrieve(ctx, conversationID, 10)
	if err != nil || len(recs) == 0 {
		if err != nil {
			slog.Debug("Memory retrieval failed, continuing without", "error", err)
		}
		return query
	}
	var notes string
	for i := len(recs) - 1; i >= 0; i-- {
		notes += "- " + recs[i].Content + "\n"
	}
	return fmt.Sprintf("Known context from earlier in this conversation:\n%s\n%s", notes, query)
}

// remember stores the exchange. Best effort.
func (a *Agent) remember(ctx context.Context, conversationID, query, answer string) {
	if a.opts.Memory == nil {
		return
	}
	if _, err := a.opts.Memory.Write(ctx, conversationID,
		fmt.Sprintf("Q: %s\nA: %s", query, answer)); err != nil {
		slog.Debug("Memory write failed", "error", err)
	}
}

// callDeadline derives a tool call deadline from the surrounding
// request, leaving the caller room to process the result.
func (a *Agent) callDeadline(ctx context.Context) int64 {
	if d, ok := ctx.Deadline(); ok {
		return d.UnixNano()
	}
	return time.Now().Add(defaultToolCallTimeout).UnixNano()
}

// memoryTools exposes the memory store to the model as internal tools.
func memoryTools(store memory.Store) []Tool {
	type saveArgs struct {
		ConversationID string `json:"conversation_id"`
		Content        string `json:"content"`
	}
	type recallArgs struct {
		ConversationID string `json:"conversation_id"`
	}
	return []Tool{
		{
			Name:        "memory_save",
			Description: "Save a fact worth remembering for later in this conversation.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"conversation_id": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["conversation_id", "content"]
			}`),
			Handler: func(ctx context.Context, arguments json.RawMessage) (string, error) {
				var args saveArgs
				if err := json.Unmarshal(arguments, &args); err != nil {
					return "", rpc.Wrap(rpc.KindSchemaViolation, err, "memory_save arguments")
				}
				if _, err := store.Write(ctx, args.ConversationID, args.Content); err != nil {
					return "", rpc.Wrap(rpc.KindToolCallFailed, err, "memory_save")
				}
				return "saved", nil
			},
		},
		{
			Name:        "memory_recall",
			Description: "Recall saved facts from this conversation.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {"conversation_id": {"type": "string"}},
				"required": ["conversation_id"]
			}`),
			Handler: func(ctx context.Context, arguments json.RawMessage) (string, error) {
				var args recallArgs
				if err := json.Unmarshal(arguments, &args); err != nil {
					return "", rpc.Wrap(rpc.KindSchemaViolation, err, "memory_recall arguments")
				}
				recs, err := store.Retrieve(ctx, args.ConversationID, 10)
				if err != nil {
					return "", rpc.Wrap(rpc.KindToolCallFailed, err, "memory_recall")
				}
				out, err := json.Marshal(recs)
				if err != nil {
					return "", err
				}
				return string(out), nil
			},
		},
	}
}
