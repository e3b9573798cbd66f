// Package llm abstracts the language model behind the agent runtime.
// The Client interface covers exactly what the orchestrator and
// classifier need: one non-streaming completion with optional tools.
package llm

import (
	"context"
	"encoding/json"
)

// Tool choice modes. Mirrors GENESIS_TOOL_CHOICE.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
	ToolChoiceNone     = "none"
)

// ToolSpec declares one tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage // JSON schema of the input object
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult feeds a tool outcome back into the conversation.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Message is one conversation turn. Assistant turns may carry tool
// calls; user turns may carry tool results.
type Message struct {
	Role        string // "user" or "assistant"
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Request is one completion request.
type Request struct {
	System     string
	Messages   []Message
	Tools      []ToolSpec
	ToolChoice string // ToolChoiceAuto when empty
	MaxTokens  int
}

// Response is the model's turn.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
}

// HasToolCalls reports whether the model requested tool execution.
func (r *Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// AssistantMessage converts the response into a conversation turn for
// the next request.
func (r *Response) AssistantMessage() Message {
	return Message{Role: "assistant", Content: r.Text, ToolCalls: r.ToolCalls}
}

// Client is a language model backend.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// UserText builds a plain user turn.
func UserText(text string) Message {
	return Message{Role: "user", Content: text}
}

// ToolResults builds the user turn carrying tool outcomes.
func ToolResults(results ...ToolResult) Message {
	return Message{Role: "user", ToolResults: results}
}
