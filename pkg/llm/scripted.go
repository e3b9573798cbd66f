package llm

import (
	"context"
	"sync"

	"github.com/genesis-runtime/genesis/pkg/rpc"
)

// Scripted is a Client that replays a fixed sequence of responses. Used
// in tests to drive the agent loop deterministically without a model.
type Scripted struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	requests  []Request
}

// NewScripted builds a scripted client from responses in call order.
func NewScripted(responses ...*Response) *Scripted {
	s := &Scripted{}
	for _, r := range responses {
		s.responses = append(s.responses, r)
		s.errs = append(s.errs, nil)
	}
	return s
}

// ThenError appends a failing turn.
func (s *Scripted) ThenError(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, nil)
	s.errs = append(s.errs, err)
	return s
}

// Then appends another successful turn.
func (s *Scripted) Then(r *Response) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	s.errs = append(s.errs, nil)
	return s
}

// Complete returns the next scripted turn. Running past the script ends
// with LLM_UNAVAILABLE, which surfaces loudly in tests.
func (s *Scripted) Complete(ctx context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	idx := len(s.requests) - 1
	if idx >= len(s.responses) {
		return nil, rpc.E(rpc.KindLLMUnavailable, "scripted client exhausted after %d turns", len(s.responses))
	}
	if err := s.errs[idx]; err != nil {
		return nil, err
	}
	return s.responses[idx], nil
}

// Requests returns every request seen so far, for assertions.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// TextResponse builds a plain text turn.
func TextResponse(text string) *Response {
	return &Response{Text: text, StopReason: "end_turn"}
}

// ToolCallResponse builds a turn that invokes one tool.
func ToolCallResponse(id, name, arguments string) *Response {
	return &Response{
		ToolCalls:  []ToolCall{{ID: id, Name: name, Arguments: []byte(arguments)}},
		StopReason: "tool_use",
	}
}
