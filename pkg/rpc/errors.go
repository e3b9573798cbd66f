// Package rpc implements request/reply over the pub/sub transport:
// correlation, deadlines, at-most-once delivery, and the shared error
// taxonomy every participant reports failures with.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/genesis-runtime/genesis/pkg/models"
)

// ErrorKind classifies every failure the runtime can surface. Kinds are
// stable wire strings; callers branch on the kind, never on message text.
type ErrorKind string

const (
	KindTransportUnavailable ErrorKind = "TRANSPORT_UNAVAILABLE"
	KindNotRouted            ErrorKind = "NOT_ROUTED"
	KindTimeout              ErrorKind = "TIMEOUT"
	KindToolCallFailed       ErrorKind = "TOOL_CALL_FAILED"
	KindToolLoopExceeded     ErrorKind = "TOOL_LOOP_EXCEEDED"
	KindNoCapableProvider    ErrorKind = "NO_CAPABLE_PROVIDER"
	KindLLMUnavailable       ErrorKind = "LLM_UNAVAILABLE"
	KindSchemaViolation      ErrorKind = "SCHEMA_VIOLATION"
	KindDegraded             ErrorKind = "DEGRADED"
)

// Error is the runtime's classified error. It crosses the wire inside
// Reply.Error as JSON so the kind survives process boundaries.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is match on kind: errors.Is(err, &Error{Kind: KindTimeout}).
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Kind == e.Kind
}

// E builds a classified error.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, preserving it for errors.Unwrap.
func Wrap(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the kind of a classified error, or "" for unclassified
// errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// EncodeError renders an error into the Reply.Error wire field.
// Unclassified errors become TOOL_CALL_FAILED so the kind field is never
// empty on the wire.
func EncodeError(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindToolCallFailed, Message: err.Error()}
	}
	data, marshalErr := json.Marshal(e)
	if marshalErr != nil {
		return fmt.Sprintf(`{"kind":"%s","message":"encode failed"}`, e.Kind)
	}
	return string(data)
}

// DecodeError parses a Reply.Error wire field back into a classified
// error. Non-JSON values (foreign implementations) decode as
// TOOL_CALL_FAILED with the raw text as message.
func DecodeError(wire string) *Error {
	var e Error
	if err := json.Unmarshal([]byte(wire), &e); err != nil || e.Kind == "" {
		return &Error{Kind: KindToolCallFailed, Message: wire}
	}
	return &e
}

// ErrorReply builds an error Reply mirroring a request.
func ErrorReply(req *models.Request, from string, err error) models.Reply {
	return models.Reply{
		CorrelationID:  req.CorrelationID,
		From:           from,
		To:             req.From,
		Status:         models.StatusError,
		Error:          EncodeError(err),
		ConversationID: req.ConversationID,
	}
}

// OKReply builds a success Reply mirroring a request.
func OKReply(req *models.Request, from, result string) models.Reply {
	return models.Reply{
		CorrelationID:  req.CorrelationID,
		From:           from,
		To:             req.From,
		Status:         models.StatusOK,
		Result:         result,
		ConversationID: req.ConversationID,
	}
}
