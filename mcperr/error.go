// Package mcperr defines the JSON-RPC error taxonomy used across the
// protocol engine and session layer.
package mcperr

import "fmt"

// Standard JSON-RPC 2.0 and MCP-specific error codes.
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeToolError       = -32000
	CodeResourceMissing = -32001
	CodeAuthRequired    = -32002
	CodeAuthFailed      = -32003
	CodeSessionInvalid  = -32004
	CodeRateLimited     = -32005
)

// Error is a JSON-RPC error object. It implements the error interface and is
// the type that handlers should raise (via errors.As) when they want a
// protocol-level error to reach the wire verbatim, rather than being wrapped
// as InternalError by the dispatch boundary.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`

	// SessionID and RequestID are not marshaled onto the wire; they are
	// populated by the engine for structured error records surfaced to the
	// host application (spec.md §7, "structured error record").
	SessionID string `json:"-"`
	RequestID any    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc2: code %d: %s", e.Code, e.Message)
}

// New constructs an Error with the given code and message.
func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of e with Data set.
func (e *Error) WithData(data any) *Error {
	cp := *e
	cp.Data = data
	return &cp
}

func ParseError(msg string) *Error     { return New(CodeParseError, msg) }
func InvalidRequest(msg string) *Error { return New(CodeInvalidRequest, msg) }
func MethodNotFound(method string) *Error {
	return Newf(CodeMethodNotFound, "method not found: %q", method)
}
func InvalidParams(msg string) *Error { return New(CodeInvalidParams, msg) }
func InternalError(msg string) *Error { return New(CodeInternalError, msg) }

// SessionClosed and SessionExpired are InvalidSession errors surfaced when a
// pending request is rejected due to its owning session going away, per
// spec.md §3 (PendingRequest lifecycle) and §4.4 (gcTick).
func SessionClosed() *Error {
	return New(CodeSessionInvalid, "session closed")
}

func SessionExpired() *Error {
	return New(CodeSessionInvalid, "session expired due to inactivity")
}

// Record is the structured error record the server host observes, per
// spec.md §7 ("the server host sees a structured error record").
type Record struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	RequestID any    `json:"requestId,omitempty"`
}

// ToRecord converts an Error into its host-facing Record form.
func (e *Error) ToRecord() Record {
	return Record{
		Code:      e.Code,
		Message:   e.Message,
		Data:      e.Data,
		SessionID: e.SessionID,
		RequestID: e.RequestID,
	}
}
