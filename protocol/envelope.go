// Package protocol defines the wire-level JSON-RPC 2.0 envelope shapes and
// the MCP negotiation types that sit on top of them (C1 of the protocol
// engine design: see SPEC_FULL.md §4.1).
//
// Dynamic payloads (params, result, error data) are kept as json.RawMessage
// rather than any, so that no untyped value leaks past the codec boundary;
// callers decode them against a schema at the handler boundary (C5).
package protocol

import (
	"encoding/json"
	"fmt"

	segjson "github.com/segmentio/encoding/json"
)

// Version is the literal JSON-RPC version string required on every
// envelope.
const Version = "2.0"

// ID is a JSON-RPC request identifier: a string, a number, or absent (for
// notifications). The zero ID is not valid as a request id.
type ID struct {
	str    string
	num    int64
	isStr  bool
	isNum  bool
	isNull bool
}

// NewNumberID returns an integer-valued ID.
func NewNumberID(n int64) ID { return ID{num: n, isNum: true} }

// NewStringID returns a string-valued ID.
func NewStringID(s string) ID { return ID{str: s, isStr: true} }

// IsValid reports whether the ID was actually set (as opposed to the zero
// value, which denotes "no id" i.e. a notification).
func (id ID) IsValid() bool { return id.isStr || id.isNum }

// Raw returns the underlying value (string, int64, or nil).
func (id ID) Raw() any {
	switch {
	case id.isStr:
		return id.str
	case id.isNum:
		return id.num
	default:
		return nil
	}
}

func (id ID) String() string {
	switch {
	case id.isStr:
		return id.str
	case id.isNum:
		return fmt.Sprintf("%d", id.num)
	default:
		return "<null>"
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case id.isStr:
		return json.Marshal(id.str)
	case id.isNum:
		return json.Marshal(id.num)
	default:
		return []byte("null"), nil
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var v any
	if err := segjson.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*id = ID{}
	case float64:
		*id = ID{num: int64(x), isNum: true}
	case string:
		*id = ID{str: x, isStr: true}
	default:
		return fmt.Errorf("invalid JSON-RPC id type %T", v)
	}
	return nil
}

// WireError is the {code, message, data} object carried by a Response.
type WireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Request is a JSON-RPC request: has a Method, and an ID if a reply is
// expected (otherwise it is a Notification).
type Request struct {
	ID     ID              `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// IsCall reports whether this Request expects a reply.
func (r *Request) IsCall() bool { return r.ID.IsValid() }

// Response is a JSON-RPC response: either Result or Error is set, never
// both, never neither.
type Response struct {
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// Meta is the free-form "_meta" object carried by params and results,
// used (among other things) to carry the progress token (spec.md §4.2).
type Meta map[string]any

const progressTokenKey = "progressToken"

// ProgressToken extracts the progress token from a Meta map, if present.
func (m Meta) ProgressToken() (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[progressTokenKey]
	return v, ok
}

// SetProgressToken sets the progress token on a Meta map, creating it if
// necessary, and returns the (possibly new) map.
func SetProgressToken(m Meta, token any) Meta {
	if m == nil {
		m = Meta{}
	}
	m[progressTokenKey] = token
	return m
}
