package protocol

import (
	"encoding/json"
	"fmt"

	segjson "github.com/segmentio/encoding/json"

	"github.com/modelcontext/mcpcore/mcperr"
)

// Frame is the result of classifying a decoded JSON-RPC envelope: exactly
// one of Request, Response, Notification (a Request with no ID) is set, or
// the frame is a Batch of further Frames. Classification follows spec.md
// §4.1 in order: parse error, array/batch, shape object, method+id presence,
// result/error presence.
type Frame struct {
	Request      *Request
	Response     *Response
	Notification bool // true iff Request != nil && !Request.IsCall()
	Batch        []*Frame
}

// wireObject is the superset shape used to classify a single JSON object
// before committing to Request or Response.
type wireObject struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *WireError      `json:"error"`
}

// Decode classifies a raw byte buffer into a Frame, per the six rules of
// spec.md §4.1. It never panics on malformed input: every failure is
// returned directly as a *mcperr.Error.
func Decode(data []byte) (*Frame, error) {
	trimmed := trimSpace(data)
	if len(trimmed) == 0 {
		return nil, mcperr.ParseError("empty body")
	}

	if trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := segjson.Unmarshal(trimmed, &raw); err != nil {
			return nil, mcperr.ParseError(err.Error())
		}
		if len(raw) == 0 {
			return nil, mcperr.InvalidRequest("empty batch")
		}
		frames := make([]*Frame, 0, len(raw))
		for _, elem := range raw {
			f, err := decodeOne(elem)
			if err != nil {
				return nil, err
			}
			frames = append(frames, f)
		}
		return &Frame{Batch: frames}, nil
	}

	return decodeOne(trimmed)
}

func decodeOne(data []byte) (*Frame, error) {
	var obj wireObject
	if err := segjson.Unmarshal(data, &obj); err != nil {
		return nil, mcperr.ParseError(err.Error())
	}
	if obj.JSONRPC != Version {
		return nil, mcperr.InvalidRequest(fmt.Sprintf("missing or invalid jsonrpc version %q", obj.JSONRPC))
	}

	hasMethod := obj.Method != ""
	hasID := len(obj.ID) > 0 && string(obj.ID) != "null"
	hasResult := len(obj.Result) > 0
	hasError := obj.Error != nil

	switch {
	case hasMethod && !hasID:
		return &Frame{Request: &Request{Method: obj.Method, Params: obj.Params}, Notification: true}, nil
	case hasMethod && hasID:
		var id ID
		if err := id.UnmarshalJSON(obj.ID); err != nil {
			return nil, mcperr.InvalidRequest(err.Error())
		}
		return &Frame{Request: &Request{ID: id, Method: obj.Method, Params: obj.Params}}, nil
	case hasID && (hasResult != hasError): // xor
		var id ID
		if err := id.UnmarshalJSON(obj.ID); err != nil {
			return nil, mcperr.InvalidRequest(err.Error())
		}
		return &Frame{Response: &Response{ID: id, Result: obj.Result, Error: obj.Error}}, nil
	case hasID && hasResult && hasError:
		return nil, mcperr.InvalidRequest("response has both result and error")
	default:
		return nil, mcperr.InvalidRequest("envelope is neither a request, notification, nor response")
	}
}

// EncodeRequest encodes a Request (or notification, if r.ID is invalid) to
// its wire form. It never emits a key with an undefined/omitted value other
// than through the struct's own omitempty tags.
func EncodeRequest(r *Request) ([]byte, error) {
	wire := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      *ID             `json:"id,omitempty"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{JSONRPC: Version, Method: r.Method, Params: r.Params}
	if r.IsCall() {
		id := r.ID
		wire.ID = &id
	}
	return segjson.Marshal(wire)
}

// EncodeResponse encodes a Response to its wire form.
func EncodeResponse(r *Response) ([]byte, error) {
	wire := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      ID              `json:"id"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *WireError      `json:"error,omitempty"`
	}{JSONRPC: Version, ID: r.ID, Result: r.Result, Error: r.Error}
	return segjson.Marshal(wire)
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isWhitespace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isWhitespace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
