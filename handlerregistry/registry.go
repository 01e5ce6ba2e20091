// Package handlerregistry implements C5 of the protocol engine design: a
// method-name-keyed table of typed handlers, gated by negotiated
// capabilities (spec.md §4.5). The concrete tool/prompt/resource
// implementations are an application concern (spec.md §1, Non-goals); this
// package only provides the dispatch table, capability gating, built-in
// methods, and schema-validated typed handler registration, grounded on
// the shape of the Go MCP SDK's tool.go AddTool/handler wiring.
package handlerregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/modelcontext/mcpcore/mcperr"
	"github.com/modelcontext/mcpcore/protocol"
	"github.com/modelcontext/mcpcore/sessionstore"
)

// Context is passed to every handler invocation (spec.md §4.5:
// "context = {session, abort, log}").
type Context struct {
	context.Context
	SessionID string
	Logger    *slog.Logger
}

// Handler processes one method call's raw params and returns a raw result
// or a protocol error. Returning an *mcperr.Error surfaces it verbatim to
// the caller (spec.md §7); any other error is wrapped as InternalError by
// the dispatch boundary.
type Handler func(ctx Context, params json.RawMessage) (json.RawMessage, error)

// entry is one registered method.
type entry struct {
	gate    string // capability name required in the negotiated set; "" means always available
	handler Handler
}

// SessionAccessor resolves a session by id, letting a Registry's
// engine-provided built-ins reach per-session state (e.g. the min log
// level logging/setLevel stores) without the Registry holding a live
// *sessionstore.Session itself. *sessionstore.Store.Get satisfies this.
type SessionAccessor func(sessionID string) *sessionstore.Session

// Registry is the method dispatch table for one engine (shared across all
// of its sessions; handlers close over whatever per-session state they
// need via Context.SessionID).
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]entry
	sessions SessionAccessor
}

// New returns a Registry with the always-available and capability-gated
// built-ins spec.md §4.5's table requires the engine itself to provide:
// ping, logging/setLevel, and the no-op resources/subscribe and
// resources/unsubscribe pair (initialize is wired by the engine itself,
// not here, since it drives the state machine). sessions resolves a
// session id to its live handle for logging/setLevel to store into.
func New(sessions SessionAccessor) *Registry {
	r := &Registry{entries: make(map[string]entry), sessions: sessions}
	r.register("ping", "", pingHandler)
	r.register("logging/setLevel", "logging", r.handleSetLevel)
	r.register("resources/subscribe", "resourcesSubscribe", noopHandler)
	r.register("resources/unsubscribe", "resourcesSubscribe", noopHandler)
	return r
}

// handleSetLevel stores the requested minimum severity on the calling
// session (spec.md §4.5: "stores per-session min level").
func (r *Registry) handleSetLevel(ctx Context, raw json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Level string `json:"level"`
	}
	if err := protocol.StrictUnmarshal(raw, &params); err != nil {
		return nil, mcperr.InvalidParams(err.Error())
	}
	if params.Level == "" {
		return nil, mcperr.InvalidParams("logging/setLevel: level is required")
	}
	if r.sessions != nil {
		if sess := r.sessions(ctx.SessionID); sess != nil {
			sess.SetLogLevel(params.Level)
		}
	}
	return json.RawMessage(`{}`), nil
}

// noopHandler backs resources/subscribe and resources/unsubscribe: spec.md
// §4.5 names "default no-op" as the engine-provided behavior for hosts
// that advertise resources.subscribe without wiring their own handler.
func noopHandler(Context, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (r *Registry) register(method, gate string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[method] = entry{gate: gate, handler: h}
}

// Register adds an application-supplied handler for method, gated by the
// capability named gate ("" for always-available, matching initialize and
// ping per spec.md §4.5's table).
func (r *Registry) Register(method, gate string, h Handler) {
	r.register(method, gate, h)
}

// RegisterTyped wraps a strongly-typed handler with jsonschema-go parameter
// validation against schema, surfacing a validation failure as
// InvalidParams(-32602) -- a deliberate generalization of the Go MCP SDK's
// tool.go, which only validates CallToolParams.Arguments this way and
// otherwise reports schema failures as tool-result content. spec.md §4.5
// requires schema failures to be protocol-level errors for every typed
// handler, not just tools/call.
func RegisterTyped[In any, Out any](r *Registry, method, gate string, schema *jsonschema.Schema, fn func(ctx Context, in In) (Out, error)) error {
	var resolved *jsonschema.Resolved
	if schema != nil {
		var err error
		resolved, err = schema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
		if err != nil {
			return fmt.Errorf("handlerregistry: resolve schema for %s: %w", method, err)
		}
	}

	r.register(method, gate, func(ctx Context, raw json.RawMessage) (json.RawMessage, error) {
		var in In
		if len(raw) > 0 {
			if err := protocol.StrictUnmarshal(raw, &in); err != nil {
				return nil, mcperr.InvalidParams(fmt.Sprintf("%s: %v", method, err))
			}
		}
		if resolved != nil {
			if err := resolved.ApplyDefaults(&in); err != nil {
				return nil, mcperr.InvalidParams(fmt.Sprintf("%s: applying defaults: %v", method, err))
			}
			if err := resolved.Validate(&in); err != nil {
				return nil, mcperr.InvalidParams(fmt.Sprintf("%s: invalid params: %v", method, err))
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, mcperr.InternalError(fmt.Sprintf("%s: marshal result: %v", method, err))
		}
		return data, nil
	})
	return nil
}

// Lister is the minimal shape of an application-supplied tool/prompt/
// resource collection that auto-derivation (spec.md §4.5) can synthesize
// list/get handlers from.
type Lister[T any] interface {
	List() []T
	Get(name string) (T, bool)
}

// AutoDeriveList registers a "<kind>/list"-shaped handler over coll that
// always succeeds and returns every item, the auto-derivation behavior
// spec.md §4.5 describes for hosts that supply collections but no explicit
// handlers.
func AutoDeriveList[T any](r *Registry, method, gate string, coll Lister[T], itemsKey string) {
	r.register(method, gate, func(ctx Context, _ json.RawMessage) (json.RawMessage, error) {
		items := coll.List()
		data, err := json.Marshal(map[string]any{itemsKey: items})
		if err != nil {
			return nil, mcperr.InternalError(err.Error())
		}
		return data, nil
	})
}

// AutoDeriveGet registers a "<kind>/get"-or-"<kind>/read"-shaped handler
// over coll that looks the named item up via Lister.Get, the other half of
// spec.md §4.5's auto-derivation ("synthesises list/get handlers from the
// collections"). A name coll doesn't have is ResourceMissing, matching the
// error taxonomy an application-supplied resources/read handler would use.
func AutoDeriveGet[T any](r *Registry, method, gate string, coll Lister[T], itemKey string) {
	r.register(method, gate, func(ctx Context, raw json.RawMessage) (json.RawMessage, error) {
		var params struct {
			Name string `json:"name"`
		}
		if len(raw) > 0 {
			if err := protocol.StrictUnmarshal(raw, &params); err != nil {
				return nil, mcperr.InvalidParams(fmt.Sprintf("%s: %v", method, err))
			}
		}
		item, ok := coll.Get(params.Name)
		if !ok {
			return nil, mcperr.New(mcperr.CodeResourceMissing, fmt.Sprintf("%s: not found: %q", method, params.Name))
		}
		data, err := json.Marshal(map[string]any{itemKey: item})
		if err != nil {
			return nil, mcperr.InternalError(err.Error())
		}
		return data, nil
	})
}

// Dispatch looks up method, checks gate against negotiated, and invokes the
// handler. It returns MethodNotFound if the method is unregistered or its
// gate isn't in negotiated (spec.md §4.5: "Capability gating").
func (r *Registry) Dispatch(ctx Context, method string, params json.RawMessage, negotiated map[string]bool) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.entries[method]
	r.mu.RUnlock()
	if !ok {
		return nil, mcperr.MethodNotFound(method)
	}
	if e.gate != "" && !negotiated[e.gate] {
		return nil, mcperr.MethodNotFound(method)
	}
	return e.handler(ctx, params)
}

// Has reports whether method is registered, for building capability bits
// during auto-derivation without round-tripping through Dispatch.
func (r *Registry) Has(method string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[method]
	return ok
}

func pingHandler(Context, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
