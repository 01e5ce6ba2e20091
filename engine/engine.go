// Package engine implements C6 of the protocol engine design: the
// per-session lifecycle state machine, version negotiation, capability
// merge, and inbound/outbound dispatch described in spec.md §4.6.
//
// The reader/dispatcher split -- one inbound loop per connection, a
// goroutine per inbound call, per-request cancellation registered in a
// map keyed by request id -- is grounded on
// golang-tools/internal/jsonrpc2/jsonrpc2.go's Conn.Run/setHandling.
// Outbound delivery is not a separate writer goroutine: every outbound
// frame is appended to the session's event log (C3) first, and a single
// per-connection forwarder drains that log's live subscription and hands
// frames to the transport, which unifies normal sends and resume replay
// (spec.md scenario S5) through the same mechanism.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontext/mcpcore/eventlog"
	"github.com/modelcontext/mcpcore/handlerregistry"
	"github.com/modelcontext/mcpcore/mcperr"
	"github.com/modelcontext/mcpcore/protocol"
	"github.com/modelcontext/mcpcore/sessionstore"
	"github.com/modelcontext/mcpcore/transport"
)

const (
	methodInitialize          = "initialize"
	methodPing                = "ping"
	methodNotificationsInit   = "notifications/initialized"
	methodNotificationsCancel = "notifications/cancelled"
	methodNotificationsProg   = "notifications/progress"
)

// Config holds one engine's fixed identity and capability surface. It is
// shared across every connection/session the engine serves.
type Config struct {
	// SupportedVersions is the server's ordered list of protocol versions,
	// most-preferred first (spec.md §4.6 "Version negotiation").
	SupportedVersions []string
	// ServerInfo identifies this server implementation, echoed in every
	// initialize response.
	ServerInfo protocol.Implementation
	// ServerCapabilities is advertised verbatim in initialize responses.
	ServerCapabilities protocol.ServerCapabilities
	// ServerEnabledGates is the set of capability names the server side
	// actually enables, used with the client's advertised capabilities to
	// compute the merged dispatch gate set (spec.md §4.6 "Capability
	// merge"): a server capability gates dispatch only if it is both
	// advertised in ServerCapabilities and enabled here. A nil map enables
	// every advertised server capability.
	ServerEnabledGates map[string]bool
	// OnNotification, if set, receives inbound notifications the engine
	// doesn't special-case itself (anything but notifications/initialized,
	// notifications/cancelled, notifications/progress).
	OnNotification func(ctx context.Context, sessionID, method string, params json.RawMessage)
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if len(out.SupportedVersions) == 0 {
		out.SupportedVersions = []string{"2025-06-18"}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Engine dispatches inbound JSON-RPC traffic for many concurrent
// connections against one shared Registry and Store (spec.md §3
// "Ownership": the store, not the engine, owns session lifetime).
type Engine struct {
	cfg      Config
	registry *handlerregistry.Registry
	store    *sessionstore.Store
}

// New constructs an Engine. registry and store are shared across every
// connection the engine serves.
func New(cfg Config, registry *handlerregistry.Registry, store *sessionstore.Store) *Engine {
	return &Engine{cfg: cfg.withDefaults(), registry: registry, store: store}
}

// Serve runs one connection to completion: it creates a fresh session (if
// sessionID is empty) or resumes an existing one (subscribing from
// tr.LastReceivedSeq()+1, per spec.md scenario S5), then blocks reading
// and dispatching frames until ctx is done, the transport disconnects, or
// the session is evicted. It returns the session id that was served
// (useful for a caller that wants to reconnect later) and any error that
// ended the connection.
func (e *Engine) Serve(ctx context.Context, tr transport.Transport, sessionID string) (string, error) {
	conn, err := e.accept(ctx, tr, sessionID)
	if err != nil {
		return "", err
	}
	err = conn.run(ctx)
	return conn.sessionID, err
}

func (e *Engine) accept(ctx context.Context, tr transport.Transport, sessionID string) (*connection, error) {
	if sessionID == "" {
		sess, err := e.store.Create(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine: create session: %w", err)
		}
		return &connection{
			engine:    e,
			tr:        tr,
			sessionID: sess.ID,
			state:     StateNew,
			handling:  make(map[int64]context.CancelFunc),
			logger:    e.cfg.Logger.With("session", sess.ID),
			fromSeq:   1,
		}, nil
	}

	sess := e.store.Get(sessionID)
	if sess == nil {
		return nil, mcperr.New(mcperr.CodeSessionInvalid, "unknown or expired session")
	}
	fromSeq := int64(1)
	if seq, ok := tr.LastReceivedSeq(); ok {
		fromSeq = seq + 1
	}
	state := StateSuspended
	if sess.Negotiated() != nil {
		state = StateReady
	}
	return &connection{
		engine:    e,
		tr:        tr,
		sessionID: sessionID,
		state:     state,
		handling:  make(map[int64]context.CancelFunc),
		logger:    e.cfg.Logger.With("session", sessionID),
		fromSeq:   fromSeq,
		resuming:  true,
	}, nil
}

// wireErrorFrom converts err into the Response carried on the wire. A
// *mcperr.Error (found with errors.As, so a wrapped one counts too) is
// surfaced verbatim (spec.md §7: "a typed protocol error ... is surfaced
// verbatim instead of wrapping as InternalError"); any other error is
// wrapped as InternalError with its message in error.data.
func wireErrorFrom(err error) *protocol.WireError {
	var rpcErr *mcperr.Error
	if errors.As(err, &rpcErr) {
		var data json.RawMessage
		if rpcErr.Data != nil {
			data, _ = json.Marshal(rpcErr.Data)
		}
		return &protocol.WireError{Code: rpcErr.Code, Message: rpcErr.Message, Data: data}
	}
	data, _ := json.Marshal(err.Error())
	return &protocol.WireError{Code: mcperr.CodeInternalError, Message: "internal error", Data: data}
}

func lifecycleEvent(direction eventlog.Direction, marker string) eventlog.Event {
	payload, _ := json.Marshal(eventlog.LifecyclePayload{Marker: marker})
	return eventlog.Event{Direction: direction, Kind: eventlog.KindLifecycle, Payload: payload}
}
