package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/modelcontext/mcpcore/eventlog"
	"github.com/modelcontext/mcpcore/handlerregistry"
	"github.com/modelcontext/mcpcore/internal/runtimeflags"
	"github.com/modelcontext/mcpcore/mcperr"
	"github.com/modelcontext/mcpcore/protocol"
	"github.com/modelcontext/mcpcore/reqmanager"
	"github.com/modelcontext/mcpcore/sessionstore"
	"github.com/modelcontext/mcpcore/transport"
)

// connection is one live transport bound to one session. It never holds a
// long-lived *sessionstore.Session pointer across its reader/forwarder
// goroutines -- each looks the session up fresh through the store by id,
// per SPEC_FULL.md §9's cyclic-reference note -- so a session evicted out
// from under a connection is observed immediately rather than kept alive
// by a stale reference.
type connection struct {
	engine    *Engine
	tr        transport.Transport
	sessionID string

	mu    sync.Mutex
	state State

	handlingMu sync.Mutex
	handling   map[int64]context.CancelFunc

	logger   *slog.Logger
	fromSeq  int64
	resuming bool
}

func (c *connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *connection) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) run(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := c.engine.store.Get(c.sessionID)
	if sess == nil {
		c.setState(StateClosed)
		return mcperr.New(mcperr.CodeSessionInvalid, "unknown or expired session")
	}

	// One subscription serves both gap detection and the live forward
	// loop below: Subscribe(fromSeq) preloads any already-buffered
	// outbound events at or after fromSeq into the returned channel, so
	// a fresh connection's empty replay and a resumed connection's gap
	// replay (spec.md scenario S5) fall out of the same mechanism
	// forwardOutbound uses for ordinary sends -- subscribing a second
	// time here would redeliver that backlog twice.
	sub, err := sess.Log.Subscribe(c.fromSeq)
	if err != nil {
		c.engine.store.Evict(connCtx, c.sessionID, "resume-gap", mcperr.SessionClosed())
		c.setState(StateClosed)
		return err
	}
	defer sess.Log.Unsubscribe(sub)

	if c.resuming {
		c.setState(StateReady)
	} else {
		c.appendLifecycle(connCtx, eventlog.Outbound, "session-created")
	}

	g, gctx := errgroup.WithContext(connCtx)
	g.Go(func() error { return c.forwardOutbound(gctx, sub) })
	g.Go(func() error { return c.readLoop(gctx) })

	err = g.Wait()
	c.abortAllHandling()

	switch c.getState() {
	case StateClosed:
		// already terminal
	default:
		c.setState(StateSuspended)
	}
	return err
}

// forwardOutbound is the connection's sole path to the transport: it
// drains sub, sending every outbound event it observes, unifying fresh
// sends and resume replay through one mechanism (package doc).
func (c *connection) forwardOutbound(ctx context.Context, sub *eventlog.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events:
			if !ok {
				return sub.Err()
			}
			if ev.Direction != eventlog.Outbound {
				continue
			}
			c.fromSeq = ev.Seq + 1
			if runtimeflags.Enabled("frames") {
				c.logger.Debug("engine: outbound frame", "seq", ev.Seq, "raw", string(ev.Payload))
			}
			if err := c.tr.Send(ctx, ev.Payload); err != nil {
				return fmt.Errorf("engine: send seq %d: %w", ev.Seq, err)
			}
		}
	}
}

func (c *connection) readLoop(ctx context.Context) error {
	for {
		raw, err := c.tr.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		frame, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("engine: dropping malformed frame", "error", err)
			continue
		}
		if runtimeflags.Enabled("frames") {
			c.logger.Debug("engine: inbound frame", "raw", string(raw))
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *connection) handleFrame(ctx context.Context, f *protocol.Frame) {
	if f.Batch != nil {
		for _, elem := range f.Batch {
			c.handleFrame(ctx, elem)
		}
		return
	}
	switch {
	case f.Response != nil:
		c.handleResponse(f.Response)
	case f.Request != nil && f.Notification:
		c.handleNotification(ctx, f.Request)
	case f.Request != nil:
		go c.handleCall(ctx, f.Request)
	}
}

func (c *connection) handleResponse(resp *protocol.Response) {
	sess := c.engine.store.Get(c.sessionID)
	if sess == nil {
		return
	}
	id, ok := resp.ID.Raw().(int64)
	if !ok {
		c.logger.Warn("engine: response with non-numeric id dropped")
		return
	}
	sess.Touch()
	if resp.Error != nil {
		sess.Requests.RejectRequest(id, &mcperr.Error{Code: resp.Error.Code, Message: resp.Error.Message})
		return
	}
	sess.Requests.ResolveRequest(id, resp.Result)
}

func (c *connection) handleNotification(ctx context.Context, req *protocol.Request) {
	sess := c.engine.store.Get(c.sessionID)
	if sess == nil {
		return
	}
	c.appendInbound(eventlog.KindNotification, req)

	switch req.Method {
	case methodNotificationsInit:
		if c.getState() == StateAwaitingInitialized {
			c.setState(StateReady)
		}
	case methodNotificationsCancel:
		var params struct {
			RequestID int64 `json:"requestId"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return
		}
		c.handlingMu.Lock()
		cancel, ok := c.handling[params.RequestID]
		c.handlingMu.Unlock()
		if ok {
			cancel()
		}
	case methodNotificationsProg:
		var params struct {
			ProgressToken any     `json:"progressToken"`
			Message       string  `json:"message"`
			Progress      float64 `json:"progress"`
			Total         float64 `json:"total"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return
		}
		sess.Requests.RouteProgress(params.ProgressToken, reqmanager.ProgressUpdate{
			Message: params.Message, Progress: params.Progress, Total: params.Total,
		})
	default:
		if c.engine.cfg.OnNotification != nil {
			c.engine.cfg.OnNotification(ctx, c.sessionID, req.Method, req.Params)
		}
	}
}

func (c *connection) handleCall(ctx context.Context, req *protocol.Request) {
	reqCtx, cancel := context.WithCancel(ctx)
	id, _ := req.ID.Raw().(int64)
	c.handlingMu.Lock()
	c.handling[id] = cancel
	c.handlingMu.Unlock()
	defer func() {
		c.handlingMu.Lock()
		delete(c.handling, id)
		c.handlingMu.Unlock()
		cancel()
	}()

	c.appendInbound(eventlog.KindRequest, req)

	state := c.getState()
	if state != StateReady && !acceptsBeforeReady(req.Method) {
		c.reply(ctx, req.ID, nil, mcperr.InvalidRequest(fmt.Sprintf("method %q not accepted before session is READY", req.Method)))
		return
	}

	if req.Method == methodInitialize {
		c.handleInitialize(ctx, req)
		return
	}

	sess := c.engine.store.Get(c.sessionID)
	if sess == nil {
		c.reply(ctx, req.ID, nil, mcperr.New(mcperr.CodeSessionInvalid, "session no longer exists"))
		return
	}

	hctx := handlerregistry.Context{Context: reqCtx, SessionID: c.sessionID, Logger: c.logger}
	result, err := c.engine.registry.Dispatch(hctx, req.Method, req.Params, gatesOf(sess, c.engine.cfg.ServerEnabledGates))

	select {
	case <-reqCtx.Done():
		// Cancelled (spec.md scenario S4): discard any late result, emit
		// no response.
		return
	default:
	}
	c.reply(ctx, req.ID, result, err)
}

func (c *connection) handleInitialize(ctx context.Context, req *protocol.Request) {
	var params protocol.InitializeParams
	if err := protocol.StrictUnmarshal(req.Params, &params); err != nil {
		c.reply(ctx, req.ID, nil, mcperr.InvalidParams(err.Error()))
		return
	}
	c.setState(StateInitializing)

	version := protocol.NegotiateVersion(c.engine.cfg.SupportedVersions, params.ProtocolVersion)
	negotiated := &protocol.NegotiatedState{
		ProtocolVersion:    version,
		ClientCapabilities: params.Capabilities,
		ServerCapabilities: c.engine.cfg.ServerCapabilities,
		ClientInfo:         params.ClientInfo,
		ServerInfo:         c.engine.cfg.ServerInfo,
	}
	sess := c.engine.store.Get(c.sessionID)
	if sess == nil {
		c.reply(ctx, req.ID, nil, mcperr.New(mcperr.CodeSessionInvalid, "session no longer exists"))
		return
	}
	sess.SetNegotiated(negotiated)

	result := protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    c.engine.cfg.ServerCapabilities,
		ServerInfo:      c.engine.cfg.ServerInfo,
	}
	data, err := json.Marshal(result)
	if err != nil {
		c.reply(ctx, req.ID, nil, mcperr.InternalError(err.Error()))
		return
	}
	c.setState(StateAwaitingInitialized)
	c.reply(ctx, req.ID, data, nil)
}

func (c *connection) reply(ctx context.Context, id protocol.ID, result json.RawMessage, err error) {
	resp := &protocol.Response{ID: id, Result: result}
	if err != nil {
		resp.Error = wireErrorFrom(err)
		resp.Result = nil
	}
	data, encErr := protocol.EncodeResponse(resp)
	if encErr != nil {
		c.logger.Error("engine: encode response", "error", encErr)
		return
	}
	c.appendOutbound(ctx, eventlog.KindResponse, data)
}

func (c *connection) appendInbound(kind eventlog.Kind, req *protocol.Request) {
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return
	}
	sess := c.engine.store.Get(c.sessionID)
	if sess == nil {
		return
	}
	_, _ = c.engine.store.Append(context.Background(), c.sessionID, eventlog.Event{
		Direction: eventlog.Inbound, Kind: kind, Payload: data,
	})
	sess.Touch()
}

func (c *connection) appendOutbound(ctx context.Context, kind eventlog.Kind, data []byte) {
	_, err := c.engine.store.Append(ctx, c.sessionID, eventlog.Event{
		Direction: eventlog.Outbound, Kind: kind, Payload: data,
	})
	if err != nil {
		c.logger.Error("engine: append outbound event", "error", err)
	}
}

func (c *connection) appendLifecycle(ctx context.Context, direction eventlog.Direction, marker string) {
	_, _ = c.engine.store.Append(ctx, c.sessionID, lifecycleEvent(direction, marker))
}

func (c *connection) abortAllHandling() {
	c.handlingMu.Lock()
	handling := c.handling
	c.handling = make(map[int64]context.CancelFunc)
	c.handlingMu.Unlock()
	for _, cancel := range handling {
		cancel()
	}
}

// gatesOf computes the merged capability gate set for sess's negotiated
// state (spec.md §4.6 "Capability merge"). Gate names mirror
// protocol.ServerCapabilities/ClientCapabilities field names. A server
// capability stays on only if it was advertised and, when enabledGates is
// non-nil, also enabled there.
func gatesOf(sess *sessionstore.Session, enabledGates map[string]bool) map[string]bool {
	n := sess.Negotiated()
	if n == nil {
		return nil
	}
	serverEnabled := map[string]bool{
		"logging":            n.ServerCapabilities.Logging,
		"prompts":            n.ServerCapabilities.PromptsListChanged,
		"resources":          n.ServerCapabilities.ResourcesListChanged,
		"resourcesSubscribe": n.ServerCapabilities.ResourcesSubscribe,
		"tools":              n.ServerCapabilities.ToolsListChanged,
		"completions":        n.ServerCapabilities.Completions,
	}
	if enabledGates != nil {
		for name, on := range serverEnabled {
			serverEnabled[name] = on && enabledGates[name]
		}
	}
	clientAdvertised := map[string]bool{
		"elicitation":      n.ClientCapabilities.Elicitation,
		"rootsListChanged": n.ClientCapabilities.RootsListChanged,
		"sampling":         n.ClientCapabilities.Sampling,
	}
	return protocol.MergeCapabilityGates(serverEnabled, clientAdvertised)
}

// CreateRequest issues a new outbound request on sessionID's session,
// appending it to the event log before handing it to the transport
// (spec.md §4.6 "Outbound"). The caller awaits the returned Created.Done
// channel for the reply.
func (e *Engine) CreateRequest(ctx context.Context, sessionID, method string, params []byte, sink reqmanager.ProgressSink) (*reqmanager.Created, error) {
	sess := e.store.Get(sessionID)
	if sess == nil {
		return nil, mcperr.New(mcperr.CodeSessionInvalid, "unknown or expired session")
	}
	created, err := sess.Requests.CreateRequest(method, params, sink)
	if err != nil {
		return nil, err
	}
	data, err := protocol.EncodeRequest(created.Envelope)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Append(ctx, sessionID, eventlog.Event{
		Direction: eventlog.Outbound, Kind: eventlog.KindRequest, Payload: data,
	}); err != nil {
		return nil, err
	}
	return created, nil
}

// Notify sends a one-way outbound notification on sessionID's session.
func (e *Engine) Notify(ctx context.Context, sessionID, method string, params []byte) error {
	data, err := protocol.EncodeRequest(&protocol.Request{Method: method, Params: params})
	if err != nil {
		return err
	}
	_, err = e.store.Append(ctx, sessionID, eventlog.Event{
		Direction: eventlog.Outbound, Kind: eventlog.KindNotification, Payload: data,
	})
	return err
}
