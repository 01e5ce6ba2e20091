// Package reqmanager implements C2 of the protocol engine design: the
// outbound request correlator (spec.md §4.2). It tracks outstanding
// outbound JSON-RPC requests, resolves or rejects them exactly once on
// reply, and supports progress-notification routing.
//
// The pending-map shape is grounded on
// golang-tools/internal/jsonrpc2_v2's Conn, which keys a
// map[ID]chan *wireResponse guarded by a sync.Mutex; mcpcore adds duration
// tracking and a progress sink per spec.md §4.2.
package reqmanager

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	segjson "github.com/segmentio/encoding/json"

	"github.com/modelcontext/mcpcore/mcperr"
	"github.com/modelcontext/mcpcore/metrics"
	"github.com/modelcontext/mcpcore/protocol"
)

// Outcome is delivered to a request's completion exactly once.
type Outcome struct {
	Result []byte
	Err    error
}

// ProgressUpdate is one notifications/progress payload routed to the sink
// registered for a pending request's progress token.
type ProgressUpdate struct {
	Message  string
	Progress float64
	Total    float64
}

// ProgressSink receives progress updates for one pending request. It must
// not block for long: the manager invokes it synchronously from the
// dispatch path.
type ProgressSink func(ProgressUpdate)

type pendingRequest struct {
	id       int64
	method   string
	startsAt time.Time
	done     chan Outcome
	progress ProgressSink

	once sync.Once
}

// Manager correlates outbound requests with their replies for a single
// session. It is safe for concurrent use: createRequest may race with
// concurrent resolution from a transport reader (spec.md §4.2,
// "Concurrency").
type Manager struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingRequest
	metrics *metrics.Collectors
}

// New returns a Manager. m may be nil, in which case metrics are not
// recorded.
func New(m *metrics.Collectors) *Manager {
	return &Manager{
		pending: make(map[int64]*pendingRequest),
		metrics: m,
	}
}

// Created is returned by CreateRequest: the assigned id, the envelope ready
// to send (with _meta.progressToken injected), and a channel that receives
// the single Outcome once the request resolves or rejects.
type Created struct {
	ID       int64
	Envelope *protocol.Request
	Done     <-chan Outcome
}

// CreateRequest allocates a new, session-unique id (monotonically
// increasing from 1, spec.md §4.2 "Id allocation"), builds the outbound
// envelope from params with _meta.progressToken injected, and registers a
// pending completion for it. params may be nil. sink may be nil if the
// caller doesn't care about progress notifications.
func (m *Manager) CreateRequest(method string, params []byte, sink ProgressSink) (*Created, error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	pr := &pendingRequest{
		id:       id,
		method:   method,
		startsAt: time.Now(),
		done:     make(chan Outcome, 1),
		progress: sink,
	}
	m.pending[id] = pr
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RequestsPending.Inc()
	}

	rawParams, err := injectProgressToken(params, id)
	if err != nil {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return nil, err
	}

	return &Created{
		ID:       id,
		Envelope: &protocol.Request{ID: protocol.NewNumberID(id), Method: method, Params: rawParams},
		Done:     pr.done,
	}, nil
}

// RegisterRequest registers a pending completion for an id that was
// assigned externally (e.g. during the handshake, where the id comes from
// the client). Used per spec.md §4.2's registerRequest.
func (m *Manager) RegisterRequest(id int64, method string) <-chan Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr := &pendingRequest{id: id, method: method, startsAt: time.Now(), done: make(chan Outcome, 1)}
	m.pending[id] = pr
	if m.metrics != nil {
		m.metrics.RequestsPending.Inc()
	}
	return pr.done
}

// ResolveRequest completes the pending request for id with a successful
// result. It returns false, without error, if id is unknown -- this is the
// expected, non-fatal case where a response arrives after a local
// cancellation (spec.md §4.2).
func (m *Manager) ResolveRequest(id int64, result []byte) bool {
	return m.complete(id, Outcome{Result: result}, "ok")
}

// RejectRequest completes the pending request for id with an error.
func (m *Manager) RejectRequest(id int64, err error) bool {
	return m.complete(id, Outcome{Err: err}, "error")
}

func (m *Manager) complete(id int64, out Outcome, outcomeLabel string) bool {
	m.mu.Lock()
	pr, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if m.metrics != nil {
		m.metrics.RequestsPending.Dec()
		m.metrics.RequestDuration.WithLabelValues(pr.method, outcomeLabel).Observe(time.Since(pr.startsAt).Seconds())
	}
	pr.once.Do(func() { pr.done <- out })
	return true
}

// RouteProgress delivers a progress update to the sink registered for
// token, if any is currently pending. It never blocks the caller for long
// and never resolves the pending request (spec.md §4.2).
func (m *Manager) RouteProgress(token any, update ProgressUpdate) {
	id, ok := tokenToID(token)
	if !ok {
		return
	}
	m.mu.Lock()
	pr, ok := m.pending[id]
	m.mu.Unlock()
	if !ok || pr.progress == nil {
		return
	}
	pr.progress(update)
}

// GetRequestDuration returns the elapsed time since id's request was
// created, or false if id is not (or no longer) pending.
func (m *Manager) GetRequestDuration(id int64) (time.Duration, bool) {
	m.mu.Lock()
	pr, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	return time.Since(pr.startsAt), true
}

// Clear rejects every pending request with err (typically
// mcperr.SessionClosed or mcperr.SessionExpired) and empties the map. Used
// on session close/eviction (spec.md §3, PendingRequest lifecycle).
func (m *Manager) Clear(err error) {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[int64]*pendingRequest)
	m.mu.Unlock()

	if m.metrics != nil && len(pending) > 0 {
		m.metrics.RequestsPending.Sub(float64(len(pending)))
	}
	for _, pr := range pending {
		pr.once.Do(func() { pr.done <- Outcome{Err: err} })
	}
}

// Len reports the number of requests currently pending, for tests and
// diagnostics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func tokenToID(token any) (int64, bool) {
	switch v := token.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// injectProgressToken merges {"_meta": {"progressToken": id}} into the
// caller-supplied params object, preserving any fields already present
// (including an existing _meta), per spec.md §4.2.
func injectProgressToken(params []byte, id int64) ([]byte, error) {
	var obj map[string]json.RawMessage
	if len(params) > 0 {
		if err := segjson.Unmarshal(params, &obj); err != nil {
			return nil, mcperr.InvalidParams(fmt.Sprintf("params must be a JSON object to carry a progress token: %v", err))
		}
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage)
	}

	var meta map[string]any
	if raw, ok := obj["_meta"]; ok {
		if err := segjson.Unmarshal(raw, &meta); err != nil {
			return nil, mcperr.InvalidParams(fmt.Sprintf("invalid _meta: %v", err))
		}
	}
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["progressToken"] = id

	metaRaw, err := segjson.Marshal(meta)
	if err != nil {
		return nil, mcperr.InternalError(err.Error())
	}
	obj["_meta"] = metaRaw

	data, err := segjson.Marshal(obj)
	if err != nil {
		return nil, mcperr.InternalError(err.Error())
	}
	return data, nil
}
