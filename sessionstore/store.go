package sessionstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/modelcontext/mcpcore/eventlog"
	"github.com/modelcontext/mcpcore/mcperr"
	"github.com/modelcontext/mcpcore/metrics"
	"github.com/modelcontext/mcpcore/reqmanager"
	"github.com/modelcontext/mcpcore/sessionid"
)

// Config holds the store's tunables, with the defaults named in spec.md §6.
type Config struct {
	// InactivityTimeout is how long a session may go without activity
	// before gcTick evicts it. Default 300000ms (5m).
	InactivityTimeout time.Duration
	// ResumeTimeout is the minimum time an event is retained after its
	// occurredAt. Default 30000ms. It is not applied as a resume deadline:
	// a SUSPENDED session stays live until it is evicted (for example by
	// inactivity GC), however long ago its transport dropped.
	ResumeTimeout time.Duration
	// PullInterval is how often the store polls Backend for externally
	// appended events, for multi-process deployments. Default 1000ms.
	PullInterval time.Duration
	// MetricsNamespace defaults to "mcpcore". The store does not read it:
	// its collectors are the *metrics.Collectors passed to New, which carry
	// the namespace given to metrics.New.
	MetricsNamespace string
}

// DefaultConfig returns the defaults named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		InactivityTimeout: 300_000 * time.Millisecond,
		ResumeTimeout:     30_000 * time.Millisecond,
		PullInterval:      1_000 * time.Millisecond,
		MetricsNamespace:  "mcpcore",
	}
}

func (c Config) withDefaults() Config {
	out := c
	if out.InactivityTimeout <= 0 {
		out.InactivityTimeout = DefaultConfig().InactivityTimeout
	}
	if out.ResumeTimeout <= 0 {
		out.ResumeTimeout = DefaultConfig().ResumeTimeout
	}
	if out.PullInterval <= 0 {
		out.PullInterval = DefaultConfig().PullInterval
	}
	if out.MetricsNamespace == "" {
		out.MetricsNamespace = DefaultConfig().MetricsNamespace
	}
	return out
}

// Store owns the set of live sessions (spec.md §3.4 "Ownership"). It is
// polymorphic over a Backend for persistence, runs inactivity GC, and
// polls the backend for externally-appended events when shared across
// processes (spec.md §4.4).
type Store struct {
	cfg     Config
	backend Backend
	metrics *metrics.Collectors
	logger  *slog.Logger

	locks LockMap

	mu       sync.Mutex
	sessions map[string]*Session

	// lastPolled tracks, per session, the highest seq this store has
	// observed via either local Append or a backend poll, so a poll never
	// redelivers an event this process already knows about.
	lastPolled map[string]int64
}

// New constructs a Store. backend may be NullBackend{} for a purely
// in-memory deployment. m may be nil to disable metrics.
func New(backend Backend, m *metrics.Collectors, cfg Config) *Store {
	if backend == nil {
		backend = NullBackend{}
	}
	return &Store{
		cfg:        cfg.withDefaults(),
		backend:    backend,
		metrics:    m,
		logger:     slog.Default(),
		sessions:   make(map[string]*Session),
		lastPolled: make(map[string]int64),
	}
}

// Create allocates a fresh session id, persists the empty session, and
// returns a live handle (spec.md §4.4).
func (st *Store) Create(ctx context.Context) (*Session, error) {
	id := sessionid.New()
	now := time.Now()

	log := eventlog.New(st.cfg.ResumeTimeout, eventlog.WithLogger(st.logger), eventlog.WithSubscriberErrorMetric(st.incSubscriberErrors))
	sess := newSession(id, now, log, reqmanager.New(st.metrics))

	if err := st.backend.SaveOne(ctx, sess.snapshot()); err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.sessions[id] = sess
	st.lastPolled[id] = 0
	st.mu.Unlock()

	if st.metrics != nil {
		st.metrics.SessionsActive.Inc()
		st.metrics.SessionsCreated.Inc()
	}
	return sess, nil
}

// Get returns a handle to a live session, or nil if id is unknown or
// evicted. It does not consult the backend: a session only becomes "live"
// through Create or an explicit Restore.
func (st *Store) Get(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[id]
}

// Restore rehydrates a persisted session into a live handle, e.g. on
// startup or when a poll discovers a session this process hasn't seen.
func (st *Store) Restore(snap Snapshot) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	if sess, ok := st.sessions[snap.ID]; ok {
		return sess
	}

	log := eventlog.New(st.cfg.ResumeTimeout, eventlog.WithLogger(st.logger), eventlog.WithSubscriberErrorMetric(st.incSubscriberErrors))
	var maxSeq int64
	for _, ev := range snap.Events {
		log.Ingest(ev)
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}
	sess := newSession(snap.ID, snap.CreatedAt, log, reqmanager.New(st.metrics))
	sess.SetNegotiated(snap.Negotiated)
	sess.mu.Lock()
	sess.touchLocked(snap.LastActivityAt)
	sess.mu.Unlock()

	st.sessions[snap.ID] = sess
	st.lastPolled[snap.ID] = maxSeq
	if st.metrics != nil {
		st.metrics.SessionsActive.Inc()
	}
	return sess
}

// Append is a thin delegation to the session's event log plus
// lastActivityAt bookkeeping, then persists the updated snapshot
// (spec.md §4.4).
func (st *Store) Append(ctx context.Context, id string, ev eventlog.Event) (int64, error) {
	st.locks.Lock(id)
	defer st.locks.Unlock(id)

	sess := st.Get(id)
	if sess == nil {
		return 0, mcperr.New(mcperr.CodeSessionInvalid, "unknown session")
	}
	seq, err := sess.Append(ev)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	st.lastPolled[id] = seq
	st.mu.Unlock()
	if st.metrics != nil {
		st.metrics.EventsAppended.WithLabelValues(string(ev.Direction)).Inc()
		st.metrics.EventLogSize.Inc()
	}
	if err := st.backend.SaveOne(ctx, sess.snapshot()); err != nil {
		return seq, err
	}
	return seq, nil
}

// Touch updates lastActivityAt for id without appending an event.
func (st *Store) Touch(id string) {
	if sess := st.Get(id); sess != nil {
		sess.Touch()
	}
}

// Evict drops id's in-memory state, closes its event log subscribers
// cleanly, rejects its pending requests with err, and (for durable
// backends) removes the durable artifact. Passing a nil err means the
// caller handles pending-request rejection itself (e.g. an explicit
// client-initiated close already completed them).
func (st *Store) Evict(ctx context.Context, id string, reason string, err error) {
	st.mu.Lock()
	sess, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
		delete(st.lastPolled, id)
	}
	st.mu.Unlock()
	if !ok {
		return
	}
	st.locks.Delete(id)

	sess.Log.CloseAll()
	if err != nil {
		sess.Requests.Clear(err)
	}
	_ = st.backend.DeleteOne(ctx, id)

	if st.metrics != nil {
		st.metrics.SessionsActive.Dec()
		st.metrics.SessionsEvicted.WithLabelValues(reason).Inc()
	}
}

// GCTick evicts every session inactive for longer than InactivityTimeout as
// of now, rejecting their pending requests with SessionExpired
// (spec.md §4.4, §8 invariant 6 / scenario S6).
func (st *Store) GCTick(ctx context.Context, now time.Time) []string {
	st.mu.Lock()
	var stale []string
	for id, sess := range st.sessions {
		if now.Sub(sess.LastActivityAt()) > st.cfg.InactivityTimeout {
			stale = append(stale, id)
		}
	}
	st.mu.Unlock()

	for _, id := range stale {
		st.Evict(ctx, id, "inactivity", mcperr.SessionExpired())
	}
	return stale
}

// Len reports the number of live sessions, for tests and diagnostics.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

func (st *Store) incSubscriberErrors() {
	if st.metrics != nil {
		st.metrics.SubscriberErrors.Inc()
	}
}

// Run starts the GC and backend-poll background loops, both scoped to ctx,
// supervised by an errgroup so a panic in either doesn't silently leak a
// goroutine (spec.md §5; SPEC_FULL.md §4.4/§5). It blocks until ctx is
// done or a loop returns a non-nil error.
func (st *Store) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(st.cfg.InactivityTimeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				st.GCTick(ctx, time.Now())
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(st.cfg.PullInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				st.pollOnce(ctx)
			}
		}
	})

	return g.Wait()
}

// pollOnce reconciles local state against the backend, surfacing
// externally-appended events to local subscribers while never redelivering
// an event this store has already observed (spec.md §4.4, "polling /
// change detection").
func (st *Store) pollOnce(ctx context.Context) {
	snaps, err := st.backend.LoadAll(ctx)
	if err != nil {
		st.logger.Warn("sessionstore: poll failed", "error", err)
		return
	}
	for _, snap := range snaps {
		sess := st.Get(snap.ID)
		if sess == nil {
			st.Restore(snap)
			continue
		}

		st.mu.Lock()
		known := st.lastPolled[snap.ID]
		st.mu.Unlock()

		var maxSeq int64 = known
		for _, ev := range snap.Events {
			if ev.Seq <= known {
				continue
			}
			if sess.Log.Ingest(ev) && ev.Seq > maxSeq {
				maxSeq = ev.Seq
			}
		}
		if maxSeq > known {
			st.mu.Lock()
			st.lastPolled[snap.ID] = maxSeq
			st.mu.Unlock()
			sess.Touch()
		}
	}
}
