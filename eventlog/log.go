package eventlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSlowConsumer is the terminal error delivered to a subscriber whose
// delivery queue filled up before it drained it. Per spec.md §9, a slow
// consumer must never block the appender; disconnecting it (rather than
// silently dropping events out of sequence) preserves the "identical order
// for all live subscribers" guarantee of spec.md §8 invariant 4 for every
// subscriber that remains connected.
var ErrSlowConsumer = errors.New("eventlog: subscriber disconnected: too slow")

// Gap is the terminal signal delivered when a subscriber asks to resume
// from a seq older than the oldest retained event (spec.md §4.3).
type Gap struct {
	Requested int64
	Earliest  int64
}

func (g *Gap) Error() string {
	return "eventlog: requested seq is older than the earliest retained event"
}

// Persist is called synchronously from Append, before subscribers are
// notified, to durably record the event (spec.md §4.3: "notifies all live
// subscribers after the event is durable"). A nil Persist means events are
// held only in memory.
type Persist func(Event) error

const defaultSubscriberBuffer = 64

// Log is a per-session append-only event sequence.
type Log struct {
	mu         sync.Mutex
	events     []Event
	lastSeq    int64
	retention  time.Duration
	persist    Persist
	subs       map[int64]*subscriber
	nextSubID  int64
	logger     *slog.Logger
	errMetrics func()
}

// Option configures a Log.
type Option func(*Log)

// WithPersist sets the durability hook invoked on every Append.
func WithPersist(p Persist) Option { return func(l *Log) { l.persist = p } }

// WithLogger sets the logger used to report swallowed subscriber errors.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithSubscriberErrorMetric registers a callback incremented once per
// swallowed subscriber error, wiring C9's SubscriberErrors counter.
func WithSubscriberErrorMetric(inc func()) Option {
	return func(l *Log) { l.errMetrics = inc }
}

// New returns an empty Log retaining events for at least retention after
// their OccurredAt (spec.md §4.3's resumeTimeoutMs).
func New(retention time.Duration, opts ...Option) *Log {
	l := &Log{
		retention: retention,
		subs:      make(map[int64]*subscriber),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

type subscriber struct {
	id     int64
	ch     chan Event
	errCh  chan error
	closed bool
}

// Append assigns the next sequence number, stamps OccurredAt if unset,
// persists (if configured), then fans out to subscribers. It returns the
// assigned seq.
func (l *Log) Append(ev Event) (int64, error) {
	l.mu.Lock()
	l.lastSeq++
	ev.Seq = l.lastSeq
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	if l.persist != nil {
		now := time.Now()
		ev.StoredAt = &now
		if err := l.persist(ev); err != nil {
			l.lastSeq-- // roll back: this event never happened
			l.mu.Unlock()
			return 0, err
		}
	}

	l.events = append(l.events, ev)
	l.evictLocked()

	subs := make([]*subscriber, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		l.deliver(s, ev)
	}
	return ev.Seq, nil
}

// deliver sends ev to s, isolating any panic/backpressure from the
// appender and from other subscribers (spec.md §4.3 "Subscriber error
// isolation").
func (l *Log) deliver(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("eventlog: subscriber delivery panicked", "recovered", r)
			if l.errMetrics != nil {
				l.errMetrics()
			}
		}
	}()
	select {
	case s.ch <- ev:
	default:
		l.disconnect(s, ErrSlowConsumer)
	}
}

func (l *Log) disconnect(s *subscriber, err error) {
	l.mu.Lock()
	if s.closed {
		l.mu.Unlock()
		return
	}
	s.closed = true
	delete(l.subs, s.id)
	l.mu.Unlock()

	select {
	case s.errCh <- err:
	default:
	}
	close(s.ch)
	close(s.errCh)
}

// Ingest absorbs an event already assigned and persisted by another
// process (spec.md §4.4, "poll / change detection"). It is a no-op,
// returning false, if ev.Seq has already been observed locally -- this is
// how an externally-appended event avoids re-delivery once the process
// that wrote it also observes it via its own local Append path. Unlike
// Append, it never invokes Persist: the event is already durable.
func (l *Log) Ingest(ev Event) bool {
	l.mu.Lock()
	if ev.Seq <= l.lastSeq {
		l.mu.Unlock()
		return false
	}
	l.lastSeq = ev.Seq
	l.events = append(l.events, ev)
	l.evictLocked()

	subs := make([]*subscriber, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		l.deliver(s, ev)
	}
	return true
}

func (l *Log) evictLocked() {
	if l.retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-l.retention)
	i := 0
	for i < len(l.events) && l.events[i].OccurredAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.events = append([]Event(nil), l.events[i:]...)
	}
}

// Subscription is a live handle returned by Subscribe. Events arrives in
// seq order; Err returns ErrSlowConsumer once, after Events is closed, if
// the subscription was disconnected for falling behind. A *Gap is never
// delivered through Err: Subscribe returns it directly instead of a
// Subscription.
type Subscription struct {
	id     int64
	Events <-chan Event
	errCh  <-chan error
	log    *Log
}

// Err returns the terminal error for this subscription, if any. It must
// only be called after Events has been drained and closed.
func (s *Subscription) Err() error {
	select {
	case err := <-s.errCh:
		return err
	default:
		return nil
	}
}

// Subscribe returns a Subscription that first yields every retained event
// with Seq >= fromSeq, then yields newly appended events as they occur.
// If fromSeq is older than the earliest retained event, it returns a *Gap
// error instead: the caller must treat the session as unresumable
// (spec.md §4.3).
func (l *Log) Subscribe(fromSeq int64) (*Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.events) > 0 && fromSeq < l.events[0].Seq {
		return nil, &Gap{Requested: fromSeq, Earliest: l.events[0].Seq}
	}
	if len(l.events) == 0 && fromSeq > 1 && l.lastSeq > 0 && fromSeq < l.lastSeq+1 {
		return nil, &Gap{Requested: fromSeq, Earliest: l.lastSeq + 1}
	}

	var backlog []Event
	for _, ev := range l.events {
		if ev.Seq >= fromSeq {
			backlog = append(backlog, ev)
		}
	}

	l.nextSubID++
	sub := &subscriber{
		id:    l.nextSubID,
		ch:    make(chan Event, defaultSubscriberBuffer+len(backlog)),
		errCh: make(chan error, 1),
	}
	for _, ev := range backlog {
		sub.ch <- ev
	}
	l.subs[sub.id] = sub

	return &Subscription{id: sub.id, Events: sub.ch, errCh: sub.errCh, log: l}, nil
}

// Unsubscribe idempotently drops a subscription without affecting any
// other subscriber (spec.md §4.3).
func (l *Log) Unsubscribe(s *Subscription) {
	l.mu.Lock()
	sub, ok := l.subs[s.id]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.subs, s.id)
	l.mu.Unlock()

	if !sub.closed {
		close(sub.ch)
		close(sub.errCh)
	}
}

// CloseAll terminates every live subscriber cleanly (not as a Gap), used
// when the owning session is evicted (spec.md §4.4 "GC interaction with
// subscribers").
func (l *Log) CloseAll() {
	l.mu.Lock()
	subs := make([]*subscriber, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.subs = make(map[int64]*subscriber)
	l.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
		close(s.errCh)
	}
}

// LastSeq returns the most recently assigned sequence number, or 0 if the
// log is empty.
func (l *Log) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Len returns the number of events currently retained in memory.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Events returns a copy of all currently retained events, for snapshotting
// (e.g. into a durable session file) and tests.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// SubscriberCount reports the number of live subscribers, for tests and
// diagnostics.
func (l *Log) SubscriberCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Wait blocks until ctx is done, the next event arrives, or the
// subscription is closed. An arriving event is consumed and discarded and
// Wait returns nil; on close it returns the subscription's terminal error.
func Wait(ctx context.Context, s *Subscription) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-s.Events:
		if !ok {
			return s.Err()
		}
		return nil
	}
}
