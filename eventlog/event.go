// Package eventlog implements C3 of the protocol engine design: the
// per-session append-only event log with live subscribers, durable replay,
// and retention (spec.md §4.3).
//
// The logical/physical index bookkeeping is grounded on
// HyphaGroup-oubliette/internal/session/event_buffer.go's EventBuffer, but
// traded from a fixed-size ring buffer for a time-retention window, since
// spec.md requires events to be retained for at least resumeTimeoutMs after
// occurredAt rather than for a fixed count.
package eventlog

import (
	"encoding/json"
	"time"
)

// Direction distinguishes frames sent by the client from frames sent by the
// server, within one session.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Kind classifies the payload of an Event.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindLifecycle    Kind = "lifecycle"
)

// Event is a durable record of one protocol frame or lifecycle milestone
// (spec.md §3).
type Event struct {
	Seq        int64           `json:"seq"`
	OccurredAt time.Time       `json:"occurredAt"`
	Direction  Direction       `json:"direction"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	StoredAt   *time.Time      `json:"storedAt,omitempty"`
}

// LifecyclePayload is the Payload shape for Kind == KindLifecycle events,
// such as "session created" or "resumed" markers.
type LifecyclePayload struct {
	Marker string `json:"marker"`
}
