// Package transport defines C7 of the protocol engine design: the abstract
// duplex channel the engine sends and receives encoded frames over, with
// resumable-cursor semantics (spec.md §4.7). The engine itself only ever
// depends on the Transport interface; concrete transports (InMemory,
// WebSocket) are reference implementations that exercise it, grounded on
// the Go MCP SDK's Connection interface (mcp/websocket.go) and
// NewInMemoryTransports helper.
package transport

import "context"

// Transport is one established duplex connection between client and
// server. The engine calls Send for every outbound frame (after it has
// been appended to the event log, per spec.md §4.6) and Recv in a loop to
// read inbound frames.
type Transport interface {
	// Send writes one encoded frame. It must not interleave partial
	// writes from concurrent callers -- implementations serialize Send
	// internally.
	Send(ctx context.Context, frame []byte) error

	// Recv blocks until the next inbound frame arrives, ctx is done, or
	// the transport is closed (returning an error in the latter two
	// cases).
	Recv(ctx context.Context) ([]byte, error)

	// Close releases the underlying connection. Safe to call more than
	// once.
	Close() error

	// LastReceivedSeq reports the event sequence number the remote peer
	// claims to have last received, if it advertised one when this
	// Transport was established (spec.md §4.7, the transport-level
	// analogue of streamable HTTP's Last-Event-ID). ok is false for a
	// fresh (non-resuming) connection.
	LastReceivedSeq() (seq int64, ok bool)
}
