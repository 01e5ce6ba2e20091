package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send/Recv after Close.
var ErrClosed = errors.New("transport: closed")

// InMemory is a Transport backed by paired in-process channels, grounded
// on the Go MCP SDK's NewInMemoryTransports helper (used throughout its
// test suite to exercise a server without a real socket).
type InMemory struct {
	out         chan []byte
	in          chan []byte
	closeOnce   sync.Once
	closed      chan struct{}
	resumeSeq   int64
	resumeKnown bool
}

// NewInMemoryPair returns two linked Transports: frames sent on one arrive
// on the other's Recv, and vice versa.
func NewInMemoryPair() (a, b Transport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	left := &InMemory{out: ab, in: ba, closed: make(chan struct{})}
	right := &InMemory{out: ba, in: ab, closed: make(chan struct{})}
	return left, right
}

// NewInMemoryResumedPair is like NewInMemoryPair, but b reports seq as its
// LastReceivedSeq, simulating a resumed connection (spec.md scenario S5).
func NewInMemoryResumedPair(seq int64) (a, b Transport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	left := &InMemory{out: ab, in: ba, closed: make(chan struct{})}
	right := &InMemory{out: ba, in: ab, closed: make(chan struct{}), resumeSeq: seq, resumeKnown: true}
	return left, right
}

func (t *InMemory) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	select {
	case t.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrClosed
	}
}

func (t *InMemory) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-t.in:
		if !ok {
			return nil, ErrClosed
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, ErrClosed
	}
}

func (t *InMemory) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *InMemory) LastReceivedSeq() (int64, bool) {
	return t.resumeSeq, t.resumeKnown
}
