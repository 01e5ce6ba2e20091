package transport

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryPair_SendRecvRoundTrips(t *testing.T) {
	a, b := NewInMemoryPair()
	ctx := context.Background()

	if err := a.Send(ctx, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want hello", got)
	}

	if err := b.Send(ctx, []byte("world")); err != nil {
		t.Fatal(err)
	}
	got, err = a.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "world" {
		t.Errorf("got %q, want world", got)
	}
}

func TestInMemoryPair_FreshConnectionHasNoResumeSeq(t *testing.T) {
	a, b := NewInMemoryPair()
	if _, ok := a.LastReceivedSeq(); ok {
		t.Error("a should not report a resume seq")
	}
	if _, ok := b.LastReceivedSeq(); ok {
		t.Error("b should not report a resume seq")
	}
}

func TestInMemoryResumedPair_ReportsSeqOnOneSide(t *testing.T) {
	a, b := NewInMemoryResumedPair(42)
	if _, ok := a.LastReceivedSeq(); ok {
		t.Error("a should not report a resume seq")
	}
	seq, ok := b.LastReceivedSeq()
	if !ok || seq != 42 {
		t.Errorf("b.LastReceivedSeq() = %d, %v, want 42, true", seq, ok)
	}
}

func TestInMemory_CloseUnblocksRecvAndRejectsSend(t *testing.T) {
	a, b := NewInMemoryPair()
	a.Close()

	if _, err := a.Recv(context.Background()); err != ErrClosed {
		t.Errorf("Recv after close = %v, want ErrClosed", err)
	}
	if err := a.Send(context.Background(), []byte("x")); err != ErrClosed {
		t.Errorf("Send after close = %v, want ErrClosed", err)
	}

	// b can still drain whatever was buffered before a closed, but once
	// empty it should not hang forever -- use a short deadline since
	// closing a does not close b's inbound channel.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Recv(ctx); err != context.DeadlineExceeded {
		t.Errorf("Recv on peer = %v, want DeadlineExceeded", err)
	}
}

func TestInMemory_CloseIsIdempotent(t *testing.T) {
	a, _ := NewInMemoryPair()
	a.Close()
	a.Close()
}

func TestInMemory_SendRespectsContextCancellation(t *testing.T) {
	a, _ := NewInMemoryPair()
	// Fill the buffer so the next send would block.
	for i := 0; i < 64; i++ {
		if err := a.Send(context.Background(), []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Send(ctx, []byte("overflow")); err != context.DeadlineExceeded {
		t.Errorf("Send on full buffer = %v, want DeadlineExceeded", err)
	}
}
