package eventlog

import (
	"encoding/json"
	"testing"
	"time"
)

func mkEvent(payload string) Event {
	return Event{Direction: Outbound, Kind: KindNotification, Payload: json.RawMessage(payload)}
}

func TestAppend_AssignsMonotonicSeq(t *testing.T) {
	l := New(time.Hour)
	for i := 1; i <= 5; i++ {
		seq, err := l.Append(mkEvent(`{}`))
		if err != nil {
			t.Fatal(err)
		}
		if seq != int64(i) {
			t.Fatalf("seq = %d, want %d", seq, i)
		}
	}
}

func TestSubscribe_ReplaysBacklogThenLive(t *testing.T) {
	l := New(time.Hour)
	l.Append(mkEvent(`{"n":1}`))
	l.Append(mkEvent(`{"n":2}`))

	sub, err := l.Subscribe(1)
	if err != nil {
		t.Fatal(err)
	}
	l.Append(mkEvent(`{"n":3}`))

	var got []int64
	for i := 0; i < 3; i++ {
		ev := <-sub.Events
		got = append(got, ev.Seq)
	}
	for i, want := range []int64{1, 2, 3} {
		if got[i] != want {
			t.Errorf("event %d: seq = %d, want %d", i, got[i], want)
		}
	}
}

func TestSubscribe_FromMidStream(t *testing.T) {
	l := New(time.Hour)
	l.Append(mkEvent(`{}`))
	l.Append(mkEvent(`{}`))
	l.Append(mkEvent(`{}`))

	sub, err := l.Subscribe(2)
	if err != nil {
		t.Fatal(err)
	}
	first := <-sub.Events
	if first.Seq != 2 {
		t.Fatalf("first replayed seq = %d, want 2", first.Seq)
	}
	second := <-sub.Events
	if second.Seq != 3 {
		t.Fatalf("second replayed seq = %d, want 3", second.Seq)
	}
}

func TestSubscribe_GapWhenBeforeRetention(t *testing.T) {
	l := New(10 * time.Millisecond)
	l.Append(mkEvent(`{}`))
	time.Sleep(30 * time.Millisecond)
	l.Append(mkEvent(`{}`)) // evicts seq 1 on this append

	_, err := l.Subscribe(1)
	gap, ok := err.(*Gap)
	if !ok {
		t.Fatalf("err = %v (%T), want *Gap", err, err)
	}
	if gap.Requested != 1 {
		t.Errorf("gap.Requested = %d, want 1", gap.Requested)
	}
}

func TestSubscribe_AtLastKnownSeqIsNotGap(t *testing.T) {
	l := New(time.Hour)
	l.Append(mkEvent(`{}`))
	if _, err := l.Subscribe(1); err != nil {
		t.Fatalf("unexpected error resuming at the last known seq: %v", err)
	}
}

func TestUnsubscribe_IsIdempotentAndIsolated(t *testing.T) {
	l := New(time.Hour)
	subA, err := l.Subscribe(1)
	if err != nil {
		t.Fatal(err)
	}
	subB, err := l.Subscribe(1)
	if err != nil {
		t.Fatal(err)
	}

	l.Unsubscribe(subA)
	l.Unsubscribe(subA) // idempotent: must not panic

	l.Append(mkEvent(`{}`))
	select {
	case ev, ok := <-subB.Events:
		if !ok {
			t.Fatal("subB should still be live after subA unsubscribed")
		}
		if ev.Seq != 1 {
			t.Errorf("seq = %d, want 1", ev.Seq)
		}
	}
	if _, ok := <-subA.Events; ok {
		t.Error("subA.Events should be closed")
	}
}

func TestEvict_RetainsOnlyWithinWindow(t *testing.T) {
	l := New(10 * time.Millisecond)
	l.Append(mkEvent(`{}`))
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}
	time.Sleep(30 * time.Millisecond)
	l.Append(mkEvent(`{}`))
	if got := l.Len(); got != 1 {
		t.Errorf("Len() after eviction = %d, want 1", got)
	}
}

func TestCloseAll_ClosesEveryLiveSubscriber(t *testing.T) {
	l := New(time.Hour)
	sub1, _ := l.Subscribe(1)
	sub2, _ := l.Subscribe(1)
	l.CloseAll()

	if _, ok := <-sub1.Events; ok {
		t.Error("sub1 should be closed")
	}
	if _, ok := <-sub2.Events; ok {
		t.Error("sub2 should be closed")
	}
	if l.SubscriberCount() != 0 {
		t.Error("SubscriberCount should be 0 after CloseAll")
	}
}

func TestSlowConsumer_IsDisconnectedNotBlocking(t *testing.T) {
	l := New(time.Hour)
	sub, err := l.Subscribe(1)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < defaultSubscriberBuffer+5; i++ {
		if _, err := l.Append(mkEvent(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	drained := 0
	for range sub.Events {
		drained++
	}
	if err := sub.Err(); err != ErrSlowConsumer {
		t.Errorf("sub.Err() = %v, want ErrSlowConsumer", err)
	}
	if drained == 0 {
		t.Error("expected at least the buffered events to be delivered before disconnect")
	}
}

func TestPersist_FailureAbortsAppendAndDoesNotAdvanceSeq(t *testing.T) {
	boom := &testErr{"disk full"}
	l := New(time.Hour, WithPersist(func(Event) error { return boom }))
	_, err := l.Append(mkEvent(`{}`))
	if err != boom {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if l.LastSeq() != 0 {
		t.Errorf("LastSeq() = %d, want 0 after failed append", l.LastSeq())
	}
}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
