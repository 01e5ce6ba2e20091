package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontext/mcpcore/eventlog"
	"github.com/modelcontext/mcpcore/sessionid"
	"github.com/modelcontext/mcpcore/sessionstore"
)

func TestSaveThenLoadOne_RoundTrips(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id := sessionid.New()
	snap := sessionstore.Snapshot{
		ID:             id,
		CreatedAt:      time.Now().Truncate(time.Millisecond),
		LastActivityAt: time.Now().Truncate(time.Millisecond),
		Events: []eventlog.Event{
			{Seq: 1, OccurredAt: time.Now().Truncate(time.Millisecond), Direction: eventlog.Inbound, Kind: eventlog.KindRequest, Payload: json.RawMessage(`{"method":"ping"}`)},
		},
	}

	if err := b.SaveOne(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	got, ok, err := b.LoadOne(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected session to be found")
	}
	if got.ID != id || len(got.Events) != 1 || got.Events[0].Seq != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestLoadOne_MissingReturnsNotOK(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, ok, err := b.LoadOne(context.Background(), sessionid.New())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("missing session should report ok=false")
	}
}

func TestLoadAll_SkipsTmpFiles(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id := sessionid.New()
	snap := sessionstore.Snapshot{ID: id, CreatedAt: time.Now(), LastActivityAt: time.Now()}
	if err := b.SaveOne(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	// A leftover temp file from an interrupted write must be ignored.
	stray := filepath.Join(b.Dir, sessionid.SessionIDToFilename(sessionid.New())+".tmp")
	if err := os.WriteFile(stray, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	all, err := b.LoadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != id {
		t.Fatalf("LoadAll = %+v, want exactly one entry for %s", all, id)
	}
}

func TestDeleteOne_RemovesFileIdempotently(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id := sessionid.New()
	b.SaveOne(context.Background(), sessionstore.Snapshot{ID: id, CreatedAt: time.Now(), LastActivityAt: time.Now()})

	if err := b.DeleteOne(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if err := b.DeleteOne(context.Background(), id); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}
	_, ok, _ := b.LoadOne(context.Background(), id)
	if ok {
		t.Error("session should be gone after delete")
	}
}
