// Package filestore implements C8's file-backed sessionstore.Backend: one
// pretty-printed JSON file per session, named "<id>.json" (spec.md §6),
// written with an atomic write-then-rename. Grounded on
// HyphaGroup-oubliette/internal/session/manager.go's saveSession.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontext/mcpcore/eventlog"
	"github.com/modelcontext/mcpcore/protocol"
	"github.com/modelcontext/mcpcore/sessionid"
	"github.com/modelcontext/mcpcore/sessionstore"
)

// Backend persists sessions as one JSON file per session under Dir.
type Backend struct {
	Dir string
}

// New returns a Backend rooted at dir, creating it if necessary.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	return &Backend{Dir: dir}, nil
}

// wireEvent is the on-disk shape of one event (spec.md §6's file body).
type wireEvent struct {
	Seq        int64           `json:"seq"`
	OccurredAt time.Time       `json:"occurredAt"`
	StoredAt   *time.Time      `json:"storedAt,omitempty"`
	Direction  eventlog.Direction `json:"direction"`
	Kind       eventlog.Kind      `json:"kind"`
	Payload    json.RawMessage    `json:"payload"`
}

// wireSession is the on-disk shape of one session file.
type wireSession struct {
	ID             string                     `json:"id"`
	CreatedAt      time.Time                  `json:"createdAt"`
	LastActivityAt time.Time                  `json:"lastActivityAt"`
	Negotiated     *protocol.NegotiatedState  `json:"negotiated,omitempty"`
	Events         []wireEvent                `json:"events"`
}

func toWire(snap sessionstore.Snapshot) wireSession {
	events := make([]wireEvent, len(snap.Events))
	for i, ev := range snap.Events {
		events[i] = wireEvent{
			Seq:        ev.Seq,
			OccurredAt: ev.OccurredAt,
			StoredAt:   ev.StoredAt,
			Direction:  ev.Direction,
			Kind:       ev.Kind,
			Payload:    ev.Payload,
		}
	}
	return wireSession{
		ID:             snap.ID,
		CreatedAt:      snap.CreatedAt,
		LastActivityAt: snap.LastActivityAt,
		Negotiated:     snap.Negotiated,
		Events:         events,
	}
}

func fromWire(w wireSession) sessionstore.Snapshot {
	events := make([]eventlog.Event, len(w.Events))
	for i, ev := range w.Events {
		events[i] = eventlog.Event{
			Seq:        ev.Seq,
			OccurredAt: ev.OccurredAt,
			StoredAt:   ev.StoredAt,
			Direction:  ev.Direction,
			Kind:       ev.Kind,
			Payload:    ev.Payload,
		}
	}
	return sessionstore.Snapshot{
		ID:             w.ID,
		CreatedAt:      w.CreatedAt,
		LastActivityAt: w.LastActivityAt,
		Negotiated:     w.Negotiated,
		Events:         events,
	}
}

func (b *Backend) path(id string) string {
	return filepath.Join(b.Dir, sessionid.SessionIDToFilename(id))
}

// SaveOne writes snap to "<id>.json" atomically: write to a ".tmp" sibling,
// then rename over the final path.
func (b *Backend) SaveOne(_ context.Context, snap sessionstore.Snapshot) error {
	data, err := json.MarshalIndent(toWire(snap), "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal %s: %w", snap.ID, err)
	}

	final := b.path(snap.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("filestore: write %s: %w", snap.ID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("filestore: rename %s: %w", snap.ID, err)
	}
	return nil
}

// LoadOne reads one session file, returning ok=false if it doesn't exist.
func (b *Backend) LoadOne(_ context.Context, id string) (sessionstore.Snapshot, bool, error) {
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return sessionstore.Snapshot{}, false, nil
		}
		return sessionstore.Snapshot{}, false, fmt.Errorf("filestore: read %s: %w", id, err)
	}
	var w wireSession
	if err := json.Unmarshal(data, &w); err != nil {
		return sessionstore.Snapshot{}, false, fmt.Errorf("filestore: parse %s: %w", id, err)
	}
	return fromWire(w), true, nil
}

// LoadAll scans Dir for every "<id>.json" file and parses it.
func (b *Backend) LoadAll(ctx context.Context) ([]sessionstore.Snapshot, error) {
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: readdir: %w", err)
	}
	var out []sessionstore.Snapshot
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		id, ok := sessionid.FilenameToSessionID(entry.Name())
		if !ok {
			continue
		}
		snap, ok, err := b.LoadOne(ctx, id)
		if err != nil || !ok {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// DeleteOne removes the durable artifact for id, if present.
func (b *Backend) DeleteOne(_ context.Context, id string) error {
	err := os.Remove(b.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: delete %s: %w", id, err)
	}
	return nil
}
