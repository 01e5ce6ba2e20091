// Package sqlitestore implements C8's other sessionstore.Backend: a
// modernc.org/sqlite (pure Go, no cgo) table of sessions, keyed by id, with
// negotiated state and the event sequence stored as JSON blobs. Grounded on
// HyphaGroup-oubliette/internal/schedule/store.go's database/sql +
// modernc.org/sqlite wiring (WAL mode, busy timeout, migrate-on-open).
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/modelcontext/mcpcore/protocol"
	"github.com/modelcontext/mcpcore/sessionstore"
)

// Backend persists sessions in a single SQLite database file.
type Backend struct {
	db *sql.DB
}

// New opens (creating if necessary) a SQLite database at path and ensures
// the sessions table exists.
func New(path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	b := &Backend{db: db}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		last_activity_at DATETIME NOT NULL,
		negotiated BLOB,
		events BLOB NOT NULL
	);`
	_, err := b.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (b *Backend) Close() error { return b.db.Close() }

func encodeNegotiated(n *protocol.NegotiatedState) ([]byte, error) {
	if n == nil {
		return nil, nil
	}
	return json.Marshal(n)
}

func decodeNegotiated(data []byte) (*protocol.NegotiatedState, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var n protocol.NegotiatedState
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// SaveOne upserts snap's row.
func (b *Backend) SaveOne(ctx context.Context, snap sessionstore.Snapshot) error {
	negotiated, err := encodeNegotiated(snap.Negotiated)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode negotiated: %w", err)
	}
	events, err := json.Marshal(snap.Events)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode events: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, last_activity_at, negotiated, events)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_activity_at = excluded.last_activity_at,
			negotiated = excluded.negotiated,
			events = excluded.events`,
		snap.ID, snap.CreatedAt, snap.LastActivityAt, negotiated, events,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: save %s: %w", snap.ID, err)
	}
	return nil
}

func (b *Backend) scanOne(row interface {
	Scan(dest ...any) error
}) (sessionstore.Snapshot, error) {
	var (
		id                          string
		createdAt, lastActivityAt   time.Time
		negotiated, events          []byte
	)
	if err := row.Scan(&id, &createdAt, &lastActivityAt, &negotiated, &events); err != nil {
		return sessionstore.Snapshot{}, err
	}
	n, err := decodeNegotiated(negotiated)
	if err != nil {
		return sessionstore.Snapshot{}, fmt.Errorf("sqlitestore: decode negotiated for %s: %w", id, err)
	}
	snap := sessionstore.Snapshot{ID: id, CreatedAt: createdAt, LastActivityAt: lastActivityAt, Negotiated: n}
	if err := json.Unmarshal(events, &snap.Events); err != nil {
		return sessionstore.Snapshot{}, fmt.Errorf("sqlitestore: decode events for %s: %w", id, err)
	}
	return snap, nil
}

// LoadOne returns the row for id, or ok=false if absent.
func (b *Backend) LoadOne(ctx context.Context, id string) (sessionstore.Snapshot, bool, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_activity_at, negotiated, events
		FROM sessions WHERE id = ?`, id)
	snap, err := b.scanOne(row)
	if err == sql.ErrNoRows {
		return sessionstore.Snapshot{}, false, nil
	}
	if err != nil {
		return sessionstore.Snapshot{}, false, fmt.Errorf("sqlitestore: load %s: %w", id, err)
	}
	return snap, true, nil
}

// LoadAll returns every row.
func (b *Backend) LoadAll(ctx context.Context) ([]sessionstore.Snapshot, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, created_at, last_activity_at, negotiated, events FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: loadall: %w", err)
	}
	defer rows.Close()

	var out []sessionstore.Snapshot
	for rows.Next() {
		snap, err := b.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// DeleteOne removes id's row, if present.
func (b *Backend) DeleteOne(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlitestore: delete %s: %w", id, err)
	}
	return nil
}
