package sessionstore

import "context"

// Backend is the persistence capability the store is polymorphic over
// (spec.md §4.4: "{loadAll, loadOne, saveOne, deleteOne}"). A volatile
// (in-memory-only) backend is permitted; concrete durable implementations
// live in the sibling filestore and sqlitestore packages (C8).
type Backend interface {
	LoadAll(ctx context.Context) ([]Snapshot, error)
	LoadOne(ctx context.Context, id string) (Snapshot, bool, error)
	SaveOne(ctx context.Context, snap Snapshot) error
	DeleteOne(ctx context.Context, id string) error
}

// NullBackend is a Backend that persists nothing: every session is
// volatile, and LoadAll/LoadOne always report nothing to recover. Useful
// for tests and for deployments happy to lose session state on restart.
type NullBackend struct{}

func (NullBackend) LoadAll(context.Context) ([]Snapshot, error) { return nil, nil }

func (NullBackend) LoadOne(context.Context, string) (Snapshot, bool, error) {
	return Snapshot{}, false, nil
}

func (NullBackend) SaveOne(context.Context, Snapshot) error { return nil }

func (NullBackend) DeleteOne(context.Context, string) error { return nil }
