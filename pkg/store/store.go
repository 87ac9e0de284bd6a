// Package store defines the durable key/value abstraction the engine runs
// on, plus in-memory and Redis implementations.
//
// The engine is concurrency-agnostic at the protocol level but must be safe
// under parallel workers sharing one store, so the interface exposes
// revisioned reads and compare-and-swap writes. Every linearizable mutation
// in the engine (one-time-prekey consumption, key-version activation,
// migration progress) goes through CompareAndSwap; plain Put is reserved for
// keys with a single writer.
package store

import "context"

// Entry is one stored record with its revision.
type Entry struct {
	Key      string
	Value    []byte
	Revision int64
}

// KV is a revisioned key/value store.
//
// Revisions start at 1 on creation and increase by 1 per successful write to
// the same key. A CompareAndSwap with expectedRevision 0 is a
// create-if-absent: it fails with ErrConflict when the key already exists.
type KV interface {
	// Get returns the value and current revision of key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, int64, error)

	// Put writes key unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (int64, error)

	// CompareAndSwap writes key only if its current revision equals
	// expectedRevision, returning the new revision or ErrConflict.
	CompareAndSwap(ctx context.Context, key string, value []byte, expectedRevision int64) (int64, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all entries whose key starts with prefix, in unspecified
	// order.
	List(ctx context.Context, prefix string) ([]Entry, error)
}
