// Package store is the KV store facade (C1) and key codec substrate
// (C2): a typed wrapper over goleveldb giving every higher layer
// get/iter/write-batch/snapshot without depending on the engine
// directly.
package store

import "github.com/trevorbernard/mina-indexer/internal/errs"

// Cursor iterates over database entries within a bucket in
// engine-defined byte order, which the fixed-width big-endian key
// encodings in package keys arrange to equal numeric/semantic order.
type Cursor interface {
	// First moves to the first entry. Returns false if the bucket is
	// empty.
	First() bool
	// Last moves to the last entry. Returns false if the bucket is
	// empty.
	Last() bool
	// Next moves to the next entry in forward iteration order.
	// Returns false once exhausted.
	Next() bool
	// Prev moves to the previous entry in forward iteration order
	// (i.e. the next entry when iterating in reverse). Returns false
	// once exhausted.
	Prev() bool
	// Seek moves to the first entry whose key is >= the given
	// suffix. Returns false if no such entry exists.
	Seek(suffix []byte) bool
	// Key returns the key of the current entry.
	Key() Key
	// Value returns the value of the current entry. The caller must
	// not retain the returned slice past the next cursor call.
	Value() ([]byte, error)
	// Close releases resources associated with the cursor.
	Close() error
}

// Reader is a read-only view over the store: either the live database
// or a pinned snapshot.
type Reader interface {
	// Get returns the value for key, or a KindNotFound error if
	// absent.
	Get(key Key) ([]byte, error)
	// Has reports whether key is present.
	Has(key Key) (bool, error)
	// Cursor opens a cursor restricted to the given bucket.
	Cursor(bucket Bucket) (Cursor, error)
}

// Writer can additionally mutate the store.
type Writer interface {
	Reader
	Put(key Key, value []byte) error
	Delete(key Key) error
}

// WriteBatch accumulates a set of puts/deletes that commit atomically
// via Commit, or discard entirely via Discard.
type WriteBatch interface {
	Writer
	// Commit flushes every accumulated operation in one fsynced,
	// all-or-nothing write.
	Commit() error
	// Discard abandons every accumulated operation.
	Discard()
}

// DB is the top-level handle applications hold: it can read directly,
// open atomic write batches, and pin point-in-time snapshots for
// query isolation.
type DB interface {
	Reader
	// NewWriteBatch opens a new atomic batch of writes.
	NewWriteBatch() WriteBatch
	// Snapshot pins a read-only, point-in-time view of the store so
	// a long-running query never observes a reorg mid-scan.
	Snapshot() (Snapshot, error)
	// Close flushes and releases the underlying engine handle.
	Close() error
}

// Snapshot is a Reader pinned to the database state at the moment it
// was taken.
type Snapshot interface {
	Reader
	Release()
}

// storageError wraps every error the engine returns, per §4.1's
// {NotFound, Corrupt, Io, Full} taxonomy collapsed onto the shared
// errs.Kind set (NotFound maps to errs.KindNotFound; the rest map to
// errs.KindStorage since the engine does not distinguish them at the
// Go API boundary).
func storageError(err error, context string) error {
	return errs.Wrap(err, errs.KindStorage, context)
}
