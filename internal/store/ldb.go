package store

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/trevorbernard/mina-indexer/internal/errs"
)

// defaultOptions tunes goleveldb for an ingest-heavy, append-mostly
// workload: no compression (state hashes and protocol blobs are
// already dense), a large block cache, and disabled seek-compaction
// since range scans over canonical/height indexes are the norm here,
// not the exception.
var defaultOptions = opt.Options{
	Compression:            opt.NoCompression,
	BlockCacheCapacity:     256 * opt.MiB,
	WriteBuffer:            64 * opt.MiB,
	DisableSeeksCompaction: true,
}

// ldbDB is the goleveldb-backed DB implementation.
type ldbDB struct {
	ldb *leveldb.DB
}

// Open opens (creating if necessary) a goleveldb database at path.
func Open(path string) (DB, error) {
	ldb, err := leveldb.OpenFile(path, &defaultOptions)
	if err != nil {
		return nil, storageError(err, "open database at "+path)
	}
	return &ldbDB{ldb: ldb}, nil
}

func (d *ldbDB) Get(key Key) ([]byte, error) {
	v, err := d.ldb.Get(key.Bytes(), nil)
	if err == leveldb.ErrNotFound {
		return nil, errs.New(errs.KindNotFound, key.String())
	}
	if err != nil {
		return nil, storageError(err, "get "+key.String())
	}
	return v, nil
}

func (d *ldbDB) Has(key Key) (bool, error) {
	ok, err := d.ldb.Has(key.Bytes(), nil)
	if err != nil {
		return false, storageError(err, "has "+key.String())
	}
	return ok, nil
}

func (d *ldbDB) Cursor(bucket Bucket) (Cursor, error) {
	rng := util.BytesPrefix(bucket.Path())
	it := d.ldb.NewIterator(rng, nil)
	return &ldbCursor{it: it, bucketPath: bucket.Path()}, nil
}

func (d *ldbDB) NewWriteBatch() WriteBatch {
	return &ldbWriteBatch{db: d.ldb, batch: new(leveldb.Batch)}
}

func (d *ldbDB) Snapshot() (Snapshot, error) {
	snap, err := d.ldb.GetSnapshot()
	if err != nil {
		return nil, storageError(err, "snapshot")
	}
	return &ldbSnapshot{snap: snap}, nil
}

func (d *ldbDB) Close() error {
	if err := d.ldb.Close(); err != nil {
		return storageError(err, "close")
	}
	return nil
}

type ldbSnapshot struct {
	snap *leveldb.Snapshot
}

func (s *ldbSnapshot) Get(key Key) ([]byte, error) {
	v, err := s.snap.Get(key.Bytes(), nil)
	if err == leveldb.ErrNotFound {
		return nil, errs.New(errs.KindNotFound, key.String())
	}
	if err != nil {
		return nil, storageError(err, "snapshot get "+key.String())
	}
	return v, nil
}

func (s *ldbSnapshot) Has(key Key) (bool, error) {
	ok, err := s.snap.Has(key.Bytes(), nil)
	if err != nil {
		return false, storageError(err, "snapshot has "+key.String())
	}
	return ok, nil
}

func (s *ldbSnapshot) Cursor(bucket Bucket) (Cursor, error) {
	rng := util.BytesPrefix(bucket.Path())
	it := s.snap.NewIterator(rng, nil)
	return &ldbCursor{it: it, bucketPath: bucket.Path()}, nil
}

func (s *ldbSnapshot) Release() {
	s.snap.Release()
}

// ldbCursor adapts goleveldb's iterator (forward-seeking with First/
// Last/Next/Prev/Seek all in absolute byte order) to Cursor, stripping
// the bucket prefix off Key() so callers deal only in suffixes.
type ldbCursor struct {
	it         iterator.Iterator
	bucketPath []byte
}

func (c *ldbCursor) First() bool { return c.it.First() }
func (c *ldbCursor) Last() bool  { return c.it.Last() }
func (c *ldbCursor) Next() bool  { return c.it.Next() }
func (c *ldbCursor) Prev() bool  { return c.it.Prev() }

func (c *ldbCursor) Seek(suffix []byte) bool {
	full := NewKey(c.bucketPath, suffix).Bytes()
	return c.it.Seek(full)
}

func (c *ldbCursor) Key() Key {
	full := c.it.Key()
	suffix := full[len(c.bucketPath):]
	suffixCopy := make([]byte, len(suffix))
	copy(suffixCopy, suffix)
	return NewKey(c.bucketPath, suffixCopy)
}

func (c *ldbCursor) Value() ([]byte, error) {
	v := c.it.Value()
	if v == nil {
		return nil, errs.New(errs.KindNotFound, "cursor value")
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (c *ldbCursor) Close() error {
	c.it.Release()
	if err := c.it.Error(); err != nil && err != errors.ErrNotFound {
		return storageError(err, "cursor close")
	}
	return nil
}

// ldbWriteBatch stages puts/deletes in memory and flushes them with a
// single fsynced, all-or-nothing leveldb.Write call on Commit.
type ldbWriteBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (b *ldbWriteBatch) Get(key Key) ([]byte, error) {
	v, err := b.db.Get(key.Bytes(), nil)
	if err == leveldb.ErrNotFound {
		return nil, errs.New(errs.KindNotFound, key.String())
	}
	if err != nil {
		return nil, storageError(err, "get "+key.String())
	}
	return v, nil
}

func (b *ldbWriteBatch) Has(key Key) (bool, error) {
	ok, err := b.db.Has(key.Bytes(), nil)
	if err != nil {
		return false, storageError(err, "has "+key.String())
	}
	return ok, nil
}

func (b *ldbWriteBatch) Cursor(bucket Bucket) (Cursor, error) {
	rng := util.BytesPrefix(bucket.Path())
	it := b.db.NewIterator(rng, nil)
	return &ldbCursor{it: it, bucketPath: bucket.Path()}, nil
}

func (b *ldbWriteBatch) Put(key Key, value []byte) error {
	b.batch.Put(key.Bytes(), value)
	return nil
}

func (b *ldbWriteBatch) Delete(key Key) error {
	b.batch.Delete(key.Bytes())
	return nil
}

func (b *ldbWriteBatch) Commit() error {
	wo := &opt.WriteOptions{Sync: true}
	if err := b.db.Write(b.batch, wo); err != nil {
		return storageError(err, "commit write batch")
	}
	b.batch.Reset()
	return nil
}

func (b *ldbWriteBatch) Discard() {
	b.batch.Reset()
}
