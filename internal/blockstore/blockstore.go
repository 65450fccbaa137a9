// Package blockstore is the Block Store (C3): it persists parsed
// blocks by state hash and maintains the height, slot, creator, and
// coinbase-receiver secondary indexes spec.md §4.3 names, following
// the teacher's blockstore package's staging-map-then-commit shape.
package blockstore

import (
	"bytes"
	"sort"

	"github.com/trevorbernard/mina-indexer/internal/errs"
	"github.com/trevorbernard/mina-indexer/internal/keys"
	"github.com/trevorbernard/mina-indexer/internal/logger"
	"github.com/trevorbernard/mina-indexer/internal/lrucache"
	"github.com/trevorbernard/mina-indexer/internal/model"
	"github.com/trevorbernard/mina-indexer/internal/serialize"
	"github.com/trevorbernard/mina-indexer/internal/store"
)

var log = logger.Get("BSTORE")

// Direction controls iteration order for the range scans below.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// AlreadyPresent is returned by PutBlock when the state hash is
// already stored; callers treat it as success, not failure (§4.3:
// put_block is idempotent).
var AlreadyPresent = errs.New(errs.KindStorage, "block already present")

// Store is the Block Store.
type Store struct {
	db    store.DB
	cache *lrucache.LRUCache
}

// New constructs a Store reading through to db, with an in-memory
// cache of the last cacheSize block bodies.
func New(db store.DB, cacheSize int) *Store {
	return &Store{db: db, cache: lrucache.New(cacheSize)}
}

// PutBlock writes a block's body plus every secondary index in one
// batch, tagged Pending. Returns AlreadyPresent (not an error the
// caller must abort on) if the state hash already exists.
func (s *Store) PutBlock(batch store.WriteBatch, block *model.Block) error {
	bodyKey := keys.BlockBodyBucket.Key(keys.BlockBody(block.StateHash))
	exists, err := batch.Has(bodyKey)
	if err != nil {
		return err
	}
	if exists {
		return AlreadyPresent
	}

	if err := batch.Put(bodyKey, serialize.Block(block)); err != nil {
		return err
	}
	if err := batch.Put(keys.ByHeightBucket.Key(keys.ByHeight(block.Height, block.StateHash)), []byte{}); err != nil {
		return err
	}
	if err := batch.Put(keys.BySlotBucket.Key(keys.BySlot(block.Slot, block.StateHash)), []byte{}); err != nil {
		return err
	}
	if err := batch.Put(keys.ByCreatorBucket.Key(keys.ByCreatorOrReceiver(block.Creator, block.Height, block.StateHash)), []byte{}); err != nil {
		return err
	}
	if err := batch.Put(keys.ByCoinbaseReceiverBucket.Key(keys.ByCreatorOrReceiver(block.CoinbaseReceiver, block.Height, block.StateHash)), []byte{}); err != nil {
		return err
	}
	if err := batch.Put(keys.CanonicityBucket.Key(keys.BlockBody(block.StateHash)), []byte{byte(model.Pending)}); err != nil {
		return err
	}

	s.cache.Add(block.StateHash, block)
	log.Debugf("staged block %s at height %d", block.StateHash, block.Height)
	return nil
}

// GetBlock returns the stored block for hash, or a KindNotFound
// error.
func (s *Store) GetBlock(r store.Reader, hash model.StateHash) (*model.Block, error) {
	if v, ok := s.cache.Get(hash); ok {
		return v.(*model.Block), nil
	}
	data, err := r.Get(keys.BlockBodyBucket.Key(keys.BlockBody(hash)))
	if err != nil {
		return nil, err
	}
	block, err := serialize.DecodeBlock(data)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindStorage, "decode block "+string(hash))
	}
	s.cache.Add(hash, block)
	return block, nil
}

// Canonicity returns the current canonicity tag for hash.
func (s *Store) Canonicity(r store.Reader, hash model.StateHash) (model.Canonicity, error) {
	data, err := r.Get(keys.CanonicityBucket.Key(keys.BlockBody(hash)))
	if err != nil {
		return model.Pending, err
	}
	return model.Canonicity(data[0]), nil
}

// SetCanonicity flips a block's canonicity tag and keeps the
// canonical-by-height index in sync so height-ordered canonical scans
// never need a filter. Idempotent: setting the same tag twice is a
// no-op batch write.
func (s *Store) SetCanonicity(batch store.WriteBatch, block *model.Block, canonicity model.Canonicity) error {
	if canonicity != model.Canonical && canonicity != model.Orphan {
		return errs.New(errs.KindStorage, "set_canonicity requires Canonical or Orphan")
	}
	if err := batch.Put(keys.CanonicityBucket.Key(keys.BlockBody(block.StateHash)), []byte{byte(canonicity)}); err != nil {
		return err
	}
	canonicalKey := keys.CanonicalByHeightBucket.Key(keys.ByHeight(block.Height, block.StateHash))
	if canonicity == model.Canonical {
		return batch.Put(canonicalKey, []byte{})
	}
	return batch.Delete(canonicalKey)
}

// BlockRow pairs a state hash with the fields the tie-break rule and
// callers need without a second store round trip.
type BlockRow struct {
	StateHash    model.StateHash
	Height       uint32
	Canonicity   model.Canonicity
	ReceivedTime int64
}

// IterByHeight scans the by-height (canonicalOnly=false) or
// canonical-by-height (canonicalOnly=true) index over [minHeight,
// maxHeight] (inclusive), stopping after limit rows (0 = unbounded).
// It never reads past maxHeight — the early-exit invariant P6 tests.
func (s *Store) IterByHeight(r store.Reader, minHeight, maxHeight uint32, dir Direction, canonicalOnly bool, limit int) ([]model.StateHash, error) {
	bucket := keys.ByHeightBucket
	if canonicalOnly {
		bucket = keys.CanonicalByHeightBucket
	}
	cur, err := r.Cursor(bucket)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var hashes []model.StateHash
	var ok bool
	if dir == Ascending {
		ok = cur.Seek(keys.EncodeHeight(minHeight))
	} else {
		ok = seekDescendingU32Bound(cur, maxHeight)
	}
	for ok {
		h := keys.HeightFromByHeight(cur.Key().Suffix())
		if dir == Ascending && h > maxHeight {
			break
		}
		if dir == Descending && h < minHeight {
			break
		}
		hashes = append(hashes, keys.StateHashFromByHeight(cur.Key().Suffix()))
		if limit > 0 && len(hashes) >= limit {
			break
		}
		if dir == Ascending {
			ok = cur.Next()
		} else {
			ok = cur.Prev()
		}
	}
	return hashes, nil
}

// seekDescendingU32Bound positions cur at the last entry whose
// leading 4-byte big-endian field is <= bound, so a bounded descending
// scan starts at the upper bound instead of the top of the whole
// bucket. §4.8 requires bounded scans to never read past their upper
// bound; starting at cur.Last() unconditionally and stepping down to
// the bound via Prev violates that whenever the bucket's true maximum
// sits far above bound. bound == ^uint32(0) means unbounded, so it
// falls back to Last directly.
func seekDescendingU32Bound(cur store.Cursor, bound uint32) bool {
	if bound == ^uint32(0) {
		return cur.Last()
	}
	if cur.Seek(keys.EncodeHeight(bound + 1)) {
		return cur.Prev()
	}
	return cur.Last()
}

// IterBySlot scans the by-slot index over [minSlot, maxSlot].
func (s *Store) IterBySlot(r store.Reader, minSlot, maxSlot uint32, dir Direction, limit int) ([]model.StateHash, error) {
	cur, err := r.Cursor(keys.BySlotBucket)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var hashes []model.StateHash
	var ok bool
	if dir == Ascending {
		ok = cur.Seek(keys.EncodeSlot(minSlot))
	} else {
		// EncodeSlot and EncodeHeight both big-endian-encode a plain
		// uint32, so the same bound-seeking helper applies unchanged.
		ok = seekDescendingU32Bound(cur, maxSlot)
	}
	for ok {
		slot := keys.DecodeSlot(cur.Key().Suffix()[:4])
		if dir == Ascending && slot > maxSlot {
			break
		}
		if dir == Descending && slot < minSlot {
			break
		}
		hashes = append(hashes, keys.StateHashFromBySlot(cur.Key().Suffix()))
		if limit > 0 && len(hashes) >= limit {
			break
		}
		if dir == Ascending {
			ok = cur.Next()
		} else {
			ok = cur.Prev()
		}
	}
	return hashes, nil
}

// IterByCreator scans the by-creator index for a fixed public key
// over an inclusive height range.
func (s *Store) IterByCreator(r store.Reader, pk model.PublicKey, minHeight, maxHeight uint32) ([]model.StateHash, error) {
	return iterByPKIndex(r, keys.ByCreatorBucket, pk, minHeight, maxHeight)
}

// IterByCoinbaseReceiver scans the by-coinbase-receiver index for a
// fixed public key over an inclusive height range.
func (s *Store) IterByCoinbaseReceiver(r store.Reader, pk model.PublicKey, minHeight, maxHeight uint32) ([]model.StateHash, error) {
	return iterByPKIndex(r, keys.ByCoinbaseReceiverBucket, pk, minHeight, maxHeight)
}

// iterByPKIndex scans the flat by-creator/by-coinbase-receiver bucket
// (pk_bytes || u32_be(height) || state_hash, matching PutBlock's write
// key exactly) rather than a nested per-pk bucket: it seeks to the
// first key at or above (pk, minHeight, lowest hash) and stops as soon
// as the pk prefix no longer matches or height runs past maxHeight.
func iterByPKIndex(r store.Reader, bucket store.Bucket, pk model.PublicKey, minHeight, maxHeight uint32) ([]model.StateHash, error) {
	cur, err := r.Cursor(bucket)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	pkBytes := keys.EncodePublicKey(pk)
	seekKey := keys.ByCreatorOrReceiver(pk, minHeight, "")

	var hashes []model.StateHash
	for ok := cur.Seek(seekKey); ok; ok = cur.Next() {
		suffix := cur.Key().Suffix()
		if !bytes.HasPrefix(suffix, pkBytes) {
			break
		}
		height := keys.HeightFromByCreatorOrReceiver(suffix)
		if height > maxHeight {
			break
		}
		hashes = append(hashes, keys.StateHashFromByCreatorOrReceiver(suffix))
	}
	return hashes, nil
}

// BlocksAtHeight returns every block at an exact height, applying the
// §4.3 tie-break: canonical first, then non-canonical by descending
// receive time, then by state hash ascending.
func (s *Store) BlocksAtHeight(r store.Reader, height uint32) ([]*model.Block, error) {
	hashes, err := s.IterByHeight(r, height, height, Ascending, false, 0)
	if err != nil {
		return nil, err
	}
	rows := make([]BlockRow, 0, len(hashes))
	blocksByHash := make(map[model.StateHash]*model.Block, len(hashes))
	for _, h := range hashes {
		block, err := s.GetBlock(r, h)
		if err != nil {
			return nil, err
		}
		canonicity, err := s.Canonicity(r, h)
		if err != nil {
			return nil, err
		}
		rows = append(rows, BlockRow{StateHash: h, Height: height, Canonicity: canonicity, ReceivedTime: block.ReceivedTime})
		blocksByHash[h] = block
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if (a.Canonicity == model.Canonical) != (b.Canonicity == model.Canonical) {
			return a.Canonicity == model.Canonical
		}
		if a.ReceivedTime != b.ReceivedTime {
			return a.ReceivedTime > b.ReceivedTime
		}
		return a.StateHash < b.StateHash
	})

	blocks := make([]*model.Block, len(rows))
	for i, row := range rows {
		blocks[i] = blocksByHash[row.StateHash]
	}
	return blocks, nil
}
