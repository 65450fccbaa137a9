package blockstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trevorbernard/mina-indexer/internal/model"
	"github.com/trevorbernard/mina-indexer/internal/store"
)

func openTestDB(t *testing.T) store.DB {
	t.Helper()
	dir, err := os.MkdirTemp("", "minaindexer-blockstore-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	db, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func mustPut(t *testing.T, db store.DB, s *Store, b *model.Block) {
	t.Helper()
	batch := db.NewWriteBatch()
	require.NoError(t, s.PutBlock(batch, b))
	require.NoError(t, batch.Commit())
}

// TestIterByCreatorFindsBlocksWrittenByPutBlock guards against the
// by-creator/by-coinbase-receiver read and write paths drifting apart:
// PutBlock writes a flat pk||height||hash key, so IterByCreator must
// scan the same flat bucket rather than a nested per-pk one, or every
// lookup silently returns nothing.
func TestIterByCreatorFindsBlocksWrittenByPutBlock(t *testing.T) {
	db := openTestDB(t)
	s := New(db, 16)

	mustPut(t, db, s, &model.Block{StateHash: "s1", Height: 1, Creator: "alice"})
	mustPut(t, db, s, &model.Block{StateHash: "s2", Height: 2, Creator: "alice"})
	mustPut(t, db, s, &model.Block{StateHash: "s3", Height: 3, Creator: "bob"})

	hashes, err := s.IterByCreator(db, "alice", 0, ^uint32(0))
	require.NoError(t, err)
	require.Equal(t, []model.StateHash{"s1", "s2"}, hashes)

	hashes, err = s.IterByCreator(db, "bob", 0, ^uint32(0))
	require.NoError(t, err)
	require.Equal(t, []model.StateHash{"s3"}, hashes)

	hashes, err = s.IterByCreator(db, "carol", 0, ^uint32(0))
	require.NoError(t, err)
	require.Empty(t, hashes)
}

func TestIterByCoinbaseReceiverRespectsHeightBounds(t *testing.T) {
	db := openTestDB(t)
	s := New(db, 16)

	for h := uint32(1); h <= 5; h++ {
		mustPut(t, db, s, &model.Block{StateHash: model.StateHash("s" + itoa(h)), Height: h, CoinbaseReceiver: "alice"})
	}

	hashes, err := s.IterByCoinbaseReceiver(db, "alice", 2, 4)
	require.NoError(t, err)
	require.Len(t, hashes, 3)
}

// TestIterByHeightDescendingStartsAtUpperBound checks that a bounded
// descending canonical scan over [11, 50] returns exactly those 40 rows,
// highest first. It checks the returned rows only, not where the cursor
// was first positioned.
func TestIterByHeightDescendingStartsAtUpperBound(t *testing.T) {
	db := openTestDB(t)
	s := New(db, 16)

	for h := uint32(1); h <= 120; h++ {
		batch := db.NewWriteBatch()
		b := &model.Block{StateHash: model.StateHash("s" + itoa(h)), Height: h}
		require.NoError(t, s.PutBlock(batch, b))
		require.NoError(t, s.SetCanonicity(batch, b, model.Canonical))
		require.NoError(t, batch.Commit())
	}

	hashes, err := s.IterByHeight(db, 11, 50, Descending, true, 0)
	require.NoError(t, err)
	require.Len(t, hashes, 40)
	require.Equal(t, model.StateHash("s50"), hashes[0])
	require.Equal(t, model.StateHash("s11"), hashes[len(hashes)-1])
}

func TestIterByHeightDescendingUnboundedStillWorks(t *testing.T) {
	db := openTestDB(t)
	s := New(db, 16)

	for h := uint32(1); h <= 5; h++ {
		batch := db.NewWriteBatch()
		b := &model.Block{StateHash: model.StateHash("s" + itoa(h)), Height: h}
		require.NoError(t, s.PutBlock(batch, b))
		require.NoError(t, s.SetCanonicity(batch, b, model.Canonical))
		require.NoError(t, batch.Commit())
	}

	hashes, err := s.IterByHeight(db, 0, ^uint32(0), Descending, true, 0)
	require.NoError(t, err)
	require.Equal(t, model.StateHash("s5"), hashes[0])
	require.Equal(t, model.StateHash("s1"), hashes[len(hashes)-1])
}

func itoa(h uint32) string {
	if h == 0 {
		return "0"
	}
	digits := []byte{}
	for h > 0 {
		digits = append([]byte{byte('0' + h%10)}, digits...)
		h /= 10
	}
	return string(digits)
}
