package ledger

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trevorbernard/mina-indexer/internal/blockstore"
	"github.com/trevorbernard/mina-indexer/internal/blocktree"
	"github.com/trevorbernard/mina-indexer/internal/keys"
	"github.com/trevorbernard/mina-indexer/internal/ledgerstore"
	"github.com/trevorbernard/mina-indexer/internal/model"
	"github.com/trevorbernard/mina-indexer/internal/serialize"
	"github.com/trevorbernard/mina-indexer/internal/store"
)

func openTestDB(t *testing.T) store.DB {
	t.Helper()
	dir, err := os.MkdirTemp("", "minaindexer-ledger-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	db, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func mustPutBlock(t *testing.T, db store.DB, bs *blockstore.Store, b *model.Block) {
	t.Helper()
	batch := db.NewWriteBatch()
	err := bs.PutBlock(batch, b)
	require.NoError(t, err)
	require.NoError(t, batch.Commit())
}

func TestApplyUserCommandPaymentCreditsReceiver(t *testing.T) {
	db := openTestDB(t)
	bs := blockstore.New(db, 16)
	ls := ledgerstore.New(db)
	p := New(bs, ls, 0, 100)

	accounts := NewAccountSet(db, ls)
	accounts.byPK["alice"] = &model.Account{PublicKey: "alice", Balance: 1000}

	block := &model.Block{
		StateHash: "s1", Height: 1,
		UserCommands: []model.UserCommand{
			{Kind: model.Payment, Source: "alice", Receiver: "bob", Amount: 100, Fee: 1},
		},
	}
	agg := &model.Aggregates{}
	require.NoError(t, p.Apply(accounts, agg, block))

	require.Equal(t, uint64(899), accounts.byPK["alice"].Balance)
	require.Equal(t, uint64(100), accounts.byPK["bob"].Balance)
	require.Equal(t, model.Applied, block.UserCommands[0].Status)
	require.Equal(t, uint64(1), accounts.byPK["alice"].Nonce)
}

func TestApplyUserCommandInsufficientBalanceStillConsumesFee(t *testing.T) {
	db := openTestDB(t)
	bs := blockstore.New(db, 16)
	ls := ledgerstore.New(db)
	p := New(bs, ls, 0, 100)

	accounts := NewAccountSet(db, ls)
	accounts.byPK["alice"] = &model.Account{PublicKey: "alice", Balance: 5}

	block := &model.Block{
		StateHash: "s1", Height: 1,
		UserCommands: []model.UserCommand{
			{Kind: model.Payment, Source: "alice", Receiver: "bob", Amount: 100, Fee: 1},
		},
	}
	agg := &model.Aggregates{}
	require.NoError(t, p.Apply(accounts, agg, block))

	require.Equal(t, uint64(4), accounts.byPK["alice"].Balance)
	require.Equal(t, model.Failed, block.UserCommands[0].Status)
	require.NotEmpty(t, block.UserCommands[0].FailureReason)
	require.Equal(t, uint64(1), accounts.byPK["alice"].Nonce)
	_, everCreditedBob := accounts.byPK["bob"]
	require.False(t, everCreditedBob)
}

func TestApplyInternalCommandCoinbaseCredits(t *testing.T) {
	db := openTestDB(t)
	bs := blockstore.New(db, 16)
	ls := ledgerstore.New(db)
	p := New(bs, ls, 0, 100)

	accounts := NewAccountSet(db, ls)
	block := &model.Block{
		StateHash: "s1", Height: 1,
		InternalCommands: []model.InternalCommand{
			{Kind: model.Coinbase, Receiver: "alice", Amount: 720000000000},
		},
	}
	agg := &model.Aggregates{}
	require.NoError(t, p.Apply(accounts, agg, block))
	require.Equal(t, uint64(720000000000), accounts.byPK["alice"].Balance)
	require.Equal(t, uint64(1), agg.NumBlocks)
	require.Equal(t, uint64(1), agg.NumInternalCommands)
}

func TestApplyDeltaExtendsChainWithoutReorg(t *testing.T) {
	db := openTestDB(t)
	bs := blockstore.New(db, 16)
	ls := ledgerstore.New(db)
	p := New(bs, ls, 0, 100)
	tree := blocktree.New("genesis", 0, 100, 10)

	b1 := &model.Block{StateHash: "s1", ParentHash: "genesis", Height: 1, LastVRFOutput: "v1",
		InternalCommands: []model.InternalCommand{{Kind: model.Coinbase, Receiver: "alice", Amount: 1000}}}
	mustPutBlock(t, db, bs, b1)
	_, err := tree.Add(blocktree.Header{StateHash: "s1", ParentHash: "genesis", Height: 1, LastVRFOutput: "v1"})
	require.NoError(t, err)

	batch := db.NewWriteBatch()
	agg := &model.Aggregates{}
	require.NoError(t, p.ApplyDelta(db, batch, tree, nil, []model.StateHash{"s1"}, agg))
	require.NoError(t, batch.Commit())

	a, err := ls.LookupAccount(db, "alice", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), a.Balance)

	canonicity, err := bs.Canonicity(db, "s1")
	require.NoError(t, err)
	require.Equal(t, model.Canonical, canonicity)
}

// TestApplyDeltaReorgDecrementsAggregates verifies that unapplying a
// previously-canonical block removes its contribution from both the
// global and its epoch's aggregate counters, rather than only ever
// growing them as new blocks are applied on top.
func TestApplyDeltaReorgDecrementsAggregates(t *testing.T) {
	db := openTestDB(t)
	bs := blockstore.New(db, 16)
	ls := ledgerstore.New(db)
	p := New(bs, ls, 0, 100)
	tree := blocktree.New("genesis", 0, 100, 10)

	s1 := &model.Block{
		StateHash: "s1", ParentHash: "genesis", Height: 1, Epoch: 1, LastVRFOutput: "v1",
		InternalCommands: []model.InternalCommand{{Kind: model.Coinbase, Receiver: "alice", Amount: 1000}},
	}
	mustPutBlock(t, db, bs, s1)
	_, err := tree.Add(blocktree.Header{StateHash: "s1", ParentHash: "genesis", Height: 1, LastVRFOutput: "v1"})
	require.NoError(t, err)
	require.Equal(t, model.StateHash("s1"), tree.BestTip())

	agg := &model.Aggregates{}
	batch := db.NewWriteBatch()
	require.NoError(t, p.ApplyDelta(db, batch, tree, nil, []model.StateHash{"s1"}, agg))
	require.NoError(t, batch.Commit())
	require.Equal(t, uint64(1), agg.NumBlocks)
	require.Equal(t, uint64(1), agg.NumInternalCommands)

	epochAgg := readAggregate(t, db, keys.Aggregate("epoch:", 1))
	require.Equal(t, uint64(1), epochAgg.NumBlocks)
	require.Equal(t, uint64(1), epochAgg.NumInternalCommands)

	// s2 has strictly greater virtual work (same height, higher VRF
	// output) than s1, so adding it to the tree flips best_tip and a
	// reorg unapplies s1 in favor of s2.
	s2 := &model.Block{StateHash: "s2", ParentHash: "genesis", Height: 1, Epoch: 1}
	mustPutBlock(t, db, bs, s2)
	_, err = tree.Add(blocktree.Header{StateHash: "s2", ParentHash: "genesis", Height: 1, LastVRFOutput: "v2"})
	require.NoError(t, err)
	require.Equal(t, model.StateHash("s2"), tree.BestTip())

	unapply, apply, err := tree.ReorgDelta("s1", "s2")
	require.NoError(t, err)
	require.Equal(t, []model.StateHash{"s1"}, unapply)
	require.Equal(t, []model.StateHash{"s2"}, apply)

	batch = db.NewWriteBatch()
	require.NoError(t, p.ApplyDelta(db, batch, tree, unapply, apply, agg))
	require.NoError(t, batch.Commit())

	require.Equal(t, uint64(1), agg.NumBlocks, "s1 unapplied, s2 applied: NumBlocks must not double-count")
	require.Equal(t, uint64(0), agg.NumInternalCommands, "s1's coinbase must be removed once s1 is orphaned")

	epochAgg = readAggregate(t, db, keys.Aggregate("epoch:", 1))
	require.Equal(t, uint64(1), epochAgg.NumBlocks)
	require.Equal(t, uint64(0), epochAgg.NumInternalCommands)

	canonicity, err := bs.Canonicity(db, "s1")
	require.NoError(t, err)
	require.Equal(t, model.Orphan, canonicity)
	canonicity, err = bs.Canonicity(db, "s2")
	require.NoError(t, err)
	require.Equal(t, model.Canonical, canonicity)
}

func readAggregate(t *testing.T, db store.DB, key []byte) *model.Aggregates {
	t.Helper()
	data, err := db.Get(keys.AggregatesBucket.Key(key))
	require.NoError(t, err)
	agg, err := serialize.DecodeAggregates(data)
	require.NoError(t, err)
	return agg
}
