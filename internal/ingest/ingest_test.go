package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trevorbernard/mina-indexer/internal/blockstore"
	"github.com/trevorbernard/mina-indexer/internal/ledger"
	"github.com/trevorbernard/mina-indexer/internal/ledgerstore"
	"github.com/trevorbernard/mina-indexer/internal/model"
	"github.com/trevorbernard/mina-indexer/internal/store"
)

func newTestIngestor(t *testing.T) (*Ingestor, string, string) {
	t.Helper()
	dbDir, err := os.MkdirTemp("", "minaindexer-ingest-db")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dbDir) })
	db, err := store.Open(dbDir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blocksDir, err := os.MkdirTemp("", "minaindexer-blocks")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(blocksDir) })
	ledgersDir, err := os.MkdirTemp("", "minaindexer-ledgers")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(ledgersDir) })

	bs := blockstore.New(db, 64)
	ls := ledgerstore.New(db)
	pipe := ledger.New(bs, ls, 0, 100)
	tree, agg, cursor, err := Bootstrap(db, bs, ls, 100, 10)
	require.NoError(t, err)

	cfg := Config{BlocksDir: blocksDir, StakingLedgersDir: ledgersDir, ReevaluateEvery: 1}
	ig := New(cfg, db, bs, ls, tree, pipe, agg, cursor)
	return ig, blocksDir, ledgersDir
}

func writeBlockFile(t *testing.T, dir string, height uint32, hash, parent string) {
	t.Helper()
	content := `{
		"state_hash": "` + hash + `",
		"protocol_state": {
			"previous_state_hash": "` + parent + `",
			"body": {"consensus_state": {
				"blockchain_length": "` + itoaTest(height) + `",
				"global_slot_since_genesis": ` + itoaTest(height) + `,
				"last_vrf_output": "v` + itoaTest(height) + `",
				"block_creator": "creator1",
				"coinbase_receiver": "receiver1"
			}}
		},
		"staged_ledger_diff": {"diff": []}
	}`
	name := "mainnet-" + itoaTest(height) + "-" + hash + ".json"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func itoaTest(n uint32) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestIngestorAdmitsLinearChain(t *testing.T) {
	ig, blocksDir, _ := newTestIngestor(t)

	writeBlockFile(t, blocksDir, 1, "hash1", "")
	writeBlockFile(t, blocksDir, 2, "hash2", "hash1")

	require.NoError(t, ig.Scan())
	require.NoError(t, ig.Drain(context.Background()))

	require.Equal(t, model.StateHash("hash2"), ig.tree.BestTip())

	canon, err := ig.blocks.Canonicity(ig.db, "hash1")
	require.NoError(t, err)
	require.Equal(t, model.Canonical, canon)
	canon, err = ig.blocks.Canonicity(ig.db, "hash2")
	require.NoError(t, err)
	require.Equal(t, model.Canonical, canon)
}

func TestIngestorIsIdempotentOnReplay(t *testing.T) {
	ig, blocksDir, _ := newTestIngestor(t)
	writeBlockFile(t, blocksDir, 1, "hash1", "")

	require.NoError(t, ig.Scan())
	require.NoError(t, ig.Drain(context.Background()))
	firstCursor := ig.cursor

	// Re-scanning with the same cursor should find nothing new below it.
	require.NoError(t, ig.Scan())
	require.Equal(t, 0, ig.queue.len())
	require.Equal(t, firstCursor, ig.cursor)
}

func TestIngestorQuarantinesMalformedFile(t *testing.T) {
	ig, blocksDir, _ := newTestIngestor(t)
	require.NoError(t, os.WriteFile(filepath.Join(blocksDir, "garbage.json"), []byte("{}"), 0o644))
	writeBlockFile(t, blocksDir, 1, "hash1", "")

	require.NoError(t, ig.Scan())
	require.NoError(t, ig.Drain(context.Background()))

	require.Equal(t, model.StateHash("hash1"), ig.tree.BestTip())
}
