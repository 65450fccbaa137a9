// Package ingest is the Ingestor & Watcher (C7): polls two
// directories, parses and admits files in (height, received_time)
// priority order, and periodically drives C5's fork-choice and C6's
// ledger pipeline off the result.
//
// No file-watching library appears anywhere in the retrieved corpus
// (every go.mod under the example pack was checked), so the watcher is
// a polling loop in the style of the teacher's own time-driven
// constructs (time.AfterFunc-scheduled work in netadapter/connmanager)
// rather than a hand-rolled reimplementation of fsnotify.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/trevorbernard/mina-indexer/internal/blockstore"
	"github.com/trevorbernard/mina-indexer/internal/blocktree"
	"github.com/trevorbernard/mina-indexer/internal/errs"
	"github.com/trevorbernard/mina-indexer/internal/keys"
	"github.com/trevorbernard/mina-indexer/internal/ledger"
	"github.com/trevorbernard/mina-indexer/internal/ledgerstore"
	"github.com/trevorbernard/mina-indexer/internal/logger"
	"github.com/trevorbernard/mina-indexer/internal/model"
	"github.com/trevorbernard/mina-indexer/internal/parse"
	"github.com/trevorbernard/mina-indexer/internal/serialize"
	"github.com/trevorbernard/mina-indexer/internal/store"
)

var log = logger.Get("INGEST")

// Config holds the directories and cadence the watcher needs.
type Config struct {
	BlocksDir          string
	StakingLedgersDir  string
	PollInterval       time.Duration
	ReevaluateEvery    int           // N admissions per §4.7
	ReevaluateInterval time.Duration // T seconds per §4.7
}

// Ingestor owns the in-memory DAG, the ledger pipeline, and the
// watcher cursor; it is the single writer task for the KV store.
type Ingestor struct {
	cfg Config

	db      store.DB
	blocks  *blockstore.Store
	ledgers *ledgerstore.Store
	tree    *blocktree.Tree
	pipe    *ledger.Pipeline

	agg    model.Aggregates
	cursor string

	queue             *admissionQueue
	admittedSinceEval int
	lastEval          time.Time
	lastAppliedBest   model.StateHash
}

// New constructs an Ingestor. bootstrap should already have been run
// (see Bootstrap) so tree reflects the persisted canonical chain.
func New(cfg Config, db store.DB, blocks *blockstore.Store, ledgers *ledgerstore.Store, tree *blocktree.Tree, pipe *ledger.Pipeline, agg model.Aggregates, cursor string) *Ingestor {
	return &Ingestor{
		cfg: cfg, db: db, blocks: blocks, ledgers: ledgers, tree: tree, pipe: pipe,
		agg: agg, cursor: cursor, queue: newAdmissionQueue(), lastEval: time.Time{},
		lastAppliedBest: tree.BestTip(),
	}
}

// Bootstrap reconstructs the in-memory block-tree engine from the
// persisted ChainTip and canonical chain, and loads the watcher cursor
// and aggregate counters. Called once at process startup.
func Bootstrap(db store.DB, blocks *blockstore.Store, ledgers *ledgerstore.Store, maxReorgDepth, evictionSlack uint32) (*blocktree.Tree, model.Aggregates, string, error) {
	tipData, err := db.Get(keys.ChainTipKey)
	if errs.Is(err, errs.KindNotFound) {
		tree := blocktree.New("", 0, maxReorgDepth, evictionSlack)
		return tree, model.Aggregates{}, "", nil
	}
	if err != nil {
		return nil, model.Aggregates{}, "", err
	}
	tip, err := serialize.DecodeChainTip(tipData)
	if err != nil {
		return nil, model.Aggregates{}, "", err
	}

	tree := blocktree.New(tip.RootStateHash, tip.RootHeight, maxReorgDepth, evictionSlack)
	hashes, err := blocks.IterByHeight(db, tip.RootHeight+1, tip.BestHeight, blockstore.Ascending, true, 0)
	if err != nil {
		return nil, model.Aggregates{}, "", err
	}
	for _, h := range hashes {
		block, err := blocks.GetBlock(db, h)
		if err != nil {
			return nil, model.Aggregates{}, "", err
		}
		if _, err := tree.Add(blocktree.Header{
			StateHash: h, ParentHash: block.ParentHash, Height: block.Height, LastVRFOutput: block.LastVRFOutput,
		}); err != nil {
			return nil, model.Aggregates{}, "", err
		}
		tree.MarkCanonical(h)
	}

	aggData, err := db.Get(keys.AggregatesBucket.Key(keys.Aggregate("global", 0)))
	var agg model.Aggregates
	if err == nil {
		decoded, derr := serialize.DecodeAggregates(aggData)
		if derr != nil {
			return nil, model.Aggregates{}, "", derr
		}
		agg = *decoded
	} else if !errs.Is(err, errs.KindNotFound) {
		return nil, model.Aggregates{}, "", err
	}

	var cursor string
	cursorData, err := db.Get(keys.WatcherCursorKey)
	if err == nil {
		cursor = string(cursorData)
	} else if !errs.Is(err, errs.KindNotFound) {
		return nil, model.Aggregates{}, "", err
	}

	return tree, agg, cursor, nil
}

// Scan lists both watched directories and enqueues every file whose
// name sorts after the cursor: the cursor's own file and anything below
// it are assumed already admitted and are not replayed. Scan does not
// consult the queue, so a file still queued from an earlier Scan is
// queued again.
func (ig *Ingestor) Scan() error {
	if err := ig.scanDir(ig.cfg.BlocksDir, false); err != nil {
		return err
	}
	if err := ig.scanDir(ig.cfg.StakingLedgersDir, true); err != nil {
		return err
	}
	return nil
}

func (ig *Ingestor) scanDir(dir string, isLedgerDir bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errs.Wrap(err, errs.KindStorage, "read dir "+dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if name <= ig.cursor {
			continue
		}
		var fn parse.ParsedFilename
		var perr error
		if isLedgerDir {
			fn, perr = parse.ParseStakingLedgerFilename(name)
		} else {
			fn, perr = parse.ParseBlockFilename(name)
		}
		if perr != nil {
			log.Warnf("quarantining unparseable filename %s: %v", name, perr)
			continue
		}
		ig.queue.push(&fileTask{
			path: filepath.Join(dir, name), height: fn.Number, receivedTime: nowMillis(), ledger: isLedgerDir,
		})
	}
	return nil
}

// Drain admits every queued file in priority order, committing a
// batch and re-evaluating best_tip per §4.7's cadence, stopping early
// if ctx is cancelled between files (cancellation takes effect between
// batches only, per §5).
func (ig *Ingestor) Drain(ctx context.Context) error {
	for ig.queue.len() > 0 {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		task := ig.queue.pop()
		if err := ig.admit(task); err != nil {
			return err
		}

		ig.admittedSinceEval++
		if ig.shouldReevaluate() {
			if err := ig.reevaluate(); err != nil {
				return err
			}
		}
	}
	if ig.admittedSinceEval > 0 {
		return ig.reevaluate()
	}
	return nil
}

func (ig *Ingestor) shouldReevaluate() bool {
	if ig.cfg.ReevaluateEvery > 0 && ig.admittedSinceEval >= ig.cfg.ReevaluateEvery {
		return true
	}
	if ig.cfg.ReevaluateInterval > 0 && time.Since(ig.lastEval) >= ig.cfg.ReevaluateInterval {
		return true
	}
	return false
}

// admit parses one file and hands it to C3 (put_block) then C5 (add),
// persisting the watcher cursor in the same batch as the block's
// indexes.
func (ig *Ingestor) admit(task *fileTask) error {
	data, err := os.ReadFile(task.path)
	if err != nil {
		return errs.Wrap(err, errs.KindStorage, "read "+task.path)
	}
	name := filepath.Base(task.path)

	if task.ledger {
		fn, err := parse.ParseStakingLedgerFilename(name)
		if err != nil {
			log.Warnf("quarantining %s: %v", name, err)
			return ig.advanceCursor(name)
		}
		stakingLedger, err := parse.StakingLedger(data, fn)
		if err != nil {
			log.Warnf("quarantining %s: %v", name, err)
			return ig.advanceCursor(name)
		}
		batch := ig.db.NewWriteBatch()
		if err := ig.ledgers.PutStakingLedger(batch, stakingLedger); err != nil {
			batch.Discard()
			return err
		}
		if err := batch.Put(keys.WatcherCursorKey, []byte(name)); err != nil {
			batch.Discard()
			return err
		}
		if err := batch.Commit(); err != nil {
			return errs.Wrap(err, errs.KindStorage, "commit staking ledger batch")
		}
		ig.cursor = name
		return nil
	}

	fn, err := parse.ParseBlockFilename(name)
	if err != nil {
		log.Warnf("quarantining %s: %v", name, err)
		return ig.advanceCursor(name)
	}
	block, err := parse.Block(data, fn, task.receivedTime)
	if err != nil {
		log.Warnf("quarantining %s: %v", name, err)
		return ig.advanceCursor(name)
	}

	batch := ig.db.NewWriteBatch()
	if err := ig.blocks.PutBlock(batch, block); err != nil && err != blockstore.AlreadyPresent {
		batch.Discard()
		return err
	}
	if err := batch.Put(keys.WatcherCursorKey, []byte(name)); err != nil {
		batch.Discard()
		return err
	}
	if err := batch.Commit(); err != nil {
		return errs.Wrap(err, errs.KindStorage, "commit block batch")
	}
	ig.cursor = name

	if _, err := ig.tree.Add(blocktree.Header{
		StateHash: block.StateHash, ParentHash: block.ParentHash, Height: block.Height,
		LastVRFOutput: block.LastVRFOutput, ReceivedTime: block.ReceivedTime,
	}); err != nil {
		return err
	}
	return nil
}

func (ig *Ingestor) advanceCursor(name string) error {
	batch := ig.db.NewWriteBatch()
	if err := batch.Put(keys.WatcherCursorKey, []byte(name)); err != nil {
		batch.Discard()
		return err
	}
	if err := batch.Commit(); err != nil {
		return errs.Wrap(err, errs.KindStorage, "commit cursor advance")
	}
	ig.cursor = name
	return nil
}

// reevaluate re-checks best_tip and, if it changed, computes and
// drains a reorg_delta through the ledger pipeline in a single batch.
func (ig *Ingestor) reevaluate() error {
	ig.admittedSinceEval = 0
	ig.lastEval = time.Now()

	best := ig.tree.BestTip()
	if best == "" {
		return nil
	}

	snap, err := ig.db.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Release()

	unapply, apply, err := ig.tree.ReorgDelta(ig.previousBest(), best)
	if err != nil {
		if errs.KindOf(err).Fatal() {
			log.Criticalf("fatal error re-evaluating best tip: %v", err)
		}
		return err
	}

	batch := ig.db.NewWriteBatch()
	if err := ig.pipe.ApplyDelta(snap, batch, ig.tree, unapply, apply, &ig.agg); err != nil {
		batch.Discard()
		if errs.KindOf(err).Fatal() {
			log.Criticalf("fatal error applying ledger delta: %v", err)
		}
		return err
	}
	if err := batch.Commit(); err != nil {
		return errs.Wrap(err, errs.KindStorage, "commit reorg delta batch")
	}

	ig.setPreviousBest(best)
	log.Infof("reevaluated best tip: now %s (unapplied %d, applied %d)", best, len(unapply), len(apply))

	return ig.maybeAdvanceRoot()
}

// maybeAdvanceRoot asks C5 to move the root forward per §4.5's
// advance_root rule and, if it did, persists the new root in
// ChainTip — a root advance never itself changes canonicity or
// account rows, so it needs no larger batch.
func (ig *Ingestor) maybeAdvanceRoot() error {
	newRoot, evicted, advanced, err := ig.tree.AdvanceRoot()
	if err != nil {
		if errs.KindOf(err).Fatal() {
			log.Criticalf("fatal error advancing root: %v", err)
		}
		return err
	}
	if !advanced {
		return nil
	}

	best := ig.tree.BestTip()
	root, rootHeight := ig.tree.Root()
	bestBlock, err := ig.blocks.GetBlock(ig.db, best)
	if err != nil {
		return err
	}
	tip := &model.ChainTip{BestStateHash: best, BestHeight: bestBlock.Height, RootStateHash: root, RootHeight: rootHeight}

	batch := ig.db.NewWriteBatch()
	if err := batch.Put(keys.ChainTipKey, serialize.ChainTip(tip)); err != nil {
		batch.Discard()
		return err
	}
	if err := batch.Commit(); err != nil {
		return errs.Wrap(err, errs.KindStorage, "commit advanced root")
	}
	log.Infof("advanced root to %s at height %d, evicted %d orphans from the tree", newRoot, rootHeight, len(evicted))
	return nil
}

// previousBest tracks the best tip as of the last successful
// reevaluate, so ReorgDelta always walks from a state the ledger has
// actually materialized.
func (ig *Ingestor) previousBest() model.StateHash {
	if ig.lastAppliedBest == "" {
		root, _ := ig.tree.Root()
		return root
	}
	return ig.lastAppliedBest
}

func (ig *Ingestor) setPreviousBest(h model.StateHash) {
	ig.lastAppliedBest = h
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
