// Package ledger is the Ledger Pipeline (C6): applies and unapplies
// canonical blocks against the working ledger, one KV write batch per
// reorg delta, structured as a stageDiff-style per-account accumulator
// plus one aggregate accumulator committed together, in the shape of
// the teacher's consensusStateManager committing GHOSTDAG data
// alongside a virtual-selected-parent-chain change in a single pass.
package ledger

import (
	"github.com/trevorbernard/mina-indexer/internal/blockstore"
	"github.com/trevorbernard/mina-indexer/internal/blocktree"
	"github.com/trevorbernard/mina-indexer/internal/errs"
	"github.com/trevorbernard/mina-indexer/internal/keys"
	"github.com/trevorbernard/mina-indexer/internal/ledgerstore"
	"github.com/trevorbernard/mina-indexer/internal/logger"
	"github.com/trevorbernard/mina-indexer/internal/model"
	"github.com/trevorbernard/mina-indexer/internal/serialize"
	"github.com/trevorbernard/mina-indexer/internal/store"
)

var log = logger.Get("LPIPE")

// Pipeline applies reorg deltas against the working ledger.
type Pipeline struct {
	blocks  *blockstore.Store
	ledgers *ledgerstore.Store

	snapshotEvery   uint32
	maxReorgDepth   uint32
	lastSnapshotted uint32
}

// New constructs a Pipeline over the given stores. snapshotEvery is
// SNAPSHOT_EVERY=K from §4.6; maxReorgDepth bounds how far back
// NearestSnapshot may be asked to look before NoSnapshotForReorg is
// raised.
func New(blocks *blockstore.Store, ledgers *ledgerstore.Store, snapshotEvery, maxReorgDepth uint32) *Pipeline {
	return &Pipeline{blocks: blocks, ledgers: ledgers, snapshotEvery: snapshotEvery, maxReorgDepth: maxReorgDepth}
}

// AccountSet is the mutable working set of accounts touched while
// folding a run of blocks, staged in memory and flushed to the batch
// once at the end — the same stageDiff-then-commit shape the teacher
// uses for UTXO diffs.
type AccountSet struct {
	byPK map[model.PublicKey]*model.Account
	r    store.Reader
	ls   *ledgerstore.Store
}

func newAccountSet(r store.Reader, ls *ledgerstore.Store) *AccountSet {
	return &AccountSet{byPK: make(map[model.PublicKey]*model.Account), r: r, ls: ls}
}

func (s *AccountSet) get(pk model.PublicKey, atHeight uint32) (*model.Account, error) {
	if a, ok := s.byPK[pk]; ok {
		return a, nil
	}
	a, err := s.ls.LookupAccount(s.r, pk, atHeight)
	if errs.Is(err, errs.KindNotFound) {
		a = &model.Account{PublicKey: pk}
	} else if err != nil {
		return nil, err
	} else {
		cp := *a
		a = &cp
	}
	s.byPK[pk] = a
	return a, nil
}

// Apply folds one canonical block into the working ledger per §4.6's
// apply semantics and adds the block's counts to agg in place. Account rows
// for every account touched are staged into accounts and must be
// flushed by the caller once the whole delta has been folded.
func (p *Pipeline) Apply(accounts *AccountSet, agg *model.Aggregates, block *model.Block) error {
	var txFees, snarkFees uint64

	for i := range block.UserCommands {
		uc := &block.UserCommands[i]
		if err := applyUserCommand(accounts, block.Height, uc); err != nil {
			return err
		}
		txFees += uc.Fee
	}

	for i := range block.InternalCommands {
		ic := &block.InternalCommands[i]
		if err := applyInternalCommand(accounts, block.Height, ic); err != nil {
			return err
		}
	}

	// Snark jobs carry no ledger-balance effect of their own: the prover
	// fee they report is already reflected in a FeeTransfer internal
	// command.
	for i := range block.SnarkJobs {
		snarkFees += block.SnarkJobs[i].Fee
	}

	addBlockCounts(agg, block)

	log.Debugf("applied block %s at height %d: %d user cmds, %d internal cmds, txFees=%d snarkFees=%d",
		block.StateHash, block.Height, len(block.UserCommands), len(block.InternalCommands), txFees, snarkFees)
	return nil
}

// applyUserCommand implements §4.6 step 1: debit the sender's fee
// unconditionally, then attempt the transfer; on any precondition
// failure the command is marked Failed with its FailureReason
// preserved verbatim from the source (open question 2: never
// recomputed), but the fee and nonce increment still apply. The only
// precondition checked is that the sender's balance, after the fee,
// covers the amount; the command's Nonce is not compared with the
// sender's nonce.
func applyUserCommand(accounts *AccountSet, height uint32, uc *model.UserCommand) error {
	sender, err := accounts.get(uc.Source, height)
	if err != nil {
		return err
	}

	sender.Balance = saturatingSub(sender.Balance, uc.Fee)
	sender.Nonce++

	if uc.Kind != model.Payment {
		return nil
	}
	if uc.Status == model.Failed {
		return nil
	}
	if sender.Balance < uc.Amount {
		uc.Status = model.Failed
		if uc.FailureReason == "" {
			uc.FailureReason = "insufficient_balance"
		}
		return nil
	}

	receiver, err := accounts.get(uc.Receiver, height)
	if err != nil {
		return err
	}
	sender.Balance -= uc.Amount
	receiver.Balance += uc.Amount
	uc.Status = model.Applied
	return nil
}

// applyInternalCommand implements §4.6 step 2. It only ever credits
// the receiver: the precomputed-block source records internal
// commands as post-mutation receiver balances (receiver1_balance,
// receiver2_balance, coinbase_receiver_balance,
// fee_transfer_receiver_balance), never a paired sender-side debit —
// a snark worker's fee transfer is funded out of the coinbase/fee
// pool a user command's fee already left the block, not out of a
// second account this pipeline tracks. model.InternalCommand mirrors
// that one-sided shape (Receiver + Amount, no Source), so there is no
// debit side to apply here.
func applyInternalCommand(accounts *AccountSet, height uint32, ic *model.InternalCommand) error {
	receiver, err := accounts.get(ic.Receiver, height)
	if err != nil {
		return err
	}
	switch ic.Kind {
	case model.Coinbase, model.FeeTransferViaCoinbase, model.FeeTransfer:
		receiver.Balance += ic.Amount
	}
	return nil
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// addBlockCounts folds one block's own command/job counts into agg —
// shared by the global counter (via Apply) and, per touched epoch, by
// ApplyDelta below.
func addBlockCounts(agg *model.Aggregates, block *model.Block) {
	agg.NumBlocks++
	agg.NumUserCommands += uint64(len(block.UserCommands))
	agg.NumInternalCommands += uint64(len(block.InternalCommands))
	agg.NumSnarks += uint64(len(block.SnarkJobs))
}

// subtractBlockCounts is addBlockCounts's exact inverse, applied when
// a previously-canonical block is unapplied on reorg so invariant 6
// ("aggregate counters equal the count over the current Canonical
// set") keeps holding once the reorg completes, rather than only ever
// growing.
func subtractBlockCounts(agg *model.Aggregates, block *model.Block) {
	agg.NumBlocks--
	agg.NumUserCommands -= uint64(len(block.UserCommands))
	agg.NumInternalCommands -= uint64(len(block.InternalCommands))
	agg.NumSnarks -= uint64(len(block.SnarkJobs))
}

// epochAggregates caches the per-epoch aggregate rows §3/§4.6 step 4
// require alongside the global row, reading each epoch's row from the
// store at most once per ApplyDelta call and writing every touched
// epoch back in one pass via flush.
type epochAggregates struct {
	r       store.Reader
	byEpoch map[uint32]*model.Aggregates
}

func newEpochAggregates(r store.Reader) *epochAggregates {
	return &epochAggregates{r: r, byEpoch: make(map[uint32]*model.Aggregates)}
}

func (e *epochAggregates) get(epoch uint32) (*model.Aggregates, error) {
	if a, ok := e.byEpoch[epoch]; ok {
		return a, nil
	}
	data, err := e.r.Get(keys.AggregatesBucket.Key(keys.Aggregate("epoch:", epoch)))
	var a *model.Aggregates
	switch {
	case errs.Is(err, errs.KindNotFound):
		a = &model.Aggregates{}
	case err != nil:
		return nil, err
	default:
		decoded, derr := serialize.DecodeAggregates(data)
		if derr != nil {
			return nil, derr
		}
		a = decoded
	}
	e.byEpoch[epoch] = a
	return a, nil
}

func (e *epochAggregates) flush(batch store.WriteBatch) error {
	for epoch, a := range e.byEpoch {
		if err := batch.Put(keys.AggregatesBucket.Key(keys.Aggregate("epoch:", epoch)), serialize.Aggregates(a)); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes every staged account and the aggregate row into batch
// at height, and pins a full snapshot if height has crossed a
// snapshotEvery boundary.
func (p *Pipeline) Flush(batch store.WriteBatch, accounts *AccountSet, agg *model.Aggregates, height uint32) error {
	for _, a := range accounts.byPK {
		if err := p.ledgers.PutAccountAtHeight(batch, height, a); err != nil {
			return err
		}
	}
	if err := batch.Put(keys.AggregatesBucket.Key(keys.Aggregate("global", 0)), serialize.Aggregates(agg)); err != nil {
		return err
	}

	if p.snapshotEvery > 0 && height/p.snapshotEvery > p.lastSnapshotted/p.snapshotEvery {
		full := make(map[model.PublicKey]*model.Account, len(accounts.byPK))
		for pk, a := range accounts.byPK {
			full[pk] = a
		}
		if err := p.ledgers.PinSnapshot(batch, height, full); err != nil {
			return err
		}
		p.lastSnapshotted = height
	}
	return nil
}

// ApplyDelta folds an entire reorg delta — unapply the old
// selected-parent-chain suffix, then apply the new one — into a single
// write batch, flipping canonicity on every touched block and leaving
// the working ledger at the state implied by newBest. Unapply is
// implemented as replay from the nearest pinned snapshot at or below
// the LCA height, never as arithmetic subtraction, per §4.6.
func (p *Pipeline) ApplyDelta(r store.Reader, batch store.WriteBatch, tree *blocktree.Tree, unapply, apply []model.StateHash, agg *model.Aggregates) error {
	if len(unapply) == 0 && len(apply) == 0 {
		return nil
	}

	epochAgg := newEpochAggregates(r)

	for _, hash := range unapply {
		block, err := p.blocks.GetBlock(r, hash)
		if err != nil {
			return err
		}
		if err := p.blocks.SetCanonicity(batch, block, model.Orphan); err != nil {
			return err
		}
		tree.MarkOrphan(hash)

		// block was folded into agg (global) and its epoch's row by an
		// earlier reevaluate; unapplying it must remove that contribution,
		// not just skip it, or invariant 6 overcounts after every reorg.
		subtractBlockCounts(agg, block)
		epochRow, err := epochAgg.get(block.Epoch)
		if err != nil {
			return err
		}
		subtractBlockCounts(epochRow, block)
	}

	lcaHeight := uint32(0)
	if len(unapply) > 0 {
		lastUnapplied, err := p.blocks.GetBlock(r, unapply[len(unapply)-1])
		if err != nil {
			return err
		}
		lcaHeight = lastUnapplied.Height - 1
	} else if len(apply) > 0 {
		first, err := p.blocks.GetBlock(r, apply[0])
		if err != nil {
			return err
		}
		lcaHeight = first.Height - 1
	}

	snapHeight, entries, ok, err := p.ledgers.NearestSnapshot(r, lcaHeight)
	if err != nil {
		return err
	}
	if !ok {
		if lcaHeight > p.maxReorgDepth {
			return errs.New(errs.KindNoSnapshotForReorg, "no ledger snapshot within max reorg depth of height "+itoa(lcaHeight))
		}
		snapHeight = 0
		entries = nil
	}

	accounts := newAccountSet(r, p.ledgers)
	for pk, e := range entries {
		accounts.byPK[pk] = &model.Account{PublicKey: pk, Balance: e.Balance, Delegate: e.Delegate, Timing: e.Timing}
	}

	replayBlocks, err := p.blocks.IterByHeight(r, snapHeight+1, lcaHeight, blockstore.Ascending, true, 0)
	if err != nil {
		return err
	}
	// Replay only reconstructs the in-memory account context up to the
	// LCA; those blocks were already folded into agg by an earlier
	// reevaluate, so they fold into a throwaway counter here, never agg
	// itself (otherwise every reevaluate would recount the same history).
	replayAgg := &model.Aggregates{}
	for _, hash := range replayBlocks {
		block, err := p.blocks.GetBlock(r, hash)
		if err != nil {
			return err
		}
		if err := p.Apply(accounts, replayAgg, block); err != nil {
			return err
		}
	}

	for _, hash := range apply {
		block, err := p.blocks.GetBlock(r, hash)
		if err != nil {
			return err
		}
		if err := p.Apply(accounts, agg, block); err != nil {
			return err
		}
		epochRow, err := epochAgg.get(block.Epoch)
		if err != nil {
			return err
		}
		addBlockCounts(epochRow, block)
		if err := p.blocks.SetCanonicity(batch, block, model.Canonical); err != nil {
			return err
		}
		tree.MarkCanonical(hash)
		if err := p.Flush(batch, accounts, agg, block.Height); err != nil {
			return err
		}
	}

	if len(apply) == 0 {
		if err := p.Flush(batch, accounts, agg, lcaHeight); err != nil {
			return err
		}
	}

	if err := epochAgg.flush(batch); err != nil {
		return err
	}

	best := tree.BestTip()
	root, rootHeight := tree.Root()
	bestBlock, err := p.blocks.GetBlock(r, best)
	if err != nil {
		return err
	}
	tip := &model.ChainTip{BestStateHash: best, BestHeight: bestBlock.Height, RootStateHash: root, RootHeight: rootHeight}
	return batch.Put(keys.ChainTipKey, serialize.ChainTip(tip))
}

func itoa(h uint32) string {
	if h == 0 {
		return "0"
	}
	digits := make([]byte, 0, 10)
	for h > 0 {
		digits = append([]byte{byte('0' + h%10)}, digits...)
		h /= 10
	}
	return string(digits)
}

// NewAccountSet exposes the staging accumulator to callers that need
// to fold a fresh append-only run (e.g. C7 applying newly admitted
// blocks that extend the current best tip with no reorg).
func NewAccountSet(r store.Reader, ls *ledgerstore.Store) *AccountSet {
	return newAccountSet(r, ls)
}
