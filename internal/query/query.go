// Package query is the Query Resolver Adapter (C8): it turns a query
// object (field-path filters, sort enum, limit) into one or more
// blockstore scans, per §4.8's routing rules. It is a plain Go struct
// callable from both C12 (IPC) and C13 (GraphQL/HTTP) so the scan
// logic lives in exactly one place.
package query

import (
	"context"
	"sort"

	"github.com/trevorbernard/mina-indexer/internal/blockstore"
	"github.com/trevorbernard/mina-indexer/internal/errs"
	"github.com/trevorbernard/mina-indexer/internal/model"
	"github.com/trevorbernard/mina-indexer/internal/store"
)

// Sort selects scan direction.
type Sort int

const (
	HeightAsc Sort = iota
	HeightDesc
)

// Filter is the restricted predicate set §4.8 names: a canonicity
// flag, an exact height or slot, bounded height/slot ranges, and an
// optional creator/coinbase-receiver/state-hash equality.
type Filter struct {
	Canonical        *bool            `json:"canonical,omitempty"`
	BlockHeight      *uint32          `json:"blockHeight,omitempty"`
	BlockHeightGt    *uint32          `json:"blockHeight_gt,omitempty"`
	BlockHeightGte   *uint32          `json:"blockHeight_gte,omitempty"`
	BlockHeightLt    *uint32          `json:"blockHeight_lt,omitempty"`
	BlockHeightLte   *uint32          `json:"blockHeight_lte,omitempty"`
	SlotSinceGenesis *uint32          `json:"slotSinceGenesis,omitempty"`
	Creator          *model.PublicKey `json:"creator,omitempty"`
	CoinbaseReceiver *model.PublicKey `json:"coinbaseReceiver,omitempty"`
	StateHash        *model.StateHash `json:"stateHash,omitempty"`
}

// Query is the full query object: a filter, a sort direction, and a
// row limit (0 = unbounded).
type Query struct {
	Filter Filter
	Sort   Sort
	Limit  int
}

// Resolver executes Query objects against the block store.
type Resolver struct {
	blocks *blockstore.Store
}

// New constructs a Resolver over blocks.
func New(blocks *blockstore.Store) *Resolver {
	return &Resolver{blocks: blocks}
}

// Row is one resolved block plus its current canonicity, the shape
// every external surface (IPC, GraphQL) renders from.
type Row struct {
	Block      *model.Block
	Canonicity model.Canonicity
}

// ResolveWithDeadline runs Resolve but abandons it if ctx is cancelled
// before the scan finishes, returning a KindDeadlineExceeded error
// without touching any state (the scan only reads) per §5's query
// timeout contract and §7's DeadlineExceeded policy. The underlying
// KV scan itself is not context-aware (goleveldb has no cancellable
// API), so this wraps it the same way the teacher wraps a blocking
// grpc.DialContext call: run it in its own goroutine and race it
// against ctx.Done().
func (res *Resolver) ResolveWithDeadline(ctx context.Context, r store.Reader, q Query) ([]Row, error) {
	type result struct {
		rows []Row
		err  error
	}
	done := make(chan result, 1)
	go func() {
		rows, err := res.Resolve(r, q)
		done <- result{rows, err}
	}()

	select {
	case <-ctx.Done():
		return nil, errs.New(errs.KindDeadlineExceeded, "query deadline exceeded")
	case res := <-done:
		return res.rows, res.err
	}
}

// Resolve runs q against a snapshot r and returns the matching rows,
// honoring the early-exit invariant P6 tests: a bounded, limited
// canonical:true scan never reads past its upper bound or past limit
// rows. A canonical:false scan reads the whole height range and
// applies limit after filtering.
func (res *Resolver) Resolve(r store.Reader, q Query) ([]Row, error) {
	f := q.Filter
	dir := blockstore.Ascending
	if q.Sort == HeightDesc {
		dir = blockstore.Descending
	}

	switch {
	case f.StateHash != nil:
		return res.resolveByStateHash(r, *f.StateHash)
	case f.BlockHeight != nil:
		return res.resolveExactHeight(r, *f.BlockHeight)
	case f.SlotSinceGenesis != nil:
		return res.resolveExactSlot(r, *f.SlotSinceGenesis)
	case f.Creator != nil:
		return res.resolveByIndex(r, res.blocks.IterByCreator, *f.Creator, f)
	case f.CoinbaseReceiver != nil:
		return res.resolveByIndex(r, res.blocks.IterByCoinbaseReceiver, *f.CoinbaseReceiver, f)
	}

	minHeight, maxHeight := heightBounds(f)
	canonicalOnly := f.Canonical != nil && *f.Canonical
	excludeCanonical := f.Canonical != nil && !*f.Canonical

	// The by-height bucket interleaves canonical and non-canonical rows,
	// so a canonical:false query cannot cap the raw scan at q.Limit: rows
	// trimmed by the filter below would wrongly count against the limit
	// before it ever gets applied. Only the canonical-by-height scan
	// (canonicalOnly=true, no post-filter needed) gets the early-exit
	// limit pushed down to the iterator; canonical:false filters first
	// and truncates after.
	scanLimit := q.Limit
	if excludeCanonical {
		scanLimit = 0
	}

	hashes, err := res.blocks.IterByHeight(r, minHeight, maxHeight, dir, canonicalOnly, scanLimit)
	if err != nil {
		return nil, err
	}
	rows, err := res.materialize(r, hashes)
	if err != nil {
		return nil, err
	}
	if excludeCanonical {
		rows = filterNonCanonical(rows)
		if q.Limit > 0 && len(rows) > q.Limit {
			rows = rows[:q.Limit]
		}
	}
	return rows, nil
}

// resolveByStateHash implements §7's NotFound policy: an absent hash
// resolves to zero rows rather than an error.
func (res *Resolver) resolveByStateHash(r store.Reader, hash model.StateHash) ([]Row, error) {
	block, err := res.blocks.GetBlock(r, hash)
	if errs.Is(err, errs.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	canonicity, err := res.blocks.Canonicity(r, hash)
	if err != nil {
		return nil, err
	}
	return []Row{{Block: block, Canonicity: canonicity}}, nil
}

// resolveExactHeight implements the §8 scenario-3 tie-break: every
// block at the height, canonical first then by receive-time/state
// hash — exactly blockstore.BlocksAtHeight's ordering.
func (res *Resolver) resolveExactHeight(r store.Reader, height uint32) ([]Row, error) {
	blocks, err := res.blocks.BlocksAtHeight(r, height)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(blocks))
	for i, b := range blocks {
		canonicity, err := res.blocks.Canonicity(r, b.StateHash)
		if err != nil {
			return nil, err
		}
		rows[i] = Row{Block: b, Canonicity: canonicity}
	}
	return rows, nil
}

func (res *Resolver) resolveExactSlot(r store.Reader, slot uint32) ([]Row, error) {
	hashes, err := res.blocks.IterBySlot(r, slot, slot, blockstore.Ascending, 0)
	if err != nil {
		return nil, err
	}
	rows, err := res.materialize(r, hashes)
	if err != nil {
		return nil, err
	}
	orderCanonicalFirst(rows)
	return rows, nil
}

type indexIterFn func(r store.Reader, pk model.PublicKey, minHeight, maxHeight uint32) ([]model.StateHash, error)

func (res *Resolver) resolveByIndex(r store.Reader, iter indexIterFn, pk model.PublicKey, f Filter) ([]Row, error) {
	minHeight, maxHeight := heightBounds(f)
	hashes, err := iter(r, pk, minHeight, maxHeight)
	if err != nil {
		return nil, err
	}
	return res.materialize(r, hashes)
}

func (res *Resolver) materialize(r store.Reader, hashes []model.StateHash) ([]Row, error) {
	rows := make([]Row, 0, len(hashes))
	for _, h := range hashes {
		block, err := res.blocks.GetBlock(r, h)
		if err != nil {
			return nil, err
		}
		canonicity, err := res.blocks.Canonicity(r, h)
		if err != nil {
			return nil, err
		}
		rows = append(rows, Row{Block: block, Canonicity: canonicity})
	}
	return rows, nil
}

func heightBounds(f Filter) (uint32, uint32) {
	var min uint32 = 0
	var max uint32 = ^uint32(0)
	if f.BlockHeightGte != nil && *f.BlockHeightGte > min {
		min = *f.BlockHeightGte
	}
	if f.BlockHeightGt != nil && *f.BlockHeightGt+1 > min {
		min = *f.BlockHeightGt + 1
	}
	if f.BlockHeightLte != nil && *f.BlockHeightLte < max {
		max = *f.BlockHeightLte
	}
	if f.BlockHeightLt != nil && *f.BlockHeightLt > 0 && *f.BlockHeightLt-1 < max {
		max = *f.BlockHeightLt - 1
	}
	return min, max
}

func filterNonCanonical(rows []Row) []Row {
	out := rows[:0]
	for _, row := range rows {
		if row.Canonicity != model.Canonical {
			out = append(out, row)
		}
	}
	return out
}

// orderCanonicalFirst applies the same canonical-first, then
// descending-receive-time, then ascending-state-hash tie-break
// blockstore.Store.BlocksAtHeight uses, so an exact-slot query orders
// identically to an exact-height query per §8 scenario 5.
func orderCanonicalFirst(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if (a.Canonicity == model.Canonical) != (b.Canonicity == model.Canonical) {
			return a.Canonicity == model.Canonical
		}
		if a.Block.ReceivedTime != b.Block.ReceivedTime {
			return a.Block.ReceivedTime > b.Block.ReceivedTime
		}
		return a.Block.StateHash < b.Block.StateHash
	})
}
