// Package blocktree is the Block-Tree Engine (C5): an in-memory
// branching DAG of Pending blocks above the persisted root, fork
// choice by virtual work, and reorg-delta computation via a
// selected-parent-chain walk to the lowest common ancestor — the same
// shape as the teacher's dagTopologyManager/consensusStateManager
// pair, generalized from a multi-parent DAG down to a single-parent
// chain-of-blocks model.
package blocktree

import (
	"github.com/trevorbernard/mina-indexer/internal/errs"
	"github.com/trevorbernard/mina-indexer/internal/logger"
	"github.com/trevorbernard/mina-indexer/internal/model"
)

var log = logger.Get("BTREE")

// Header is the minimal information the tree needs about a block to
// place it and run fork choice; everything else lives in the block
// store.
type Header struct {
	StateHash     model.StateHash
	ParentHash    model.StateHash
	Height        uint32
	LastVRFOutput string
	ReceivedTime  int64
}

type node struct {
	header     Header
	children   map[model.StateHash]struct{}
	canonicity model.Canonicity
}

// Tree is the in-memory block-tree engine.
type Tree struct {
	maxReorgDepth uint32
	evictionSlack uint32

	nodes map[model.StateHash]*node
	// orphans holds blocks whose parent hasn't arrived yet, keyed by
	// the missing parent's hash.
	orphans map[model.StateHash][]Header

	root model.StateHash
	best model.StateHash
}

// New constructs a Tree above the given persisted root. The root
// itself is assumed Canonical and already stored.
func New(rootHash model.StateHash, rootHeight uint32, maxReorgDepth, evictionSlack uint32) *Tree {
	t := &Tree{
		maxReorgDepth: maxReorgDepth,
		evictionSlack: evictionSlack,
		nodes:         make(map[model.StateHash]*node),
		orphans:       make(map[model.StateHash][]Header),
		root:          rootHash,
		best:          rootHash,
	}
	t.nodes[rootHash] = &node{
		header:     Header{StateHash: rootHash, Height: rootHeight},
		children:   make(map[model.StateHash]struct{}),
		canonicity: model.Canonical,
	}
	return t
}

// Root returns the current root hash and height.
func (t *Tree) Root() (model.StateHash, uint32) {
	return t.root, t.nodes[t.root].header.Height
}

// BestTip returns the state hash of maximum virtual work currently
// reachable from the root.
func (t *Tree) BestTip() model.StateHash {
	return t.best
}

// Has reports whether hash is currently tracked by the tree (as
// opposed to already evicted or never seen).
func (t *Tree) Has(hash model.StateHash) bool {
	_, ok := t.nodes[hash]
	return ok
}

// Add inserts a block header into the tree. If the parent is unknown
// and the block's height is above the root's height, the block is held
// in the orphan pool until its parent arrives, however far below the
// best tip it is; if the height is at or below the root's height, it
// is rejected as BelowRoot. Returns the list of hashes now attached to
// the tree as a result of this call (the block itself, plus any
// orphans it unblocked, recursively).
func (t *Tree) Add(h Header) ([]model.StateHash, error) {
	if _, ok := t.nodes[h.StateHash]; ok {
		return nil, nil // idempotent: already known
	}

	rootHeight := t.nodes[t.root].header.Height
	parent, haveParent := t.nodes[h.ParentHash]
	if !haveParent {
		if h.Height <= rootHeight && h.StateHash != t.root {
			return nil, errs.New(errs.KindNotFound, "BelowRoot: "+string(h.StateHash))
		}
		if rootHeight > 0 && h.Height < rootHeight {
			return nil, errs.New(errs.KindNotFound, "BelowRoot: "+string(h.StateHash))
		}
		t.orphans[h.ParentHash] = append(t.orphans[h.ParentHash], h)
		log.Debugf("held %s in orphan pool awaiting parent %s", h.StateHash, h.ParentHash)
		return nil, nil
	}

	if err := t.checkNoCycle(h.ParentHash, h.StateHash); err != nil {
		return nil, err
	}

	t.nodes[h.StateHash] = &node{header: h, children: make(map[model.StateHash]struct{}), canonicity: model.Pending}
	parent.children[h.StateHash] = struct{}{}

	attached := []model.StateHash{h.StateHash}
	attached = append(attached, t.promoteOrphans(h.StateHash)...)

	if t.less(t.best, h.StateHash) {
		t.best = h.StateHash
	}
	for _, hash := range attached {
		if t.less(t.best, hash) {
			t.best = hash
		}
	}

	return attached, nil
}

func (t *Tree) promoteOrphans(parentHash model.StateHash) []model.StateHash {
	pending, ok := t.orphans[parentHash]
	if !ok {
		return nil
	}
	delete(t.orphans, parentHash)

	var attached []model.StateHash
	for _, h := range pending {
		parent := t.nodes[parentHash]
		t.nodes[h.StateHash] = &node{header: h, children: make(map[model.StateHash]struct{}), canonicity: model.Pending}
		parent.children[h.StateHash] = struct{}{}
		attached = append(attached, h.StateHash)
		attached = append(attached, t.promoteOrphans(h.StateHash)...)
	}
	return attached
}

func (t *Tree) checkNoCycle(parentHash, childHash model.StateHash) error {
	current := parentHash
	for current != t.root {
		if current == childHash {
			return errs.New(errs.KindCorruptLineage, "cycle detected at "+string(childHash))
		}
		n, ok := t.nodes[current]
		if !ok {
			return nil
		}
		current = n.header.ParentHash
	}
	return nil
}

// less compares virtual work: (height, last_vrf_output, state_hash),
// height dominating and state_hash breaking a full tie. Mirrors the
// teacher's ghostdagManager.Less blue-score-then-hash comparator.
func (t *Tree) less(aHash, bHash model.StateHash) bool {
	a, b := t.nodes[aHash], t.nodes[bHash]
	if a.header.Height != b.header.Height {
		return a.header.Height < b.header.Height
	}
	if a.header.LastVRFOutput != b.header.LastVRFOutput {
		return a.header.LastVRFOutput < b.header.LastVRFOutput
	}
	return a.header.StateHash < b.header.StateHash
}

// ReorgDelta computes, via a lowest-common-ancestor walk up the
// selected-parent chain, the reverse-order list of blocks to unapply
// (oldBest -> LCA exclusive) and the forward-order list to apply (LCA
// exclusive -> newBest). Raises ReorgTooDeep if the walk from oldBest
// would cross more than maxReorgDepth blocks without reaching a common
// ancestor at or above the root.
func (t *Tree) ReorgDelta(oldBest, newBest model.StateHash) (unapply, apply []model.StateHash, err error) {
	if oldBest == newBest {
		return nil, nil, nil
	}

	ancestorsOfNew := make(map[model.StateHash]struct{})
	for cur := newBest; ; {
		ancestorsOfNew[cur] = struct{}{}
		if cur == t.root {
			break
		}
		n, ok := t.nodes[cur]
		if !ok {
			break
		}
		cur = n.header.ParentHash
	}

	current := oldBest
	depth := uint32(0)
	for {
		if _, isAncestor := ancestorsOfNew[current]; isAncestor {
			break
		}
		unapply = append(unapply, current)
		depth++
		if depth > t.maxReorgDepth {
			return nil, nil, errs.New(errs.KindReorgTooDeep, "reorg exceeds max depth from "+string(oldBest))
		}
		n, ok := t.nodes[current]
		if !ok || current == t.root {
			return nil, nil, errs.New(errs.KindReorgTooDeep, "old best diverges below root")
		}
		current = n.header.ParentHash
	}
	lca := current

	current = newBest
	for current != lca {
		apply = append(apply, current)
		n, ok := t.nodes[current]
		if !ok {
			return nil, nil, errs.New(errs.KindCorruptLineage, "missing ancestor while walking to LCA")
		}
		current = n.header.ParentHash
	}
	for i, j := 0, len(apply)-1; i < j; i, j = j, i {
		apply[i], apply[j] = apply[j], apply[i]
	}

	return unapply, apply, nil
}

// MarkCanonical/MarkOrphan update the tree's own bookkeeping for a
// hash's canonicity; the caller is responsible for persisting the
// same flip through the block store in the same write batch.
func (t *Tree) MarkCanonical(hash model.StateHash) {
	if n, ok := t.nodes[hash]; ok {
		n.canonicity = model.Canonical
	}
}

func (t *Tree) MarkOrphan(hash model.StateHash) {
	if n, ok := t.nodes[hash]; ok {
		n.canonicity = model.Orphan
	}
}

// AdvanceRoot moves the root forward to the canonical block at
// best.height - maxReorgDepth, once the tip has grown that far past
// the current root, evicting every Orphan at or below the new root's
// height minus evictionSlack. Returns advanced=false if the tip has not yet grown far
// enough.
func (t *Tree) AdvanceRoot() (newRoot model.StateHash, evicted []model.StateHash, advanced bool, err error) {
	bestHeight := t.nodes[t.best].header.Height
	rootHeight := t.nodes[t.root].header.Height
	if bestHeight < rootHeight+t.maxReorgDepth {
		return t.root, nil, false, nil
	}

	targetHeight := bestHeight - t.maxReorgDepth
	current := t.best
	for t.nodes[current].header.Height > targetHeight {
		n, ok := t.nodes[current]
		if !ok {
			return t.root, nil, false, errs.New(errs.KindCorruptLineage, "missing ancestor advancing root")
		}
		current = n.header.ParentHash
	}
	if t.nodes[current].canonicity != model.Canonical {
		return t.root, nil, false, errs.New(errs.KindCorruptLineage, "advance_root target is not canonical")
	}

	evictionHeight := targetHeight
	if t.evictionSlack < evictionHeight {
		evictionHeight -= t.evictionSlack
	} else {
		evictionHeight = 0
	}

	for hash, n := range t.nodes {
		if hash == current {
			continue
		}
		if n.canonicity == model.Orphan && n.header.Height <= evictionHeight {
			evicted = append(evicted, hash)
		}
	}
	for _, hash := range evicted {
		delete(t.nodes, hash)
	}

	t.root = current
	log.Infof("advanced root to %s at height %d, evicted %d orphans", current, targetHeight, len(evicted))
	return current, evicted, true, nil
}
