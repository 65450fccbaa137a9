package blocktree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trevorbernard/mina-indexer/internal/errs"
	"github.com/trevorbernard/mina-indexer/internal/model"
)

func h(hash, parent model.StateHash, height uint32, vrf string) Header {
	return Header{StateHash: hash, ParentHash: parent, Height: height, LastVRFOutput: vrf}
}

func TestAddLinearChainAdvancesBestTip(t *testing.T) {
	tree := New("root", 0, 100, 10)

	_, err := tree.Add(h("a", "root", 1, "v1"))
	require.NoError(t, err)
	require.Equal(t, model.StateHash("a"), tree.BestTip())

	_, err = tree.Add(h("b", "a", 2, "v2"))
	require.NoError(t, err)
	require.Equal(t, model.StateHash("b"), tree.BestTip())
}

func TestAddOrphanHeldUntilParentArrives(t *testing.T) {
	tree := New("root", 0, 100, 10)

	attached, err := tree.Add(h("b", "a", 2, "v2"))
	require.NoError(t, err)
	require.Empty(t, attached)
	require.Equal(t, model.StateHash("root"), tree.BestTip())
	require.False(t, tree.Has("b"))

	attached, err = tree.Add(h("a", "root", 1, "v1"))
	require.NoError(t, err)
	require.ElementsMatch(t, []model.StateHash{"a", "b"}, attached)
	require.Equal(t, model.StateHash("b"), tree.BestTip())
}

func TestAddIsIdempotent(t *testing.T) {
	tree := New("root", 0, 100, 10)
	_, err := tree.Add(h("a", "root", 1, "v1"))
	require.NoError(t, err)

	attached, err := tree.Add(h("a", "root", 1, "v1"))
	require.NoError(t, err)
	require.Nil(t, attached)
}

func TestForkChoicePrefersHigherHeight(t *testing.T) {
	tree := New("root", 0, 100, 10)
	_, err := tree.Add(h("a", "root", 1, "va"))
	require.NoError(t, err)
	_, err = tree.Add(h("b", "root", 1, "vb"))
	require.NoError(t, err)
	// Same height: last-writer doesn't matter, tiebreak on vrf then hash.
	require.Equal(t, model.StateHash("b"), tree.BestTip())

	_, err = tree.Add(h("c", "a", 2, "vc"))
	require.NoError(t, err)
	require.Equal(t, model.StateHash("c"), tree.BestTip())
}

func TestReorgDeltaWalksToLCA(t *testing.T) {
	tree := New("root", 0, 100, 10)
	require.NoError(t, addAll(tree,
		h("a1", "root", 1, "v"),
		h("a2", "a1", 2, "v"),
		h("a3", "a2", 3, "v"),
		h("b1", "root", 1, "w"),
		h("b2", "b1", 2, "w"),
	))

	unapply, apply, err := tree.ReorgDelta("a3", "b2")
	require.NoError(t, err)
	require.Equal(t, []model.StateHash{"a3", "a2", "a1"}, unapply)
	require.Equal(t, []model.StateHash{"b1", "b2"}, apply)
}

func TestReorgDeltaSameTipIsNoop(t *testing.T) {
	tree := New("root", 0, 100, 10)
	_, err := tree.Add(h("a", "root", 1, "v"))
	require.NoError(t, err)

	unapply, apply, err := tree.ReorgDelta("a", "a")
	require.NoError(t, err)
	require.Nil(t, unapply)
	require.Nil(t, apply)
}

func TestReorgDeltaTooDeepIsFatal(t *testing.T) {
	tree := New("root", 0, 2, 10)
	require.NoError(t, addAll(tree,
		h("a1", "root", 1, "v"),
		h("a2", "a1", 2, "v"),
		h("a3", "a2", 3, "v"),
		h("a4", "a3", 4, "v"),
		h("b1", "root", 1, "w"),
	))

	_, _, err := tree.ReorgDelta("a4", "b1")
	require.Error(t, err)
	require.Equal(t, errs.KindReorgTooDeep, errs.KindOf(err))
}

func TestAdvanceRootEvictsStaleOrphans(t *testing.T) {
	tree := New("root", 0, 2, 0)
	require.NoError(t, addAll(tree,
		h("a1", "root", 1, "v"),
		h("b1", "root", 1, "w"),
		h("a2", "a1", 2, "v"),
		h("a3", "a2", 3, "v"),
	))
	tree.MarkCanonical("a1")
	tree.MarkCanonical("a2")
	tree.MarkCanonical("a3")
	tree.MarkOrphan("b1")

	newRoot, evicted, advanced, err := tree.AdvanceRoot()
	require.NoError(t, err)
	require.True(t, advanced)
	require.Equal(t, model.StateHash("a1"), newRoot)
	require.Contains(t, evicted, model.StateHash("b1"))
	require.False(t, tree.Has("b1"))
	require.True(t, tree.Has("a1"))
}

func TestAddBelowRootRejected(t *testing.T) {
	tree := New("root", 10, 100, 10)
	_, err := tree.Add(h("stale", "nowhere", 3, "v"))
	require.Error(t, err)
}

func addAll(tree *Tree, headers ...Header) error {
	for _, hdr := range headers {
		if _, err := tree.Add(hdr); err != nil {
			return err
		}
	}
	return nil
}
