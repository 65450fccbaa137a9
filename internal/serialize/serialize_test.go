package serialize

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trevorbernard/mina-indexer/internal/model"
)

// TestStakingLedgerEncodeIsDeterministic guards P3's byte-identical
// replay invariant: two maps with the same entries but built via
// different insertion orders (map iteration order is otherwise
// unspecified) must encode to identical bytes.
func TestStakingLedgerEncodeIsDeterministic(t *testing.T) {
	entries := func(order []string) map[model.PublicKey]model.StakingLedgerEntry {
		m := make(map[model.PublicKey]model.StakingLedgerEntry, len(order))
		for _, pk := range order {
			m[model.PublicKey(pk)] = model.StakingLedgerEntry{PublicKey: model.PublicKey(pk), Balance: uint64(len(pk))}
		}
		return m
	}

	a := &model.StakingLedger{Epoch: 1, LedgerHash: "h1", Entries: entries([]string{"carol", "alice", "bob"})}
	b := &model.StakingLedger{Epoch: 1, LedgerHash: "h1", Entries: entries([]string{"bob", "carol", "alice"})}

	require.Equal(t, StakingLedger(a), StakingLedger(b))

	decoded, err := DecodeStakingLedger(StakingLedger(a))
	require.NoError(t, err)
	require.Equal(t, a.Entries, decoded.Entries)
}
