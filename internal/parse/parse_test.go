package parse

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trevorbernard/mina-indexer/internal/model"
)

func TestParseBlockFilename(t *testing.T) {
	fn, err := ParseBlockFilename("mainnet-120-3NLNyQC4XgQX2Q9H7fC2UxFZKY4xwwUZop8jVR24SWYNNE93FsnS.json")
	require.NoError(t, err)
	require.Equal(t, "mainnet", fn.Network)
	require.Equal(t, uint32(120), fn.Number)
	require.Equal(t, "3NLNyQC4XgQX2Q9H7fC2UxFZKY4xwwUZop8jVR24SWYNNE93FsnS", fn.Hash)
}

func TestParseBlockFilenameRejectsMalformed(t *testing.T) {
	_, err := ParseBlockFilename("not-a-valid-name")
	require.Error(t, err)

	_, err = ParseBlockFilename("mainnet-abc-somehash.json")
	require.Error(t, err)
}

func TestParseStakingLedgerFilename(t *testing.T) {
	fn, err := ParseStakingLedgerFilename("mainnet-42-someledgerhash.json")
	require.NoError(t, err)
	require.Equal(t, uint32(42), fn.Number)
	require.Equal(t, "someledgerhash", fn.Hash)
}

func TestBlockDecodesCoinbaseAndUserCommands(t *testing.T) {
	raw := []byte(`{
		"state_hash": "hash3",
		"protocol_state": {
			"previous_state_hash": "hash2",
			"body": {
				"consensus_state": {
					"blockchain_length": "3",
					"global_slot_since_genesis": 169,
					"last_vrf_output": "vrf3",
					"block_creator": "creator1",
					"coinbase_receiver": "receiver1"
				}
			}
		},
		"staged_ledger_diff": {
			"diff": [{
				"commands": [
					{"kind":"payment","source":"alice","receiver":"bob","amount":100,"fee":1,"nonce":0,"status":"applied"}
				],
				"coinbase": [
					{"kind":"coinbase","receiver":"receiver1","amount":720000000000},
					{"kind":"fee_transfer","receiver":"prover1","amount":120000000}
				]
			}]
		}
	}`)

	fn := ParsedFilename{Kind: FileKindBlock, Network: "mainnet", Number: 3, Hash: "hash3"}
	b, err := Block(raw, fn, 1000)
	require.NoError(t, err)

	require.Equal(t, model.StateHash("hash3"), b.StateHash)
	require.Equal(t, model.StateHash("hash2"), b.ParentHash)
	require.Equal(t, uint32(3), b.Height)
	require.Equal(t, uint32(169), b.Slot)
	require.Equal(t, "vrf3", b.LastVRFOutput)
	require.Len(t, b.UserCommands, 1)
	require.Equal(t, model.Payment, b.UserCommands[0].Kind)
	require.Equal(t, model.Applied, b.UserCommands[0].Status)
	require.Len(t, b.InternalCommands, 2)
	require.Equal(t, model.Coinbase, b.InternalCommands[0].Kind)
	require.Equal(t, uint64(720000000000), b.CoinbaseAmount)
	require.Equal(t, model.FeeTransfer, b.InternalCommands[1].Kind)
	require.Equal(t, uint64(1), b.TxFees)
}

func TestBlockDecodesCompletedWorks(t *testing.T) {
	raw := []byte(`{
		"state_hash": "hash3",
		"protocol_state": {
			"previous_state_hash": "hash2",
			"body": {
				"consensus_state": {
					"blockchain_length": "3",
					"global_slot_since_genesis": 169,
					"last_vrf_output": "vrf3",
					"block_creator": "creator1",
					"coinbase_receiver": "receiver1"
				}
			}
		},
		"staged_ledger_diff": {
			"diff": [{
				"completed_works": [
					{"prover":"prover1","fee":"10000000"},
					{"prover":"prover2","fee":"20000000"}
				]
			}]
		}
	}`)

	fn := ParsedFilename{Kind: FileKindBlock, Network: "mainnet", Number: 3, Hash: "hash3"}
	b, err := Block(raw, fn, 1000)
	require.NoError(t, err)
	require.Len(t, b.SnarkJobs, 2)
	require.Equal(t, model.PublicKey("prover1"), b.SnarkJobs[0].Prover)
	require.Equal(t, uint64(30000000), b.SnarkFees)
}

func TestBlockRejectsFilenameMismatch(t *testing.T) {
	raw := []byte(`{"state_hash":"hashA","protocol_state":{"body":{"consensus_state":{"blockchain_length":"1"}}}}`)
	fn := ParsedFilename{Hash: "hashB", Number: 1}
	_, err := Block(raw, fn, 0)
	require.Error(t, err)
}

func TestStakingLedgerDecodesEntries(t *testing.T) {
	raw := []byte(`[
		{"pk":"alice","balance":"1000","delegate":"alice"},
		{"pk":"bob","balance":"2000","delegate":"alice","timing":{"initial_minimum_balance":"500","cliff_time":"10","cliff_amount":"0","vesting_period":"5","vesting_increment":"100"}}
	]`)
	fn := ParsedFilename{Kind: FileKindStakingLedger, Network: "mainnet", Number: 1, Hash: "ledgerhash1"}
	l, err := StakingLedger(raw, fn)
	require.NoError(t, err)
	require.Equal(t, uint32(1), l.Epoch)
	require.Len(t, l.Entries, 2)
	require.Equal(t, uint64(1000), l.Entries["alice"].Balance)
	require.NotNil(t, l.Entries["bob"].Timing)
	require.Equal(t, uint64(500), l.Entries["bob"].Timing.InitialMinimumBalance)
}
