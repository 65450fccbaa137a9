// Package parse is the precomputed-block and staking-ledger parser
// (C11): JSON decoding via encoding/json (no general JSON library
// appears anywhere in the retrieved corpus — grpc-gateway's JSON
// marshaling is wire-format glue, not a decoder, so stdlib is the
// grounded choice here) plus the two filename grammars §6 defines.
//
// The source project's raw precomputed-block JSON wraps every field
// in the mina_rs "Versioned" scheme (deeply nested two-element
// arrays); spec.md §6 names the schema at a higher level of
// abstraction ("canonical field names") rather than mandating that
// raw shape, so this parser targets the canonicalized object shape
// the abstraction implies, not the raw wire format.
package parse

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/trevorbernard/mina-indexer/internal/errs"
	"github.com/trevorbernard/mina-indexer/internal/model"
)

// FileKind distinguishes the two directories the watcher monitors.
type FileKind int

const (
	FileKindUnknown FileKind = iota
	FileKindBlock
	FileKindStakingLedger
)

// ParsedFilename is the (network, numeric component, hash) a blocks-dir
// or staking-ledgers-dir filename encodes.
type ParsedFilename struct {
	Kind    FileKind
	Network string
	// Number is the height for a block file, the epoch for a staking
	// ledger file.
	Number uint32
	Hash   string
}

// ParseBlockFilename parses "<network>-<height>-<state_hash>.json".
func ParseBlockFilename(name string) (ParsedFilename, error) {
	return parseFilename(name, FileKindBlock)
}

// ParseStakingLedgerFilename parses
// "<network>-<epoch>-<ledger_hash>.json".
func ParseStakingLedgerFilename(name string) (ParsedFilename, error) {
	return parseFilename(name, FileKindStakingLedger)
}

func parseFilename(name string, kind FileKind) (ParsedFilename, error) {
	trimmed := strings.TrimSuffix(name, ".json")
	if trimmed == name {
		return ParsedFilename{}, errs.New(errs.KindSchema, "missing .json suffix: "+name)
	}
	parts := strings.SplitN(trimmed, "-", 3)
	if len(parts) != 3 {
		return ParsedFilename{}, errs.New(errs.KindSchema, "expected <network>-<number>-<hash>.json: "+name)
	}
	n, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return ParsedFilename{}, errs.Wrap(err, errs.KindSchema, "non-numeric component in filename: "+name)
	}
	if parts[2] == "" {
		return ParsedFilename{}, errs.New(errs.KindSchema, "empty hash component in filename: "+name)
	}
	return ParsedFilename{Kind: kind, Network: parts[0], Number: uint32(n), Hash: parts[2]}, nil
}

// precomputedBlock mirrors the canonical field names spec.md §6 names,
// at the abstraction level that list implies rather than the source
// project's raw Versioned wire encoding.
type precomputedBlock struct {
	StateHash      string `json:"state_hash"`
	ScheduledTime  string `json:"scheduled_time"`
	ProtocolState  struct {
		PreviousStateHash string `json:"previous_state_hash"`
		Body              struct {
			ConsensusState struct {
				BlockchainLength        jsonNumberString `json:"blockchain_length"`
				GlobalSlotSinceGenesis  jsonNumberString `json:"global_slot_since_genesis"`
				EpochCount              jsonNumberString `json:"epoch_count"`
				LastVRFOutput           string           `json:"last_vrf_output"`
				BlockCreator            string           `json:"block_creator"`
				CoinbaseReceiver        string           `json:"coinbase_receiver"`
			} `json:"consensus_state"`
		} `json:"body"`
	} `json:"protocol_state"`
	StagedLedgerDiff struct {
		Diff []diffEntry `json:"diff"`
	} `json:"staged_ledger_diff"`
}

type diffEntry struct {
	Commands       []commandEntry   `json:"commands"`
	Coinbase       []coinbaseEntry  `json:"coinbase"`
	CompletedWorks []snarkWorkEntry `json:"completed_works"`
}

type snarkWorkEntry struct {
	Prover string           `json:"prover"`
	Fee    jsonNumberString `json:"fee"`
}

type commandEntry struct {
	Kind          string `json:"kind"` // "payment" | "stake_delegation"
	Source        string `json:"source"`
	Receiver      string `json:"receiver"`
	Amount        uint64 `json:"amount"`
	Fee           uint64 `json:"fee"`
	Nonce         uint64 `json:"nonce"`
	Memo          string `json:"memo"`
	ValidUntil    uint32 `json:"valid_until"`
	Status        string `json:"status"` // "applied" | "failed"
	FailureReason string `json:"failure_reason"`
}

type coinbaseEntry struct {
	Kind     string `json:"kind"` // "coinbase" | "fee_transfer" | "fee_transfer_via_coinbase"
	Receiver string `json:"receiver"`
	Amount   uint64 `json:"amount"`
}

// jsonNumberString accepts either a JSON number or a JSON string
// holding a decimal number — the source format encodes large integer
// fields as strings to survive 64-bit precision loss in JS JSON
// parsers; this indexer accepts both so test fixtures need not match
// the quoting exactly.
type jsonNumberString uint64

func (n *jsonNumberString) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*n = jsonNumberString(v)
	return nil
}

// Block decodes a precomputed-block JSON payload into the shared
// model.Block, stamping receivedTime (an indexer-assigned value, not
// present in the source file) and the height/hash the filename
// already encoded (cross-checked against the body for a Schema
// mismatch).
func Block(data []byte, fn ParsedFilename, receivedTime int64) (*model.Block, error) {
	var pb precomputedBlock
	if err := json.Unmarshal(data, &pb); err != nil {
		return nil, errs.Wrap(err, errs.KindParse, "decode precomputed block")
	}
	if pb.StateHash != "" && pb.StateHash != fn.Hash {
		return nil, errs.New(errs.KindSchema, fmt.Sprintf("filename hash %s does not match body state_hash %s", fn.Hash, pb.StateHash))
	}

	cs := pb.ProtocolState.Body.ConsensusState
	b := &model.Block{
		StateHash:        model.StateHash(fn.Hash),
		ParentHash:       model.StateHash(pb.ProtocolState.PreviousStateHash),
		Height:           uint32(cs.BlockchainLength),
		Slot:             uint32(cs.GlobalSlotSinceGenesis),
		Epoch:            uint32(cs.EpochCount),
		Creator:          model.PublicKey(cs.BlockCreator),
		CoinbaseReceiver: model.PublicKey(cs.CoinbaseReceiver),
		LastVRFOutput:    cs.LastVRFOutput,
		ReceivedTime:     receivedTime,
		ProtocolStateBlob: data,
	}
	if b.Height != fn.Number {
		return nil, errs.New(errs.KindSchema, fmt.Sprintf("filename height %d does not match body blockchain_length %d", fn.Number, b.Height))
	}

	seq := 0
	for _, diff := range pb.StagedLedgerDiff.Diff {
		for _, c := range diff.Commands {
			uc := model.UserCommand{
				SequenceIndex: seq,
				Source:        model.PublicKey(c.Source),
				Receiver:      model.PublicKey(c.Receiver),
				Amount:        c.Amount,
				Fee:           c.Fee,
				Nonce:         c.Nonce,
				Memo:          c.Memo,
				ValidUntil:    c.ValidUntil,
				FailureReason: c.FailureReason,
			}
			if c.Kind == "stake_delegation" {
				uc.Kind = model.Delegation
			} else {
				uc.Kind = model.Payment
			}
			if c.Status == "failed" {
				uc.Status = model.Failed
			} else {
				uc.Status = model.Applied
			}
			b.UserCommands = append(b.UserCommands, uc)
			b.TxFees += uc.Fee
			seq++
		}
		for _, cb := range diff.Coinbase {
			ic := model.InternalCommand{SequenceIndex: seq, Receiver: model.PublicKey(cb.Receiver), Amount: cb.Amount}
			switch cb.Kind {
			case "fee_transfer":
				ic.Kind = model.FeeTransfer
			case "fee_transfer_via_coinbase":
				ic.Kind = model.FeeTransferViaCoinbase
			default:
				ic.Kind = model.Coinbase
				b.CoinbaseAmount += cb.Amount
			}
			b.InternalCommands = append(b.InternalCommands, ic)
			seq++
		}
		for _, w := range diff.CompletedWorks {
			job := model.SnarkJob{SequenceIndex: seq, Prover: model.PublicKey(w.Prover), Fee: uint64(w.Fee)}
			b.SnarkJobs = append(b.SnarkJobs, job)
			b.SnarkFees += job.Fee
			seq++
		}
	}

	return b, nil
}

// stakingLedgerEntry mirrors one row of the staking-ledger JSON array.
type stakingLedgerEntry struct {
	PublicKey string           `json:"pk"`
	Balance   jsonNumberString `json:"balance"`
	Delegate  string           `json:"delegate"`
	Timing    *struct {
		InitialMinimumBalance jsonNumberString `json:"initial_minimum_balance"`
		CliffTime             jsonNumberString `json:"cliff_time"`
		CliffAmount           jsonNumberString `json:"cliff_amount"`
		VestingPeriod         jsonNumberString `json:"vesting_period"`
		VestingIncrement      jsonNumberString `json:"vesting_increment"`
	} `json:"timing"`
}

// StakingLedger decodes a staking-ledger JSON array payload.
func StakingLedger(data []byte, fn ParsedFilename) (*model.StakingLedger, error) {
	var entries []stakingLedgerEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errs.Wrap(err, errs.KindParse, "decode staking ledger")
	}

	l := &model.StakingLedger{
		Epoch:      fn.Number,
		LedgerHash: model.LedgerHash(fn.Hash),
		Entries:    make(map[model.PublicKey]model.StakingLedgerEntry, len(entries)),
	}
	for _, e := range entries {
		if e.PublicKey == "" {
			return nil, errs.New(errs.KindSchema, "staking ledger entry missing pk")
		}
		entry := model.StakingLedgerEntry{
			PublicKey: model.PublicKey(e.PublicKey),
			Balance:   uint64(e.Balance),
			Delegate:  model.PublicKey(e.Delegate),
		}
		if e.Timing != nil {
			entry.Timing = &model.AccountTiming{
				InitialMinimumBalance: uint64(e.Timing.InitialMinimumBalance),
				CliffTime:             uint32(e.Timing.CliffTime),
				CliffAmount:           uint64(e.Timing.CliffAmount),
				VestingPeriod:         uint32(e.Timing.VestingPeriod),
				VestingIncrement:      uint64(e.Timing.VestingIncrement),
			}
		}
		l.Entries[entry.PublicKey] = entry
	}
	return l, nil
}
