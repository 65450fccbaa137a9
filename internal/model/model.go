// Package model defines the data types shared by every store and
// process in the indexer: blocks, commands, accounts, and the
// canonicity/chain-tip bookkeeping the block-tree engine maintains.
package model

// StateHash is the opaque base58 identifier of a block.
type StateHash string

// PublicKey is the opaque base58 identifier of an account.
type PublicKey string

// LedgerHash is the opaque base58 identifier of a staking-ledger
// snapshot.
type LedgerHash string

// Canonicity tags where a stored block currently sits relative to the
// canonical chain.
type Canonicity int

const (
	Pending Canonicity = iota
	Canonical
	Orphan
)

func (c Canonicity) String() string {
	switch c {
	case Canonical:
		return "Canonical"
	case Orphan:
		return "Orphan"
	default:
		return "Pending"
	}
}

// UserCommandKind distinguishes the two user command shapes this
// indexer understands.
type UserCommandKind int

const (
	Payment UserCommandKind = iota
	Delegation
)

// CommandStatus records whether a command's preconditions held when
// it was applied.
type CommandStatus int

const (
	Applied CommandStatus = iota
	Failed
)

// UserCommand is a single user-submitted transaction within a block,
// keyed by (StateHash, SequenceIndex) at the store layer.
type UserCommand struct {
	SequenceIndex int
	Kind          UserCommandKind
	Source        PublicKey
	Receiver      PublicKey
	Amount        uint64
	Fee           uint64
	Nonce         uint64
	Memo          string
	ValidUntil    uint32
	Status        CommandStatus
	// FailureReason is preserved verbatim from the source JSON; see
	// Open Question #2 — different chain eras report it differently
	// and recomputing it would not match the source of truth.
	FailureReason string
}

// InternalCommandKind distinguishes coinbase payouts from fee
// transfers.
type InternalCommandKind int

const (
	Coinbase InternalCommandKind = iota
	FeeTransfer
	FeeTransferViaCoinbase
)

// InternalCommand is a protocol-generated credit or debit within a
// block (coinbase, fee transfer).
type InternalCommand struct {
	SequenceIndex int
	Kind          InternalCommandKind
	Receiver      PublicKey
	Amount        uint64
}

// SnarkJob is a completed SNARK work claim included in a block.
type SnarkJob struct {
	SequenceIndex int
	Prover        PublicKey
	Fee           uint64
}

// Block is an immutable, once-stored precomputed block artifact plus
// the aggregates derived from it.
type Block struct {
	StateHash         StateHash
	ParentHash        StateHash // empty for genesis
	Height            uint32
	Slot              uint32
	Epoch             uint32
	Creator           PublicKey
	CoinbaseReceiver  PublicKey
	LastVRFOutput     string
	DateTime          int64 // unix millis, as reported by the source JSON
	ReceivedTime      int64 // unix millis, indexer-assigned on ingest
	TxFees            uint64
	SnarkFees         uint64
	CoinbaseAmount    uint64
	UserCommands      []UserCommand
	InternalCommands  []InternalCommand
	SnarkJobs         []SnarkJob
	ProtocolStateBlob []byte
}

// AccountTiming carries a staking ledger account's vesting schedule
// through to query results; the ledger pipeline does not reinterpret
// it when computing spendable balance (see Non-goals in SPEC_FULL.md).
type AccountTiming struct {
	InitialMinimumBalance uint64
	CliffTime             uint32
	CliffAmount           uint64
	VestingPeriod         uint32
	VestingIncrement      uint64
}

// Account is the mutable, per-height-versioned state of a public key.
type Account struct {
	PublicKey        PublicKey
	Balance          uint64
	Nonce            uint64
	Delegate         PublicKey
	ReceiptChainHash string
	VotingFor        StateHash
	Timing           *AccountTiming
}

// StakingLedgerEntry is one row of an immutable per-epoch staking
// ledger snapshot.
type StakingLedgerEntry struct {
	PublicKey PublicKey
	Balance   uint64
	Delegate  PublicKey
	Timing    *AccountTiming
}

// StakingLedger is an immutable snapshot used for consensus
// eligibility at a given epoch.
type StakingLedger struct {
	Epoch      uint32
	LedgerHash LedgerHash
	Entries    map[PublicKey]StakingLedgerEntry
}

// ChainTip summarizes the block-tree engine's current view of the
// canonical chain's extremes.
type ChainTip struct {
	BestStateHash StateHash
	BestHeight    uint32
	RootStateHash StateHash
	RootHeight    uint32
}

// Aggregates are per-epoch or global rollup counters.
type Aggregates struct {
	NumBlocks           uint64
	NumUserCommands     uint64
	NumInternalCommands uint64
	NumSnarks           uint64
}
