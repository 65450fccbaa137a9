// Package keys is the bit-exact key codec (C2): fixed-width big-endian
// encoders/decoders for every composite secondary key this schema
// uses, extending the teacher's binaryserialization idiom (plain
// encoding/binary helpers per field, no generic serialization
// framework) uniformly across the indexer's key space.
package keys

import (
	"encoding/binary"

	"github.com/trevorbernard/mina-indexer/internal/model"
	"github.com/trevorbernard/mina-indexer/internal/store"
)

var byteOrder = binary.BigEndian

// publicKeyWidth and stateHashWidth are the fixed on-disk widths of
// Mina's base58check-encoded public keys and state hashes. Both
// identifiers are treated as opaque by this indexer (no cryptographic
// decoding of the base58 payload occurs anywhere in this repo), so the
// codec encodes them as their raw, zero-padded/truncated ASCII bytes
// rather than decoding to the underlying 32-byte compressed point.
const (
	publicKeyWidth = 55
	stateHashWidth = 52
)

// EncodeHeight big-endian-encodes a block height so that byte order
// equals numeric order.
func EncodeHeight(height uint32) []byte {
	b := make([]byte, 4)
	byteOrder.PutUint32(b, height)
	return b
}

// DecodeHeight is the inverse of EncodeHeight.
func DecodeHeight(b []byte) uint32 {
	return byteOrder.Uint32(b)
}

// EncodeSlot big-endian-encodes a global slot.
func EncodeSlot(slot uint32) []byte {
	b := make([]byte, 4)
	byteOrder.PutUint32(b, slot)
	return b
}

// DecodeSlot is the inverse of EncodeSlot.
func DecodeSlot(b []byte) uint32 {
	return byteOrder.Uint32(b)
}

// EncodeStateHash fixed-widths a state hash for use as a key suffix or
// uniqueness tiebreak, right-padding with zero bytes if the input is
// shorter than stateHashWidth and truncating if longer (callers never
// pass malformed hashes in practice; this keeps encoding total).
func EncodeStateHash(h model.StateHash) []byte {
	return fixedWidth([]byte(h), stateHashWidth)
}

// DecodeStateHash trims the zero padding EncodeStateHash added.
func DecodeStateHash(b []byte) model.StateHash {
	return model.StateHash(trimZero(b))
}

// EncodePublicKey fixed-widths a public key for use as a key prefix.
func EncodePublicKey(pk model.PublicKey) []byte {
	return fixedWidth([]byte(pk), publicKeyWidth)
}

// DecodePublicKey trims the zero padding EncodePublicKey added.
func DecodePublicKey(b []byte) model.PublicKey {
	return model.PublicKey(trimZero(b))
}

func fixedWidth(b []byte, width int) []byte {
	out := make([]byte, width)
	n := len(b)
	if n > width {
		n = width
	}
	copy(out, b[:n])
	return out
}

func trimZero(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}

// ByHeight builds the by-height secondary key: u32_be(height) ||
// state_hash. Present in both the full-height cf and the
// canonical-by-height cf.
func ByHeight(height uint32, hash model.StateHash) []byte {
	return concat(EncodeHeight(height), EncodeStateHash(hash))
}

// HeightFromByHeight extracts the height from a by-height key suffix.
func HeightFromByHeight(suffix []byte) uint32 {
	return DecodeHeight(suffix[:4])
}

// StateHashFromByHeight extracts the state hash from a by-height key
// suffix.
func StateHashFromByHeight(suffix []byte) model.StateHash {
	return DecodeStateHash(suffix[4:])
}

// BySlot builds the by-slot secondary key: u32_be(slot) || state_hash.
func BySlot(slot uint32, hash model.StateHash) []byte {
	return concat(EncodeSlot(slot), EncodeStateHash(hash))
}

// StateHashFromBySlot extracts the state hash from a by-slot key
// suffix.
func StateHashFromBySlot(suffix []byte) model.StateHash {
	return DecodeStateHash(suffix[4:])
}

// ByCreatorOrReceiver builds the shared shape of the by-creator and
// by-coinbase-receiver secondary keys: pk_bytes(55) ||
// u32_be(height) || state_hash, where pk_bytes is the key's raw ASCII
// zero-padded to publicKeyWidth; it is not decoded to a 32-byte point.
func ByCreatorOrReceiver(pk model.PublicKey, height uint32, hash model.StateHash) []byte {
	return concat(EncodePublicKey(pk), EncodeHeight(height), EncodeStateHash(hash))
}

// HeightFromByCreatorOrReceiver extracts the height from a
// by-creator/by-coinbase-receiver key suffix.
func HeightFromByCreatorOrReceiver(suffix []byte) uint32 {
	return DecodeHeight(suffix[publicKeyWidth : publicKeyWidth+4])
}

// StateHashFromByCreatorOrReceiver extracts the state hash from a
// by-creator/by-coinbase-receiver key suffix.
func StateHashFromByCreatorOrReceiver(suffix []byte) model.StateHash {
	return DecodeStateHash(suffix[publicKeyWidth+4:])
}

// AccountAtHeight builds the account-at-height key: pk_bytes(55) ||
// u32_be(height), pk_bytes as in ByCreatorOrReceiver. Last write within
// a height wins.
func AccountAtHeight(pk model.PublicKey, height uint32) []byte {
	return concat(EncodePublicKey(pk), EncodeHeight(height))
}

// HeightFromAccountAtHeight extracts the height from an
// account-at-height key suffix.
func HeightFromAccountAtHeight(suffix []byte) uint32 {
	return DecodeHeight(suffix[publicKeyWidth:])
}

// BlockBody builds the block-body primary key: state_hash alone.
func BlockBody(hash model.StateHash) []byte {
	return EncodeStateHash(hash)
}

// Aggregate builds a short ASCII-tagged aggregate counter key, e.g.
// Aggregate("epoch:", 42) for a per-epoch counter or
// Aggregate("global", 0) for the global counter (height ignored).
func Aggregate(tag string, epoch uint32) []byte {
	return concat([]byte(tag), EncodeHeight(epoch))
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Buckets used across the store. Declared here, alongside the key
// shapes they hold, so the codec and the column-family layout stay in
// lockstep as the spec's §4.2 enumerates them.
var (
	BlockBodyBucket          = store.MakeBucket([]byte("block-body"))
	ByHeightBucket           = store.MakeBucket([]byte("by-height"))
	CanonicalByHeightBucket  = store.MakeBucket([]byte("canonical-by-height"))
	BySlotBucket             = store.MakeBucket([]byte("by-slot"))
	ByCreatorBucket          = store.MakeBucket([]byte("by-creator"))
	ByCoinbaseReceiverBucket = store.MakeBucket([]byte("by-coinbase-receiver"))
	CanonicityBucket         = store.MakeBucket([]byte("canonicity"))
	AccountAtHeightBucket    = store.MakeBucket([]byte("account-at-height"))
	StakingLedgerBucket      = store.MakeBucket([]byte("staking-ledger"))
	LedgerSnapshotBucket     = store.MakeBucket([]byte("ledger-snapshot"))
	AggregatesBucket         = store.MakeBucket([]byte("aggregates"))
	MetaBucket               = store.MakeBucket([]byte("meta"))
)

// MetaSchemaVersionKey is where the on-disk schema version byte
// lives; a mismatch at startup is fatal per §6.
var MetaSchemaVersionKey = MetaBucket.Key([]byte("schema_version"))

// WatcherCursorKey is where the watcher persists the last-processed
// filename, updated in the same batch as the block it describes.
var WatcherCursorKey = MetaBucket.Key([]byte("watcher_cursor"))

// ChainTipKey is where the block-tree engine's current best/root
// summary lives.
var ChainTipKey = MetaBucket.Key([]byte("chain_tip"))
