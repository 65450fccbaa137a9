// Package ledgerstore is the Ledger Store (C4): immutable staking
// ledger snapshots keyed by (epoch, ledger_hash), the account-at-height
// index the working ledger writes through, and the periodic full-ledger
// snapshots the ledger pipeline pins for reorg unapply.
package ledgerstore

import (
	"bytes"
	"encoding/binary"

	"github.com/trevorbernard/mina-indexer/internal/errs"
	"github.com/trevorbernard/mina-indexer/internal/keys"
	"github.com/trevorbernard/mina-indexer/internal/logger"
	"github.com/trevorbernard/mina-indexer/internal/model"
	"github.com/trevorbernard/mina-indexer/internal/serialize"
	"github.com/trevorbernard/mina-indexer/internal/store"
)

var log = logger.Get("LSTORE")

// Store is the Ledger Store.
type Store struct {
	db store.DB
}

// New constructs a Store reading through to db.
func New(db store.DB) *Store {
	return &Store{db: db}
}

func stakingLedgerKey(epoch uint32, hash model.LedgerHash) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, epoch)
	return append(b, []byte(hash)...)
}

// PutStakingLedger writes an immutable snapshot for (epoch,
// ledger_hash). Idempotent: re-writing the same snapshot overwrites
// with byte-identical content.
func (s *Store) PutStakingLedger(batch store.WriteBatch, l *model.StakingLedger) error {
	key := keys.StakingLedgerBucket.Key(stakingLedgerKey(l.Epoch, l.LedgerHash))
	log.Debugf("staging staking ledger epoch=%d hash=%s entries=%d", l.Epoch, l.LedgerHash, len(l.Entries))
	return batch.Put(key, serialize.StakingLedger(l))
}

// GetStakingLedger returns the snapshot for (epoch, ledger_hash), or a
// KindNotFound error.
func (s *Store) GetStakingLedger(r store.Reader, epoch uint32, hash model.LedgerHash) (*model.StakingLedger, error) {
	data, err := r.Get(keys.StakingLedgerBucket.Key(stakingLedgerKey(epoch, hash)))
	if err != nil {
		return nil, err
	}
	return serialize.DecodeStakingLedger(data)
}

// PutAccountAtHeight writes an account snapshot into the working
// ledger's account-at-height index. Last write within a height wins.
func (s *Store) PutAccountAtHeight(batch store.WriteBatch, height uint32, a *model.Account) error {
	key := keys.AccountAtHeightBucket.Key(keys.AccountAtHeight(a.PublicKey, height))
	return batch.Put(key, serialize.Account(a))
}

// LookupAccount returns the most recent account snapshot at or before
// atHeight via a reverse range scan, or a KindNotFound error if the
// account has never received a write. The account-at-height bucket is
// flat (pk_bytes || u32_be(height), matching PutAccountAtHeight's
// write key exactly) rather than a nested per-pk bucket, so the scan
// seeks within the parent bucket and filters on the pk prefix.
func (s *Store) LookupAccount(r store.Reader, pk model.PublicKey, atHeight uint32) (*model.Account, error) {
	cur, err := r.Cursor(keys.AccountAtHeightBucket)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	pkBytes := keys.EncodePublicKey(pk)

	// Seek to the first entry >= (pk, atHeight+1), then step back one:
	// goleveldb cursors only seek forward, so the reverse scan is
	// expressed as a forward seek past the target followed by Prev.
	ok := cur.Seek(keys.AccountAtHeight(pk, atHeight+1))
	if !ok {
		ok = cur.Last()
	} else {
		ok = cur.Prev()
	}
	if !ok || !bytes.HasPrefix(cur.Key().Suffix(), pkBytes) {
		return nil, notFound(pk)
	}
	height := keys.HeightFromAccountAtHeight(cur.Key().Suffix())
	if height > atHeight {
		return nil, notFound(pk)
	}
	data, err := cur.Value()
	if err != nil {
		return nil, err
	}
	return serialize.DecodeAccount(data)
}

func notFound(pk model.PublicKey) error {
	return errs.New(errs.KindNotFound, "account "+string(pk))
}

// PinSnapshot persists the full working-ledger account set at height,
// so a later reorg's unapply phase can replay forward from the
// nearest pinned snapshot instead of subtracting deltas (§4.6:
// snapshots avoid numeric drift on reorg).
func (s *Store) PinSnapshot(batch store.WriteBatch, height uint32, accounts map[model.PublicKey]*model.Account) error {
	l := &model.StakingLedger{Epoch: height, Entries: make(map[model.PublicKey]model.StakingLedgerEntry, len(accounts))}
	for pk, a := range accounts {
		l.Entries[pk] = model.StakingLedgerEntry{PublicKey: pk, Balance: a.Balance, Delegate: a.Delegate, Timing: a.Timing}
	}
	key := keys.LedgerSnapshotBucket.Key(keys.EncodeHeight(height))
	log.Debugf("pinning ledger snapshot at height %d (%d accounts)", height, len(accounts))
	return batch.Put(key, serialize.StakingLedger(l))
}

// NearestSnapshot returns the height and contents of the highest
// pinned snapshot at or below atHeight, or ok=false if none exists.
func (s *Store) NearestSnapshot(r store.Reader, atHeight uint32) (height uint32, entries map[model.PublicKey]model.StakingLedgerEntry, ok bool, err error) {
	cur, cerr := r.Cursor(keys.LedgerSnapshotBucket)
	if cerr != nil {
		return 0, nil, false, cerr
	}
	defer cur.Close()

	found := cur.Seek(keys.EncodeHeight(atHeight + 1))
	if found {
		found = cur.Prev()
	} else {
		found = cur.Last()
	}
	if !found {
		return 0, nil, false, nil
	}
	h := keys.DecodeHeight(cur.Key().Suffix())
	if h > atHeight {
		return 0, nil, false, nil
	}
	data, verr := cur.Value()
	if verr != nil {
		return 0, nil, false, verr
	}
	l, derr := serialize.DecodeStakingLedger(data)
	if derr != nil {
		return 0, nil, false, derr
	}
	return h, l.Entries, true, nil
}
