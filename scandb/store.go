package scandb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightninglabs/walletsync/chainsync"
)

var (
	// scanBucket is the top-level bucket of the scan store.
	scanBucket = []byte("scan-store")

	// subchainIndexBucket maps a serialized subchain id to its index.
	subchainIndexBucket = []byte("subchain-index")

	// subchainsBucket holds one nested bucket per subchain index.
	subchainsBucket = []byte("subchains")

	// nextIndexKey stores the next subchain index to hand out.
	nextIndexKey = []byte("next-index")

	// progressKey and rescanProgressKey store the scan and rescan
	// progress within a subchain bucket.
	progressKey       = []byte("progress")
	rescanProgressKey = []byte("rescan-progress")

	// The buckets of a subchain.
	outputsBucket  = []byte("outputs")
	spendsBucket   = []byte("spends")
	patternsBucket = []byte("patterns")
	txBucket       = []byte("txs")
)

var (
	// ErrUnknownSubchain is returned for subchain indices that were never
	// allocated.
	ErrUnknownSubchain = errors.New("unknown subchain")

	// ErrNoProgress is returned when a subchain has no progress yet.
	ErrNoProgress = errors.New("no progress stored")

	// ErrProgressRegression is returned when a commit would move the scan
	// progress backwards. Only Rollback may do that.
	ErrProgressRegression = errors.New("progress can't move backwards")
)

// ElementMap maps a derivation index to the script it derives.
type ElementMap map[uint32][]byte

// Scripts returns the scripts of the map.
func (e ElementMap) Scripts() [][]byte {
	scripts := make([][]byte, 0, len(e))
	for _, script := range e {
		scripts = append(scripts, script)
	}

	return scripts
}

// Output is an output paying to one of a subchain's scripts.
type Output struct {
	// OutPoint is the outpoint of the output.
	OutPoint wire.OutPoint

	// Value is the value of the output in satoshis.
	Value int64

	// PkScript is the script of the output.
	PkScript []byte

	// Index is the derivation index of the script.
	Index uint32

	// Block is the block that created the output.
	Block chainsync.Position

	// Spend is set by LoadOutputs if the output was spent.
	Spend *Spend
}

// Spend records the spend of a subchain output.
type Spend struct {
	// OutPoint is the outpoint that was spent.
	OutPoint wire.OutPoint

	// SpentBy is the hash of the spending transaction.
	SpentBy chainhash.Hash

	// Block is the block of the spending transaction.
	Block chainsync.Position
}

// TxMatch is a transaction relevant to a subchain.
type TxMatch struct {
	// Record is the transaction.
	Record *wtxmgr.TxRecord

	// Block is the block that confirmed the transaction.
	Block wtxmgr.Block
}

// Update is the result of scanning blocks, committed in one transaction.
type Update struct {
	// Progress, if set, is the new scan progress. It may not be lower
	// than the stored progress.
	Progress *chainsync.Position

	// RescanProgress, if set, is the new rescan progress.
	RescanProgress *chainsync.Position

	// Created are new outputs.
	Created []*Output

	// Spent are spends of outputs.
	Spent []*Spend

	// Transactions are the transactions creating or spending outputs.
	Transactions []*TxMatch
}

// IsEmpty returns true if the update doesn't change anything.
func (u *Update) IsEmpty() bool {
	return u.Progress == nil && u.RescanProgress == nil &&
		len(u.Created) == 0 && len(u.Spent) == 0 &&
		len(u.Transactions) == 0
}

// Store keeps the scan state of subchains in a walletdb database: their
// indices, progress, patterns, outputs and transactions.
type Store struct {
	db walletdb.DB
}

// New creates a scan store on top of an already open database.
func New(db walletdb.DB) (*Store, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		root, err := tx.CreateTopLevelBucket(scanBucket)
		if err != nil {
			return err
		}

		_, err = root.CreateBucketIfNotExists(subchainIndexBucket)
		if err != nil {
			return err
		}

		_, err = root.CreateBucketIfNotExists(subchainsBucket)
		return err
	})
	if err != nil && err != walletdb.ErrBucketExists {
		return nil, err
	}

	return &Store{
		db: db,
	}, nil
}

// SubchainIndex returns the index of a subchain, allocating it on first use.
// Indices are stable for the lifetime of the database.
func (s *Store) SubchainIndex(id chainsync.SubchainID) (uint64, error) {
	var index uint64
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		root := tx.ReadWriteBucket(scanBucket)
		indices := root.NestedReadWriteBucket(subchainIndexBucket)

		key := id.Bytes()
		if raw := indices.Get(key); raw != nil {
			index = binary.BigEndian.Uint64(raw)
			return nil
		}

		if raw := root.Get(nextIndexKey); raw != nil {
			index = binary.BigEndian.Uint64(raw)
		}

		err := root.Put(nextIndexKey, indexKey(index+1))
		if err != nil {
			return err
		}

		if err := indices.Put(key, indexKey(index)); err != nil {
			return err
		}

		sub, err := root.NestedReadWriteBucket(subchainsBucket).
			CreateBucket(indexKey(index))
		if err != nil {
			return err
		}

		for _, name := range [][]byte{
			outputsBucket, spendsBucket, patternsBucket, txBucket,
		} {
			if _, err := sub.CreateBucket(name); err != nil {
				return err
			}
		}

		log.Debugf("Allocated index %d for subchain %v", index, id)

		return nil
	})

	return index, err
}

// Subchains returns all subchains with their indices.
func (s *Store) Subchains() (map[chainsync.SubchainID]uint64, error) {
	subchains := make(map[chainsync.SubchainID]uint64)
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		indices := tx.ReadBucket(scanBucket).NestedReadBucket(
			subchainIndexBucket,
		)

		return indices.ForEach(func(k, v []byte) error {
			id, err := chainsync.SubchainIDFromBytes(k)
			if err != nil {
				return err
			}

			subchains[id] = binary.BigEndian.Uint64(v)
			return nil
		})
	})

	return subchains, err
}

func readSubchain(tx walletdb.ReadTx,
	index uint64) (walletdb.ReadBucket, error) {

	sub := tx.ReadBucket(scanBucket).NestedReadBucket(subchainsBucket).
		NestedReadBucket(indexKey(index))
	if sub == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSubchain, index)
	}

	return sub, nil
}

func writeSubchain(tx walletdb.ReadWriteTx,
	index uint64) (walletdb.ReadWriteBucket, error) {

	sub := tx.ReadWriteBucket(scanBucket).
		NestedReadWriteBucket(subchainsBucket).
		NestedReadWriteBucket(indexKey(index))
	if sub == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSubchain, index)
	}

	return sub, nil
}

// GetProgress returns the highest block the subchain was fully scanned to.
func (s *Store) GetProgress(index uint64) (chainsync.Position, error) {
	return s.fetchPosition(index, progressKey)
}

// GetRescanProgress returns the highest block a rescan of the subchain
// reached.
func (s *Store) GetRescanProgress(index uint64) (chainsync.Position, error) {
	return s.fetchPosition(index, rescanProgressKey)
}

func (s *Store) fetchPosition(index uint64,
	key []byte) (chainsync.Position, error) {

	var pos chainsync.Position
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		sub, err := readSubchain(tx, index)
		if err != nil {
			return err
		}

		raw := sub.Get(key)
		if raw == nil {
			return ErrNoProgress
		}

		pos, err = decodePosition(raw)
		return err
	})

	return pos, err
}

// Commit applies an update to a subchain in a single transaction. Either
// the progress and every record of the update are written, or nothing is.
func (s *Store) Commit(ctx context.Context, index uint64, u *Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		sub, err := writeSubchain(tx, index)
		if err != nil {
			return err
		}

		if u.Progress != nil {
			raw := sub.Get(progressKey)
			if raw != nil {
				current, err := decodePosition(raw)
				if err != nil {
					return err
				}

				if u.Progress.Less(current) {
					return fmt.Errorf("%w: %v to %v",
						ErrProgressRegression, current,
						u.Progress)
				}
			}

			err := sub.Put(progressKey, encodePosition(*u.Progress))
			if err != nil {
				return err
			}
		}

		if u.RescanProgress != nil {
			err := sub.Put(
				rescanProgressKey,
				encodePosition(*u.RescanProgress),
			)
			if err != nil {
				return err
			}
		}

		outputs := sub.NestedReadWriteBucket(outputsBucket)
		for _, o := range u.Created {
			err := outputs.Put(
				encodeOutPoint(&o.OutPoint), encodeOutput(o),
			)
			if err != nil {
				return err
			}
		}

		spends := sub.NestedReadWriteBucket(spendsBucket)
		for _, sp := range u.Spent {
			err := spends.Put(
				encodeOutPoint(&sp.OutPoint), encodeSpend(sp),
			)
			if err != nil {
				return err
			}
		}

		txs := sub.NestedReadWriteBucket(txBucket)
		for _, m := range u.Transactions {
			raw, err := encodeTx(m)
			if err != nil {
				return err
			}

			if err := txs.Put(m.Record.Hash[:], raw); err != nil {
				return err
			}
		}

		return nil
	})
}

// Rollback moves a subchain back to the given ancestor. Records of blocks
// above the ancestor are removed and progress above it is lowered to it.
// This is the only way progress moves backwards.
func (s *Store) Rollback(ctx context.Context, index uint64,
	ancestor chainsync.Position) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		sub, err := writeSubchain(tx, index)
		if err != nil {
			return err
		}

		for _, key := range [][]byte{progressKey, rescanProgressKey} {
			raw := sub.Get(key)
			if raw == nil {
				continue
			}

			pos, err := decodePosition(raw)
			if err != nil {
				return err
			}

			if !ancestor.Less(pos) {
				continue
			}

			err = sub.Put(key, encodePosition(ancestor))
			if err != nil {
				return err
			}
		}

		for _, name := range [][]byte{
			outputsBucket, spendsBucket, txBucket,
		} {
			removed, err := removeAbove(
				sub.NestedReadWriteBucket(name), ancestor.Height,
			)
			if err != nil {
				return err
			}

			if removed > 0 {
				log.Debugf("Removed %d %s of subchain %d above "+
					"%v", removed, name, index, ancestor)
			}
		}

		return nil
	})
}

// removeAbove deletes all records of a bucket whose leading position is
// above the given height.
func removeAbove(bucket walletdb.ReadWriteBucket, height uint32) (int,
	error) {

	var stale [][]byte
	err := bucket.ForEach(func(k, v []byte) error {
		pos, err := decodePosition(v)
		if err != nil {
			return err
		}

		if pos.Height > height {
			stale = append(stale, bytes.Clone(k))
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, k := range stale {
		if err := bucket.Delete(k); err != nil {
			return 0, err
		}
	}

	return len(stale), nil
}

// LoadPatterns returns the scripts registered for a subchain.
func (s *Store) LoadPatterns(index uint64) (ElementMap, error) {
	patterns := make(ElementMap)
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		sub, err := readSubchain(tx, index)
		if err != nil {
			return err
		}

		return sub.NestedReadBucket(patternsBucket).ForEach(
			func(k, v []byte) error {
				if len(k) != 4 {
					return ErrCorruptRecord
				}

				patterns[binary.BigEndian.Uint32(k)] =
					bytes.Clone(v)

				return nil
			},
		)
	})
	if err != nil {
		return nil, err
	}

	return patterns, nil
}

// AddPatterns registers scripts for a subchain.
func (s *Store) AddPatterns(index uint64, patterns ElementMap) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		sub, err := writeSubchain(tx, index)
		if err != nil {
			return err
		}

		bucket := sub.NestedReadWriteBucket(patternsBucket)
		for i, script := range patterns {
			err := bucket.Put(derivationKey(i), script)
			if err != nil {
				return err
			}
		}

		return nil
	})
}

// LoadOutputs returns the outputs of a subchain with their spends.
func (s *Store) LoadOutputs(index uint64) ([]*Output, error) {
	var outputs []*Output
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		sub, err := readSubchain(tx, index)
		if err != nil {
			return err
		}

		spends := sub.NestedReadBucket(spendsBucket)

		return sub.NestedReadBucket(outputsBucket).ForEach(
			func(k, v []byte) error {
				o, err := decodeOutput(k, v)
				if err != nil {
					return err
				}

				if raw := spends.Get(k); raw != nil {
					o.Spend, err = decodeSpend(k, raw)
					if err != nil {
						return err
					}
				}

				outputs = append(outputs, o)
				return nil
			},
		)
	})
	if err != nil {
		return nil, err
	}

	return outputs, nil
}

// LoadTransactions returns the transactions recorded for a subchain.
func (s *Store) LoadTransactions(index uint64) ([]*TxMatch, error) {
	var txs []*TxMatch
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		sub, err := readSubchain(tx, index)
		if err != nil {
			return err
		}

		return sub.NestedReadBucket(txBucket).ForEach(
			func(_, v []byte) error {
				m, err := decodeTx(v)
				if err != nil {
					return err
				}

				txs = append(txs, m)
				return nil
			},
		)
	})
	if err != nil {
		return nil, err
	}

	return txs, nil
}
