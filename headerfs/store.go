package headerfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightninglabs/walletsync/chainsync"
)

var (
	// headerBucket is the top-level bucket of the header store. Nothing
	// is stored in this bucket other than the sub-buckets below.
	headerBucket = []byte("header-store")

	// recordBucket maps sequence -> record. Keying by sequence keeps
	// writes during initial sync sequential.
	recordBucket = []byte("records")

	// hashIndexBucket maps block hash -> sequence.
	hashIndexBucket = []byte("hash-index")

	// checkpointKey is the key under which the active checkpoint is
	// stored within the top-level bucket.
	checkpointKey = []byte("checkpoint")
)

var (
	// ErrHashNotFound is returned when a specified block hash isn't found
	// in the store.
	ErrHashNotFound = errors.New("target hash not found in store")

	// ErrNoCheckpoint is returned when no checkpoint has been stored.
	ErrNoCheckpoint = errors.New("no checkpoint stored")
)

// checkpointSize is the size of a serialized checkpoint:
// height || hash || parent hash || filter hash.
const checkpointSize = 4 + 3*chainhash.HashSize

// Batch is a set of changes that are applied to the store in a single
// database transaction.
type Batch struct {
	// Records are the records to insert or overwrite.
	Records []*Record

	// Checkpoint, if set, replaces the active checkpoint.
	Checkpoint *chainsync.Checkpoint

	// DeleteCheckpoint removes the active checkpoint.
	DeleteCheckpoint bool
}

// Store persists header records and the active checkpoint within a walletdb
// database.
type Store struct {
	db walletdb.DB
}

// New creates a new header store on top of an already open database. All
// buckets required are created if they don't exist yet.
func New(db walletdb.DB) (*Store, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		root, err := tx.CreateTopLevelBucket(headerBucket)
		if err != nil {
			return err
		}

		_, err = root.CreateBucketIfNotExists(recordBucket)
		if err != nil {
			return err
		}

		_, err = root.CreateBucketIfNotExists(hashIndexBucket)
		return err
	})
	if err != nil && err != walletdb.ErrBucketExists {
		return nil, err
	}

	return &Store{
		db: db,
	}, nil
}

// WriteBatch applies all changes of the batch atomically.
func (s *Store) WriteBatch(b *Batch) error {
	// Sort by sequence so new records are appended in order.
	records := make([]*Record, len(b.Records))
	copy(records, b.Records)
	sort.Slice(records, func(i, j int) bool {
		return records[i].Sequence < records[j].Sequence
	})

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		root := tx.ReadWriteBucket(headerBucket)
		recs := root.NestedReadWriteBucket(recordBucket)
		index := root.NestedReadWriteBucket(hashIndexBucket)

		var seqKey [8]byte
		for _, r := range records {
			raw, err := r.encode()
			if err != nil {
				return err
			}

			binary.BigEndian.PutUint64(seqKey[:], r.Sequence)
			if err := recs.Put(seqKey[:], raw); err != nil {
				return err
			}

			hash := r.Hash()
			if err := index.Put(hash[:], seqKey[:]); err != nil {
				return err
			}
		}

		switch {
		case b.Checkpoint != nil:
			return root.Put(
				checkpointKey, encodeCheckpoint(b.Checkpoint),
			)

		case b.DeleteCheckpoint:
			return root.Delete(checkpointKey)
		}

		return nil
	})
}

// PutRecords inserts or overwrites the given records in a single
// transaction.
func (s *Store) PutRecords(records ...*Record) error {
	return s.WriteBatch(&Batch{Records: records})
}

// FetchRecord returns the record of the block with the given hash.
func (s *Store) FetchRecord(hash *chainhash.Hash) (*Record, error) {
	var record *Record
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		root := tx.ReadBucket(headerBucket)

		seqKey := root.NestedReadBucket(hashIndexBucket).Get(hash[:])
		if seqKey == nil {
			return ErrHashNotFound
		}

		raw := root.NestedReadBucket(recordBucket).Get(seqKey)
		if raw == nil {
			return fmt.Errorf("%w: missing record for %v",
				ErrInvalidRecord, hash)
		}

		var err error
		record, err = decodeRecord(raw)
		return err
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// FetchRecords returns all stored records in the order they were first seen.
func (s *Store) FetchRecords() ([]*Record, error) {
	var records []*Record
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		recs := tx.ReadBucket(headerBucket).NestedReadBucket(
			recordBucket,
		)

		return recs.ForEach(func(_, v []byte) error {
			r, err := decodeRecord(v)
			if err != nil {
				return err
			}

			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// FetchCheckpoint returns the active checkpoint, or ErrNoCheckpoint if none
// is stored.
func (s *Store) FetchCheckpoint() (*chainsync.Checkpoint, error) {
	var cp *chainsync.Checkpoint
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		raw := tx.ReadBucket(headerBucket).Get(checkpointKey)
		if raw == nil {
			return ErrNoCheckpoint
		}

		var err error
		cp, err = decodeCheckpoint(raw)
		return err
	})
	if err != nil {
		return nil, err
	}

	return cp, nil
}

func encodeCheckpoint(cp *chainsync.Checkpoint) []byte {
	raw := make([]byte, checkpointSize)
	binary.BigEndian.PutUint32(raw[:4], cp.Height)
	copy(raw[4:], cp.Hash[:])
	copy(raw[4+chainhash.HashSize:], cp.ParentHash[:])
	copy(raw[4+2*chainhash.HashSize:], cp.FilterHash[:])

	return raw
}

func decodeCheckpoint(raw []byte) (*chainsync.Checkpoint, error) {
	if len(raw) != checkpointSize {
		return nil, fmt.Errorf("invalid checkpoint size %d", len(raw))
	}

	var cp chainsync.Checkpoint
	cp.Height = binary.BigEndian.Uint32(raw[:4])
	copy(cp.Hash[:], raw[4:])
	copy(cp.ParentHash[:], raw[4+chainhash.HashSize:])
	copy(cp.FilterHash[:], raw[4+2*chainhash.HashSize:])

	return &cp, nil
}
