package filterdb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightninglabs/walletsync/chainsync"
)

var (
	// filterBucket is the name of the root bucket for this package.
	// Within this bucket, sub-buckets are stored which themselves store
	// the actual filters.
	filterBucket = []byte("filter-store")

	// regBucket is the bucket that stores the regular filters.
	regBucket = []byte("regular")

	// regHeaderBucket is the bucket that stores the filter headers of the
	// regular filters.
	regHeaderBucket = []byte("regular-headers")

	// tipBucket stores the filter and filter header tips per filter type.
	tipBucket = []byte("tips")
)

// FilterType is an enum-like type that represents the various filter types
// currently defined.
type FilterType uint8

const (
	// RegularFilter is the filter type of regular filters which contain
	// outputs and pkScript data pushes.
	RegularFilter FilterType = iota
)

// String returns a human readable version of the filter type.
func (f FilterType) String() string {
	switch f {
	case RegularFilter:
		return "regular"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// TipKind selects which of the two tips of a filter type is meant.
type TipKind uint8

const (
	// FilterTip is the highest block up to which filters are stored
	// contiguously.
	FilterTip TipKind = iota

	// HeaderTip is the highest block up to which filter headers are
	// stored contiguously.
	HeaderTip
)

var (
	// ErrFilterNotFound is returned when a filter for a target block hash
	// is unable to be located.
	ErrFilterNotFound = errors.New("unable to find filter")

	// ErrTipNotFound is returned when no tip was stored.
	ErrTipNotFound = errors.New("tip not found")

	// ErrUnknownFilterType is returned for filter types this database
	// doesn't store.
	ErrUnknownFilterType = errors.New("unknown filter type")
)

// FilterData holds all the info about a filter required to store it.
type FilterData struct {
	// Filter is the filter itself. A nil filter is stored as empty.
	Filter *gcs.Filter

	// Header is the filter header committing to the filter.
	Header chainhash.Hash

	// BlockHash is the hash of the block the filter was built for.
	BlockHash *chainhash.Hash

	// Type is the filter type.
	Type FilterType
}

// FilterHeader is a filter header without its filter.
type FilterHeader struct {
	// BlockHash is the hash of the block.
	BlockHash chainhash.Hash

	// Header is the filter header of the block.
	Header chainhash.Hash
}

// FilterDatabase is an interface which represents an object that is capable
// of storing and retrieving filters according to their corresponding block
// hash and also their filter type.
type FilterDatabase interface {
	// PutFilters stores a set of filters, along with their filter
	// headers, in a single transaction.
	PutFilters(...*FilterData) error

	// PutFilterHeaders stores a set of filter headers of the given type
	// in a single transaction.
	PutFilterHeaders(FilterType, ...*FilterHeader) error

	// FetchFilter attempts to fetch a filter with the given hash and
	// type. If the filter isn't found, then ErrFilterNotFound is
	// returned.
	FetchFilter(*chainhash.Hash, FilterType) (*gcs.Filter, error)

	// FetchFilterHeader attempts to fetch the filter header of a block.
	// If it isn't found, then ErrFilterNotFound is returned.
	FetchFilterHeader(*chainhash.Hash, FilterType) (*chainhash.Hash,
		error)

	// DeleteFilters removes the filters and filter headers of the given
	// blocks in a single transaction.
	DeleteFilters(FilterType, ...chainhash.Hash) error

	// PutTip stores one of the tips of a filter type.
	PutTip(FilterType, TipKind, chainsync.Position) error

	// FetchTip returns one of the tips of a filter type.
	FetchTip(FilterType, TipKind) (chainsync.Position, error)
}

// FilterStore is an implementation of the FilterDatabase interface which is
// backed by boltdb.
type FilterStore struct {
	db walletdb.DB
}

// A compile-time check to ensure the FilterStore adheres to the
// FilterDatabase interface.
var _ FilterDatabase = (*FilterStore)(nil)

// New creates a new instance of the FilterStore given an already open
// database, and the target chain parameters. The genesis filter, its header
// and both tips are written if the store is empty.
func New(db walletdb.DB, params chaincfg.Params) (*FilterStore, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		// As part of our initial setup, we'll try to create the top
		// level filter bucket. If this already exists, then we can
		// exit early.
		filters, err := tx.CreateTopLevelBucket(filterBucket)
		if err != nil {
			return err
		}

		// If the main bucket doesn't already exist, then we'll need
		// to create the sub-buckets, and also initialize them with
		// the genesis filters.
		for _, bucket := range [][]byte{
			regBucket, regHeaderBucket, tipBucket,
		} {
			_, err := filters.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
		}

		genesisHash := params.GenesisHash
		existing := filters.NestedReadWriteBucket(regBucket).Get(
			genesisHash[:],
		)
		if existing != nil {
			return nil
		}

		// With the buckets created, we'll now construct the initial
		// basic genesis filter to store at the base of the filter
		// chain.
		genesisBlock := btcutil.NewBlock(params.GenesisBlock)
		basicFilter, err := builder.BuildBasicFilter(
			genesisBlock.MsgBlock(), nil,
		)
		if err != nil {
			return err
		}

		header, err := builder.MakeHeaderForFilter(
			basicFilter, chainhash.Hash{},
		)
		if err != nil {
			return err
		}

		err = putFilters(filters, &FilterData{
			Filter:    basicFilter,
			Header:    header,
			BlockHash: genesisHash,
			Type:      RegularFilter,
		})
		if err != nil {
			return err
		}

		genesis := chainsync.NewPosition(0, *genesisHash)
		for _, kind := range []TipKind{FilterTip, HeaderTip} {
			err := putTip(filters, RegularFilter, kind, genesis)
			if err != nil {
				return err
			}
		}

		log.Debugf("Stored genesis filter for %v", genesisHash)

		return nil
	})
	if err != nil && err != walletdb.ErrBucketExists {
		return nil, err
	}

	return &FilterStore{
		db: db,
	}, nil
}

// PutFilters stores a set of filters in a single transaction.
//
// NOTE: This method is a part of the FilterDatabase interface.
func (f *FilterStore) PutFilters(filterList ...*FilterData) error {
	return walletdb.Update(f.db, func(tx walletdb.ReadWriteTx) error {
		return putFilters(
			tx.ReadWriteBucket(filterBucket), filterList...,
		)
	})
}

func putFilters(filters walletdb.ReadWriteBucket,
	filterList ...*FilterData) error {

	for _, filterData := range filterList {
		if filterData.Type != RegularFilter {
			return fmt.Errorf("%w: %v", ErrUnknownFilterType,
				filterData.Type)
		}

		var filterBytes []byte
		if filterData.Filter != nil {
			var err error
			filterBytes, err = filterData.Filter.NBytes()
			if err != nil {
				return err
			}
		}

		hash := filterData.BlockHash[:]
		err := filters.NestedReadWriteBucket(regBucket).Put(
			hash, filterBytes,
		)
		if err != nil {
			return err
		}

		err = filters.NestedReadWriteBucket(regHeaderBucket).Put(
			hash, filterData.Header[:],
		)
		if err != nil {
			return err
		}

		log.Tracef("Wrote filter for block %s, type %v",
			filterData.BlockHash, filterData.Type)
	}

	return nil
}

// PutFilterHeaders stores a set of filter headers in a single transaction.
//
// NOTE: This method is a part of the FilterDatabase interface.
func (f *FilterStore) PutFilterHeaders(fType FilterType,
	headers ...*FilterHeader) error {

	if fType != RegularFilter {
		return fmt.Errorf("%w: %v", ErrUnknownFilterType, fType)
	}

	return walletdb.Update(f.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(filterBucket).
			NestedReadWriteBucket(regHeaderBucket)

		for _, h := range headers {
			err := bucket.Put(h.BlockHash[:], h.Header[:])
			if err != nil {
				return err
			}
		}

		return nil
	})
}

// DeleteFilters removes the filters and filter headers of the given blocks.
// Blocks without a filter are skipped.
//
// NOTE: This method is a part of the FilterDatabase interface.
func (f *FilterStore) DeleteFilters(fType FilterType,
	hashes ...chainhash.Hash) error {

	if fType != RegularFilter {
		return fmt.Errorf("%w: %v", ErrUnknownFilterType, fType)
	}

	return walletdb.Update(f.db, func(tx walletdb.ReadWriteTx) error {
		filters := tx.ReadWriteBucket(filterBucket)
		for _, name := range [][]byte{regBucket, regHeaderBucket} {
			bucket := filters.NestedReadWriteBucket(name)
			for _, hash := range hashes {
				if err := bucket.Delete(hash[:]); err != nil {
					return err
				}
			}
		}

		log.Tracef("Deleted %d filters of type %v", len(hashes), fType)

		return nil
	})
}

// FetchFilter attempts to fetch a filter with the given hash and type. If
// the filter isn't found, then ErrFilterNotFound is returned.
//
// NOTE: This method is a part of the FilterDatabase interface.
func (f *FilterStore) FetchFilter(blockHash *chainhash.Hash,
	filterType FilterType) (*gcs.Filter, error) {

	if filterType != RegularFilter {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFilterType,
			filterType)
	}

	var filter *gcs.Filter
	err := walletdb.View(f.db, func(tx walletdb.ReadTx) error {
		filters := tx.ReadBucket(filterBucket)
		filterBytes := filters.NestedReadBucket(regBucket).Get(
			blockHash[:],
		)
		if filterBytes == nil {
			return ErrFilterNotFound
		}

		// If the filter is empty, then the filter was written as nil.
		if len(filterBytes) == 0 {
			return nil
		}

		dbFilter, err := gcs.FromNBytes(
			builder.DefaultP, builder.DefaultM, filterBytes,
		)
		if err != nil {
			return err
		}

		filter = dbFilter
		return nil
	})
	if err != nil {
		return nil, err
	}

	return filter, nil
}

// FetchFilterHeader attempts to fetch the filter header of a block.
//
// NOTE: This method is a part of the FilterDatabase interface.
func (f *FilterStore) FetchFilterHeader(blockHash *chainhash.Hash,
	filterType FilterType) (*chainhash.Hash, error) {

	if filterType != RegularFilter {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFilterType,
			filterType)
	}

	var header chainhash.Hash
	err := walletdb.View(f.db, func(tx walletdb.ReadTx) error {
		raw := tx.ReadBucket(filterBucket).NestedReadBucket(
			regHeaderBucket,
		).Get(blockHash[:])
		if raw == nil {
			return ErrFilterNotFound
		}

		copy(header[:], raw)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &header, nil
}

// PutTip stores one of the tips of a filter type.
//
// NOTE: This method is a part of the FilterDatabase interface.
func (f *FilterStore) PutTip(fType FilterType, kind TipKind,
	pos chainsync.Position) error {

	return walletdb.Update(f.db, func(tx walletdb.ReadWriteTx) error {
		return putTip(tx.ReadWriteBucket(filterBucket), fType, kind, pos)
	})
}

func putTip(filters walletdb.ReadWriteBucket, fType FilterType,
	kind TipKind, pos chainsync.Position) error {

	var value [4 + chainhash.HashSize]byte
	binary.BigEndian.PutUint32(value[:4], pos.Height)
	copy(value[4:], pos.Hash[:])

	key := []byte{byte(fType), byte(kind)}

	return filters.NestedReadWriteBucket(tipBucket).Put(key, value[:])
}

// FetchTip returns one of the tips of a filter type.
//
// NOTE: This method is a part of the FilterDatabase interface.
func (f *FilterStore) FetchTip(fType FilterType,
	kind TipKind) (chainsync.Position, error) {

	var pos chainsync.Position
	err := walletdb.View(f.db, func(tx walletdb.ReadTx) error {
		key := []byte{byte(fType), byte(kind)}
		raw := tx.ReadBucket(filterBucket).NestedReadBucket(
			tipBucket,
		).Get(key)
		if len(raw) != 4+chainhash.HashSize {
			return ErrTipNotFound
		}

		pos.Height = binary.BigEndian.Uint32(raw[:4])
		copy(pos.Hash[:], raw[4:])

		return nil
	})

	return pos, err
}
