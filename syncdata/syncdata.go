// Package syncdata reads and writes files of compact filters that let a
// filter oracle skip building filters from blocks.
//
// A file starts with a header of varints and the hash of the block below the
// first filter,
//
//	network || filterType || count || priorHash
//
// followed by count entries of
//
//	blockHash || varint(len(filter)) || filter
//
// in best chain order.
package syncdata

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/filterdb"
	"github.com/lightningnetwork/lnd/tlv"
	"golang.org/x/exp/mmap"
)

// DefaultBatchSize is the default number of filters handed to the ingester
// at once.
const DefaultBatchSize = 2000

var (
	// ErrNetworkMismatch is returned for files of another network.
	ErrNetworkMismatch = errors.New("sync data of wrong network")

	// ErrNotConnected is returned when neither the prior block of a file
	// nor any of its blocks is the filter tip.
	ErrNotConnected = errors.New("sync data doesn't connect to filter " +
		"tip")

	// ErrFilterTooLarge is returned for entries whose filter exceeds the
	// protocol limit.
	ErrFilterTooLarge = errors.New("filter too large")

	// ErrMismatchedEntries is returned by Write when the number of hashes
	// and filters differ.
	ErrMismatchedEntries = errors.New("hashes and filters differ in " +
		"number")
)

// Ingester accepts filters delivered in bulk. The filter oracle is one.
type Ingester interface {
	// Tip returns the block up to which filters exist.
	Tip(fType filterdb.FilterType) chainsync.Position

	// ProcessSyncData stores the filters of the blocks above priorHash.
	ProcessSyncData(ctx context.Context, fType filterdb.FilterType,
		priorHash chainhash.Hash, hashes []chainhash.Hash,
		data [][]byte) error
}

// Header is the header of a sync data file.
type Header struct {
	// Network is the network the filters belong to.
	Network wire.BitcoinNet

	// FilterType is the type of the filters.
	FilterType filterdb.FilterType

	// Count is the number of filters in the file.
	Count uint64

	// PriorHash is the hash of the block below the first filter.
	PriorHash chainhash.Hash
}

// Write writes a sync data file holding the filters of the given blocks.
func Write(w io.Writer, hdr *Header, hashes []chainhash.Hash,
	filters [][]byte) error {

	if len(hashes) != len(filters) {
		return fmt.Errorf("%w: %d hashes, %d filters",
			ErrMismatchedEntries, len(hashes), len(filters))
	}

	var scratch [8]byte
	fields := []uint64{
		uint64(hdr.Network), uint64(hdr.FilterType),
		uint64(len(hashes)),
	}
	for _, field := range fields {
		if err := tlv.WriteVarInt(w, field, &scratch); err != nil {
			return err
		}
	}
	if _, err := w.Write(hdr.PriorHash[:]); err != nil {
		return err
	}

	for i := range hashes {
		if len(filters[i]) > wire.MaxCFilterDataSize {
			return fmt.Errorf("%w: %d bytes for block %v",
				ErrFilterTooLarge, len(filters[i]), hashes[i])
		}

		if _, err := w.Write(hashes[i][:]); err != nil {
			return err
		}

		err := tlv.WriteVarInt(w, uint64(len(filters[i])), &scratch)
		if err != nil {
			return err
		}

		if _, err := w.Write(filters[i]); err != nil {
			return err
		}
	}

	return nil
}

// Reader decodes a sync data file entry by entry.
type Reader struct {
	r       io.Reader
	hdr     *Header
	read    uint64
	scratch [8]byte
}

// NewReader reads the header of a sync data file.
func NewReader(r io.Reader) (*Reader, error) {
	reader := &Reader{r: r}

	var fields [3]uint64
	for i := range fields {
		field, err := tlv.ReadVarInt(r, &reader.scratch)
		if err != nil {
			return nil, fmt.Errorf("unable to read header: %w", err)
		}
		fields[i] = field
	}

	hdr := &Header{
		Network:    wire.BitcoinNet(fields[0]),
		FilterType: filterdb.FilterType(fields[1]),
		Count:      fields[2],
	}
	if _, err := io.ReadFull(r, hdr.PriorHash[:]); err != nil {
		return nil, fmt.Errorf("unable to read prior hash: %w", err)
	}
	reader.hdr = hdr

	return reader, nil
}

// Header returns the header of the file.
func (r *Reader) Header() *Header {
	return r.hdr
}

// Next returns the next entry. It returns io.EOF after the last one.
func (r *Reader) Next() (chainhash.Hash, []byte, error) {
	var hash chainhash.Hash
	if r.read == r.hdr.Count {
		return hash, nil, io.EOF
	}

	if _, err := io.ReadFull(r.r, hash[:]); err != nil {
		return hash, nil, fmt.Errorf("entry %d: %w", r.read,
			noEOF(err))
	}

	size, err := tlv.ReadVarInt(r.r, &r.scratch)
	if err != nil {
		return hash, nil, fmt.Errorf("entry %d: %w", r.read,
			noEOF(err))
	}
	if size > wire.MaxCFilterDataSize {
		return hash, nil, fmt.Errorf("%w: %d bytes for block %v",
			ErrFilterTooLarge, size, hash)
	}

	filter := make([]byte, size)
	if _, err := io.ReadFull(r.r, filter); err != nil {
		return hash, nil, fmt.Errorf("entry %d: %w", r.read,
			noEOF(err))
	}
	r.read++

	return hash, filter, nil
}

// noEOF turns the end of the input inside an entry into an unexpected one.
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}

	return err
}

// Load memory maps a sync data file and hands its filters above the filter
// tip of the ingester to it in batches. It returns the number of filters
// ingested. Filters at or below the tip are skipped.
func Load(ctx context.Context, path string, params *chaincfg.Params,
	ingest Ingester, batchSize int) (int, error) {

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	file, err := mmap.Open(path)
	if err != nil {
		return 0, fmt.Errorf("unable to mmap %v: %w", path, err)
	}
	defer file.Close()

	r, err := NewReader(io.NewSectionReader(file, 0, int64(file.Len())))
	if err != nil {
		return 0, err
	}

	hdr := r.Header()
	if hdr.Network != params.Net {
		return 0, fmt.Errorf("%w: file for %v, chain is %v",
			ErrNetworkMismatch, hdr.Network, params.Net)
	}

	var (
		tip      = ingest.Tip(hdr.FilterType)
		prior    = hdr.PriorHash
		skipping = prior != tip.Hash
		hashes   = make([]chainhash.Hash, 0, batchSize)
		filters  = make([][]byte, 0, batchSize)
		ingested int
	)

	log.Infof("Loading %d %v filters from %v, filter tip %v", hdr.Count,
		hdr.FilterType, path, tip)

	flush := func() error {
		if len(hashes) == 0 {
			return nil
		}

		err := ingest.ProcessSyncData(
			ctx, hdr.FilterType, prior, hashes, filters,
		)
		if err != nil {
			return err
		}

		ingested += len(hashes)
		prior = hashes[len(hashes)-1]
		hashes = hashes[:0]
		filters = filters[:0]

		log.Debugf("Ingested %d of %d filters", ingested, hdr.Count)

		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return ingested, err
		}

		hash, filter, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ingested, err
		}

		if skipping {
			if hash == tip.Hash {
				skipping = false
				prior = hash
			}

			continue
		}

		hashes = append(hashes, hash)
		filters = append(filters, filter)
		if len(hashes) < batchSize {
			continue
		}

		if err := flush(); err != nil {
			return ingested, err
		}
	}

	if skipping {
		return 0, fmt.Errorf("%w: %v", ErrNotConnected, tip)
	}

	if err := flush(); err != nil {
		return ingested, err
	}

	log.Infof("Loaded %d filters from %v", ingested, path)

	return ingested, nil
}
