package filteroracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/filterdb"
)

var (
	// ErrSyncDataMismatch is returned when sync data doesn't extend the
	// current tip along the best chain.
	ErrSyncDataMismatch = errors.New("sync data doesn't extend tip")

	// ErrInvalidSyncData is returned for sync data that can't be decoded.
	ErrInvalidSyncData = errors.New("invalid sync data")
)

// ProcessSyncData ingests filters delivered in bulk instead of built from
// blocks. priorHash must be the block of the current filter tip and hashes
// must be the best chain blocks directly above it. Every filter is decoded
// and chained onto the filter header of the tip. Either all filters are
// stored or, on any error, none.
func (o *Oracle) ProcessSyncData(ctx context.Context, fType filterdb.FilterType,
	priorHash chainhash.Hash, hashes []chainhash.Hash, data [][]byte) error {

	params, err := ParamsFor(fType)
	if err != nil {
		return err
	}

	if len(hashes) != len(data) {
		return fmt.Errorf("%w: %d hashes but %d filters",
			ErrInvalidSyncData, len(hashes), len(data))
	}
	if len(hashes) == 0 {
		return nil
	}

	o.ingestMtx.Lock()
	defer o.ingestMtx.Unlock()

	tip := o.Tip(fType)
	if tip.Hash != priorHash {
		return fmt.Errorf("%w: prior block %v, filter tip %v",
			ErrSyncDataMismatch, priorHash, tip)
	}

	prevHeader, err := o.filterHeader(tip.Hash, fType)
	if err != nil {
		return fmt.Errorf("no filter header for tip %v: %w", tip, err)
	}

	batch := make([]*filterdb.FilterData, 0, len(hashes))
	headers := make([]chainhash.Hash, 0, len(hashes))
	for i := range hashes {
		if err := ctx.Err(); err != nil {
			return err
		}

		hash := hashes[i]
		height := tip.Height + 1 + uint32(i)
		if err := o.checkNext(height, hash); err != nil {
			return err
		}

		if len(data[i]) == 0 {
			return fmt.Errorf("%w: empty filter for block %v",
				ErrInvalidSyncData, hash)
		}

		filter, err := DecodeFilter(params, data[i])
		if err != nil {
			return fmt.Errorf("%w: filter for block %v: %v",
				ErrInvalidSyncData, hash, err)
		}

		header, err := builder.MakeHeaderForFilter(filter, *prevHeader)
		if err != nil {
			return fmt.Errorf("%w: filter for block %v: %v",
				ErrInvalidSyncData, hash, err)
		}

		err = o.checkFilterHeader(fType, hash, height, &header)
		if err != nil {
			return err
		}

		batch = append(batch, &filterdb.FilterData{
			Filter:    filter,
			Header:    header,
			BlockHash: &hashes[i],
			Type:      fType,
		})
		headers = append(headers, header)
		prevHeader = &headers[len(headers)-1]
	}

	if err := o.cfg.FilterDB.PutFilters(batch...); err != nil {
		return fmt.Errorf("unable to store sync data: %w", err)
	}

	for i, f := range batch {
		o.cacheFilter(
			cacheKey{hash: hashes[i], fType: fType}, f.Filter,
			f.Header,
		)
	}

	log.Infof("Ingested %d %v filters above %v", len(batch), fType, tip)

	return o.advanceTips(fType)
}

// ProcessFilterHeaders ingests filter headers without their filters.
// priorHash must be the block of the current header tip and hashes must be
// the best chain blocks directly above it. Filters built or ingested later
// are checked against these headers.
func (o *Oracle) ProcessFilterHeaders(ctx context.Context,
	fType filterdb.FilterType, priorHash chainhash.Hash,
	hashes []chainhash.Hash, headers []chainhash.Hash) error {

	if _, err := ParamsFor(fType); err != nil {
		return err
	}

	if len(hashes) != len(headers) {
		return fmt.Errorf("%w: %d hashes but %d filter headers",
			ErrInvalidSyncData, len(hashes), len(headers))
	}
	if len(hashes) == 0 {
		return nil
	}

	o.ingestMtx.Lock()
	defer o.ingestMtx.Unlock()

	tip := o.HeaderTip(fType)
	if tip.Hash != priorHash {
		return fmt.Errorf("%w: prior block %v, header tip %v",
			ErrSyncDataMismatch, priorHash, tip)
	}

	batch := make([]*filterdb.FilterHeader, 0, len(hashes))
	for i := range hashes {
		if err := ctx.Err(); err != nil {
			return err
		}

		height := tip.Height + 1 + uint32(i)
		if err := o.checkNext(height, hashes[i]); err != nil {
			return err
		}

		err := o.checkFilterHeader(fType, hashes[i], height, &headers[i])
		if err != nil {
			return err
		}

		batch = append(batch, &filterdb.FilterHeader{
			BlockHash: hashes[i],
			Header:    headers[i],
		})
	}

	if err := o.cfg.FilterDB.PutFilterHeaders(fType, batch...); err != nil {
		return fmt.Errorf("unable to store filter headers: %w", err)
	}

	log.Debugf("Ingested %d %v filter headers above %v", len(batch), fType,
		tip)

	return o.advanceTips(fType)
}

// checkNext returns an error unless hash is the best chain block at height.
func (o *Oracle) checkNext(height uint32, hash chainhash.Hash) error {
	best, err := o.cfg.Chain.BestHash(height)
	if err != nil {
		return fmt.Errorf("%w: no best chain block at height %d",
			ErrSyncDataMismatch, height)
	}

	if best != hash {
		return fmt.Errorf("%w: block %v isn't on the best chain at "+
			"height %d", ErrSyncDataMismatch,
			chainsync.NewPosition(height, hash), height)
	}

	return nil
}
