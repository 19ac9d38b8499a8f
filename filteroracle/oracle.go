package filteroracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightninglabs/walletsync/blockoracle"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/chanutils"
	"github.com/lightninglabs/walletsync/filterdb"
	"github.com/lightninglabs/walletsync/headerfs"
	"github.com/lightninglabs/walletsync/headeroracle"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultFilterCacheSize is the default size of the filter cache in
	// bytes.
	DefaultFilterCacheSize = 3120 * 10 * 1000

	// DefaultMaxJobSize is the default number of blocks in a filter or
	// filter header job.
	DefaultMaxJobSize = 500

	// DefaultWriteBatchSize is the default number of filters persisted in
	// one transaction.
	DefaultWriteBatchSize = 100

	// DefaultWriteInterval is the default time queued filters wait for
	// more filters before they are persisted.
	DefaultWriteInterval = 100 * time.Millisecond

	// DefaultRetryInterval is the default time the indexer waits after a
	// failed job.
	DefaultRetryInterval = 5 * time.Second
)

var (
	// ErrFilterNotReady is returned when a filter hasn't been built yet.
	// The filter tip was moved below the block, so the filter will be
	// rebuilt.
	ErrFilterNotReady = errors.New("filter not ready")

	// ErrFilterNotFound is returned for filters that will never be
	// available because their block isn't part of the best chain.
	ErrFilterNotFound = errors.New("filter not found")

	// ErrFilterHeaderMismatch is returned when a filter doesn't commit to
	// the filter header stored for its block.
	ErrFilterHeaderMismatch = errors.New("filter header mismatch")

	// ErrUnknownBlock is returned for blocks the header oracle doesn't
	// know.
	ErrUnknownBlock = errors.New("unknown block")

	// ErrOracleShuttingDown is returned when the oracle is stopping.
	ErrOracleShuttingDown = errors.New("filter oracle shutting down")
)

// Params are the Golomb-Rice coding parameters of a filter type.
type Params struct {
	// P is the bit length of the remainder of each coded element.
	P uint8

	// M is the inverse of the false positive rate.
	M uint64
}

// filterParams holds the coding parameters of every supported filter type.
var filterParams = map[filterdb.FilterType]Params{
	filterdb.RegularFilter: {
		P: builder.DefaultP,
		M: builder.DefaultM,
	},
}

// filterTypes lists the filter types the oracle maintains.
var filterTypes = []filterdb.FilterType{filterdb.RegularFilter}

// ParamsFor returns the coding parameters of a filter type.
func ParamsFor(fType filterdb.FilterType) (Params, error) {
	params, ok := filterParams[fType]
	if !ok {
		return Params{}, fmt.Errorf("%w: %v",
			filterdb.ErrUnknownFilterType, fType)
	}

	return params, nil
}

// wireFilterType maps a filter type to its wire protocol identifier.
func wireFilterType(fType filterdb.FilterType) wire.FilterType {
	switch fType {
	case filterdb.RegularFilter:
		return wire.GCSFilterRegular
	default:
		return wire.FilterType(0xff)
	}
}

// ChainSource is the view of the header oracle the filter oracle needs.
type ChainSource interface {
	// BestChain returns the tip of the best chain.
	BestChain() chainsync.Position

	// BestHash returns the hash of the best chain block at a height.
	BestHash(height uint32) (chainhash.Hash, error)

	// BestChainRange returns the best chain positions between two
	// heights, both inclusive.
	BestChainRange(start, stop uint32) []chainsync.Position

	// IsInBestChain returns true if the position is on the best chain.
	IsInBestChain(pos chainsync.Position) bool

	// Header returns the record of a known header.
	Header(hash chainhash.Hash) (*headerfs.Record, error)

	// GetCheckpoint returns the active checkpoint.
	GetCheckpoint() fn.Option[chainsync.Checkpoint]

	// Subscribe registers for best chain events.
	Subscribe() (*headeroracle.Subscription, error)
}

// A compile-time check to ensure the header oracle can be a ChainSource.
var _ ChainSource = (*headeroracle.Oracle)(nil)

// Config houses the parameters of the filter oracle.
type Config struct {
	// ChainParams are the parameters of the chain.
	ChainParams *chaincfg.Params

	// Chain is the best chain view filters are indexed along.
	Chain ChainSource

	// FilterDB persists filters, filter headers and tips.
	FilterDB filterdb.FilterDatabase

	// Blocks, if set, lets the oracle build missing filters itself from
	// downloaded blocks.
	Blocks blockoracle.Fetcher

	// CacheSize is the capacity of the filter cache in bytes. Zero
	// selects DefaultFilterCacheSize.
	CacheSize uint64

	// MaxJobSize bounds the number of blocks of a job. Zero selects
	// DefaultMaxJobSize.
	MaxJobSize uint32

	// WriteBatchSize is the number of filters persisted in one
	// transaction. Zero selects DefaultWriteBatchSize.
	WriteBatchSize int

	// WriteInterval is the time queued filters wait for more filters
	// before they are persisted. Zero selects DefaultWriteInterval.
	WriteInterval time.Duration

	// RetryInterval is the time the indexer waits after a failed job.
	// Zero selects DefaultRetryInterval.
	RetryInterval time.Duration
}

// tips are the two tips of a filter type.
type tips struct {
	filter chainsync.Position
	header chainsync.Position
}

// Oracle builds, stores and serves compact block filters along the best
// chain. For every filter type it keeps a filter tip, the highest block up
// to which filters exist contiguously, and a header tip, the same for filter
// headers.
type Oracle struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	filters *lru.Cache[cacheKey, *cacheableFilter]
	loadMtx *keyedMutex

	writer *chanutils.BatchWriter[*filterdb.FilterData]

	// tipMtx guards tips. It is held while tips are moved so moves are
	// persisted in order.
	tipMtx sync.Mutex
	tips   map[filterdb.FilterType]*tips

	// unwritten holds the filter headers queued on the writer but not
	// persisted yet.
	mtx       sync.Mutex
	unwritten map[cacheKey]chainhash.Hash

	// ingestMtx serializes bulk ingestion and filter discards.
	ingestMtx sync.Mutex

	sub  *headeroracle.Subscription
	wake chan struct{}

	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New creates a filter oracle. The persisted tips are loaded, the genesis
// filter is always available.
func New(cfg *Config) (*Oracle, error) {
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultFilterCacheSize
	}
	if cfg.MaxJobSize == 0 {
		cfg.MaxJobSize = DefaultMaxJobSize
	}
	if cfg.WriteBatchSize == 0 {
		cfg.WriteBatchSize = DefaultWriteBatchSize
	}
	if cfg.WriteInterval == 0 {
		cfg.WriteInterval = DefaultWriteInterval
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	o := &Oracle{
		cfg:       cfg,
		filters:   lru.NewCache[cacheKey, *cacheableFilter](cfg.CacheSize),
		loadMtx:   newKeyedMutex(),
		tips:      make(map[filterdb.FilterType]*tips),
		unwritten: make(map[cacheKey]chainhash.Hash),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}

	o.writer = chanutils.NewBatchWriter(
		&chanutils.BatchWriterConfig[*filterdb.FilterData]{
			QueueBufferSize:        cfg.WriteBatchSize,
			MaxBatch:               cfg.WriteBatchSize,
			DBWritesTickerDuration: cfg.WriteInterval,
			PutItems:               o.putFilters,
		},
	)

	genesis := chainsync.NewPosition(0, *cfg.ChainParams.GenesisHash)
	for _, fType := range filterTypes {
		t := &tips{}
		for kind, pos := range map[filterdb.TipKind]*chainsync.Position{
			filterdb.FilterTip: &t.filter,
			filterdb.HeaderTip: &t.header,
		} {
			tip, err := cfg.FilterDB.FetchTip(fType, kind)
			switch {
			case err == nil:
				*pos = tip

			case errors.Is(err, filterdb.ErrTipNotFound):
				*pos = genesis

			default:
				return nil, fmt.Errorf("unable to fetch %v "+
					"tip: %w", fType, err)
			}
		}

		o.tips[fType] = t
	}

	return o, nil
}

// Start aligns the tips with the best chain and starts following it. If a
// block fetcher is configured, missing filters are built in the
// background.
func (o *Oracle) Start() error {
	var startErr error
	o.started.Do(func() {
		sub, err := o.cfg.Chain.Subscribe()
		if err != nil {
			startErr = err
			return
		}
		o.sub = sub

		o.writer.Start()

		for _, fType := range filterTypes {
			if err := o.advanceTips(fType); err != nil {
				startErr = err
				return
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		o.cancel = cancel

		o.wg.Add(1)
		go o.chainEventHandler()

		if o.cfg.Blocks != nil {
			o.wg.Add(1)
			go o.indexer(ctx)
		}

		log.Infof("Filter oracle started, regular filter tip %v",
			o.Tip(filterdb.RegularFilter))
	})

	return startErr
}

// Stop stops following the chain and persists queued filters.
func (o *Oracle) Stop() {
	o.stopped.Do(func() {
		close(o.quit)
		if o.cancel != nil {
			o.cancel()
		}
		if o.sub != nil {
			o.sub.Cancel()
		}

		o.wg.Wait()
		o.writer.Stop()
	})
}

// Tip returns the highest best chain block up to which filters of the given
// type exist contiguously.
func (o *Oracle) Tip(fType filterdb.FilterType) chainsync.Position {
	o.tipMtx.Lock()
	defer o.tipMtx.Unlock()

	t, ok := o.tips[fType]
	if !ok {
		return chainsync.Position{}
	}

	return t.filter
}

// HeaderTip returns the highest best chain block up to which filter headers
// of the given type exist contiguously.
func (o *Oracle) HeaderTip(fType filterdb.FilterType) chainsync.Position {
	o.tipMtx.Lock()
	defer o.tipMtx.Unlock()

	t, ok := o.tips[fType]
	if !ok {
		return chainsync.Position{}
	}

	return t.header
}

// ProcessBlock builds the filter of a block from its output scripts and
// queues it for persistence. The filter of the block's parent must exist.
// The filter tip advances once the filter is persisted.
func (o *Oracle) ProcessBlock(ctx context.Context, fType filterdb.FilterType,
	block *btcutil.Block) error {

	if _, err := ParamsFor(fType); err != nil {
		return err
	}

	hash := *block.Hash()
	if hash == *o.cfg.ChainParams.GenesisHash {
		return nil
	}

	key := cacheKey{hash: hash, fType: fType}
	o.loadMtx.lock(key)
	defer o.loadMtx.unlock(key)

	o.mtx.Lock()
	_, queued := o.unwritten[key]
	o.mtx.Unlock()

	if queued || o.hasFilter(key) {
		return nil
	}

	record, err := o.cfg.Chain.Header(hash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownBlock, hash)
	}

	prevHash := block.MsgBlock().Header.PrevBlock
	prevHeader, err := o.filterHeader(prevHash, fType)
	if err != nil {
		return fmt.Errorf("%w: no filter header for parent %v of "+
			"block %v", ErrFilterNotReady, prevHash, hash)
	}

	filter, err := builder.BuildBasicFilter(block.MsgBlock(), nil)
	if err != nil {
		return fmt.Errorf("unable to build filter for block %v: %w",
			hash, err)
	}

	header, err := builder.MakeHeaderForFilter(filter, *prevHeader)
	if err != nil {
		return err
	}

	err = o.checkFilterHeader(fType, hash, record.Height, &header)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	o.mtx.Lock()
	o.unwritten[key] = header
	o.mtx.Unlock()

	o.cacheFilter(key, filter, header)

	o.writer.AddItem(&filterdb.FilterData{
		Filter:    filter,
		Header:    header,
		BlockHash: &hash,
		Type:      fType,
	})

	log.Tracef("Built %v filter for block %v at height %d", fType, hash,
		record.Height)

	return nil
}

// checkFilterHeader verifies a filter header against the one stored for the
// block, if any, and against the checkpoints.
func (o *Oracle) checkFilterHeader(fType filterdb.FilterType,
	hash chainhash.Hash, height uint32, header *chainhash.Hash) error {

	stored, err := o.cfg.FilterDB.FetchFilterHeader(&hash, fType)
	switch {
	case err == nil && *stored != *header:
		return fmt.Errorf("%w: block %v has filter header %v, got %v",
			ErrFilterHeaderMismatch, hash, stored, header)

	case err != nil && !errors.Is(err, filterdb.ErrFilterNotFound):
		return err
	}

	var active *chainsync.Checkpoint
	o.cfg.Chain.GetCheckpoint().WhenSome(func(cp chainsync.Checkpoint) {
		active = &cp
	})

	return chainsync.ControlCFHeader(
		o.cfg.ChainParams, active, wireFilterType(fType), height,
		header,
	)
}

// LoadFilterOrResetTip returns the filter of the block at the given
// position. If the filter doesn't exist but should, because the position is
// on the best chain at or below the filter tip, the tip is reset below the
// position so the filter gets rebuilt, and ErrFilterNotReady is returned.
// Positions above the tip also return ErrFilterNotReady. Positions off the
// best chain return ErrFilterNotFound. A stored filter that doesn't decode is
// discarded and rebuilt like a missing one.
func (o *Oracle) LoadFilterOrResetTip(ctx context.Context,
	fType filterdb.FilterType, pos chainsync.Position) (*gcs.Filter,
	error) {

	params, err := ParamsFor(fType)
	if err != nil {
		return nil, err
	}

	key := cacheKey{hash: pos.Hash, fType: fType}
	o.loadMtx.lock(key)
	defer o.loadMtx.unlock(key)

	if cached, err := o.filters.Get(key); err == nil {
		return cached.filter, nil
	}

	filter, err := o.cfg.FilterDB.FetchFilter(&pos.Hash, fType)
	switch {
	case err == nil && filter != nil:
		if checkErr := CheckFilter(filter, params); checkErr != nil {
			log.Errorf("Stored %v filter of %v: %v", fType, pos,
				checkErr)

			err := o.DiscardFilter(ctx, fType, pos)
			if err != nil {
				return nil, err
			}

			return nil, fmt.Errorf("%w: %v discarded: %w",
				ErrFilterNotReady, pos, checkErr)
		}

		header, err := o.cfg.FilterDB.FetchFilterHeader(
			&pos.Hash, fType,
		)
		if err != nil {
			return nil, err
		}
		o.cacheFilter(key, filter, *header)

		return filter, nil

	case err != nil && !errors.Is(err, filterdb.ErrFilterNotFound):
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !o.cfg.Chain.IsInBestChain(pos) {
		return nil, fmt.Errorf("%w: %v not in best chain",
			ErrFilterNotFound, pos)
	}

	tip := o.Tip(fType)
	if tip.Less(pos) {
		return nil, fmt.Errorf("%w: %v above tip %v", ErrFilterNotReady,
			pos, tip)
	}

	if pos.Height == 0 {
		return nil, fmt.Errorf("%w: genesis filter missing",
			ErrFilterNotFound)
	}

	// The tip goes to the highest filter below the gap, so the rebuild
	// starts where it can.
	var resetTo chainsync.Position
	for height := pos.Height - 1; ; height-- {
		hash, err := o.cfg.Chain.BestHash(height)
		if err != nil {
			return nil, err
		}

		resetTo = chainsync.NewPosition(height, hash)
		if height == 0 || o.hasFilter(cacheKey{hash, fType}) {
			break
		}
	}

	log.Warnf("Filter for %v missing below tip %v, resetting tip to %v",
		pos, tip, resetTo)

	err = o.resetTips(fType, resetTo, filterdb.FilterTip)
	if err != nil {
		return nil, err
	}
	o.wakeIndexer()

	return nil, fmt.Errorf("%w: %v missing, tip reset to %v",
		ErrFilterNotReady, pos, resetTo)
}

// DiscardFilter drops a stored filter of a best chain block that doesn't
// decode. The filter headers above the block chain onto its header, so they
// are dropped along with their filters. Both tips are reset below the block
// and the range is rebuilt.
func (o *Oracle) DiscardFilter(ctx context.Context, fType filterdb.FilterType,
	pos chainsync.Position) error {

	if _, err := ParamsFor(fType); err != nil {
		return err
	}

	if pos.Height == 0 {
		return fmt.Errorf("%w: genesis filter can't be discarded",
			ErrFilterNotFound)
	}
	if !o.cfg.Chain.IsInBestChain(pos) {
		return fmt.Errorf("%w: %v not in best chain", ErrFilterNotFound,
			pos)
	}

	o.ingestMtx.Lock()
	defer o.ingestMtx.Unlock()

	// Queued filters are written first, so none of them lands after the
	// range was dropped.
	if err := o.writer.Flush(); err != nil {
		return fmt.Errorf("unable to flush queued filters: %w", err)
	}

	parent, err := o.cfg.Chain.BestHash(pos.Height - 1)
	if err != nil {
		return err
	}
	resetTo := chainsync.NewPosition(pos.Height-1, parent)

	top := o.Tip(fType)
	if headerTip := o.HeaderTip(fType); top.Less(headerTip) {
		top = headerTip
	}

	hashes := []chainhash.Hash{pos.Hash}
	for height := pos.Height + 1; height <= top.Height; height++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		hash, err := o.cfg.Chain.BestHash(height)
		if err != nil {
			break
		}
		hashes = append(hashes, hash)
	}

	err = o.resetTips(fType, resetTo, filterdb.FilterTip, filterdb.HeaderTip)
	if err != nil {
		return err
	}

	if err := o.cfg.FilterDB.DeleteFilters(fType, hashes...); err != nil {
		return fmt.Errorf("unable to delete filters: %w", err)
	}
	for _, hash := range hashes {
		o.filters.Delete(cacheKey{hash: hash, fType: fType})
	}

	log.Warnf("Discarded %v filter of %v and %d filters above it, tips "+
		"reset to %v", fType, pos, len(hashes)-1, resetTo)

	o.wakeIndexer()

	return nil
}

// FilterHeader returns the filter header of a block.
func (o *Oracle) FilterHeader(hash chainhash.Hash,
	fType filterdb.FilterType) (*chainhash.Hash, error) {

	return o.filterHeader(hash, fType)
}

// filterHeader looks up a filter header in the queued filters, the cache and
// the database.
func (o *Oracle) filterHeader(hash chainhash.Hash,
	fType filterdb.FilterType) (*chainhash.Hash, error) {

	key := cacheKey{hash: hash, fType: fType}

	o.mtx.Lock()
	header, ok := o.unwritten[key]
	o.mtx.Unlock()
	if ok {
		return &header, nil
	}

	if cached, err := o.filters.Get(key); err == nil {
		header := cached.header
		return &header, nil
	}

	return o.cfg.FilterDB.FetchFilterHeader(&hash, fType)
}

// hasFilter returns true if the filter is persisted.
func (o *Oracle) hasFilter(key cacheKey) bool {
	o.mtx.Lock()
	_, queued := o.unwritten[key]
	o.mtx.Unlock()
	if queued {
		return false
	}

	if _, err := o.filters.Get(key); err == nil {
		return true
	}

	filter, err := o.cfg.FilterDB.FetchFilter(&key.hash, key.fType)
	return err == nil && filter != nil
}

// hasFilterHeader returns true if the filter header is persisted.
func (o *Oracle) hasFilterHeader(key cacheKey) bool {
	o.mtx.Lock()
	_, queued := o.unwritten[key]
	o.mtx.Unlock()
	if queued {
		return false
	}

	if _, err := o.filters.Get(key); err == nil {
		return true
	}

	_, err := o.cfg.FilterDB.FetchFilterHeader(&key.hash, key.fType)
	return err == nil
}

func (o *Oracle) cacheFilter(key cacheKey, filter *gcs.Filter,
	header chainhash.Hash) {

	_, err := o.filters.Put(key, &cacheableFilter{
		filter: filter,
		header: header,
	})
	if err != nil {
		log.Warnf("Couldn't write filter %v to cache: %v", key.hash,
			err)
	}
}

// putFilters persists a batch of filters and advances the tips over them.
func (o *Oracle) putFilters(filters ...*filterdb.FilterData) error {
	if err := o.cfg.FilterDB.PutFilters(filters...); err != nil {
		return err
	}

	written := make(map[filterdb.FilterType]struct{})

	o.mtx.Lock()
	for _, f := range filters {
		delete(o.unwritten, cacheKey{hash: *f.BlockHash, fType: f.Type})
		written[f.Type] = struct{}{}
	}
	o.mtx.Unlock()

	for fType := range written {
		if err := o.advanceTips(fType); err != nil {
			log.Errorf("Unable to advance %v tips: %v", fType, err)
		}
	}

	return nil
}

// reconcile walks a tip back until it is on the best chain.
func (o *Oracle) reconcile(tip chainsync.Position) chainsync.Position {
	for !o.cfg.Chain.IsInBestChain(tip) {
		record, err := o.cfg.Chain.Header(tip.Hash)
		if err != nil || tip.Height == 0 {
			return chainsync.NewPosition(
				0, *o.cfg.ChainParams.GenesisHash,
			)
		}

		tip = chainsync.NewPosition(
			tip.Height-1, record.Header.PrevBlock,
		)
	}

	return tip
}

// advanceTips moves both tips of a filter type back onto the best chain and
// then forward as far as filters and filter headers exist.
func (o *Oracle) advanceTips(fType filterdb.FilterType) error {
	o.tipMtx.Lock()
	defer o.tipMtx.Unlock()

	t, ok := o.tips[fType]
	if !ok {
		return fmt.Errorf("%w: %v", filterdb.ErrUnknownFilterType, fType)
	}

	filterTip := o.advance(fType, o.reconcile(t.filter), o.hasFilter)

	headerTip := o.reconcile(t.header)
	if headerTip.Less(filterTip) {
		headerTip = filterTip
	}
	headerTip = o.advance(fType, headerTip, o.hasFilterHeader)

	return o.storeTips(fType, t, filterTip, headerTip)
}

// advance walks forward along the best chain while exists holds.
func (o *Oracle) advance(fType filterdb.FilterType, tip chainsync.Position,
	exists func(cacheKey) bool) chainsync.Position {

	for {
		hash, err := o.cfg.Chain.BestHash(tip.Height + 1)
		if err != nil {
			return tip
		}

		if !exists(cacheKey{hash: hash, fType: fType}) {
			return tip
		}

		tip = chainsync.NewPosition(tip.Height+1, hash)
	}
}

// resetTips lowers the given tips of a filter type to at most pos.
func (o *Oracle) resetTips(fType filterdb.FilterType, pos chainsync.Position,
	kinds ...filterdb.TipKind) error {

	o.tipMtx.Lock()
	defer o.tipMtx.Unlock()

	t, ok := o.tips[fType]
	if !ok {
		return fmt.Errorf("%w: %v", filterdb.ErrUnknownFilterType, fType)
	}

	filterTip, headerTip := t.filter, t.header
	for _, kind := range kinds {
		switch kind {
		case filterdb.FilterTip:
			if pos.Less(filterTip) {
				filterTip = pos
			}

		case filterdb.HeaderTip:
			if pos.Less(headerTip) {
				headerTip = pos
			}
		}
	}

	return o.storeTips(fType, t, filterTip, headerTip)
}

// storeTips persists and applies changed tips. The caller must hold tipMtx.
func (o *Oracle) storeTips(fType filterdb.FilterType, t *tips, filterTip,
	headerTip chainsync.Position) error {

	if !filterTip.Equal(t.filter) {
		err := o.cfg.FilterDB.PutTip(fType, filterdb.FilterTip, filterTip)
		if err != nil {
			return fmt.Errorf("unable to store filter tip: %w", err)
		}

		log.Debugf("%v filter tip moved from %v to %v", fType, t.filter,
			filterTip)

		t.filter = filterTip
	}

	if !headerTip.Equal(t.header) {
		err := o.cfg.FilterDB.PutTip(fType, filterdb.HeaderTip, headerTip)
		if err != nil {
			return fmt.Errorf("unable to store header tip: %w", err)
		}

		log.Debugf("%v header tip moved from %v to %v", fType, t.header,
			headerTip)

		t.header = headerTip
	}

	return nil
}

// chainEventHandler keeps the tips aligned with the best chain. It must be
// run as a goroutine.
func (o *Oracle) chainEventHandler() {
	defer o.wg.Done()

	for {
		select {
		case event := <-o.sub.Events:
			for _, fType := range filterTypes {
				if event.Type == headeroracle.ChainReorg {
					err := o.resetTips(
						fType, event.Ancestor,
						filterdb.FilterTip,
						filterdb.HeaderTip,
					)
					if err != nil {
						log.Errorf("Unable to reset %v "+
							"tips: %v", fType, err)
					}
				}

				if err := o.advanceTips(fType); err != nil {
					log.Errorf("Unable to advance %v "+
						"tips: %v", fType, err)
				}
			}

			o.wakeIndexer()

		case <-o.quit:
			return
		}
	}
}

// wakeIndexer signals the indexer that new work may be available.
func (o *Oracle) wakeIndexer() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
