package blockoracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/fn/v2"
	"go.uber.org/ratelimit"
)

const (
	// DefaultCacheSize is the default size of the block cache in bytes.
	DefaultCacheSize = 4096 * 10 * 1000

	// DefaultRequestsPerSecond is the default number of block requests
	// sent to the source per second.
	DefaultRequestsPerSecond = 20

	// DefaultFetchTimeout is the default time a single fetch may take.
	DefaultFetchTimeout = 30 * time.Second
)

var (
	// ErrShuttingDown is returned for fetches started while the oracle is
	// stopping.
	ErrShuttingDown = errors.New("block oracle shutting down")

	// ErrFetchTimeout is returned when the source didn't deliver a block
	// within the fetch timeout.
	ErrFetchTimeout = errors.New("block fetch timed out")

	// ErrBlockMismatch is returned when the source delivered a different
	// block than requested.
	ErrBlockMismatch = errors.New("source returned wrong block")
)

// Source delivers blocks by hash, usually from a peer or a full node.
type Source interface {
	// FetchBlock returns the block with the given hash.
	FetchBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock,
		error)
}

// Fetcher supplies blocks by hash. At most one fetch per hash is in flight at
// any time, and every fetch eventually resolves with a block or an error.
type Fetcher interface {
	// Fetch returns a future for the block with the given hash.
	Fetch(ctx context.Context, hash chainhash.Hash) *Future

	// Submit hands a serialized block to the fetcher, resolving any fetch
	// waiting for it.
	Submit(raw []byte) error
}

// Config houses the parameters of the block oracle.
type Config struct {
	// Source is where blocks missing from the cache are fetched from.
	Source Source

	// CacheSize is the capacity of the block cache in bytes. Zero selects
	// DefaultCacheSize.
	CacheSize uint64

	// RequestsPerSecond limits the requests sent to Source. Zero selects
	// DefaultRequestsPerSecond.
	RequestsPerSecond int

	// FetchTimeout bounds a single request to Source. Zero selects
	// DefaultFetchTimeout.
	FetchTimeout time.Duration
}

// Oracle is a Fetcher backed by an LRU block cache and a rate limited block
// source.
type Oracle struct {
	stopped sync.Once

	cfg *Config

	blocks  *lru.Cache[chainhash.Hash, *cacheableBlock]
	limiter ratelimit.Limiter

	mtx      sync.Mutex
	inflight map[chainhash.Hash]*Future

	hits   atomic.Uint64
	misses atomic.Uint64

	gm *fn.GoroutineManager
}

// A compile-time check to ensure Oracle implements Fetcher.
var _ Fetcher = (*Oracle)(nil)

// New creates a block oracle.
func New(cfg *Config) *Oracle {
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	return &Oracle{
		cfg: cfg,
		blocks: lru.NewCache[chainhash.Hash, *cacheableBlock](
			cfg.CacheSize,
		),
		limiter:  ratelimit.New(cfg.RequestsPerSecond),
		inflight: make(map[chainhash.Hash]*Future),
		gm:       fn.NewGoroutineManager(),
	}
}

// Stop fails all fetches in flight and waits for them to exit.
func (o *Oracle) Stop() {
	o.stopped.Do(func() {
		o.gm.Stop()
	})
}

// Fetch returns a future for the block with the given hash. Cached blocks
// resolve immediately. If the block is already being fetched, the existing
// future is returned. The caller's context only guards the start of the
// fetch, the fetch itself is bound by the configured timeout.
//
// NOTE: This method is part of the Fetcher interface.
func (o *Oracle) Fetch(ctx context.Context, hash chainhash.Hash) *Future {
	if err := ctx.Err(); err != nil {
		return resolvedFuture(hash, nil, err)
	}

	if block, ok := o.cached(hash); ok {
		o.hits.Add(1)
		return resolvedFuture(hash, block, nil)
	}

	o.mtx.Lock()
	if f, ok := o.inflight[hash]; ok {
		o.mtx.Unlock()

		o.hits.Add(1)
		return f
	}

	f := newFuture(hash)
	o.inflight[hash] = f
	o.mtx.Unlock()

	o.misses.Add(1)

	fetchCtx, cancel := context.WithTimeout(
		context.WithoutCancel(ctx), o.cfg.FetchTimeout,
	)
	ok := o.gm.Go(fetchCtx, func(ctx context.Context) {
		defer cancel()

		o.fetch(ctx, f)
	})
	if !ok {
		cancel()
		o.finish(f, nil, ErrShuttingDown)
	}

	return f
}

// fetch requests the block of the future from the source.
func (o *Oracle) fetch(ctx context.Context, f *Future) {
	o.limiter.Take()

	log.Debugf("Fetching block %v", f.hash)

	msg, err := o.cfg.Source.FetchBlock(ctx, &f.hash)
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):

		err = fmt.Errorf("%w: %v", ErrFetchTimeout, f.hash)

	case err != nil && o.stopping():
		err = ErrShuttingDown

	case err == nil && msg.BlockHash() != f.hash:
		err = fmt.Errorf("%w: requested %v, got %v", ErrBlockMismatch,
			f.hash, msg.BlockHash())
	}
	if err != nil {
		log.Warnf("Unable to fetch block %v: %v", f.hash, err)

		o.finish(f, nil, err)
		return
	}

	block := btcutil.NewBlock(msg)
	o.cacheBlock(block)
	o.finish(f, block, nil)
}

// stopping returns true once Stop was called.
func (o *Oracle) stopping() bool {
	select {
	case <-o.gm.Done():
		return true
	default:
		return false
	}
}

// finish removes the future from the in-flight set and resolves it.
func (o *Oracle) finish(f *Future, block *btcutil.Block, err error) {
	o.mtx.Lock()
	if o.inflight[f.hash] == f {
		delete(o.inflight, f.hash)
	}
	o.mtx.Unlock()

	f.resolve(block, err)
}

// Submit parses a serialized block, caches it and resolves a fetch waiting
// for it.
//
// NOTE: This method is part of the Fetcher interface.
func (o *Oracle) Submit(raw []byte) error {
	block, err := btcutil.NewBlockFromBytes(raw)
	if err != nil {
		return fmt.Errorf("unable to parse block: %w", err)
	}

	o.cacheBlock(block)

	o.mtx.Lock()
	f, ok := o.inflight[*block.Hash()]
	o.mtx.Unlock()

	if ok {
		o.finish(f, block, nil)
	}

	return nil
}

func (o *Oracle) cached(hash chainhash.Hash) (*btcutil.Block, bool) {
	value, err := o.blocks.Get(hash)
	if err != nil {
		if !errors.Is(err, cache.ErrElementNotFound) {
			log.Warnf("Block cache lookup for %v failed: %v", hash,
				err)
		}

		return nil, false
	}

	return value.Block, true
}

func (o *Oracle) cacheBlock(block *btcutil.Block) {
	_, err := o.blocks.Put(
		*block.Hash(), &cacheableBlock{Block: block},
	)
	if err != nil {
		log.Warnf("Couldn't write block %v to cache: %v", block.Hash(),
			err)
	}
}

// Stats returns the number of fetches served from the cache or an in-flight
// fetch, and the number of fetches that went to the source.
func (o *Oracle) Stats() (uint64, uint64) {
	return o.hits.Load(), o.misses.Load()
}
