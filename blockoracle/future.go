package blockoracle

import (
	"context"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrPending is returned by Future.Result while the block is still being
// fetched.
var ErrPending = errors.New("block fetch pending")

// Future is the eventual result of a block fetch. Every caller fetching the
// same block while a fetch is in flight shares the same future.
type Future struct {
	hash chainhash.Hash

	once  sync.Once
	done  chan struct{}
	block *btcutil.Block
	err   error
}

func newFuture(hash chainhash.Hash) *Future {
	return &Future{
		hash: hash,
		done: make(chan struct{}),
	}
}

// resolvedFuture returns a future that is already complete.
func resolvedFuture(hash chainhash.Hash, block *btcutil.Block,
	err error) *Future {

	f := newFuture(hash)
	f.resolve(block, err)

	return f
}

// resolve completes the future. Only the first call has an effect.
func (f *Future) resolve(block *btcutil.Block, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.block = block
		f.err = err
		close(f.done)

		resolved = true
	})

	return resolved
}

// Hash returns the hash of the block being fetched.
func (f *Future) Hash() chainhash.Hash {
	return f.hash
}

// Done returns a channel that is closed once the fetch completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the result of the fetch without blocking. ErrPending is
// returned if the fetch hasn't completed yet.
func (f *Future) Result() (*btcutil.Block, error) {
	select {
	case <-f.done:
		return f.block, f.err
	default:
		return nil, ErrPending
	}
}

// Wait blocks until the fetch completes or the context is done.
func (f *Future) Wait(ctx context.Context) (*btcutil.Block, error) {
	select {
	case <-f.done:
		return f.block, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
