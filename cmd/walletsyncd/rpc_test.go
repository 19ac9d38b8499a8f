package main

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/walletsync/headerfs"
	"github.com/lightninglabs/walletsync/headeroracle"
	"github.com/lightninglabs/walletsync/internal/chaintest"
	"github.com/stretchr/testify/require"
)

var errNotFound = errors.New("not found")

// fakeNode serves a chain and a mempool the way the btcd RPC client does.
type fakeNode struct {
	mtx     sync.Mutex
	chain   *chaintest.Chain
	mempool []*wire.MsgTx
}

func (f *fakeNode) setChain(chain *chaintest.Chain) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.chain = chain
}

func (f *fakeNode) GetBlockCount() (int64, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	return int64(f.chain.Height()), nil
}

func (f *fakeNode) GetBlockHash(height int64) (*chainhash.Hash, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if height < 0 || height > int64(f.chain.Height()) {
		return nil, errNotFound
	}
	hash := f.chain.Blocks[height].BlockHash()

	return &hash, nil
}

func (f *fakeNode) block(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	for _, block := range f.chain.Blocks {
		if block.BlockHash() == *hash {
			return block, nil
		}
	}

	return nil, errNotFound
}

func (f *fakeNode) GetBlockHeader(hash *chainhash.Hash) (*wire.BlockHeader,
	error) {

	block, err := f.block(hash)
	if err != nil {
		return nil, err
	}

	return &block.Header, nil
}

func (f *fakeNode) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	return f.block(hash)
}

func (f *fakeNode) GetRawMempool() ([]*chainhash.Hash, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	hashes := make([]*chainhash.Hash, 0, len(f.mempool))
	for _, tx := range f.mempool {
		hash := tx.TxHash()
		hashes = append(hashes, &hash)
	}

	return hashes, nil
}

func (f *fakeNode) GetRawTransaction(hash *chainhash.Hash) (*wire.MsgTx,
	error) {

	f.mtx.Lock()
	defer f.mtx.Unlock()

	for _, tx := range f.mempool {
		if tx.TxHash() == *hash {
			return tx, nil
		}
	}

	return nil, errNotFound
}

func newHeaderOracle(t *testing.T) *headeroracle.Oracle {
	t.Helper()

	store, err := headerfs.New(chaintest.OpenDB(t))
	require.NoError(t, err)

	headers, err := headeroracle.New(&headeroracle.Config{
		ChainParams:   chaintest.Params,
		Store:         store,
		BehaviorFlags: blockchain.BFNoPoWCheck,
	})
	require.NoError(t, err)
	t.Cleanup(headers.Stop)

	return headers
}

// TestHeaderSync checks that the header oracle follows the node, across
// reorgs too.
func TestHeaderSync(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := chaintest.NewChain()
	chain.ExtendN(headerBatchSize+10, 0)

	node := &fakeNode{chain: chain}
	headers := newHeaderOracle(t)
	syncer := &headerSyncer{client: node, chain: headers}

	added, err := syncer.sync(ctx)
	require.NoError(t, err)
	require.Equal(t, headerBatchSize+10, added)
	require.Equal(t, chain.Tip(), headers.BestChain())

	// Nothing changed, nothing is added.
	added, err = syncer.sync(ctx)
	require.NoError(t, err)
	require.Zero(t, added)

	// The node reorgs onto a longer fork.
	fork := chain.Fork(chain.Height() - 3)
	fork.ExtendN(5, 1)
	node.setChain(fork)

	added, err = syncer.sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, added)
	require.Equal(t, fork.Tip(), headers.BestChain())
}

// TestHeaderSyncGenesisMismatch checks that a node on another chain is
// refused.
func TestHeaderSyncGenesisMismatch(t *testing.T) {
	t.Parallel()

	other := &chaintest.Chain{Blocks: []*wire.MsgBlock{{
		Header: wire.BlockHeader{Nonce: 1},
	}}}

	syncer := &headerSyncer{
		client: &fakeNode{chain: other},
		chain:  newHeaderOracle(t),
	}

	_, err := syncer.sync(context.Background())
	require.ErrorIs(t, err, errGenesisMismatch)
}

// TestMempoolWatcher checks that every mempool transaction is handed over
// once.
func TestMempoolWatcher(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := chaintest.NewChain()
	chain.ExtendN(2, 0)

	tx1 := chaintest.PayTo(
		wire.OutPoint{Hash: chain.Blocks[1].Transactions[0].TxHash()},
		[]byte{0x51},
	)
	tx2 := chaintest.PayTo(
		wire.OutPoint{Hash: chain.Blocks[2].Transactions[0].TxHash()},
		[]byte{0x52},
	)
	node := &fakeNode{chain: chain, mempool: []*wire.MsgTx{tx1}}

	var handled []chainhash.Hash
	watcher := &mempoolWatcher{
		client: node,
		handle: func(_ context.Context, tx *wire.MsgTx) error {
			handled = append(handled, tx.TxHash())
			return nil
		},
	}

	n, err := watcher.poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	node.mempool = append(node.mempool, tx2)
	n, err = watcher.poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []chainhash.Hash{tx1.TxHash(), tx2.TxHash()}, handled)

	// A transaction that leaves and comes back is handed over again.
	node.mempool = []*wire.MsgTx{tx2}
	n, err = watcher.poll(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	node.mempool = []*wire.MsgTx{tx1, tx2}
	n, err = watcher.poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, handled, 3)
}

// TestBlockSource checks that blocks are served from the node.
func TestBlockSource(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain()
	chain.ExtendN(3, 0)
	source := &blockSource{client: &fakeNode{chain: chain}}

	hash := chain.Blocks[2].BlockHash()
	block, err := source.FetchBlock(context.Background(), &hash)
	require.NoError(t, err)
	require.Equal(t, hash, block.BlockHash())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = source.FetchBlock(ctx, &hash)
	require.ErrorIs(t, err, context.Canceled)
}
