package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/walletsync/blockoracle"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/headeroracle"
)

// headerBatchSize is the number of headers handed to the header oracle at
// once.
const headerBatchSize = 2000

// errGenesisMismatch is returned when the node follows another chain.
var errGenesisMismatch = errors.New("node has a different genesis block")

// nodeClient is the part of the btcd RPC client the daemon uses.
type nodeClient interface {
	GetBlockCount() (int64, error)
	GetBlockHash(height int64) (*chainhash.Hash, error)
	GetBlockHeader(hash *chainhash.Hash) (*wire.BlockHeader, error)
	GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetRawMempool() ([]*chainhash.Hash, error)
	GetRawTransaction(hash *chainhash.Hash) (*wire.MsgTx, error)
}

// rpcClient adapts the btcd RPC client to nodeClient.
type rpcClient struct {
	*rpcclient.Client
}

// GetRawTransaction returns the transaction with the given hash.
func (r *rpcClient) GetRawTransaction(hash *chainhash.Hash) (*wire.MsgTx,
	error) {

	tx, err := r.Client.GetRawTransaction(hash)
	if err != nil {
		return nil, err
	}

	return tx.MsgTx(), nil
}

// newRPCClient connects to the btcd node in HTTP POST mode.
func newRPCClient(cfg *rpcConfig) (*rpcClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		DisableTLS:   cfg.DisableTLS,
		HTTPPostMode: true,
	}
	if !cfg.DisableTLS && cfg.Cert != "" {
		cert, err := os.ReadFile(cfg.Cert)
		if err != nil {
			return nil, fmt.Errorf("unable to read rpc cert: %w",
				err)
		}
		connCfg.Certificates = cert
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	return &rpcClient{Client: client}, nil
}

// blockSource serves blocks to the block oracle from the node.
type blockSource struct {
	client nodeClient
}

// A compile-time check to ensure blockSource implements blockoracle.Source.
var _ blockoracle.Source = (*blockSource)(nil)

// FetchBlock returns the block with the given hash.
func (b *blockSource) FetchBlock(ctx context.Context,
	hash *chainhash.Hash) (*wire.MsgBlock, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return b.client.GetBlock(hash)
}

// headerChain is the part of the header oracle the header syncer feeds.
type headerChain interface {
	BestChain() chainsync.Position
	BestHash(height uint32) (chainhash.Hash, error)
	AddHeaders(headers ...*wire.BlockHeader) ([]headeroracle.AddResult,
		error)
}

// headerSyncer copies the best chain of the node into the header oracle.
type headerSyncer struct {
	client nodeClient
	chain  headerChain
}

// sync brings the header oracle up to the tip of the node. It walks back
// from the tip of the oracle to the last block both agree on and adds the
// headers of the node above it.
func (h *headerSyncer) sync(ctx context.Context) (int, error) {
	count, err := h.client.GetBlockCount()
	if err != nil {
		return 0, fmt.Errorf("unable to get block count: %w", err)
	}
	best := uint32(count)

	height := min(h.chain.BestChain().Height, best)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		ours, err := h.chain.BestHash(height)
		if err != nil {
			return 0, err
		}
		theirs, err := h.client.GetBlockHash(int64(height))
		if err != nil {
			return 0, fmt.Errorf("unable to get block hash at "+
				"height %d: %w", height, err)
		}
		if ours == *theirs {
			break
		}

		if height == 0 {
			return 0, errGenesisMismatch
		}
		height--
	}

	var added int
	for height < best {
		end := min(height+headerBatchSize, best)

		headers := make([]*wire.BlockHeader, 0, end-height)
		for next := height + 1; next <= end; next++ {
			if err := ctx.Err(); err != nil {
				return added, err
			}

			hash, err := h.client.GetBlockHash(int64(next))
			if err != nil {
				return added, fmt.Errorf("unable to get block "+
					"hash at height %d: %w", next, err)
			}
			header, err := h.client.GetBlockHeader(hash)
			if err != nil {
				return added, fmt.Errorf("unable to get header "+
					"%v: %w", hash, err)
			}
			headers = append(headers, header)
		}

		results, err := h.chain.AddHeaders(headers...)
		if err != nil {
			return added, err
		}
		for _, result := range results {
			switch result.Status {
			case headeroracle.Accepted:
				added++

			case headeroracle.Rejected:
				return added, fmt.Errorf("header %v rejected: "+
					"%w", result.Hash, result.Err)
			}
		}

		height = end
	}

	return added, nil
}

// mempoolWatcher hands transactions entering the mempool of the node to a
// handler.
type mempoolWatcher struct {
	client nodeClient
	handle func(ctx context.Context, tx *wire.MsgTx) error

	seen map[chainhash.Hash]struct{}
}

// poll hands every transaction that wasn't in the mempool at the last poll
// to the handler. It returns the number of new transactions.
func (m *mempoolWatcher) poll(ctx context.Context) (int, error) {
	hashes, err := m.client.GetRawMempool()
	if err != nil {
		return 0, fmt.Errorf("unable to get mempool: %w", err)
	}

	// Transactions that left the mempool are forgotten.
	current := make(map[chainhash.Hash]struct{}, len(hashes))
	var added int
	for _, hash := range hashes {
		current[*hash] = struct{}{}
		if _, ok := m.seen[*hash]; ok {
			continue
		}

		tx, err := m.client.GetRawTransaction(hash)
		if err != nil {
			// It may have been mined or evicted since.
			log.Debugf("Unable to fetch mempool tx %v: %v", hash,
				err)
			delete(current, *hash)
			continue
		}

		if err := m.handle(ctx, tx); err != nil {
			return added, err
		}
		added++
	}
	m.seen = current

	return added, nil
}
