// Package chaintest builds small block chains and databases for tests.
package chaintest

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/stretchr/testify/require"
)

// Params are the parameters of every test chain. Headers of test chains
// carry the genesis difficulty but no valid proof of work, so they must be
// checked with blockchain.BFNoPoWCheck.
var Params = &chaincfg.RegressionNetParams

// ErrUnknownBlock is returned by Source for blocks it doesn't have.
var ErrUnknownBlock = errors.New("unknown block")

// OpenDB creates a bdb database in a temporary directory that is closed when
// the test ends.
func OpenDB(t *testing.T) walletdb.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := walletdb.Create("bdb", dbPath, true, time.Second*10)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

// Chain is a chain of blocks indexed by height, starting at the genesis
// block.
type Chain struct {
	Blocks []*wire.MsgBlock
}

// NewChain returns a chain holding only the genesis block.
func NewChain() *Chain {
	return &Chain{
		Blocks: []*wire.MsgBlock{Params.GenesisBlock},
	}
}

// Fork returns a copy of the chain up to and including the given height.
func (c *Chain) Fork(height uint32) *Chain {
	blocks := make([]*wire.MsgBlock, height+1)
	copy(blocks, c.Blocks[:height+1])

	return &Chain{Blocks: blocks}
}

// Extend appends a block holding a coinbase and the given transactions. The
// salt makes blocks of different forks at the same height distinct.
func (c *Chain) Extend(salt uint32, txs ...*wire.MsgTx) *wire.MsgBlock {
	prev := c.Blocks[len(c.Blocks)-1]
	height := uint32(len(c.Blocks))

	block := wire.NewMsgBlock(&wire.BlockHeader{
		Version:   1,
		PrevBlock: prev.BlockHash(),
		Timestamp: prev.Header.Timestamp.Add(time.Minute),
		Bits:      Params.GenesisBlock.Header.Bits,
		Nonce:     salt<<16 | height,
	})
	_ = block.AddTransaction(coinbase(height, salt))
	for _, tx := range txs {
		_ = block.AddTransaction(tx)
	}

	utilTxs := make([]*btcutil.Tx, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		utilTxs = append(utilTxs, btcutil.NewTx(tx))
	}
	block.Header.MerkleRoot = blockchain.CalcMerkleRoot(utilTxs, false)

	c.Blocks = append(c.Blocks, block)

	return block
}

// ExtendN appends num blocks holding only a coinbase.
func (c *Chain) ExtendN(num int, salt uint32) {
	for i := 0; i < num; i++ {
		c.Extend(salt)
	}
}

// Height returns the height of the tip.
func (c *Chain) Height() uint32 {
	return uint32(len(c.Blocks) - 1)
}

// Tip returns the position of the tip.
func (c *Chain) Tip() chainsync.Position {
	return c.Position(c.Height())
}

// Position returns the position of the block at the given height.
func (c *Chain) Position(height uint32) chainsync.Position {
	return chainsync.NewPosition(height, c.Blocks[height].BlockHash())
}

// Block returns the block at the given height.
func (c *Chain) Block(height uint32) *btcutil.Block {
	block := btcutil.NewBlock(c.Blocks[height])
	block.SetHeight(int32(height))

	return block
}

// Headers returns the headers from the given height up to the tip.
func (c *Chain) Headers(from uint32) []*wire.BlockHeader {
	headers := make([]*wire.BlockHeader, 0, len(c.Blocks))
	for _, block := range c.Blocks[from:] {
		header := block.Header
		headers = append(headers, &header)
	}

	return headers
}

func coinbase(height, salt uint32) *wire.MsgTx {
	var extra [8]byte
	binary.BigEndian.PutUint32(extra[:4], height)
	binary.BigEndian.PutUint32(extra[4:], salt)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  extra[:],
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(50*btcutil.SatoshiPerBitcoin, []byte{
		txscript.OP_TRUE,
	}))

	return tx
}

// PayTo returns a transaction spending the given outpoint to the scripts,
// one output each.
func PayTo(spend wire.OutPoint, scripts ...[]byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&spend, nil, nil))
	for i, script := range scripts {
		tx.AddTxOut(wire.NewTxOut(int64(1000*(i+1)), script))
	}

	return tx
}

// Source serves blocks of test chains. It can be used as a block source of
// the block oracle.
type Source struct {
	mtx    sync.Mutex
	blocks map[chainhash.Hash]*wire.MsgBlock
	calls  int
}

// NewSource returns a source serving the blocks of the given chains.
func NewSource(chains ...*Chain) *Source {
	s := &Source{
		blocks: make(map[chainhash.Hash]*wire.MsgBlock),
	}
	for _, c := range chains {
		s.Add(c)
	}

	return s
}

// Add makes the blocks of a chain available.
func (s *Source) Add(c *Chain) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, block := range c.Blocks {
		s.blocks[block.BlockHash()] = block
	}
}

// Calls returns the number of blocks requested so far.
func (s *Source) Calls() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.calls
}

// FetchBlock returns a known block.
func (s *Source) FetchBlock(_ context.Context,
	hash *chainhash.Hash) (*wire.MsgBlock, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.calls++

	block, ok := s.blocks[*hash]
	if !ok {
		return nil, ErrUnknownBlock
	}

	return block, nil
}
