package scandb

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/internal/chaintest"
	"github.com/stretchr/testify/require"
)

var (
	scriptA = []byte{0x00, 0x14, 0xaa}
	scriptB = []byte{0x00, 0x14, 0xbb}
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(chaintest.OpenDB(t))
	require.NoError(t, err)

	return store
}

func pos(height uint32) chainsync.Position {
	return chainsync.NewPosition(height, chainhash.Hash{byte(height)})
}

func output(t *testing.T, height uint32, script []byte,
	index uint32) (*Output, *TxMatch) {

	t.Helper()

	tx := chaintest.PayTo(wire.OutPoint{Index: height}, script)
	rec, err := wtxmgr.NewTxRecordFromMsgTx(tx, time.Unix(1000, 0))
	require.NoError(t, err)

	o := &Output{
		OutPoint: wire.OutPoint{Hash: rec.Hash},
		Value:    tx.TxOut[0].Value,
		PkScript: script,
		Index:    index,
		Block:    pos(height),
	}
	match := &TxMatch{
		Record: rec,
		Block: wtxmgr.Block{
			Hash:   o.Block.Hash,
			Height: int32(height),
		},
	}

	return o, match
}

// TestSubchainIndex checks that subchain indices are allocated once and
// survive reopening the store.
func TestSubchainIndex(t *testing.T) {
	t.Parallel()

	db := chaintest.OpenDB(t)
	store, err := New(db)
	require.NoError(t, err)

	ext := chainsync.SubchainID{Account: "alice", Kind: chainsync.External}
	in := chainsync.SubchainID{Account: "alice", Kind: chainsync.Internal}

	extIndex, err := store.SubchainIndex(ext)
	require.NoError(t, err)
	inIndex, err := store.SubchainIndex(in)
	require.NoError(t, err)
	require.NotEqual(t, extIndex, inIndex)

	again, err := store.SubchainIndex(ext)
	require.NoError(t, err)
	require.Equal(t, extIndex, again)

	store, err = New(db)
	require.NoError(t, err)

	subchains, err := store.Subchains()
	require.NoError(t, err)
	require.Equal(t, map[chainsync.SubchainID]uint64{
		ext: extIndex,
		in:  inIndex,
	}, subchains)

	_, err = store.GetProgress(inIndex + 1)
	require.ErrorIs(t, err, ErrUnknownSubchain)
}

// TestCommit checks that an update is written as a whole and that progress
// can't move backwards.
func TestCommit(t *testing.T) {
	t.Parallel()

	var (
		ctx   = context.Background()
		store = newTestStore(t)
	)

	index, err := store.SubchainIndex(chainsync.SubchainID{Account: "a"})
	require.NoError(t, err)

	_, err = store.GetProgress(index)
	require.ErrorIs(t, err, ErrNoProgress)

	out, match := output(t, 4, scriptA, 7)
	progress := pos(5)
	err = store.Commit(ctx, index, &Update{
		Progress:     &progress,
		Created:      []*Output{out},
		Transactions: []*TxMatch{match},
	})
	require.NoError(t, err)

	stored, err := store.GetProgress(index)
	require.NoError(t, err)
	require.Equal(t, progress, stored)

	outputs, err := store.LoadOutputs(index)
	require.NoError(t, err)
	require.Equal(t, []*Output{out}, outputs)

	txs, err := store.LoadTransactions(index)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, match.Record.Hash, txs[0].Record.Hash)
	require.Equal(t, match.Block, txs[0].Block)
	require.True(t, match.Record.Received.Equal(txs[0].Record.Received))

	// A regression fails the whole update, including its outputs.
	other, _ := output(t, 2, scriptB, 8)
	lower := pos(3)
	err = store.Commit(ctx, index, &Update{
		Progress: &lower,
		Created:  []*Output{other},
	})
	require.ErrorIs(t, err, ErrProgressRegression)

	outputs, err = store.LoadOutputs(index)
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	// Spends are joined to their outputs.
	spend := &Spend{
		OutPoint: out.OutPoint,
		SpentBy:  chainhash.Hash{9},
		Block:    pos(6),
	}
	progress = pos(6)
	err = store.Commit(ctx, index, &Update{
		Progress: &progress,
		Spent:    []*Spend{spend},
	})
	require.NoError(t, err)

	outputs, err = store.LoadOutputs(index)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, spend, outputs[0].Spend)
}

// TestRollback checks that a rollback removes records above the ancestor and
// lowers progress to it.
func TestRollback(t *testing.T) {
	t.Parallel()

	var (
		ctx   = context.Background()
		store = newTestStore(t)
	)

	index, err := store.SubchainIndex(chainsync.SubchainID{Account: "a"})
	require.NoError(t, err)

	kept, keptTx := output(t, 3, scriptA, 0)
	orphaned, orphanedTx := output(t, 7, scriptB, 1)
	progress, rescan := pos(9), pos(8)
	err = store.Commit(ctx, index, &Update{
		Progress:       &progress,
		RescanProgress: &rescan,
		Created:        []*Output{kept, orphaned},
		Spent: []*Spend{{
			OutPoint: kept.OutPoint,
			SpentBy:  chainhash.Hash{1},
			Block:    pos(8),
		}},
		Transactions: []*TxMatch{keptTx, orphanedTx},
	})
	require.NoError(t, err)

	ancestor := pos(5)
	require.NoError(t, store.Rollback(ctx, index, ancestor))

	stored, err := store.GetProgress(index)
	require.NoError(t, err)
	require.Equal(t, ancestor, stored)

	stored, err = store.GetRescanProgress(index)
	require.NoError(t, err)
	require.Equal(t, ancestor, stored)

	outputs, err := store.LoadOutputs(index)
	require.NoError(t, err)
	require.Equal(t, []*Output{kept}, outputs)

	txs, err := store.LoadTransactions(index)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, keptTx.Record.Hash, txs[0].Record.Hash)

	// Rolling back above the progress leaves it alone.
	require.NoError(t, store.Rollback(ctx, index, pos(7)))
	stored, err = store.GetProgress(index)
	require.NoError(t, err)
	require.Equal(t, ancestor, stored)
}

// TestPatterns checks that patterns are stored per subchain.
func TestPatterns(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	first, err := store.SubchainIndex(chainsync.SubchainID{Account: "a"})
	require.NoError(t, err)
	second, err := store.SubchainIndex(chainsync.SubchainID{Account: "b"})
	require.NoError(t, err)

	patterns, err := store.LoadPatterns(first)
	require.NoError(t, err)
	require.Empty(t, patterns)

	require.NoError(t, store.AddPatterns(first, ElementMap{
		0: scriptA,
		1: scriptB,
	}))
	require.NoError(t, store.AddPatterns(first, ElementMap{2: scriptA}))

	patterns, err = store.LoadPatterns(first)
	require.NoError(t, err)
	require.Equal(t, ElementMap{0: scriptA, 1: scriptB, 2: scriptA},
		patterns)
	require.Len(t, patterns.Scripts(), 3)

	patterns, err = store.LoadPatterns(second)
	require.NoError(t, err)
	require.Empty(t, patterns)
}
