package headeroracle

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/headerfs"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

func openTestDB(t *testing.T) walletdb.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "headers.db")
	db, err := walletdb.Create("bdb", dbPath, true, time.Second*10)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

func newTestOracle(t *testing.T, db walletdb.DB) *Oracle {
	t.Helper()

	store, err := headerfs.New(db)
	require.NoError(t, err)

	o, err := New(&Config{
		ChainParams:   testParams,
		Store:         store,
		BehaviorFlags: blockchain.BFNoPoWCheck,
	})
	require.NoError(t, err)
	t.Cleanup(o.Stop)

	return o
}

// buildChain returns num headers extending prev. The salt makes forks of the
// same parent produce distinct hashes.
func buildChain(prev *wire.BlockHeader, num int,
	salt uint32) []*wire.BlockHeader {

	headers := make([]*wire.BlockHeader, 0, num)
	for i := 0; i < num; i++ {
		header := &wire.BlockHeader{
			Version:   1,
			PrevBlock: prev.BlockHash(),
			Timestamp: prev.Timestamp.Add(time.Minute),
			Bits:      testParams.GenesisBlock.Header.Bits,
			Nonce:     salt<<16 | uint32(i),
		}

		headers = append(headers, header)
		prev = header
	}

	return headers
}

func genesisHeader() *wire.BlockHeader {
	header := testParams.GenesisBlock.Header
	return &header
}

func positionOf(header *wire.BlockHeader, height uint32) chainsync.Position {
	return chainsync.NewPosition(height, header.BlockHash())
}

func hashesOf(headers []*wire.BlockHeader) []chainhash.Hash {
	hashes := make([]chainhash.Hash, 0, len(headers))
	for _, h := range headers {
		hashes = append(hashes, h.BlockHash())
	}

	return hashes
}

func requireStatuses(t *testing.T, results []AddResult, status AddStatus) {
	t.Helper()

	for _, r := range results {
		require.Equal(t, status, r.Status, "header %v", r.Hash)
	}
}

// TestAddHeadersBestChain checks that a linear chain is accepted and
// becomes the best chain.
func TestAddHeadersBestChain(t *testing.T) {
	t.Parallel()

	o := newTestOracle(t, openTestDB(t))
	require.Equal(t, uint32(0), o.BestChain().Height)
	require.Equal(t, *testParams.GenesisHash, o.BestChain().Hash)

	chain := buildChain(genesisHeader(), 10, 0)
	results, err := o.AddHeaders(chain...)
	require.NoError(t, err)
	requireStatuses(t, results, Accepted)

	require.Equal(t, positionOf(chain[9], 10), o.BestChain())
	for i, header := range chain {
		hash, err := o.BestHash(uint32(i + 1))
		require.NoError(t, err)
		require.Equal(t, header.BlockHash(), hash)
		require.True(t, o.IsInBestChain(positionOf(header, uint32(i+1))))
	}

	_, err = o.BestHash(11)
	require.ErrorIs(t, err, ErrHeightNotFound)

	positions := o.BestChainRange(9, 20)
	require.Len(t, positions, 2)
	require.Equal(t, positionOf(chain[8], 9), positions[0])

	// Adding the same headers again only reports duplicates.
	results, err = o.AddHeaders(chain[3:5]...)
	require.NoError(t, err)
	requireStatuses(t, results, Duplicate)

	record, err := o.Header(chain[4].BlockHash())
	require.NoError(t, err)
	require.Equal(t, uint32(5), record.Height)
	require.Equal(t, headerfs.StatusNormal, record.Status)
	expectedWork := new(big.Int).Mul(
		blockchain.CalcWork(chain[4].Bits), big.NewInt(6),
	)
	require.Zero(t, expectedWork.Cmp(record.Work))

	require.Empty(t, o.SiblingHashes())
	require.Empty(t, o.DisconnectedHashes())
}

// TestDisconnectedHeaders checks that headers with unknown parents are held
// and connected once the parent arrives.
func TestDisconnectedHeaders(t *testing.T) {
	t.Parallel()

	o := newTestOracle(t, openTestDB(t))
	chain := buildChain(genesisHeader(), 4, 0)

	// Deliver the chain backwards without its first header.
	results, err := o.AddHeaders(chain[3], chain[2], chain[1])
	require.NoError(t, err)
	requireStatuses(t, results, Disconnected)
	require.ElementsMatch(t, hashesOf(chain[1:]), o.DisconnectedHashes())
	require.Equal(t, uint32(0), o.BestChain().Height)

	_, err = o.CalculateReorg(positionOf(chain[3], 4))
	require.ErrorIs(t, err, ErrHeaderNotFound)

	results, err = o.AddHeaders(chain[0])
	require.NoError(t, err)
	requireStatuses(t, results, Accepted)

	require.Equal(t, positionOf(chain[3], 4), o.BestChain())
	require.Empty(t, o.DisconnectedHashes())
	require.Empty(t, o.SiblingHashes())
}

// TestForkChoice checks best chain selection by cumulative work, with ties
// going to the chain seen first.
func TestForkChoice(t *testing.T) {
	t.Parallel()

	o := newTestOracle(t, openTestDB(t))
	chainA := buildChain(genesisHeader(), 5, 0)
	_, err := o.AddHeaders(chainA...)
	require.NoError(t, err)

	// A fork of equal length doesn't replace the best chain.
	chainB := buildChain(chainA[1], 3, 1)
	_, err = o.AddHeaders(chainB...)
	require.NoError(t, err)
	require.Equal(t, positionOf(chainA[4], 5), o.BestChain())
	require.ElementsMatch(t, hashesOf(chainB), o.SiblingHashes())

	// One more block on the fork makes it the best chain.
	extra := buildChain(chainB[2], 1, 2)
	_, err = o.AddHeaders(extra...)
	require.NoError(t, err)
	require.Equal(t, positionOf(extra[0], 6), o.BestChain())
	require.ElementsMatch(t, hashesOf(chainA[2:]), o.SiblingHashes())
	require.False(t, o.IsInBestChain(positionOf(chainA[2], 3)))
	require.True(t, o.IsInBestChain(positionOf(chainA[1], 2)))
}

// TestCheckpointPrunesBestChain feeds a nine block chain, then sets a
// checkpoint at height 2 on a fork off the first block. The best chain drops
// to the checkpoint and the pruned blocks are kept as siblings.
func TestCheckpointPrunesBestChain(t *testing.T) {
	t.Parallel()

	o := newTestOracle(t, openTestDB(t))
	chainA := buildChain(genesisHeader(), 9, 0)
	fork := buildChain(chainA[0], 1, 1)

	_, err := o.AddHeaders(chainA...)
	require.NoError(t, err)
	_, err = o.AddHeaders(fork...)
	require.NoError(t, err)
	require.Equal(t, uint32(9), o.BestChain().Height)

	cp := chainsync.Checkpoint{
		Height:     2,
		Hash:       fork[0].BlockHash(),
		ParentHash: chainA[0].BlockHash(),
	}
	require.NoError(t, o.AddCheckpoint(cp))

	require.Equal(t, positionOf(fork[0], 2), o.BestChain())
	require.ElementsMatch(t, hashesOf(chainA[1:]), o.SiblingHashes())
	require.Equal(t, cp, o.GetCheckpoint().UnwrapOr(chainsync.Checkpoint{}))

	for _, header := range chainA[1:] {
		record, err := o.Header(header.BlockHash())
		require.NoError(t, err)
		require.Equal(t, headerfs.StatusCheckpointBanned, record.Status)
	}

	record, err := o.Header(fork[0].BlockHash())
	require.NoError(t, err)
	require.Equal(t, headerfs.StatusCheckpoint, record.Status)

	// Extending a banned header is rejected.
	more := buildChain(chainA[8], 3, 2)
	results, err := o.AddHeaders(more...)
	require.NoError(t, err)
	for _, r := range results {
		require.Equal(t, Rejected, r.Status)
		require.ErrorIs(t, r.Err, ErrCheckpointConflict)
	}
	require.Equal(t, positionOf(fork[0], 2), o.BestChain())

	// Removing the checkpoint restores the longest chain.
	require.NoError(t, o.DeleteCheckpoint())
	require.True(t, o.GetCheckpoint().IsNone())
	require.Equal(t, positionOf(more[2], 12), o.BestChain())
}

// TestCheckpointArrivalOrder checks that conflicting headers end up banned
// whether they arrive before or after the checkpoint is set.
func TestCheckpointArrivalOrder(t *testing.T) {
	t.Parallel()

	chainA := buildChain(genesisHeader(), 9, 0)
	fork := buildChain(chainA[0], 3, 1)
	cp := chainsync.Checkpoint{
		Height:     2,
		Hash:       fork[0].BlockHash(),
		ParentHash: chainA[0].BlockHash(),
	}

	// Headers first.
	before := newTestOracle(t, openTestDB(t))
	_, err := before.AddHeaders(chainA...)
	require.NoError(t, err)
	_, err = before.AddHeaders(fork...)
	require.NoError(t, err)
	require.NoError(t, before.AddCheckpoint(cp))

	// Checkpoint first.
	after := newTestOracle(t, openTestDB(t))
	require.NoError(t, after.AddCheckpoint(cp))
	results, err := after.AddHeaders(chainA...)
	require.NoError(t, err)
	require.Equal(t, Accepted, results[0].Status)
	for _, r := range results[1:] {
		require.Equal(t, Rejected, r.Status)
		require.ErrorIs(t, r.Err, ErrCheckpointConflict)
	}
	results, err = after.AddHeaders(fork...)
	require.NoError(t, err)
	requireStatuses(t, results, Accepted)

	require.Equal(t, positionOf(fork[2], 4), before.BestChain())
	require.Equal(t, before.BestChain(), after.BestChain())
	require.ElementsMatch(t, before.SiblingHashes(), after.SiblingHashes())
}

// TestCheckpointBansOlderForks checks that once the checkpoint's ancestry is
// known, forks branching off below it are banned.
func TestCheckpointBansOlderForks(t *testing.T) {
	t.Parallel()

	o := newTestOracle(t, openTestDB(t))
	chainA := buildChain(genesisHeader(), 7, 0)
	chainB := buildChain(chainA[0], 7, 1)

	_, err := o.AddHeaders(chainA...)
	require.NoError(t, err)
	_, err = o.AddHeaders(chainB...)
	require.NoError(t, err)
	require.Equal(t, positionOf(chainB[6], 8), o.BestChain())

	cp := chainsync.Checkpoint{
		Height:     5,
		Hash:       chainA[4].BlockHash(),
		ParentHash: chainA[3].BlockHash(),
	}
	require.NoError(t, o.AddCheckpoint(cp))
	require.Equal(t, positionOf(chainA[6], 7), o.BestChain())

	record, err := o.Header(chainB[0].BlockHash())
	require.NoError(t, err)
	require.Equal(t, headerfs.StatusCheckpointBanned, record.Status)

	// A checkpoint whose ancestry is unknown only bans at its height.
	o2 := newTestOracle(t, openTestDB(t))
	require.NoError(t, o2.AddCheckpoint(chainsync.Checkpoint{
		Height:     3,
		Hash:       chainhash.Hash{0x01},
		ParentHash: chainhash.Hash{0x02},
	}))
	_, err = o2.AddHeaders(chainA...)
	require.NoError(t, err)
	require.Equal(t, positionOf(chainA[0], 1), o2.BestChain())
}

// TestAddCheckpointInvalid checks that impossible checkpoints are refused.
func TestAddCheckpointInvalid(t *testing.T) {
	t.Parallel()

	o := newTestOracle(t, openTestDB(t))

	err := o.AddCheckpoint(chainsync.Checkpoint{})
	require.ErrorIs(t, err, ErrInvalidCheckpoint)

	err = o.AddCheckpoint(chainsync.Checkpoint{
		Height:     1,
		Hash:       chainhash.Hash{0x01},
		ParentHash: chainhash.Hash{0x02},
	})
	require.ErrorIs(t, err, ErrInvalidCheckpoint)
	require.True(t, o.GetCheckpoint().IsNone())
}

// TestCalculateReorgRoundTrip checks that applying a reorg and then its
// inverse restores the original chain.
func TestCalculateReorgRoundTrip(t *testing.T) {
	t.Parallel()

	o := newTestOracle(t, openTestDB(t))
	chainA := buildChain(genesisHeader(), 8, 0)
	chainB := buildChain(chainA[2], 3, 1)

	_, err := o.AddHeaders(chainA...)
	require.NoError(t, err)
	_, err = o.AddHeaders(chainB...)
	require.NoError(t, err)

	reorg, err := o.CalculateReorg(positionOf(chainB[2], 6))
	require.NoError(t, err)
	require.Equal(t, positionOf(chainA[2], 3), reorg.Ancestor)
	require.Len(t, reorg.Disconnect, 5)
	require.Equal(t, positionOf(chainA[7], 8), reorg.Disconnect[0])
	require.Len(t, reorg.Connect, 3)
	require.Equal(t, positionOf(chainB[0], 4), reorg.Connect[0])

	original := o.BestChainRange(0, o.BestChain().Height)
	applied, err := reorg.Apply(original)
	require.NoError(t, err)
	require.Len(t, applied, 7)
	require.Equal(t, positionOf(chainB[2], 6), applied[6])

	restored, err := reorg.Invert().Apply(applied)
	require.NoError(t, err)
	require.Equal(t, original, restored)

	// The reorg can't be applied twice.
	_, err = reorg.Apply(applied)
	require.ErrorIs(t, err, ErrReorgMismatch)

	// A tip on the best chain only disconnects.
	reorg, err = o.CalculateReorg(positionOf(chainA[5], 6))
	require.NoError(t, err)
	require.Empty(t, reorg.Connect)
	require.Len(t, reorg.Disconnect, 2)
}

// TestCalculateReorgLookback checks the lookback bound.
func TestCalculateReorgLookback(t *testing.T) {
	t.Parallel()

	store, err := headerfs.New(openTestDB(t))
	require.NoError(t, err)

	o, err := New(&Config{
		ChainParams:   testParams,
		Store:         store,
		MaxReorgDepth: 3,
		BehaviorFlags: blockchain.BFNoPoWCheck,
	})
	require.NoError(t, err)
	t.Cleanup(o.Stop)

	chainA := buildChain(genesisHeader(), 8, 0)
	chainB := buildChain(chainA[0], 2, 1)
	_, err = o.AddHeaders(chainA...)
	require.NoError(t, err)
	_, err = o.AddHeaders(chainB...)
	require.NoError(t, err)

	_, err = o.CalculateReorg(positionOf(chainB[1], 3))
	require.ErrorIs(t, err, ErrNoCommonAncestor)

	shallow := buildChain(chainA[5], 2, 2)
	_, err = o.AddHeaders(shallow...)
	require.NoError(t, err)
	_, err = o.CalculateReorg(positionOf(shallow[1], 8))
	require.NoError(t, err)

	_, err = o.CalculateReorg(chainsync.NewPosition(3, chainhash.Hash{9}))
	require.ErrorIs(t, err, ErrHeaderNotFound)
}

// TestRejectInvalidProofOfWork checks that headers failing the sanity checks
// are rejected and not stored.
func TestRejectInvalidProofOfWork(t *testing.T) {
	t.Parallel()

	store, err := headerfs.New(openTestDB(t))
	require.NoError(t, err)

	o, err := New(&Config{
		ChainParams:   testParams,
		Store:         store,
		BehaviorFlags: blockchain.BFNone,
	})
	require.NoError(t, err)
	t.Cleanup(o.Stop)

	header := buildChain(genesisHeader(), 1, 0)[0]
	header.Bits = 0x217fffff

	results, err := o.AddHeaders(header)
	require.NoError(t, err)
	require.Equal(t, Rejected, results[0].Status)
	require.Error(t, results[0].Err)

	_, err = o.Header(header.BlockHash())
	require.ErrorIs(t, err, ErrHeaderNotFound)
}

// TestOracleRestart checks that the header graph and checkpoint are restored
// from the database.
func TestOracleRestart(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	o := newTestOracle(t, db)

	chainA := buildChain(genesisHeader(), 6, 0)
	fork := buildChain(chainA[0], 2, 1)
	orphans := buildChain(chainA[5], 3, 2)[1:]

	_, err := o.AddHeaders(chainA...)
	require.NoError(t, err)
	_, err = o.AddHeaders(fork...)
	require.NoError(t, err)
	_, err = o.AddHeaders(orphans...)
	require.NoError(t, err)

	cp := chainsync.Checkpoint{
		Height:     2,
		Hash:       chainA[1].BlockHash(),
		ParentHash: chainA[0].BlockHash(),
	}
	require.NoError(t, o.AddCheckpoint(cp))
	o.Stop()

	restored := newTestOracle(t, db)
	require.Equal(t, o.BestChain(), restored.BestChain())
	require.ElementsMatch(t, o.SiblingHashes(), restored.SiblingHashes())
	require.ElementsMatch(
		t, hashesOf(orphans), restored.DisconnectedHashes(),
	)
	require.Equal(t, cp, restored.GetCheckpoint().UnwrapOr(
		chainsync.Checkpoint{},
	))

	// New headers get sequence numbers after the restored ones.
	results, err := restored.AddHeaders(buildChain(chainA[5], 1, 2)...)
	require.NoError(t, err)
	requireStatuses(t, results, Accepted)
	require.Equal(t, positionOf(orphans[1], 9), restored.BestChain())
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) WriteBatch(b *headerfs.Batch) error {
	args := m.Called(b)
	return args.Error(0)
}

func (m *mockStore) FetchRecords() ([]*headerfs.Record, error) {
	args := m.Called()
	return args.Get(0).([]*headerfs.Record), args.Error(1)
}

func (m *mockStore) FetchCheckpoint() (*chainsync.Checkpoint, error) {
	args := m.Called()
	cp, _ := args.Get(0).(*chainsync.Checkpoint)
	return cp, args.Error(1)
}

// TestAddHeadersStorageFailure checks that a failed write leaves the oracle
// unchanged.
func TestAddHeadersStorageFailure(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	store.On("FetchRecords").Return([]*headerfs.Record(nil), nil)
	store.On("FetchCheckpoint").Return(nil, headerfs.ErrNoCheckpoint)
	store.On("WriteBatch", mock.Anything).Return(nil).Once()

	o, err := New(&Config{
		ChainParams:   testParams,
		Store:         store,
		BehaviorFlags: blockchain.BFNoPoWCheck,
	})
	require.NoError(t, err)
	t.Cleanup(o.Stop)

	errWrite := errors.New("disk full")
	store.On("WriteBatch", mock.Anything).Return(errWrite).Once()

	chain := buildChain(genesisHeader(), 3, 0)
	_, err = o.AddHeaders(chain[0], chain[2])
	require.ErrorIs(t, err, errWrite)
	require.Equal(t, uint32(0), o.BestChain().Height)
	require.Empty(t, o.DisconnectedHashes())

	_, err = o.Header(chain[0].BlockHash())
	require.ErrorIs(t, err, ErrHeaderNotFound)

	store.On("WriteBatch", mock.Anything).Return(nil)
	results, err := o.AddHeaders(chain...)
	require.NoError(t, err)
	requireStatuses(t, results, Accepted)
	require.Equal(t, positionOf(chain[2], 3), o.BestChain())

	store.AssertExpectations(t)
}

func recvEvent(t *testing.T, sub *Subscription) ChainEvent {
	t.Helper()

	select {
	case event := <-sub.Events:
		return event

	case <-time.After(5 * time.Second):
		t.Fatalf("no chain event received")
	}

	return ChainEvent{}
}

// TestSubscription checks that subscribers receive connect and reorg events.
func TestSubscription(t *testing.T) {
	t.Parallel()

	o := newTestOracle(t, openTestDB(t))
	sub, err := o.Subscribe()
	require.NoError(t, err)
	defer sub.Cancel()

	chainA := buildChain(genesisHeader(), 3, 0)
	_, err = o.AddHeaders(chainA...)
	require.NoError(t, err)

	event := recvEvent(t, sub)
	require.Equal(t, BlockConnected, event.Type)
	require.Equal(t, positionOf(chainA[2], 3), event.Tip)

	chainB := buildChain(chainA[0], 3, 1)
	_, err = o.AddHeaders(chainB...)
	require.NoError(t, err)

	event = recvEvent(t, sub)
	require.Equal(t, ChainReorg, event.Type)
	require.Equal(t, positionOf(chainB[2], 4), event.Tip)
	require.Equal(t, positionOf(chainA[0], 1), event.Ancestor)

	// Duplicates don't produce events.
	_, err = o.AddHeaders(chainB...)
	require.NoError(t, err)
	select {
	case event := <-sub.Events:
		t.Fatalf("unexpected event %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	o.Stop()
	_, err = o.Subscribe()
	require.ErrorIs(t, err, ErrOracleShuttingDown)
}
