package syncdata

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/filterdb"
	"github.com/lightninglabs/walletsync/filteroracle"
	"github.com/lightninglabs/walletsync/headerfs"
	"github.com/lightninglabs/walletsync/headeroracle"
	"github.com/lightninglabs/walletsync/internal/chaintest"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const regular = filterdb.RegularFilter

// mockIngester records the batches it is handed.
type mockIngester struct {
	mock.Mock
}

func (m *mockIngester) Tip(fType filterdb.FilterType) chainsync.Position {
	args := m.Called(fType)
	return args.Get(0).(chainsync.Position)
}

func (m *mockIngester) ProcessSyncData(_ context.Context,
	fType filterdb.FilterType, priorHash chainhash.Hash,
	hashes []chainhash.Hash, data [][]byte) error {

	args := m.Called(fType, priorHash, hashes, len(data))
	return args.Error(0)
}

// encodeFilters builds the filters of the blocks between the given heights.
func encodeFilters(t *testing.T, chain *chaintest.Chain, from,
	to uint32) ([]chainhash.Hash, [][]byte) {

	t.Helper()

	var (
		hashes []chainhash.Hash
		data   [][]byte
	)
	for height := from; height <= to; height++ {
		block := chain.Blocks[height]
		filter, err := builder.BuildBasicFilter(block, nil)
		require.NoError(t, err)

		raw, err := filter.NBytes()
		require.NoError(t, err)

		hashes = append(hashes, block.BlockHash())
		data = append(data, raw)
	}

	return hashes, data
}

// writeFile writes the filters of the blocks between the given heights to a
// sync data file.
func writeFile(t *testing.T, chain *chaintest.Chain, from, to uint32,
	net wire.BitcoinNet) string {

	t.Helper()

	hashes, data := encodeFilters(t, chain, from, to)

	var buf bytes.Buffer
	err := Write(&buf, &Header{
		Network:    net,
		FilterType: regular,
		PriorHash:  chain.Blocks[from-1].BlockHash(),
	}, hashes, data)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "filters.bin")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))

	return path
}

// TestReaderRoundTrip checks that a reader returns the entries written.
func TestReaderRoundTrip(t *testing.T) {
	t.Parallel()

	chain := chaintest.NewChain()
	chain.ExtendN(5, 0)
	hashes, data := encodeFilters(t, chain, 1, 5)

	hdr := &Header{
		Network:    chaintest.Params.Net,
		FilterType: regular,
		PriorHash:  chain.Blocks[0].BlockHash(),
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, hdr, hashes, data))

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	hdr.Count = 5
	require.Equal(t, hdr, r.Header())

	for i := range hashes {
		hash, filter, err := r.Next()
		require.NoError(t, err)
		require.Equal(t, hashes[i], hash)
		require.Equal(t, data[i], filter)
	}

	_, _, err = r.Next()
	require.ErrorIs(t, err, io.EOF)

	// A truncated file fails inside the last entry.
	truncated := buf.Bytes()[:buf.Len()-1]
	r, err = NewReader(bytes.NewReader(truncated))
	require.NoError(t, err)
	for i := 0; i < len(hashes)-1; i++ {
		_, _, err := r.Next()
		require.NoError(t, err)
	}
	_, _, err = r.Next()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	err = Write(&buf, hdr, hashes, data[1:])
	require.ErrorIs(t, err, ErrMismatchedEntries)
}

// TestLoadBatches checks that filters are handed over in batches chained by
// their prior block, and that filters below the tip are skipped.
func TestLoadBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := chaintest.NewChain()
	chain.ExtendN(8, 0)
	path := writeFile(t, chain, 1, 8, chaintest.Params.Net)
	hashes, _ := encodeFilters(t, chain, 1, 8)

	ingest := &mockIngester{}
	ingest.On("Tip", regular).Return(chain.Position(2))
	ingest.On(
		"ProcessSyncData", regular, hashes[1], hashes[2:5], 3,
	).Return(nil).Once()
	ingest.On(
		"ProcessSyncData", regular, hashes[4], hashes[5:8], 3,
	).Return(nil).Once()

	n, err := Load(ctx, path, chaintest.Params, ingest, 3)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	ingest.AssertExpectations(t)

	// A tip that isn't part of the file can't be connected.
	ingest = &mockIngester{}
	ingest.On("Tip", regular).Return(
		chainsync.NewPosition(20, chainhash.Hash{0x01}),
	)

	_, err = Load(ctx, path, chaintest.Params, ingest, 3)
	require.ErrorIs(t, err, ErrNotConnected)
	ingest.AssertNotCalled(t, "ProcessSyncData")

	_, err = Load(ctx, path, &chaincfg.MainNetParams, ingest, 3)
	require.ErrorIs(t, err, ErrNetworkMismatch)
}

// TestLoadIntoFilterOracle checks that a loaded file moves the filter tip of
// a filter oracle and that loading it again adds nothing.
func TestLoadIntoFilterOracle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := chaintest.NewChain()
	chain.ExtendN(12, 0)

	db := chaintest.OpenDB(t)
	headerStore, err := headerfs.New(db)
	require.NoError(t, err)

	headers, err := headeroracle.New(&headeroracle.Config{
		ChainParams:   chaintest.Params,
		Store:         headerStore,
		BehaviorFlags: blockchain.BFNoPoWCheck,
	})
	require.NoError(t, err)
	t.Cleanup(headers.Stop)

	_, err = headers.AddHeaders(chain.Headers(1)...)
	require.NoError(t, err)

	filterDB, err := filterdb.New(db, *chaintest.Params)
	require.NoError(t, err)

	oracle, err := filteroracle.New(&filteroracle.Config{
		ChainParams: chaintest.Params,
		Chain:       headers,
		FilterDB:    filterDB,
	})
	require.NoError(t, err)
	require.NoError(t, oracle.Start())
	t.Cleanup(oracle.Stop)

	path := writeFile(t, chain, 1, 12, chaintest.Params.Net)

	n, err := Load(ctx, path, chaintest.Params, oracle, 5)
	require.NoError(t, err)
	require.Equal(t, 12, n)
	require.Equal(t, chain.Tip(), oracle.Tip(regular))

	filter, err := oracle.LoadFilterOrResetTip(ctx, regular,
		chain.Position(7))
	require.NoError(t, err)
	require.NotNil(t, filter)

	n, err = Load(ctx, path, chaintest.Params, oracle, 5)
	require.NoError(t, err)
	require.Zero(t, n)
}
