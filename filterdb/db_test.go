package filterdb

import (
	"math/rand"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/stretchr/testify/require"
)

func createTestDatabase(t *testing.T) *FilterStore {
	tempDir := t.TempDir()

	db, err := walletdb.Create(
		"bdb", tempDir+"/test.db", true, time.Second*10,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	filterDB, err := New(db, chaincfg.SimNetParams)
	require.NoError(t, err)

	return filterDB
}

// TestGenesisFilterCreation tests the fetching of the genesis block filter.
func TestGenesisFilterCreation(t *testing.T) {
	var (
		database    = createTestDatabase(t)
		genesisHash = chaincfg.SimNetParams.GenesisHash
	)

	// With the database initialized, we should be able to fetch the
	// regular filter for the genesis block.
	regGenesisFilter, err := database.FetchFilter(
		genesisHash, RegularFilter,
	)
	require.NoError(t, err)

	// The regular filter should be non-nil as the gensis block's output
	// and the coinbase txid should be indexed.
	require.NotNil(t, regGenesisFilter)
}

func genRandFilter(t *testing.T, numElements uint32) *gcs.Filter {
	elements := make([][]byte, numElements)
	for i := uint32(0); i < numElements; i++ {
		var elem [20]byte
		_, err := rand.Read(elem[:])
		require.NoError(t, err)

		elements[i] = elem[:]
	}

	var key [16]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)

	filter, err := gcs.BuildGCSFilter(
		builder.DefaultP, builder.DefaultM, key, elements,
	)
	require.NoError(t, err)

	return filter
}

// TestFilterStorage test writing to and reading from the filter DB.
func TestFilterStorage(t *testing.T) {
	database := createTestDatabase(t)

	// We'll generate a random block hash to create our test filters
	// against.
	var randHash chainhash.Hash
	_, err := rand.Read(randHash[:])
	require.NoError(t, err)

	// First, we'll create and store a random filter for the regular filter
	// type for the block hash generate above.
	regFilter := genRandFilter(t, 100)

	filterHeader := chainhash.Hash{0x01}
	err = database.PutFilters(&FilterData{
		Filter:    regFilter,
		Header:    filterHeader,
		BlockHash: &randHash,
		Type:      RegularFilter,
	})
	require.NoError(t, err)

	// With the filter stored, we should be able to retrieve the filter
	// without any issue, and it should match the stored filter exactly.
	regFilterDB, err := database.FetchFilter(&randHash, RegularFilter)
	require.NoError(t, err)
	require.Equal(t, regFilter, regFilterDB)

	header, err := database.FetchFilterHeader(&randHash, RegularFilter)
	require.NoError(t, err)
	require.Equal(t, filterHeader, *header)

	// An unknown block has neither filter nor header.
	var unknown chainhash.Hash
	_, err = database.FetchFilter(&unknown, RegularFilter)
	require.ErrorIs(t, err, ErrFilterNotFound)
	_, err = database.FetchFilterHeader(&unknown, RegularFilter)
	require.ErrorIs(t, err, ErrFilterNotFound)

	// A nil filter is stored as empty.
	err = database.PutFilters(&FilterData{
		BlockHash: &unknown,
		Type:      RegularFilter,
	})
	require.NoError(t, err)
	emptyFilter, err := database.FetchFilter(&unknown, RegularFilter)
	require.NoError(t, err)
	require.Nil(t, emptyFilter)

	_, err = database.FetchFilter(&randHash, FilterType(1))
	require.ErrorIs(t, err, ErrUnknownFilterType)
}

// TestFilterHeadersAndTips tests storing filter headers without filters and
// the tips of both chains.
func TestFilterHeadersAndTips(t *testing.T) {
	database := createTestDatabase(t)
	genesisHash := chaincfg.SimNetParams.GenesisHash

	// Both tips start at genesis.
	for _, kind := range []TipKind{FilterTip, HeaderTip} {
		tip, err := database.FetchTip(RegularFilter, kind)
		require.NoError(t, err)
		require.Equal(t, uint32(0), tip.Height)
		require.Equal(t, *genesisHash, tip.Hash)
	}

	headers := []*FilterHeader{
		{BlockHash: chainhash.Hash{0x01}, Header: chainhash.Hash{0x11}},
		{BlockHash: chainhash.Hash{0x02}, Header: chainhash.Hash{0x12}},
	}
	require.NoError(t, database.PutFilterHeaders(RegularFilter, headers...))

	for _, h := range headers {
		stored, err := database.FetchFilterHeader(
			&h.BlockHash, RegularFilter,
		)
		require.NoError(t, err)
		require.Equal(t, h.Header, *stored)

		_, err = database.FetchFilter(&h.BlockHash, RegularFilter)
		require.ErrorIs(t, err, ErrFilterNotFound)
	}

	tip := chainsync.NewPosition(2, chainhash.Hash{0x02})
	require.NoError(t, database.PutTip(RegularFilter, HeaderTip, tip))

	stored, err := database.FetchTip(RegularFilter, HeaderTip)
	require.NoError(t, err)
	require.Equal(t, tip, stored)

	// The filter tip is independent of the header tip.
	stored, err = database.FetchTip(RegularFilter, FilterTip)
	require.NoError(t, err)
	require.Equal(t, uint32(0), stored.Height)

	_, err = database.FetchTip(FilterType(3), FilterTip)
	require.ErrorIs(t, err, ErrTipNotFound)
}

// TestDeleteFilters tests that deleted filters and their headers are gone
// while other blocks keep theirs.
func TestDeleteFilters(t *testing.T) {
	database := createTestDatabase(t)

	hashes := []chainhash.Hash{{0x01}, {0x02}, {0x03}}
	for i := range hashes {
		err := database.PutFilters(&FilterData{
			Filter:    genRandFilter(t, 10),
			Header:    chainhash.Hash{byte(0x10 + i)},
			BlockHash: &hashes[i],
			Type:      RegularFilter,
		})
		require.NoError(t, err)
	}

	// Unknown blocks are skipped.
	err := database.DeleteFilters(
		RegularFilter, hashes[1], hashes[2], chainhash.Hash{0x04},
	)
	require.NoError(t, err)

	for _, hash := range hashes[1:] {
		_, err := database.FetchFilter(&hash, RegularFilter)
		require.ErrorIs(t, err, ErrFilterNotFound)
		_, err = database.FetchFilterHeader(&hash, RegularFilter)
		require.ErrorIs(t, err, ErrFilterNotFound)
	}

	filter, err := database.FetchFilter(&hashes[0], RegularFilter)
	require.NoError(t, err)
	require.NotNil(t, filter)

	err = database.DeleteFilters(FilterType(1), hashes[0])
	require.ErrorIs(t, err, ErrUnknownFilterType)
}
