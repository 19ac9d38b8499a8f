package headerfs

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) (walletdb.DB, *Store) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := walletdb.Create("bdb", dbPath, true, time.Second*10)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	store, err := New(db)
	require.NoError(t, err)

	return db, store
}

func createTestRecords(numHeaders uint32) []*Record {
	records := make([]*Record, 0, numHeaders)
	prevHeader := chaincfg.SimNetParams.GenesisBlock.Header
	for i := uint32(1); i <= numHeaders; i++ {
		header := wire.BlockHeader{
			Version:   1,
			Bits:      0x207fffff,
			Nonce:     i,
			Timestamp: prevHeader.Timestamp.Add(time.Minute),
			PrevBlock: prevHeader.BlockHash(),
		}

		records = append(records, &Record{
			Header:   header,
			Height:   i,
			Work:     big.NewInt(int64(i) * 2),
			Status:   StatusNormal,
			Sequence: uint64(i),
		})

		prevHeader = header
	}

	return records
}

// TestStoreRecords checks that records survive a round trip through the
// database and are returned in sequence order.
func TestStoreRecords(t *testing.T) {
	t.Parallel()

	_, store := createTestStore(t)

	records := createTestRecords(20)

	// Write the records in reverse to make sure they come back ordered.
	reversed := make([]*Record, len(records))
	for i, r := range records {
		reversed[len(records)-1-i] = r
	}
	require.NoError(t, store.PutRecords(reversed...))

	fetched, err := store.FetchRecords()
	require.NoError(t, err)
	require.Len(t, fetched, len(records))
	for i, r := range fetched {
		require.Equal(t, records[i].Hash(), r.Hash())
		require.Equal(t, records[i].Height, r.Height)
		require.Equal(t, records[i].Sequence, r.Sequence)
		require.Equal(t, records[i].Status, r.Status)
		require.Zero(t, records[i].Work.Cmp(r.Work))
	}

	// A single record can be looked up by hash.
	hash := records[5].Hash()
	record, err := store.FetchRecord(&hash)
	require.NoError(t, err)
	require.Equal(t, records[5].Header, record.Header)

	// Overwriting a record updates it in place.
	records[5].Status = StatusCheckpointBanned
	require.NoError(t, store.PutRecords(records[5]))
	record, err = store.FetchRecord(&hash)
	require.NoError(t, err)
	require.Equal(t, StatusCheckpointBanned, record.Status)

	fetched, err = store.FetchRecords()
	require.NoError(t, err)
	require.Len(t, fetched, len(records))

	unknown := chainhash.Hash{0x01}
	_, err = store.FetchRecord(&unknown)
	require.ErrorIs(t, err, ErrHashNotFound)
}

// TestStoreCheckpoint checks that the checkpoint is written, replaced and
// deleted together with record batches.
func TestStoreCheckpoint(t *testing.T) {
	t.Parallel()

	db, store := createTestStore(t)

	_, err := store.FetchCheckpoint()
	require.ErrorIs(t, err, ErrNoCheckpoint)

	records := createTestRecords(3)
	cp := &chainsync.Checkpoint{
		Height:     2,
		Hash:       records[1].Hash(),
		ParentHash: records[0].Hash(),
		FilterHash: chainhash.Hash{0x09},
	}

	err = store.WriteBatch(&Batch{
		Records:    records,
		Checkpoint: cp,
	})
	require.NoError(t, err)

	stored, err := store.FetchCheckpoint()
	require.NoError(t, err)
	require.Equal(t, cp, stored)

	// Re-opening the store keeps the data.
	store, err = New(db)
	require.NoError(t, err)
	stored, err = store.FetchCheckpoint()
	require.NoError(t, err)
	require.Equal(t, cp, stored)

	err = store.WriteBatch(&Batch{DeleteCheckpoint: true})
	require.NoError(t, err)

	_, err = store.FetchCheckpoint()
	require.ErrorIs(t, err, ErrNoCheckpoint)

	fetched, err := store.FetchRecords()
	require.NoError(t, err)
	require.Len(t, fetched, 3)
}

// TestDecodeRecordShort checks that truncated records are rejected.
func TestDecodeRecordShort(t *testing.T) {
	t.Parallel()

	_, err := decodeRecord(make([]byte, recordFixedSize-1))
	require.ErrorIs(t, err, ErrInvalidRecord)
}
