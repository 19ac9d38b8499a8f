package chainsync

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestControlCFHeader checks the compiled in filter header checkpoints.
func TestControlCFHeader(t *testing.T) {
	// We'll modify our backing list of checkpoints for this test.
	height := uint32(999)
	header := hashFromStr(
		"4a242283a406a7c089f671bb8df7671e5d5e9ba577cea1047d30a7f4919df193",
	)
	filterHeaderCheckpoints = map[wire.BitcoinNet]map[uint32]*chainhash.Hash{
		chaincfg.MainNetParams.Net: {
			height: header,
		},
	}

	// Expect the control at height to succeed.
	err := ControlCFHeader(
		&chaincfg.MainNetParams, nil, wire.GCSFilterRegular, height,
		header,
	)
	require.NoError(t, err)

	// Pass an invalid header, this should return an error.
	badHeader := hashFromStr(
		"000000000006a7c089f671bb8df7671e5d5e9ba577cea1047d30a7f4919df193",
	)
	err = ControlCFHeader(
		&chaincfg.MainNetParams, nil, wire.GCSFilterRegular, height,
		badHeader,
	)
	require.ErrorIs(t, err, ErrCheckpointMismatch)

	// Finally, control an unknown height. This should also pass since we
	// don't have the checkpoint stored.
	err = ControlCFHeader(
		&chaincfg.MainNetParams, nil, wire.GCSFilterRegular, 99,
		badHeader,
	)
	require.NoError(t, err)

	// Extended filters aren't supported at all.
	err = ControlCFHeader(
		&chaincfg.MainNetParams, nil, wire.FilterType(1), height,
		header,
	)
	require.Error(t, err)
}

// TestControlCFHeaderActiveCheckpoint checks filter headers against the
// operator supplied checkpoint.
func TestControlCFHeaderActiveCheckpoint(t *testing.T) {
	t.Parallel()

	cp := &Checkpoint{
		Height:     10,
		Hash:       chainhash.Hash{0x01},
		ParentHash: chainhash.Hash{0x02},
		FilterHash: chainhash.Hash{0x03},
	}

	good := chainhash.Hash{0x03}
	bad := chainhash.Hash{0x04}

	err := ControlCFHeader(
		&chaincfg.RegressionNetParams, cp, wire.GCSFilterRegular, 10,
		&good,
	)
	require.NoError(t, err)

	err = ControlCFHeader(
		&chaincfg.RegressionNetParams, cp, wire.GCSFilterRegular, 10,
		&bad,
	)
	require.ErrorIs(t, err, ErrCheckpointMismatch)

	// Other heights aren't covered by the checkpoint.
	err = ControlCFHeader(
		&chaincfg.RegressionNetParams, cp, wire.GCSFilterRegular, 11,
		&bad,
	)
	require.NoError(t, err)

	// A checkpoint without a filter hash doesn't constrain filters.
	cp.FilterHash = chainhash.Hash{}
	err = ControlCFHeader(
		&chaincfg.RegressionNetParams, cp, wire.GCSFilterRegular, 10,
		&bad,
	)
	require.NoError(t, err)
}

// TestPositionOrdering checks the ordering and equality of positions.
func TestPositionOrdering(t *testing.T) {
	t.Parallel()

	a := NewPosition(5, chainhash.Hash{0x01})
	b := NewPosition(5, chainhash.Hash{0x02})
	c := NewPosition(6, chainhash.Hash{0x01})

	require.True(t, a.Less(c))
	require.False(t, c.Less(a))
	require.False(t, a.Less(b))
	require.False(t, a.Equal(b))
	require.True(t, a.Equal(NewPosition(5, chainhash.Hash{0x01})))
	require.True(t, Position{}.IsZero())
	require.False(t, a.IsZero())
}
