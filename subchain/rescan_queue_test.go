package subchain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func drain(r *rescanner, ceiling uint32) []uint32 {
	var heights []uint32
	for {
		height, ok := r.next(ceiling)
		if !ok {
			return heights
		}

		heights = append(heights, height)
		r.advance()
	}
}

func heightRange(from, to uint32) []uint32 {
	var heights []uint32
	for h := from; h <= to; h++ {
		heights = append(heights, h)
	}

	return heights
}

// TestRescanner checks that queued ranges are scanned in height order,
// merged when they overlap and bounded by the ceiling.
func TestRescanner(t *testing.T) {
	t.Parallel()

	var r rescanner
	require.False(t, r.pending())

	r.enqueue(5, 10)
	r.enqueue(3, 4)
	r.enqueue(8, 20)
	r.enqueue(9, 2)
	require.True(t, r.pending())

	require.Equal(t, heightRange(3, 15), drain(&r, 15))
	require.False(t, r.pending())

	// Ranges starting at genesis start at height 1.
	r.enqueue(0, openEnded)
	require.Equal(t, heightRange(1, 4), drain(&r, 4))

	// A range added behind a running rescan is picked up after it.
	r.enqueue(10, openEnded)
	height, ok := r.next(12)
	require.True(t, ok)
	require.EqualValues(t, 10, height)
	r.advance()

	r.enqueue(2, 3)
	require.Equal(t, append(heightRange(11, 12), 2, 3), drain(&r, 12))
}

// TestRescannerRewind checks that a reorg moves a running rescan back to the
// block after the ancestor.
func TestRescannerRewind(t *testing.T) {
	t.Parallel()

	var r rescanner
	r.enqueue(1, openEnded)
	for i := 0; i < 8; i++ {
		_, ok := r.next(20)
		require.True(t, ok)
		r.advance()
	}

	r.rewind(4)
	height, ok := r.next(6)
	require.True(t, ok)
	require.EqualValues(t, 5, height)

	// Rewinding above the cursor does nothing.
	r.rewind(10)
	height, ok = r.next(6)
	require.True(t, ok)
	require.EqualValues(t, 5, height)
}
