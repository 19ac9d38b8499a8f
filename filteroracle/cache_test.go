package filteroracle

import (
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// TestKeyedMutex checks that a key is held by one caller at a time and that
// released keys are removed.
func TestKeyedMutex(t *testing.T) {
	t.Parallel()

	var (
		km      = newKeyedMutex()
		key     = cacheKey{hash: chainhash.Hash{1}, fType: regular}
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			km.lock(key)
			counter++
			km.unlock(key)
		}()
	}
	wg.Wait()

	require.Equal(t, 50, counter)
	require.Empty(t, km.mutexes)

	require.Panics(t, func() {
		km.unlock(key)
	})
}

// TestCacheableFilterSize checks that the cache accounts for the encoded
// filter and its header.
func TestCacheableFilterSize(t *testing.T) {
	t.Parallel()

	var key [gcs.KeySize]byte
	filter, err := gcs.BuildGCSFilter(
		builder.DefaultP, builder.DefaultM, key,
		[][]byte{scriptA, scriptB},
	)
	require.NoError(t, err)

	raw, err := filter.NBytes()
	require.NoError(t, err)

	size, err := (&cacheableFilter{filter: filter}).Size()
	require.NoError(t, err)
	require.EqualValues(t, len(raw)+chainhash.HashSize, size)

	size, err = (&cacheableFilter{}).Size()
	require.NoError(t, err)
	require.EqualValues(t, chainhash.HashSize, size)
}
