package filteroracle

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/walletsync/filterdb"
)

// cacheKey identifies a filter in the cache.
type cacheKey struct {
	hash  chainhash.Hash
	fType filterdb.FilterType
}

// cacheableFilter is a filter together with its filter header. It provides
// the Size method the cache uses to target a memory budget.
type cacheableFilter struct {
	filter *gcs.Filter
	header chainhash.Hash
}

// Size returns the size of the filter and its header in bytes.
func (c *cacheableFilter) Size() (uint64, error) {
	if c.filter == nil {
		return chainhash.HashSize, nil
	}

	f, err := c.filter.NBytes()
	if err != nil {
		return 0, err
	}

	return uint64(len(f)) + chainhash.HashSize, nil
}

// cntMutex is a mutex along with the number of callers holding or waiting
// for it.
type cntMutex struct {
	cnt int
	sync.Mutex
}

// keyedMutex hands out one mutex per cache key, so loads of the same filter
// are serialized while loads of different filters run in parallel.
type keyedMutex struct {
	mutexes map[cacheKey]*cntMutex
	mapMtx  sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		mutexes: make(map[cacheKey]*cntMutex),
	}
}

// lock locks the mutex of the key, blocking until it's available.
func (k *keyedMutex) lock(key cacheKey) {
	k.mapMtx.Lock()
	mtx, ok := k.mutexes[key]
	if ok {
		mtx.cnt++
	} else {
		mtx = &cntMutex{cnt: 1}
		k.mutexes[key] = mtx
	}
	k.mapMtx.Unlock()

	mtx.Lock()
}

// unlock unlocks the mutex of the key. The mutex is released from the map
// once no caller waits for it anymore.
func (k *keyedMutex) unlock(key cacheKey) {
	k.mapMtx.Lock()
	mtx, ok := k.mutexes[key]
	if !ok {
		panic(fmt.Sprintf("double unlock for filter %v/%v", key.hash,
			key.fType))
	}

	mtx.cnt--
	if mtx.cnt == 0 {
		delete(k.mutexes, key)
	}
	k.mapMtx.Unlock()

	mtx.Unlock()
}
