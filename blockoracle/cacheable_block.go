package blockoracle

import "github.com/btcsuite/btcd/btcutil"

// cacheableBlock is a wrapper around the btcutil.Block type which provides a
// Size method used by the cache to target certain memory usage.
type cacheableBlock struct {
	*btcutil.Block
}

// Size returns size of this block in bytes.
func (c *cacheableBlock) Size() (uint64, error) {
	return uint64(c.Block.MsgBlock().SerializeSize()), nil
}
