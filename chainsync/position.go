package chainsync

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Position identifies a block within a chain by its height and hash.
// Positions are totally ordered by height. Two positions at the same height
// only refer to the same block if their hashes match as well.
type Position struct {
	// Height is the height of the block.
	Height uint32

	// Hash is the hash of the block.
	Hash chainhash.Hash
}

// NewPosition returns the position for the block with the given height and
// hash.
func NewPosition(height uint32, hash chainhash.Hash) Position {
	return Position{
		Height: height,
		Hash:   hash,
	}
}

// Less reports whether p sorts before o.
func (p Position) Less(o Position) bool {
	return p.Height < o.Height
}

// Equal reports whether p and o refer to the same block.
func (p Position) Equal(o Position) bool {
	return p.Height == o.Height && p.Hash == o.Hash
}

// IsZero returns true if the position has not been set.
func (p Position) IsZero() bool {
	return p.Height == 0 && p.Hash == (chainhash.Hash{})
}

// String returns a human readable representation of the position.
func (p Position) String() string {
	return fmt.Sprintf("%d:%v", p.Height, p.Hash)
}

// Checkpoint is an operator-trusted block below which no chain
// reorganization is honored. Besides the block itself it commits to the
// block's parent and to the filter header of the block, which lets both the
// header chain and the filter header chain be checked against it.
type Checkpoint struct {
	// Height is the height of the checkpointed block.
	Height uint32

	// Hash is the hash of the checkpointed block.
	Hash chainhash.Hash

	// ParentHash is the hash of the checkpointed block's parent.
	ParentHash chainhash.Hash

	// FilterHash is the regular filter header of the checkpointed block.
	FilterHash chainhash.Hash
}

// Position returns the position of the checkpointed block.
func (c *Checkpoint) Position() Position {
	return NewPosition(c.Height, c.Hash)
}

// String returns a human readable representation of the checkpoint.
func (c *Checkpoint) String() string {
	return fmt.Sprintf("checkpoint(height=%d, hash=%v, parent=%v)",
		c.Height, c.Hash, c.ParentHash)
}
