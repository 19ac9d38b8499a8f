package headeroracle

import (
	"errors"
	"fmt"

	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/headerfs"
)

// ErrReorgMismatch is returned when a reorg is applied to a chain it wasn't
// calculated for.
var ErrReorgMismatch = errors.New("reorg doesn't apply to chain")

// Reorg describes how to move from one chain to another.
type Reorg struct {
	// Ancestor is the last block both chains share.
	Ancestor chainsync.Position

	// Disconnect lists the blocks to remove, starting at the old tip.
	Disconnect []chainsync.Position

	// Connect lists the blocks to add, starting right above the
	// ancestor.
	Connect []chainsync.Position
}

// Invert returns the reorg that undoes r.
func (r *Reorg) Invert() *Reorg {
	inv := &Reorg{
		Ancestor:   r.Ancestor,
		Disconnect: make([]chainsync.Position, 0, len(r.Connect)),
		Connect:    make([]chainsync.Position, 0, len(r.Disconnect)),
	}

	for i := len(r.Connect) - 1; i >= 0; i-- {
		inv.Disconnect = append(inv.Disconnect, r.Connect[i])
	}
	for i := len(r.Disconnect) - 1; i >= 0; i-- {
		inv.Connect = append(inv.Connect, r.Disconnect[i])
	}

	return inv
}

// Apply returns the chain that results from applying the reorg to the given
// chain, which is indexed by height. The input isn't modified.
func (r *Reorg) Apply(chain []chainsync.Position) ([]chainsync.Position,
	error) {

	ancestor := int(r.Ancestor.Height)
	if ancestor >= len(chain) || !chain[ancestor].Equal(r.Ancestor) {
		return nil, fmt.Errorf("%w: ancestor %v not in chain",
			ErrReorgMismatch, r.Ancestor)
	}

	if len(chain)-1 != ancestor+len(r.Disconnect) {
		return nil, fmt.Errorf("%w: chain height %d, expected %d",
			ErrReorgMismatch, len(chain)-1,
			ancestor+len(r.Disconnect))
	}

	for i, pos := range r.Disconnect {
		if !chain[len(chain)-1-i].Equal(pos) {
			return nil, fmt.Errorf("%w: %v not at tip",
				ErrReorgMismatch, pos)
		}
	}

	result := make([]chainsync.Position, 0, ancestor+1+len(r.Connect))
	result = append(result, chain[:ancestor+1]...)
	result = append(result, r.Connect...)

	return result, nil
}

// CalculateReorg returns the reorg that moves the best chain to the given
// tip. ErrNoCommonAncestor is returned if the chains don't meet within the
// configured lookback.
func (o *Oracle) CalculateReorg(tip chainsync.Position) (*Reorg, error) {
	o.mtx.RLock()
	defer o.mtx.RUnlock()

	n, ok := o.index[tip.Hash]
	if !ok || !n.status.Connected() {
		return nil, fmt.Errorf("%w: %v", ErrHeaderNotFound, tip)
	}
	if n.status == headerfs.StatusCheckpointBanned {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointConflict, tip)
	}

	var connect []chainsync.Position
	for !o.inBestLocked(n.position()) {
		if uint32(len(connect)) >= o.cfg.MaxReorgDepth {
			return nil, ErrNoCommonAncestor
		}

		connect = append(connect, n.position())
		n = o.index[n.header.PrevBlock]
	}

	ancestor := n.position()
	current := o.tipLocked()
	if current.Height-ancestor.Height > o.cfg.MaxReorgDepth {
		return nil, ErrNoCommonAncestor
	}

	reorg := &Reorg{
		Ancestor: ancestor,
		Connect:  make([]chainsync.Position, 0, len(connect)),
	}
	for i := len(connect) - 1; i >= 0; i-- {
		reorg.Connect = append(reorg.Connect, connect[i])
	}
	for h := current.Height; h > ancestor.Height; h-- {
		reorg.Disconnect = append(
			reorg.Disconnect, chainsync.NewPosition(h, o.best[h]),
		)
	}

	return reorg, nil
}
