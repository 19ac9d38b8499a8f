package chainsync

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrCheckpointMismatch is returned if given filter headers don't pass our
// control check.
var ErrCheckpointMismatch = errors.New("checkpoint doesn't match")

// filterHeaderCheckpoints holds a mapping from heights to filter headers for
// various heights. We use them to check whether a sync source is serving us
// the expected filter headers.
var filterHeaderCheckpoints = map[wire.BitcoinNet]map[uint32]*chainhash.Hash{
	// Mainnet filter header checkpoints.
	chaincfg.MainNetParams.Net: {},

	// Testnet filter header checkpoints.
	chaincfg.TestNet3Params.Net: {},
}

// ControlCFHeader controls the given filter header against the compiled in
// checkpoints of the network and against the active checkpoint, if any. It
// returns ErrCheckpointMismatch if a checkpoint exists at the given height and
// the filter header doesn't match it.
func ControlCFHeader(params *chaincfg.Params, active *Checkpoint,
	fType wire.FilterType, height uint32,
	filterHeader *chainhash.Hash) error {

	if fType != wire.GCSFilterRegular {
		return fmt.Errorf("unsupported filter type %v", fType)
	}

	if active != nil && active.Height == height &&
		active.FilterHash != (chainhash.Hash{}) &&
		active.FilterHash != *filterHeader {

		log.Warnf("Filter header %v at height %d conflicts with %v",
			filterHeader, height, active)

		return ErrCheckpointMismatch
	}

	control, ok := filterHeaderCheckpoints[params.Net]
	if !ok {
		return nil
	}

	hash, ok := control[height]
	if !ok {
		return nil
	}

	if *filterHeader != *hash {
		return ErrCheckpointMismatch
	}

	return nil
}

func hashFromStr(hexStr string) *chainhash.Hash {
	hash, _ := chainhash.NewHashFromStr(hexStr)
	return hash
}
