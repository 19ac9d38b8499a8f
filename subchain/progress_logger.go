package subchain

import (
	"sync"
	"time"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightningnetwork/lnd/clock"
)

// progressLogInterval is the minimum time between two progress messages.
const progressLogInterval = time.Second * 10

// blockProgressLogger periodically logs how many blocks a subchain got
// through, so users can follow a long scan.
type blockProgressLogger struct {
	receivedLogBlocks int64
	matchedLogBlocks  int64
	lastBlockLogTime  time.Time

	clock           clock.Clock
	subsystemLogger btclog.Logger
	progressAction  string
	sync.Mutex
}

// newBlockProgressLogger returns a new block progress logger. The progress
// message is templated as follows:
//
//	{progressAction} {numProcessed} {blocks|block} in the last {timePeriod}
//	({numMatched} matched, height {lastBlockHeight})
func newBlockProgressLogger(progressMessage string, logger btclog.Logger,
	clock clock.Clock) *blockProgressLogger {

	return &blockProgressLogger{
		lastBlockLogTime: clock.Now(),
		progressAction:   progressMessage,
		subsystemLogger:  logger,
		clock:            clock,
	}
}

// LogBlocks records num processed blocks up to pos, of which matched needed
// a download. At most one message is logged every progressLogInterval.
func (b *blockProgressLogger) LogBlocks(pos chainsync.Position, num,
	matched int) {

	b.Lock()
	defer b.Unlock()

	b.receivedLogBlocks += int64(num)
	b.matchedLogBlocks += int64(matched)

	now := b.clock.Now()
	duration := now.Sub(b.lastBlockLogTime)
	if duration < progressLogInterval || b.receivedLogBlocks == 0 {
		return
	}

	// Truncate the duration to 10s of milliseconds.
	tDuration := duration.Truncate(10 * time.Millisecond)

	blockStr := "blocks"
	if b.receivedLogBlocks == 1 {
		blockStr = "block"
	}
	b.subsystemLogger.Infof("%s %d %s in the last %s (%d matched, "+
		"height %d)", b.progressAction, b.receivedLogBlocks, blockStr,
		tDuration, b.matchedLogBlocks, pos.Height)

	b.receivedLogBlocks = 0
	b.matchedLogBlocks = 0
	b.lastBlockLogTime = now
}
