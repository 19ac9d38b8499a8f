package filteroracle

import (
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/filterdb"
)

// Job describes a contiguous range of best chain blocks that need filters
// or filter headers.
type Job struct {
	// Type is the filter type.
	Type filterdb.FilterType

	// Start is the first block of the job.
	Start chainsync.Position

	// Stop is the last block of the job.
	Stop chainsync.Position

	// Blocks lists every block of the job in ascending order.
	Blocks []chainsync.Position
}

// Len returns the number of blocks in the job.
func (j *Job) Len() int {
	return len(j.Blocks)
}

// GetFilterJob returns the next blocks above the filter tip. False is
// returned if filters exist up to the best chain tip.
func (o *Oracle) GetFilterJob(fType filterdb.FilterType) (Job, bool) {
	return o.nextJob(fType, o.Tip(fType))
}

// GetHeaderJob returns the next blocks above the filter header tip. False is
// returned if filter headers exist up to the best chain tip.
func (o *Oracle) GetHeaderJob(fType filterdb.FilterType) (Job, bool) {
	return o.nextJob(fType, o.HeaderTip(fType))
}

func (o *Oracle) nextJob(fType filterdb.FilterType,
	tip chainsync.Position) (Job, bool) {

	if _, err := ParamsFor(fType); err != nil {
		return Job{}, false
	}

	best := o.cfg.Chain.BestChain()
	if !tip.Less(best) {
		return Job{}, false
	}

	start := tip.Height + 1
	stop := tip.Height + o.cfg.MaxJobSize
	if stop > best.Height {
		stop = best.Height
	}

	blocks := o.cfg.Chain.BestChainRange(start, stop)
	if len(blocks) == 0 {
		return Job{}, false
	}

	return Job{
		Type:   fType,
		Start:  blocks[0],
		Stop:   blocks[len(blocks)-1],
		Blocks: blocks,
	}, true
}
