package filteroracle

import (
	"context"
	"fmt"
	"time"

	"github.com/lightninglabs/walletsync/blockoracle"
)

// indexer builds missing filters from downloaded blocks, one job at a time.
// It must be run as a goroutine.
func (o *Oracle) indexer(ctx context.Context) {
	defer o.wg.Done()

	for {
		idle := true
		for _, fType := range filterTypes {
			job, ok := o.GetFilterJob(fType)
			if !ok {
				continue
			}
			idle = false

			err := o.runFilterJob(ctx, job)
			if err == nil {
				continue
			}

			log.Warnf("Filter job %v-%v failed: %v", job.Start,
				job.Stop, err)

			select {
			case <-time.After(o.cfg.RetryInterval):
			case <-o.quit:
				return
			}
		}

		if !idle {
			continue
		}

		select {
		case <-o.wake:
		case <-o.quit:
			return
		}
	}
}

// runFilterJob downloads the blocks of a job and builds their filters in
// order. It returns once the filters are persisted.
func (o *Oracle) runFilterJob(ctx context.Context, job Job) error {
	log.Debugf("Building %v filters for blocks %v to %v", job.Type,
		job.Start, job.Stop)

	futures := make([]*blockoracle.Future, 0, job.Len())
	for _, pos := range job.Blocks {
		futures = append(futures, o.cfg.Blocks.Fetch(ctx, pos.Hash))
	}

	for i, f := range futures {
		block, err := f.Wait(ctx)
		if err != nil {
			return fmt.Errorf("unable to fetch block %v: %w",
				job.Blocks[i], err)
		}

		// The chain may have moved while blocks were downloaded.
		if !o.cfg.Chain.IsInBestChain(job.Blocks[i]) {
			break
		}

		if err := o.ProcessBlock(ctx, job.Type, block); err != nil {
			return err
		}
	}

	if err := o.writer.Flush(); err != nil {
		return err
	}

	// Filters that already existed don't pass through the writer, so the
	// tips are advanced over them here.
	return o.advanceTips(job.Type)
}
