package subchain

import (
	"github.com/lightninglabs/walletsync/chainsync"
)

// step is a scanned block waiting to be committed. Blocks whose filter
// didn't match carry no work and only move progress.
type step struct {
	pos  chainsync.Position
	work *Work
}

// pipeline holds the scanned but uncommitted blocks of a scan or rescan in
// position order, together with the batches of their work.
type pipeline struct {
	kind JobKind

	steps   []step
	batches []*Batch

	// frontier is the last position handed to the pipeline.
	frontier chainsync.Position

	batchSize  int
	maxBatches int
	nextID     *uint64
}

func newPipeline(kind JobKind, frontier chainsync.Position, batchSize,
	maxBatches int, nextID *uint64) *pipeline {

	return &pipeline{
		kind:       kind,
		frontier:   frontier,
		batchSize:  batchSize,
		maxBatches: maxBatches,
		nextID:     nextID,
	}
}

// addProgress queues a block that needs no download.
func (p *pipeline) addProgress(pos chainsync.Position) {
	p.steps = append(p.steps, step{pos: pos})
	p.frontier = pos
}

// addWork queues a block that needs to be downloaded. It returns false if
// all batches are full and no new batch may be opened.
func (p *pipeline) addWork(pos chainsync.Position) (*Work, bool) {
	var batch *Batch
	if n := len(p.batches); n > 0 && !p.batches[n-1].IsFull() {
		batch = p.batches[n-1]
	}

	if batch == nil {
		if len(p.batches) >= p.maxBatches {
			return nil, false
		}

		batch = NewBatch(*p.nextID, p.batchSize)
		*p.nextID++
		p.batches = append(p.batches, batch)
	}

	w, err := batch.AddJob(pos)
	if err != nil {
		return nil, false
	}

	p.steps = append(p.steps, step{pos: pos, work: w})
	p.frontier = pos

	return w, true
}

// canAddWork returns true if addWork would succeed.
func (p *pipeline) canAddWork() bool {
	n := len(p.batches)

	return n < p.maxBatches || !p.batches[n-1].IsFull()
}

// work returns all uncommitted work.
func (p *pipeline) work() []*Work {
	var work []*Work
	for _, s := range p.steps {
		if s.work != nil {
			work = append(work, s.work)
		}
	}

	return work
}

// pop removes the first n steps after they were committed and drops the
// batches that have no uncommitted work left. The sizes of the dropped
// batches are returned.
func (p *pipeline) pop(n int) []int {
	p.steps = p.steps[n:]

	pending := make(map[uint64]struct{})
	for _, s := range p.steps {
		if s.work != nil {
			pending[s.work.batch] = struct{}{}
		}
	}

	var (
		sizes []int
		kept  = p.batches[:0]
	)
	for _, b := range p.batches {
		if _, ok := pending[b.id]; ok {
			kept = append(kept, b)
			continue
		}

		sizes = append(sizes, b.Len())
	}
	p.batches = kept

	return sizes
}

// prune removes all steps and work above the ancestor and moves the frontier
// back to it. It returns the number of work items removed.
func (p *pipeline) prune(ancestor chainsync.Position) int {
	kept := p.steps[:0]
	for _, s := range p.steps {
		if ancestor.Less(s.pos) {
			continue
		}
		kept = append(kept, s)
	}
	p.steps = kept

	var (
		removed int
		batches = p.batches[:0]
	)
	for _, b := range p.batches {
		removed += b.truncate(ancestor)
		if b.Len() > 0 {
			batches = append(batches, b)
		}
	}
	p.batches = batches

	if ancestor.Less(p.frontier) {
		p.frontier = ancestor
	}

	return removed
}
