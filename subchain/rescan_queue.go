package subchain

import (
	"container/heap"
	"math"
)

// openEnded is the stop height of ranges that end at the scan frontier.
const openEnded = math.MaxUint32

// rescanRange is a range of heights to scan again, both ends inclusive.
type rescanRange struct {
	start uint32
	stop  uint32
}

// rescanQueue implements heap.Interface and holds rescan ranges. Pop always
// returns the range with the lowest start height.
type rescanQueue []*rescanRange

func (q rescanQueue) Len() int { return len(q) }

func (q rescanQueue) Less(i, j int) bool {
	return q[i].start < q[j].start
}

func (q rescanQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

// Push is called by the heap.Interface implementation to add an element to
// the end of the backing store.
func (q *rescanQueue) Push(x interface{}) {
	*q = append(*q, x.(*rescanRange))
}

// Pop is called by the heap.Interface implementation to remove an element
// from the end of the backing store.
func (q *rescanQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]

	return item
}

// Peek returns the range with the lowest start without removing it.
func (q rescanQueue) Peek() *rescanRange {
	return q[0]
}

// IsEmpty returns true if no range is queued.
func (q rescanQueue) IsEmpty() bool {
	return q.Len() == 0
}

// rescanner tracks the range a rescan is working through and the ranges
// waiting for it.
type rescanner struct {
	queue  rescanQueue
	active *rescanRange
	cursor uint32
}

// enqueue queues a range. Heights below 1 are raised to 1, the genesis block
// never pays to a wallet.
func (r *rescanner) enqueue(start, stop uint32) {
	if start == 0 {
		start = 1
	}
	if stop < start {
		return
	}

	heap.Push(&r.queue, &rescanRange{start: start, stop: stop})
}

// next returns the next height to rescan, given the scan frontier as the
// ceiling. It returns false if nothing is left below the ceiling.
func (r *rescanner) next(ceiling uint32) (uint32, bool) {
	for {
		if r.active == nil {
			if r.queue.IsEmpty() {
				return 0, false
			}

			r.active = heap.Pop(&r.queue).(*rescanRange)
			r.cursor = r.active.start
		}

		// Merge ranges starting where the rescan is. Ranges starting
		// below it wait for their own turn.
		for !r.queue.IsEmpty() && r.queue.Peek().start == r.cursor {
			queued := heap.Pop(&r.queue).(*rescanRange)
			r.active.stop = max(r.active.stop, queued.stop)
		}

		if r.cursor <= min(r.active.stop, ceiling) {
			return r.cursor, true
		}

		r.active = nil
	}
}

// advance marks the height returned by next as handed to the pipeline.
func (r *rescanner) advance() {
	r.cursor++
}

// rewind moves the rescan back to the block after the ancestor, if it went
// beyond it.
func (r *rescanner) rewind(ancestor uint32) {
	if r.active != nil && r.cursor > ancestor+1 {
		r.cursor = ancestor + 1
	}
}

// pending returns true if ranges are waiting or active.
func (r *rescanner) pending() bool {
	return r.active != nil || !r.queue.IsEmpty()
}
