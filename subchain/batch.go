package subchain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/lightninglabs/walletsync/blockoracle"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/filteroracle"
	"github.com/lightninglabs/walletsync/scandb"
)

// MaxBatchSize is the maximum number of work items of a batch. It bounds
// the blocks a subchain downloads at once.
const MaxBatchSize = 25

var (
	// ErrBatchFull is returned when a job is added to a full batch.
	ErrBatchFull = errors.New("batch is full")

	// ErrNotDownloaded is returned when work is done before its block was
	// requested.
	ErrNotDownloaded = errors.New("block not requested")
)

// Batch is a bounded set of work items of one subchain.
type Batch struct {
	id   uint64
	size int
	work []*Work
}

// NewBatch returns an empty batch holding up to size work items. Sizes
// outside (0, MaxBatchSize] are capped to MaxBatchSize.
func NewBatch(id uint64, size int) *Batch {
	if size <= 0 || size > MaxBatchSize {
		size = MaxBatchSize
	}

	return &Batch{
		id:   id,
		size: size,
	}
}

// ID returns the id of the batch.
func (b *Batch) ID() uint64 {
	return b.id
}

// AddJob adds work for the block at the given position. ErrBatchFull is
// returned if the batch is at capacity, the caller needs a new batch then.
func (b *Batch) AddJob(pos chainsync.Position) (*Work, error) {
	if b.IsFull() {
		return nil, ErrBatchFull
	}

	w := &Work{
		pos:   pos,
		batch: b.id,
	}
	b.work = append(b.work, w)

	return w, nil
}

// Len returns the number of work items in the batch.
func (b *Batch) Len() int {
	return len(b.work)
}

// IsFull returns true if the batch is at capacity.
func (b *Batch) IsFull() bool {
	return len(b.work) >= b.size
}

// IsFinished returns true if every work item of the batch was processed.
func (b *Batch) IsFinished() bool {
	for _, w := range b.work {
		if !w.processed {
			return false
		}
	}

	return true
}

// truncate removes all work above the ancestor and returns the number of
// removed items.
func (b *Batch) truncate(ancestor chainsync.Position) int {
	kept := b.work[:0]
	for _, w := range b.work {
		if ancestor.Less(w.pos) {
			continue
		}
		kept = append(kept, w)
	}

	removed := len(b.work) - len(kept)
	b.work = kept

	return removed
}

// Work is the download and evaluation of a single block whose filter
// matched the patterns of a subchain.
type Work struct {
	pos    chainsync.Position
	batch  uint64
	future *blockoracle.Future

	// filter is the filter that matched, used to verify the block.
	filter *gcs.Filter

	processed  bool
	retry      bool
	matches    []uint32
	matchCount int

	created []*scandb.Output
	spent   []*scandb.Spend
	txs     []*scandb.TxMatch
}

// Position returns the position of the block of the work.
func (w *Work) Position() chainsync.Position {
	return w.pos
}

// DownloadBlock requests the block from the block oracle. Calling it again
// replaces a failed request.
func (w *Work) DownloadBlock(ctx context.Context,
	blocks blockoracle.Fetcher) *blockoracle.Future {

	w.future = blocks.Fetch(ctx, w.pos.Hash)

	return w.future
}

// Downloaded returns true once the block request resolved, successfully or
// not.
func (w *Work) Downloaded() bool {
	if w.future == nil {
		return false
	}

	select {
	case <-w.future.Done():
		return true
	default:
		return false
	}
}

// Do matches the transactions of the downloaded block against the patterns
// and outpoints of the matcher. Outputs created by the block are added to
// the matcher, so later blocks see them. Do may be called again, it
// replaces the previous results.
func (w *Work) Do(m *matcher) error {
	if w.future == nil {
		return ErrNotDownloaded
	}

	block, err := w.future.Result()
	if err != nil {
		return err
	}

	if w.filter != nil {
		_, err := filteroracle.VerifyBlockFilter(w.filter, block)
		if err != nil {
			log.Warnf("Block %v doesn't match its filter: %v", w.pos,
				err)
		}
	}

	w.matches, w.created, w.spent, w.txs = nil, nil, nil, nil
	for _, tx := range block.MsgBlock().Transactions {
		res, err := m.matchTx(tx, w.pos)
		if err != nil {
			return err
		}
		if res == nil {
			continue
		}

		w.created = append(w.created, res.created...)
		w.spent = append(w.spent, res.spent...)
		w.txs = append(w.txs, res.tx)
		w.matches = append(w.matches, res.indices...)
	}

	w.matchCount = len(w.created) + len(w.spent)
	w.processed = true

	return nil
}

// MatchCount returns the number of outputs created or spent by the block.
func (w *Work) MatchCount() int {
	return w.matchCount
}

// GetResults adds the outputs, spends and transactions found by Do to the
// update and returns the matched derivation indices.
func (w *Work) GetResults(u *scandb.Update) []uint32 {
	u.Created = append(u.Created, w.created...)
	u.Spent = append(u.Spent, w.spent...)
	u.Transactions = append(u.Transactions, w.txs...)

	return w.matches
}

// GetProgress returns the position the subchain reaches once the work is
// committed.
func (w *Work) GetProgress() chainsync.Position {
	return w.pos
}
