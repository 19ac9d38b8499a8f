package chanutils

import (
	"errors"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

// ErrBatchWriterStopped is returned when a flush is requested from a stopped
// BatchWriter.
var ErrBatchWriterStopped = errors.New("batch writer stopped")

// BatchWriterConfig holds the configuration options for BatchWriter.
type BatchWriterConfig[T any] struct {
	// QueueBufferSize sets the buffer size of the output channel of the
	// concurrent queue used by the BatchWriter.
	QueueBufferSize int

	// MaxBatch is the maximum number of items to be persisted in one go.
	MaxBatch int

	// DBWritesTickerDuration is the time after receiving an item that the
	// writer will wait for more items before writing the current batch.
	DBWritesTickerDuration time.Duration

	// PutItems will be used by the BatchWriter to persist items in
	// batches. If it fails, the batch is kept and retried on the next
	// write.
	PutItems func(...T) error
}

// request is either an item to write or a flush marker. Flushes travel
// through the same queue as items so they cover every item added before.
type request[T any] struct {
	item  T
	flush chan error
}

// BatchWriter collects items and persists them in batches, either once
// MaxBatch items are pending or once no new item arrived for
// DBWritesTickerDuration.
type BatchWriter[T any] struct {
	started sync.Once
	stopped sync.Once

	cfg *BatchWriterConfig[T]

	queue *fn.ConcurrentQueue[request[T]]

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBatchWriter constructs a new BatchWriter using the given
// BatchWriterConfig.
func NewBatchWriter[T any](cfg *BatchWriterConfig[T]) *BatchWriter[T] {
	return &BatchWriter[T]{
		cfg:   cfg,
		queue: fn.NewConcurrentQueue[request[T]](cfg.QueueBufferSize),
		quit:  make(chan struct{}),
	}
}

// Start starts the BatchWriter.
func (b *BatchWriter[T]) Start() {
	b.started.Do(func() {
		b.queue.Start()

		b.wg.Add(1)
		go b.manageNewItems()
	})
}

// Stop stops the BatchWriter. Pending items are written before it returns.
func (b *BatchWriter[T]) Stop() {
	b.stopped.Do(func() {
		close(b.quit)
		b.wg.Wait()

		b.queue.Stop()
	})
}

// AddItem adds a given item to the BatchWriter queue.
func (b *BatchWriter[T]) AddItem(item T) {
	select {
	case b.queue.ChanIn() <- request[T]{item: item}:
	case <-b.quit:
	}
}

// Flush writes every item added so far and returns the result of the write.
func (b *BatchWriter[T]) Flush() error {
	resp := make(chan error, 1)

	select {
	case b.queue.ChanIn() <- request[T]{flush: resp}:
	case <-b.quit:
		return ErrBatchWriterStopped
	}

	select {
	case err := <-resp:
		return err
	case <-b.quit:
		return ErrBatchWriterStopped
	}
}

// manageNewItems manages collecting items and persisting them. There are two
// conditions for writing a batch: the first is if a certain threshold
// (MaxBatch) of items has been collected and the other is if at least one
// item has been collected and a timeout has been reached.
//
// NOTE: this must be run in a goroutine.
func (b *BatchWriter[T]) manageNewItems() {
	defer b.wg.Done()

	batch := make([]T, 0, b.cfg.MaxBatch)

	// writeBatch writes the current contents of the batch slice. On
	// failure the items stay in the batch.
	writeBatch := func() error {
		if len(batch) == 0 {
			return nil
		}

		err := b.cfg.PutItems(batch...)
		if err != nil {
			log.Errorf("Could not write batch of %d items: %v",
				len(batch), err)

			return err
		}

		// Empty the batch slice.
		batch = make([]T, 0, b.cfg.MaxBatch)

		return nil
	}

	// The ticker only runs while there is at least one pending item.
	writeTicker := ticker.New(b.cfg.DBWritesTickerDuration)
	defer writeTicker.Stop()

	for {
		select {
		case req, ok := <-b.queue.ChanOut():
			if !ok {
				return
			}

			if req.flush != nil {
				err := writeBatch()
				if err == nil {
					writeTicker.Pause()
				}
				req.flush <- err

				continue
			}

			batch = append(batch, req.item)

			// If the batch slice is full, we pause the ticker and
			// write the batch contents. Otherwise the ticker is
			// restarted so items are still persisted in a timely
			// manner.
			if len(batch) >= b.cfg.MaxBatch {
				writeTicker.Pause()
				if writeBatch() != nil {
					writeTicker.Resume()
				}

				continue
			}

			writeTicker.Pause()
			writeTicker.Resume()

		case <-writeTicker.Ticks():
			if writeBatch() == nil {
				writeTicker.Pause()
			}

		case <-b.quit:
			_ = writeBatch()

			return
		}
	}
}
