package headeroracle

import (
	"sync"

	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightningnetwork/lnd/queue"
)

// EventType describes the type of a ChainEvent.
type EventType uint8

const (
	// BlockConnected is sent when the best chain was extended. The
	// previous tip is an ancestor of the new tip.
	BlockConnected EventType = iota

	// ChainReorg is sent when blocks of the best chain were replaced or
	// removed. Everything above Ancestor was disconnected.
	ChainReorg
)

// String returns a human readable version of the event type.
func (e EventType) String() string {
	switch e {
	case BlockConnected:
		return "block_connected"
	case ChainReorg:
		return "chain_reorg"
	default:
		return "unknown"
	}
}

// ChainEvent notifies subscribers of a change of the best chain.
type ChainEvent struct {
	// Type is the type of the event.
	Type EventType

	// Tip is the new tip of the best chain.
	Tip chainsync.Position

	// Ancestor is the last block the old and new best chains share.
	Ancestor chainsync.Position
}

// Subscription delivers chain events to a single client. Events are queued
// without bound, so a slow client never blocks header processing.
type Subscription struct {
	// Events is the channel chain events are delivered on.
	Events <-chan ChainEvent

	id     uint64
	queue  *queue.ConcurrentQueue
	events chan ChainEvent

	cancel sync.Once
	quit   chan struct{}
	o      *Oracle
}

// Cancel ends the subscription. No events are delivered afterwards.
func (s *Subscription) Cancel() {
	s.cancel.Do(func() {
		s.o.subMtx.Lock()
		delete(s.o.subscribers, s.id)
		s.o.subMtx.Unlock()

		close(s.quit)
		s.queue.Stop()
	})
}

// Subscribe registers a new client for chain events.
func (o *Oracle) Subscribe() (*Subscription, error) {
	select {
	case <-o.quit:
		return nil, ErrOracleShuttingDown
	default:
	}

	events := make(chan ChainEvent)
	sub := &Subscription{
		Events: events,
		queue:  queue.NewConcurrentQueue(20),
		events: events,
		quit:   make(chan struct{}),
		o:      o,
	}
	sub.queue.Start()

	o.subMtx.Lock()
	sub.id = o.nextSubID
	o.nextSubID++
	o.subscribers[sub.id] = sub
	o.subMtx.Unlock()

	o.wg.Add(1)
	go o.subscriptionHandler(sub)

	return sub, nil
}

// subscriptionHandler forwards queued events to the client. It must be run
// as a goroutine.
func (o *Oracle) subscriptionHandler(sub *Subscription) {
	defer o.wg.Done()
	defer sub.Cancel()

	for {
		select {
		case item, ok := <-sub.queue.ChanOut():
			if !ok {
				return
			}

			select {
			case sub.events <- item.(ChainEvent):
			case <-sub.quit:
				return
			case <-o.quit:
				return
			}

		case <-sub.quit:
			return

		case <-o.quit:
			return
		}
	}
}

// notify queues the event for every subscriber.
func (o *Oracle) notify(event ChainEvent) {
	o.subMtx.Lock()
	defer o.subMtx.Unlock()

	for _, sub := range o.subscribers {
		select {
		case sub.queue.ChanIn() <- event:
		case <-sub.quit:
		case <-o.quit:
		}
	}
}
