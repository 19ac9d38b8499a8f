package headeroracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/headerfs"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultMaxReorgDepth is the default number of blocks CalculateReorg
	// walks back looking for a common ancestor.
	DefaultMaxReorgDepth = 2016
)

var (
	// ErrHeaderNotFound is returned when a header isn't known, or isn't
	// connected to the genesis block.
	ErrHeaderNotFound = errors.New("header not found")

	// ErrHeightNotFound is returned when a height is above the best chain.
	ErrHeightNotFound = errors.New("height not found in best chain")

	// ErrNoCommonAncestor is returned by CalculateReorg when the candidate
	// tip doesn't share an ancestor with the best chain within the
	// lookback window. The caller needs to resync from the checkpoint.
	ErrNoCommonAncestor = errors.New("no common ancestor within lookback")

	// ErrCheckpointConflict is returned for headers that conflict with the
	// active checkpoint.
	ErrCheckpointConflict = errors.New("header conflicts with checkpoint")

	// ErrInvalidCheckpoint is returned when a checkpoint can't be valid
	// for the chain.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")

	// ErrOracleShuttingDown is returned when the oracle is stopping.
	ErrOracleShuttingDown = errors.New("header oracle shutting down")
)

// HeaderStore is the persistence the oracle needs.
type HeaderStore interface {
	// WriteBatch atomically applies a set of record and checkpoint
	// changes.
	WriteBatch(b *headerfs.Batch) error

	// FetchRecords returns all records in the order they were first
	// seen.
	FetchRecords() ([]*headerfs.Record, error)

	// FetchCheckpoint returns the active checkpoint or
	// headerfs.ErrNoCheckpoint.
	FetchCheckpoint() (*chainsync.Checkpoint, error)
}

// Config houses the parameters of the header oracle.
type Config struct {
	// ChainParams are the parameters of the chain being tracked.
	ChainParams *chaincfg.Params

	// Store persists the header graph.
	Store HeaderStore

	// MaxReorgDepth bounds how far CalculateReorg looks for a common
	// ancestor. Zero selects DefaultMaxReorgDepth.
	MaxReorgDepth uint32

	// BehaviorFlags are passed to the header sanity checks.
	BehaviorFlags blockchain.BehaviorFlags

	// TimeSource is used to reject headers too far in the future. If nil,
	// a local median time source is used.
	TimeSource blockchain.MedianTimeSource
}

// AddStatus is the outcome of adding a single header.
type AddStatus uint8

const (
	// Accepted means the header was connected to the header graph.
	Accepted AddStatus = iota

	// Disconnected means the header's parent is unknown and the header is
	// held until it arrives.
	Disconnected

	// Duplicate means the header was already known.
	Duplicate

	// Rejected means the header failed validation. Headers rejected for
	// conflicting with the checkpoint are kept as siblings.
	Rejected
)

// String returns a human readable version of the status.
func (s AddStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Disconnected:
		return "disconnected"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// AddResult is the outcome of adding a header.
type AddResult struct {
	// Hash is the hash of the header.
	Hash chainhash.Hash

	// Status is the outcome.
	Status AddStatus

	// Err is the reason a header was rejected.
	Err error
}

// node is a header within the header graph.
type node struct {
	header wire.BlockHeader
	hash   chainhash.Hash

	// height and work are only meaningful for connected nodes. The work of
	// a disconnected node is its own work.
	height uint32
	work   *big.Int

	status headerfs.Status
	seq    uint64
}

func (n *node) position() chainsync.Position {
	return chainsync.NewPosition(n.height, n.hash)
}

func (n *node) record() *headerfs.Record {
	return &headerfs.Record{
		Header:   n.header,
		Height:   n.height,
		Work:     new(big.Int).Set(n.work),
		Status:   n.status,
		Sequence: n.seq,
	}
}

// Oracle tracks the header graph of a chain and selects the best chain
// among the headers consistent with the active checkpoint.
type Oracle struct {
	stopped sync.Once

	cfg *Config

	// mtx guards the header graph, the best chain and the checkpoint.
	mtx sync.RWMutex

	index map[chainhash.Hash]*node

	// orphans maps a parent hash to the disconnected headers waiting for
	// it.
	orphans map[chainhash.Hash][]chainhash.Hash

	// best holds the hashes of the best chain indexed by height.
	best []chainhash.Hash

	checkpoint *chainsync.Checkpoint
	nextSeq    uint64

	subMtx      sync.Mutex
	subscribers map[uint64]*Subscription
	nextSubID   uint64

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a header oracle. State previously persisted in the store is
// restored, otherwise the store is seeded with the genesis header.
func New(cfg *Config) (*Oracle, error) {
	if cfg.MaxReorgDepth == 0 {
		cfg.MaxReorgDepth = DefaultMaxReorgDepth
	}
	if cfg.TimeSource == nil {
		cfg.TimeSource = blockchain.NewMedianTime()
	}

	o := &Oracle{
		cfg:         cfg,
		index:       make(map[chainhash.Hash]*node),
		orphans:     make(map[chainhash.Hash][]chainhash.Hash),
		subscribers: make(map[uint64]*Subscription),
		quit:        make(chan struct{}),
	}

	records, err := cfg.Store.FetchRecords()
	if err != nil {
		return nil, fmt.Errorf("unable to fetch header records: %w",
			err)
	}

	if len(records) == 0 {
		genesis := cfg.ChainParams.GenesisBlock.Header
		n := &node{
			header: genesis,
			hash:   genesis.BlockHash(),
			work:   blockchain.CalcWork(genesis.Bits),
			status: headerfs.StatusNormal,
		}

		err := cfg.Store.WriteBatch(&headerfs.Batch{
			Records: []*headerfs.Record{n.record()},
		})
		if err != nil {
			return nil, fmt.Errorf("unable to write genesis "+
				"header: %w", err)
		}

		records = append(records, n.record())
	}

	for _, r := range records {
		n := &node{
			header: r.Header,
			hash:   r.Hash(),
			height: r.Height,
			work:   r.Work,
			status: r.Status,
			seq:    r.Sequence,
		}
		o.index[n.hash] = n

		if n.status == headerfs.StatusDisconnected {
			parent := n.header.PrevBlock
			o.orphans[parent] = append(o.orphans[parent], n.hash)
		}

		if n.seq >= o.nextSeq {
			o.nextSeq = n.seq + 1
		}
	}

	cp, err := cfg.Store.FetchCheckpoint()
	switch {
	case err == nil:
		o.checkpoint = cp

	case errors.Is(err, headerfs.ErrNoCheckpoint):

	default:
		return nil, fmt.Errorf("unable to fetch checkpoint: %w", err)
	}

	tip := o.selectTip(o.lookup, o.connectedNodes(o.lookup))
	o.best = o.chainTo(o.lookup, tip)

	log.Infof("Header oracle loaded %d headers, best chain %v",
		len(o.index), tip.position())

	return o, nil
}

// Stop cancels all subscriptions.
func (o *Oracle) Stop() {
	o.stopped.Do(func() {
		close(o.quit)
		o.wg.Wait()
	})
}

// lookup returns the committed node with the given hash.
func (o *Oracle) lookup(hash chainhash.Hash) *node {
	return o.index[hash]
}

// AddHeaders validates and adds the given headers to the header graph. The
// result of each header is returned in the order of the input. All changes
// are persisted in a single transaction before they become visible, so a
// storage error leaves the oracle unchanged.
func (o *Oracle) AddHeaders(headers ...*wire.BlockHeader) ([]AddResult,
	error) {

	o.mtx.Lock()
	defer o.mtx.Unlock()

	st := newStage(o)
	results := make([]AddResult, len(headers))

	for i, header := range headers {
		hash := header.BlockHash()
		results[i].Hash = hash

		if st.get(hash) != nil {
			results[i].Status = Duplicate
			continue
		}

		err := blockchain.CheckBlockHeaderSanity(
			header, o.cfg.ChainParams.PowLimit, o.cfg.TimeSource,
			o.cfg.BehaviorFlags,
		)
		if err != nil {
			log.Debugf("Rejecting header %v: %v", hash, err)

			results[i].Status = Rejected
			results[i].Err = err
			continue
		}

		n := &node{
			header: *header,
			hash:   hash,
			work:   blockchain.CalcWork(header.Bits),
			seq:    st.nextSeq(),
		}

		parent := st.get(header.PrevBlock)
		if parent == nil || !parent.status.Connected() {
			n.status = headerfs.StatusDisconnected
			st.addOrphan(n)

			results[i].Status = Disconnected
			continue
		}

		st.connect(n, parent)

		if n.status == headerfs.StatusCheckpointBanned {
			results[i].Status = Rejected
			results[i].Err = ErrCheckpointConflict
			continue
		}

		results[i].Status = Accepted
	}

	// Headers at or below the checkpoint may reveal the checkpoint's
	// ancestry, which can ban headers accepted earlier.
	if st.recompute {
		st.recomputeStatuses(o.checkpoint)
	}

	// A recompute can ban headers of this batch that were reported as
	// accepted.
	for i := range results {
		if results[i].Status != Accepted {
			continue
		}

		n := st.get(results[i].Hash)
		if n.status == headerfs.StatusCheckpointBanned {
			results[i].Status = Rejected
			results[i].Err = ErrCheckpointConflict
		}
	}

	if err := st.commit(nil, false); err != nil {
		return nil, err
	}

	log.Tracef("Added headers: %v", newLogClosure(func() string {
		return spew.Sdump(results)
	}))

	return results, nil
}

// BestChain returns the tip of the best chain.
func (o *Oracle) BestChain() chainsync.Position {
	o.mtx.RLock()
	defer o.mtx.RUnlock()

	return o.tipLocked()
}

func (o *Oracle) tipLocked() chainsync.Position {
	height := uint32(len(o.best) - 1)
	return chainsync.NewPosition(height, o.best[height])
}

// BestHash returns the hash of the best chain block at the given height.
func (o *Oracle) BestHash(height uint32) (chainhash.Hash, error) {
	o.mtx.RLock()
	defer o.mtx.RUnlock()

	if int(height) >= len(o.best) {
		return chainhash.Hash{}, ErrHeightNotFound
	}

	return o.best[height], nil
}

// IsInBestChain returns true if the position is part of the best chain.
func (o *Oracle) IsInBestChain(pos chainsync.Position) bool {
	o.mtx.RLock()
	defer o.mtx.RUnlock()

	return o.inBestLocked(pos)
}

func (o *Oracle) inBestLocked(pos chainsync.Position) bool {
	return int(pos.Height) < len(o.best) && o.best[pos.Height] == pos.Hash
}

// BestChainRange returns the positions of the best chain between start and
// stop, both inclusive. The range is clamped to the tip.
func (o *Oracle) BestChainRange(start, stop uint32) []chainsync.Position {
	o.mtx.RLock()
	defer o.mtx.RUnlock()

	tip := uint32(len(o.best) - 1)
	if stop > tip {
		stop = tip
	}
	if start > stop {
		return nil
	}

	positions := make([]chainsync.Position, 0, stop-start+1)
	for h := start; h <= stop; h++ {
		positions = append(
			positions, chainsync.NewPosition(h, o.best[h]),
		)
	}

	return positions
}

// Header returns the record of a known header.
func (o *Oracle) Header(hash chainhash.Hash) (*headerfs.Record, error) {
	o.mtx.RLock()
	defer o.mtx.RUnlock()

	n, ok := o.index[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrHeaderNotFound, hash)
	}

	return n.record(), nil
}

// SiblingHashes returns the hashes of all connected headers that are not
// part of the best chain. Headers banned by the checkpoint are included.
func (o *Oracle) SiblingHashes() []chainhash.Hash {
	o.mtx.RLock()
	defer o.mtx.RUnlock()

	var hashes []chainhash.Hash
	for hash, n := range o.index {
		if !n.status.Connected() {
			continue
		}
		if o.inBestLocked(n.position()) {
			continue
		}

		hashes = append(hashes, hash)
	}

	return hashes
}

// DisconnectedHashes returns the hashes of all headers whose parent is
// unknown.
func (o *Oracle) DisconnectedHashes() []chainhash.Hash {
	o.mtx.RLock()
	defer o.mtx.RUnlock()

	var hashes []chainhash.Hash
	for _, children := range o.orphans {
		hashes = append(hashes, children...)
	}

	return hashes
}

// GetCheckpoint returns the active checkpoint.
func (o *Oracle) GetCheckpoint() fn.Option[chainsync.Checkpoint] {
	o.mtx.RLock()
	defer o.mtx.RUnlock()

	if o.checkpoint == nil {
		return fn.None[chainsync.Checkpoint]()
	}

	return fn.Some(*o.checkpoint)
}

// AddCheckpoint replaces the active checkpoint. Every header is re-evaluated
// against it: conflicting headers and their descendants are banned from the
// best chain but kept as siblings.
func (o *Oracle) AddCheckpoint(cp chainsync.Checkpoint) error {
	genesis := o.cfg.ChainParams.GenesisHash
	switch {
	case cp.Height == 0:
		return fmt.Errorf("%w: checkpoint at genesis",
			ErrInvalidCheckpoint)

	case cp.Height == 1 && cp.ParentHash != *genesis:
		return fmt.Errorf("%w: parent of height 1 must be genesis",
			ErrInvalidCheckpoint)
	}

	o.mtx.Lock()
	defer o.mtx.Unlock()

	st := newStage(o)
	st.recomputeStatuses(&cp)

	if err := st.commit(&cp, false); err != nil {
		return err
	}

	log.Infof("Checkpoint set to %v, best chain %v", &cp, o.tipLocked())

	return nil
}

// DeleteCheckpoint removes the active checkpoint and restores all headers it
// had banned.
func (o *Oracle) DeleteCheckpoint() error {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	if o.checkpoint == nil {
		return nil
	}

	st := newStage(o)
	st.recomputeStatuses(nil)

	if err := st.commit(nil, true); err != nil {
		return err
	}

	log.Infof("Checkpoint removed, best chain %v", o.tipLocked())

	return nil
}

// connectedNodes returns all connected nodes visible through the lookup.
func (o *Oracle) connectedNodes(lookup func(chainhash.Hash) *node,
	extra ...map[chainhash.Hash]*node) []*node {

	nodes := make([]*node, 0, len(o.index))
	for hash := range o.index {
		n := lookup(hash)
		if n.status.Connected() {
			nodes = append(nodes, n)
		}
	}

	for _, m := range extra {
		for hash, n := range m {
			if _, ok := o.index[hash]; ok {
				continue
			}
			if n.status.Connected() {
				nodes = append(nodes, n)
			}
		}
	}

	return nodes
}

// selectTip returns the candidate with the most work that isn't banned. Ties
// go to the header seen first.
func (o *Oracle) selectTip(lookup func(chainhash.Hash) *node,
	candidates []*node) *node {

	var best *node
	for _, n := range candidates {
		if !n.status.Connected() ||
			n.status == headerfs.StatusCheckpointBanned {

			continue
		}

		if best == nil {
			best = n
			continue
		}

		switch n.work.Cmp(best.work) {
		case 1:
			best = n

		case 0:
			if n.seq < best.seq {
				best = n
			}
		}
	}

	// The genesis header can never be banned, so there is always a tip.
	if best == nil {
		best = lookup(*o.cfg.ChainParams.GenesisHash)
	}

	return best
}

// chainTo returns the hashes from genesis to the given tip.
func (o *Oracle) chainTo(lookup func(chainhash.Hash) *node,
	tip *node) []chainhash.Hash {

	chain := make([]chainhash.Hash, tip.height+1)
	for n := tip; ; n = lookup(n.header.PrevBlock) {
		chain[n.height] = n.hash
		if n.height == 0 {
			break
		}
	}

	return chain
}
