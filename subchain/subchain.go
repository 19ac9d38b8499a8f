package subchain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/walletsync/blockoracle"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/filterdb"
	"github.com/lightninglabs/walletsync/filteroracle"
	"github.com/lightninglabs/walletsync/headerfs"
	"github.com/lightninglabs/walletsync/scandb"
	"github.com/lightninglabs/walletsync/syncmetrics"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
)

const (
	// DefaultMaxBatches is the number of batches a scan or rescan may
	// have outstanding.
	DefaultMaxBatches = 2

	// DefaultMaxScanBlocks is the number of filters a scan or rescan
	// checks per tick.
	DefaultMaxScanBlocks = 2000

	// mailboxBuffer is the buffer size of the mailbox channel. Messages
	// beyond it are queued without bound.
	mailboxBuffer = 20
)

var (
	// ErrShuttingDown is returned for requests to a stopped subchain.
	ErrShuttingDown = errors.New("subchain shutting down")

	// ErrNotNotification is returned when elements are added to a
	// subchain that derives its own patterns.
	ErrNotNotification = errors.New("patterns of subchain are derived")
)

// Store is the wallet database of subchains.
type Store interface {
	GetProgress(index uint64) (chainsync.Position, error)
	GetRescanProgress(index uint64) (chainsync.Position, error)
	Commit(ctx context.Context, index uint64, u *scandb.Update) error
	Rollback(ctx context.Context, index uint64,
		ancestor chainsync.Position) error
	LoadPatterns(index uint64) (scandb.ElementMap, error)
	AddPatterns(index uint64, patterns scandb.ElementMap) error
	LoadOutputs(index uint64) ([]*scandb.Output, error)
}

// A compile-time check to ensure the scan store can back subchains.
var _ Store = (*scandb.Store)(nil)

// ChainSource is the view of the best chain a subchain scans along.
type ChainSource interface {
	BestHash(height uint32) (chainhash.Hash, error)
	IsInBestChain(pos chainsync.Position) bool

	// Header returns the record of a known header, on the best chain or
	// not.
	Header(hash chainhash.Hash) (*headerfs.Record, error)
}

// A compile-time check to ensure the filter oracle can feed subchains.
var _ FilterSource = (*filteroracle.Oracle)(nil)

// FilterSource provides block filters.
type FilterSource interface {
	Tip(fType filterdb.FilterType) chainsync.Position
	LoadFilterOrResetTip(ctx context.Context, fType filterdb.FilterType,
		pos chainsync.Position) (*gcs.Filter, error)
}

// MempoolMatch is an unconfirmed transaction touching a subchain.
type MempoolMatch struct {
	// ID is the subchain.
	ID chainsync.SubchainID

	// Tx is the transaction.
	Tx *wire.MsgTx

	// Indices are the derivation indices the transaction pays to.
	Indices []uint32

	// Spends are the subchain outputs the transaction spends.
	Spends []wire.OutPoint
}

// Config holds the collaborators and parameters of a subchain.
type Config struct {
	// ID identifies the subchain.
	ID chainsync.SubchainID

	// Index is the index of the subchain in the store.
	Index uint64

	// Birthday is the last block that can't pay to the subchain. Scans
	// start after it. Defaults to the genesis block.
	Birthday chainsync.Position

	// ChainParams are the parameters of the chain.
	ChainParams *chaincfg.Params

	// BranchKey is the extended key the scripts of a deterministic
	// subchain are derived from. Notification subchains have none.
	BranchKey fn.Option[*hdkeychain.ExtendedKey]

	// Lookahead is the number of unused indices watched past the highest
	// used one.
	Lookahead uint32

	// FilterType is the type of filters scanned.
	FilterType filterdb.FilterType

	Store    Store
	Chain    ChainSource
	Filters  FilterSource
	Blocks   blockoracle.Fetcher
	Executor Executor

	// BatchSize is the capacity of a batch, at most MaxBatchSize.
	BatchSize int

	// MaxBatches is the number of batches a scan may have outstanding.
	MaxBatches int

	// MaxScanBlocks is the number of filters checked per tick.
	MaxScanBlocks uint32

	// OnMempoolMatch is called for unconfirmed transactions touching the
	// subchain.
	OnMempoolMatch func(*MempoolMatch)

	// Suspended, if set, holds the subchain back while it returns true.
	// Ticks do nothing and downloaded blocks are not committed until it
	// returns false again.
	Suspended func() bool

	// Metrics records progress and commits if set.
	Metrics fn.Option[*syncmetrics.Metrics]

	// Clock stamps received transactions.
	Clock clock.Clock
}

// Status is a snapshot of a subchain.
type Status struct {
	// State is the lifecycle state.
	State State

	// Jobs are the states of the jobs.
	Jobs map[JobKind]JobState

	// Ready is false while scanning is deferred.
	Ready bool

	// Progress is the committed scan progress.
	Progress chainsync.Position

	// RescanProgress is the committed rescan progress.
	RescanProgress chainsync.Position

	// Frontier is the last block handed to the scan.
	Frontier chainsync.Position

	// Inflight are the positions of uncommitted work.
	Inflight []chainsync.Position

	// Patterns is the number of watched scripts.
	Patterns int
}

// request runs a function on the subchain goroutine.
type request struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

// workReady signals that a block download finished.
type workReady struct{}

// Subchain scans the chain for one derivation lineage. All of its state is
// owned by a single goroutine, every request is a message on its mailbox.
type Subchain struct {
	cfg *Config

	started sync.Once
	stopped sync.Once

	mailbox *queue.ConcurrentQueue
	ctx     context.Context
	cancel  context.CancelFunc
	quit    chan struct{}
	wg      sync.WaitGroup

	// The fields below are only accessed by the subchain goroutine, or
	// before it started.
	state     State
	jobs      map[JobKind]*Job
	ready     bool
	progress  chainsync.Position
	rescanned chainsync.Position
	patterns  scandb.ElementMap
	outpoints map[wire.OutPoint]struct{}
	used      fn.Option[uint32]
	scan      *pipeline
	rescan    *pipeline
	rescanner rescanner
	mempool   []*wire.MsgTx
	batchID   uint64

	progressLog *blockProgressLogger
}

// New creates a subchain. Start must be called before it handles requests.
func New(cfg *Config) *Subchain {
	if cfg.Lookahead == 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = DefaultMaxBatches
	}
	if cfg.MaxScanBlocks == 0 {
		cfg.MaxScanBlocks = DefaultMaxScanBlocks
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Executor == nil {
		cfg.Executor = InlineExecutor{}
	}
	if cfg.Birthday.IsZero() {
		cfg.Birthday = chainsync.NewPosition(
			0, *cfg.ChainParams.GenesisHash,
		)
	}

	jobs := make(map[JobKind]*Job, len(jobKinds))
	for _, kind := range jobKinds {
		jobs[kind] = newJob(kind)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Subchain{
		cfg:       cfg,
		mailbox:   queue.NewConcurrentQueue(mailboxBuffer),
		ctx:       ctx,
		cancel:    cancel,
		quit:      make(chan struct{}),
		state:     Normal,
		jobs:      jobs,
		ready:     true,
		patterns:  make(scandb.ElementMap),
		outpoints: make(map[wire.OutPoint]struct{}),
		progressLog: newBlockProgressLogger(
			fmt.Sprintf("Subchain %v scanned", cfg.ID), log,
			cfg.Clock,
		),
	}
}

// ID returns the id of the subchain.
func (s *Subchain) ID() chainsync.SubchainID {
	return s.cfg.ID
}

// Start restores the subchain from the store and starts its goroutine.
func (s *Subchain) Start() error {
	var startErr error
	s.started.Do(func() {
		patterns, err := s.cfg.Store.LoadPatterns(s.cfg.Index)
		if err != nil {
			startErr = err
			return
		}
		s.patterns = patterns

		if err := s.load(); err != nil {
			startErr = err
			return
		}

		if err := s.reconcile(s.ctx); err != nil {
			startErr = err
			return
		}

		s.scan = newPipeline(
			Scan, s.progress, s.cfg.BatchSize, s.cfg.MaxBatches,
			&s.batchID,
		)
		s.rescan = newPipeline(
			Rescan, s.rescanned, s.cfg.BatchSize,
			s.cfg.MaxBatches, &s.batchID,
		)

		for _, kind := range jobKinds {
			s.jobs[kind].ChangeState(JobNormal)
		}

		log.Infof("Subchain %v starting at %v with %d patterns and %d "+
			"outputs", s.cfg.ID, s.progress, len(s.patterns),
			len(s.outpoints))

		s.mailbox.Start()

		s.wg.Add(1)
		go s.run()
	})

	return startErr
}

// load reads progress and outputs from the store.
func (s *Subchain) load() error {
	progress, err := s.cfg.Store.GetProgress(s.cfg.Index)
	switch {
	case errors.Is(err, scandb.ErrNoProgress):
		progress = s.cfg.Birthday

	case err != nil:
		return err
	}

	rescanned, err := s.cfg.Store.GetRescanProgress(s.cfg.Index)
	switch {
	case errors.Is(err, scandb.ErrNoProgress):
		rescanned = chainsync.Position{}

	case err != nil:
		return err
	}

	outputs, err := s.cfg.Store.LoadOutputs(s.cfg.Index)
	if err != nil {
		return err
	}

	s.progress = progress
	s.rescanned = rescanned
	s.outpoints = make(map[wire.OutPoint]struct{}, len(outputs))
	s.used = fn.None[uint32]()
	for _, o := range outputs {
		s.markUsed(o.Index)
		if o.Spend == nil {
			s.outpoints[o.OutPoint] = struct{}{}
		}
	}

	s.cfg.Metrics.WhenSome(func(m *syncmetrics.Metrics) {
		m.SetSubchainHeight(s.cfg.ID.String(), s.progress.Height)
	})

	return nil
}

// reconcile rolls saved progress that left the best chain back to the fork
// point. Reorgs that happened while the subchain was stopped are never
// reported to it.
func (s *Subchain) reconcile(ctx context.Context) error {
	ancestor := s.forkPoint(s.progress)
	if !s.rescanned.IsZero() {
		if fork := s.forkPoint(s.rescanned); fork.Less(ancestor) {
			ancestor = fork
		}
	}

	orphaned := !ancestor.Equal(s.progress)
	if !s.rescanned.IsZero() && ancestor.Less(s.rescanned) {
		orphaned = true
	}
	if !orphaned {
		return nil
	}

	log.Warnf("Subchain %v progress %v is not on the best chain, rolling "+
		"back to %v", s.cfg.ID, s.progress, ancestor)

	err := s.cfg.Store.Rollback(ctx, s.cfg.Index, ancestor)
	if err != nil {
		return fmt.Errorf("unable to roll back to %v: %w", ancestor,
			err)
	}

	if err := s.load(); err != nil {
		return err
	}

	// A subchain without saved progress starts from its birthday, which
	// may be orphaned too.
	if ancestor.Less(s.progress) {
		s.progress = ancestor
	}
	if ancestor.Less(s.rescanned) {
		s.rescanned = ancestor
	}

	return nil
}

// forkPoint walks back from pos to the highest block that is on the best
// chain. It falls back to the genesis block if a header is unknown.
func (s *Subchain) forkPoint(pos chainsync.Position) chainsync.Position {
	for !s.cfg.Chain.IsInBestChain(pos) {
		record, err := s.cfg.Chain.Header(pos.Hash)
		if err != nil || pos.Height == 0 {
			log.Warnf("Subchain %v no header for %v, falling back "+
				"to genesis: %v", s.cfg.ID, pos, err)

			return chainsync.NewPosition(
				0, *s.cfg.ChainParams.GenesisHash,
			)
		}

		pos = chainsync.NewPosition(
			pos.Height-1, record.Header.PrevBlock,
		)
	}

	return pos
}

// Stop stops the subchain goroutine. Work that was not committed is lost,
// Shutdown drains it first.
func (s *Subchain) Stop() {
	s.stopped.Do(func() {
		close(s.quit)
		s.cancel()
		s.wg.Wait()
		s.mailbox.Stop()
	})
}

// run handles the messages of the mailbox. It must be run as a goroutine.
func (s *Subchain) run() {
	defer s.wg.Done()

	for {
		select {
		case msg, ok := <-s.mailbox.ChanOut():
			if !ok {
				return
			}

			switch m := msg.(type) {
			case *request:
				if err := m.ctx.Err(); err != nil {
					m.reply <- err
					continue
				}
				m.reply <- m.fn(m.ctx)

			case workReady:
				s.onWorkReady()
			}

		case <-s.quit:
			return
		}
	}
}

// do runs f on the subchain goroutine and returns its error.
func (s *Subchain) do(ctx context.Context,
	f func(ctx context.Context) error) error {

	req := &request{
		ctx:   ctx,
		fn:    f,
		reply: make(chan error, 1),
	}

	select {
	case s.mailbox.ChanIn() <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrShuttingDown
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrShuttingDown
	}
}

// notify puts a message on the mailbox without waiting for it.
func (s *Subchain) notify(msg interface{}) {
	select {
	case s.mailbox.ChanIn() <- msg:
	case <-s.quit:
	}
}

// watch waits for the block of the work on the executor and wakes the
// subchain once it arrived.
func (s *Subchain) watch(w *Work) {
	future := w.future
	ok := s.cfg.Executor.Go(s.ctx, func(ctx context.Context) {
		select {
		case <-future.Done():
		case <-ctx.Done():
			return
		}

		s.notify(workReady{})
	})
	if !ok {
		log.Debugf("Subchain %v executor stopping, block %v is "+
			"processed on the next tick", s.cfg.ID, w.pos)
	}
}

// suspended returns true while the owner holds the subchain back.
func (s *Subchain) suspended() bool {
	return s.cfg.Suspended != nil && s.cfg.Suspended()
}

// onWorkReady commits downloaded blocks outside of a tick.
func (s *Subchain) onWorkReady() {
	if s.state != Normal || s.jobs[Process].State() != JobNormal {
		return
	}

	if s.suspended() {
		log.Debugf("Subchain %v suspended, downloaded blocks are "+
			"committed once it resumes", s.cfg.ID)

		return
	}

	if err := s.commitAll(s.ctx); err != nil {
		log.Errorf("Subchain %v unable to process blocks: %v",
			s.cfg.ID, err)
	}
}

// changeState moves the subchain to the given state.
func (s *Subchain) changeState(next State) error {
	if !allowed(stateTransitions, s.state, next) {
		return fmt.Errorf("%w: %v -> %v", ErrIllegalTransition,
			s.state, next)
	}

	log.Debugf("Subchain %v state %v -> %v", s.cfg.ID, s.state, next)
	s.state = next

	return nil
}

// Tick runs every job of the subchain once. Errors of single jobs are
// returned after all jobs ran. A subchain that isn't in the normal state or
// is suspended does nothing.
func (s *Subchain) Tick(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		if s.state != Normal || s.suspended() {
			return nil
		}

		var errs []error
		for _, kind := range jobKinds {
			if s.jobs[kind].State() != JobNormal {
				continue
			}

			if err := s.runJob(ctx, kind); err != nil {
				errs = append(errs, fmt.Errorf("%v job: %w",
					kind, err))
			}
		}

		return errors.Join(errs...)
	})
}

// runJob does one unit of work of the given job.
func (s *Subchain) runJob(ctx context.Context, kind JobKind) error {
	switch kind {
	case Scan:
		return s.runScan(ctx)

	case Rescan:
		return s.runRescan(ctx)

	case Process:
		return s.runProcess(ctx)

	case Index:
		return s.runIndex()

	case Mempool:
		return s.runMempool()

	default:
		return fmt.Errorf("unknown job %v", kind)
	}
}

// processReorg moves the given job back to the ancestor.
func (s *Subchain) processReorg(ctx context.Context, kind JobKind,
	ancestor chainsync.Position) error {

	switch kind {
	case Process:
		err := s.cfg.Store.Rollback(ctx, s.cfg.Index, ancestor)
		if err != nil {
			return fmt.Errorf("unable to roll back: %w", err)
		}

		return s.load()

	case Scan:
		removed := s.scan.prune(ancestor)
		if removed > 0 {
			log.Debugf("Subchain %v dropped %d downloads above %v",
				s.cfg.ID, removed, ancestor)
		}

	case Rescan:
		s.rescan.prune(ancestor)
		s.rescanner.rewind(ancestor.Height)

	case Index:
		// Patterns don't depend on the chain.

	case Mempool:
		s.mempool = nil

	default:
		return fmt.Errorf("unknown job %v", kind)
	}

	return nil
}

// PrepareReorg stops the jobs of the subchain for a reorg. Preparing a
// subchain that is already in a reorg does nothing.
func (s *Subchain) PrepareReorg(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		if s.state == PreReorg || s.state == Reorg {
			return nil
		}

		if err := s.changeState(PreReorg); err != nil {
			return err
		}

		for _, kind := range jobKinds {
			s.jobs[kind].ChangeState(JobReorg)
		}

		return nil
	})
}

// Reorg rolls the subchain back to the ancestor. Progress above it is
// lowered to it and work for blocks above it is dropped. A failed reorg may
// be retried, with the same or a lower ancestor.
func (s *Subchain) Reorg(ctx context.Context,
	ancestor chainsync.Position) error {

	return s.do(ctx, func(ctx context.Context) error {
		if err := s.changeState(Reorg); err != nil {
			return err
		}

		for _, kind := range reorgOrder {
			err := s.processReorg(ctx, kind, ancestor)
			if err != nil {
				return fmt.Errorf("%v job: %w", kind, err)
			}
		}

		log.Infof("Subchain %v rolled back to %v, progress %v",
			s.cfg.ID, ancestor, s.progress)

		return nil
	})
}

// FinishReorg resumes the jobs after every subchain rolled back.
func (s *Subchain) FinishReorg(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		if err := s.changeState(PostReorg); err != nil {
			return err
		}

		for _, kind := range jobKinds {
			s.jobs[kind].ChangeState(JobNormal)
		}

		return s.changeState(Normal)
	})
}

// Shutdown stops the subchain from starting new work, waits for blocks in
// flight and commits them. A suspended subchain drops them instead. Ticks
// do nothing afterwards. The context bounds the wait.
func (s *Subchain) Shutdown(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		if s.state == Shutdown {
			return nil
		}

		drain := s.state == Normal && !s.suspended()
		if s.state != PreShutdown {
			if err := s.changeState(PreShutdown); err != nil {
				return err
			}
		}

		var err error
		if drain {
			err = s.drain(ctx)
		}

		for _, kind := range jobKinds {
			s.jobs[kind].ChangeState(JobShutdown)
		}

		if stateErr := s.changeState(Shutdown); stateErr != nil {
			return stateErr
		}

		return err
	})
}

// drain waits for all requested blocks and commits what it can.
func (s *Subchain) drain(ctx context.Context) error {
	for _, p := range []*pipeline{s.scan, s.rescan} {
		for _, w := range p.work() {
			if w.future == nil {
				continue
			}

			select {
			case <-w.future.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return s.commitAll(ctx)
}

// SetReady defers scanning until the key material of the subchain is
// available, or resumes it.
func (s *Subchain) SetReady(ctx context.Context, ready bool) error {
	return s.do(ctx, func(ctx context.Context) error {
		s.ready = ready

		return nil
	})
}

// Rescan queues a rescan from the given height up to the scan frontier.
func (s *Subchain) Rescan(ctx context.Context, from uint32) error {
	return s.RescanRange(ctx, from, openEnded)
}

// RescanRange queues a rescan of the given heights, both inclusive. Heights
// above the scan frontier are skipped, the scan covers them.
func (s *Subchain) RescanRange(ctx context.Context, start,
	stop uint32) error {

	return s.do(ctx, func(ctx context.Context) error {
		if s.state == PreShutdown || s.state == Shutdown {
			return ErrShuttingDown
		}

		s.rescanner.enqueue(start, stop)

		return nil
	})
}

// AddMempoolTx queues an unconfirmed transaction. It is matched on the next
// tick.
func (s *Subchain) AddMempoolTx(ctx context.Context, tx *wire.MsgTx) error {
	return s.do(ctx, func(ctx context.Context) error {
		if s.state == PreShutdown || s.state == Shutdown {
			return ErrShuttingDown
		}

		s.mempool = append(s.mempool, tx)

		return nil
	})
}

// AddElements adds patterns to a notification subchain.
func (s *Subchain) AddElements(ctx context.Context,
	elements scandb.ElementMap) error {

	if s.cfg.ID.Kind != chainsync.Notification {
		return ErrNotNotification
	}

	return s.do(ctx, func(ctx context.Context) error {
		fresh := make(scandb.ElementMap, len(elements))
		for i, script := range elements {
			if _, ok := s.patterns[i]; !ok {
				fresh[i] = script
			}
		}

		return s.addPatterns(fresh)
	})
}

// Status returns a snapshot of the subchain.
func (s *Subchain) Status(ctx context.Context) (*Status, error) {
	var status *Status
	err := s.do(ctx, func(ctx context.Context) error {
		status = &Status{
			State:          s.state,
			Jobs:           make(map[JobKind]JobState, len(s.jobs)),
			Ready:          s.ready,
			Progress:       s.progress,
			RescanProgress: s.rescanned,
			Frontier:       s.scan.frontier,
			Patterns:       len(s.patterns),
		}
		for kind, job := range s.jobs {
			status.Jobs[kind] = job.State()
		}
		for _, p := range []*pipeline{s.scan, s.rescan} {
			for _, w := range p.work() {
				status.Inflight = append(
					status.Inflight, w.pos,
				)
			}
		}

		return nil
	})

	return status, err
}
