package walletsync

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/walletsync/blockoracle"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/filterdb"
	"github.com/lightninglabs/walletsync/headeroracle"
	"github.com/lightninglabs/walletsync/scandb"
	"github.com/lightninglabs/walletsync/subchain"
	"github.com/lightninglabs/walletsync/syncmetrics"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultHeartbeatInterval is the default time between two state
	// machine ticks.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultShutdownTimeout is the default time subchains get to commit
	// their downloaded blocks on shutdown.
	DefaultShutdownTimeout = 30 * time.Second
)

var (
	// ErrAccountsShuttingDown is returned for requests after Stop.
	ErrAccountsShuttingDown = errors.New("accounts shutting down")

	// ErrReorgFailed is returned when at least one subchain could not be
	// rolled back. No subchain resumes scanning until a retry succeeds.
	ErrReorgFailed = errors.New("reorg failed")
)

// SubchainStore is the wallet database the subchains of all accounts share.
type SubchainStore interface {
	subchain.Store

	// SubchainIndex returns the index of a subchain, allocating it on
	// first use.
	SubchainIndex(id chainsync.SubchainID) (uint64, error)
}

// A compile-time check to ensure the scan store can back accounts.
var _ SubchainStore = (*scandb.Store)(nil)

// ChainSource is the view of the header oracle accounts need.
type ChainSource interface {
	subchain.ChainSource

	// BestChain returns the tip of the best chain.
	BestChain() chainsync.Position

	// Subscribe registers for best chain events.
	Subscribe() (*headeroracle.Subscription, error)
}

// A compile-time check to ensure the header oracle can be a ChainSource.
var _ ChainSource = (*headeroracle.Oracle)(nil)

// Config houses the collaborators and parameters of the accounts.
type Config struct {
	// ChainParams are the parameters of the chain.
	ChainParams *chaincfg.Params

	// Store persists the scan state of all subchains.
	Store SubchainStore

	// Chain is the header oracle. Reorgs it reports are applied to all
	// subchains.
	Chain ChainSource

	// Filters provides the block filters subchains scan.
	Filters subchain.FilterSource

	// Blocks provides the blocks of matching filters.
	Blocks blockoracle.Fetcher

	// Executor runs the block waits of the subchains. If nil, a goroutine
	// manager owned by the accounts is used.
	Executor subchain.Executor

	// FilterType is the type of filters scanned.
	FilterType filterdb.FilterType

	// Lookahead is the number of unused indices deterministic subchains
	// watch. Zero selects subchain.DefaultLookahead.
	Lookahead uint32

	// BatchSize is the capacity of a subchain batch. Zero selects
	// subchain.MaxBatchSize.
	BatchSize int

	// MaxBatches is the number of batches a subchain may have
	// outstanding. Zero selects subchain.DefaultMaxBatches.
	MaxBatches int

	// MaxConcurrentTicks bounds the number of subchains ticked at once.
	// Zero selects the number of CPUs.
	MaxConcurrentTicks int

	// Heartbeat drives the state machine. If nil, a ticker firing every
	// DefaultHeartbeatInterval is used.
	Heartbeat ticker.Ticker

	// ShutdownTimeout bounds the time subchains get to commit their
	// downloaded blocks on Stop. Zero selects DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// OnMempoolMatch is called for unconfirmed transactions touching any
	// subchain. It's called from subchain goroutines.
	OnMempoolMatch func(*subchain.MempoolMatch)

	// Metrics records sync progress if set.
	Metrics fn.Option[*syncmetrics.Metrics]

	// Clock stamps received transactions.
	Clock clock.Clock
}

// Accounts owns the subchains of all accounts of a wallet on one chain. It
// drives them with a periodic heartbeat and applies reorgs to all of them at
// once.
type Accounts struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	// reorgMtx is the reorg barrier. A reorg holds it exclusively, ticks
	// and requests to subchains share it.
	reorgMtx sync.RWMutex

	// mtx guards subchains and pendingReorg.
	mtx          sync.Mutex
	subchains    map[chainsync.SubchainID]*subchain.Subchain
	pendingReorg fn.Option[chainsync.Position]

	// suspended is set from the start of a reorg until one succeeds.
	// Subchains that already resumed don't tick or commit meanwhile.
	suspended atomic.Bool

	sub  *headeroracle.Subscription
	gm   *fn.GoroutineManager
	quit chan struct{}
}

// New creates the accounts. Start must be called before accounts are added.
func New(cfg *Config) *Accounts {
	if cfg.MaxConcurrentTicks <= 0 {
		cfg.MaxConcurrentTicks = runtime.NumCPU()
	}
	if cfg.Heartbeat == nil {
		cfg.Heartbeat = ticker.New(DefaultHeartbeatInterval)
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	gm := fn.NewGoroutineManager()
	if cfg.Executor == nil {
		cfg.Executor = gm
	}

	return &Accounts{
		cfg:          cfg,
		subchains:    make(map[chainsync.SubchainID]*subchain.Subchain),
		pendingReorg: fn.None[chainsync.Position](),
		gm:           gm,
		quit:         make(chan struct{}),
	}
}

// Start subscribes to chain events and starts the heartbeat.
func (a *Accounts) Start() error {
	var startErr error
	a.started.Do(func() {
		sub, err := a.cfg.Chain.Subscribe()
		if err != nil {
			startErr = fmt.Errorf("unable to subscribe to chain "+
				"events: %w", err)
			return
		}
		a.sub = sub

		a.cfg.Metrics.WhenSome(func(m *syncmetrics.Metrics) {
			m.SetBestHeight(a.cfg.Chain.BestChain().Height)
		})

		ctx := context.Background()
		if !a.gm.Go(ctx, a.chainEventHandler) ||
			!a.gm.Go(ctx, a.heartbeat) {

			sub.Cancel()
			startErr = ErrAccountsShuttingDown

			return
		}

		log.Infof("Accounts started at best chain %v",
			a.cfg.Chain.BestChain())
	})

	return startErr
}

// Stop stops the heartbeat, lets every subchain commit what it downloaded
// and stops the subchains.
func (a *Accounts) Stop() {
	a.stopped.Do(func() {
		log.Info("Accounts shutting down")

		close(a.quit)
		if a.sub != nil {
			a.sub.Cancel()
		}
		a.gm.Stop()

		ctx, cancel := context.WithTimeout(
			context.Background(), a.cfg.ShutdownTimeout,
		)
		defer cancel()

		for _, s := range a.snapshot() {
			if err := s.Shutdown(ctx); err != nil {
				log.Errorf("Unable to shut down subchain %v: "+
					"%v", s.ID(), err)
			}
			s.Stop()
		}
	})
}

// isStopping returns true once Stop was called.
func (a *Accounts) isStopping() bool {
	select {
	case <-a.quit:
		return true
	default:
		return false
	}
}

// snapshot returns the current subchains.
func (a *Accounts) snapshot() []*subchain.Subchain {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	subchains := make([]*subchain.Subchain, 0, len(a.subchains))
	for _, s := range a.subchains {
		subchains = append(subchains, s)
	}

	return subchains
}

// lookup returns the subchain with the given id.
func (a *Accounts) lookup(id chainsync.SubchainID) (*subchain.Subchain,
	error) {

	a.mtx.Lock()
	defer a.mtx.Unlock()

	s, ok := a.subchains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownSubchain, id)
	}

	return s, nil
}

// Add starts scanning the external and internal branches of an account.
// Branches that are already scanned are left alone.
func (a *Accounts) Add(nym *NymAccount) error {
	if err := nym.validate(); err != nil {
		return err
	}

	branches := []struct {
		kind   chainsync.SubchainKind
		branch uint32
	}{
		{chainsync.External, ExternalBranch},
		{chainsync.Internal, InternalBranch},
	}
	for _, b := range branches {
		key, err := nym.branchKey(b.branch)
		if err != nil {
			return err
		}

		id := chainsync.SubchainID{Account: nym.ID, Kind: b.kind}
		_, err = a.addSubchain(id, nym.Birthday, func(
			cfg *subchain.Config) {

			cfg.BranchKey = fn.Some(key)
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// AddNotification starts scanning a notification channel, or adds the
// elements of the channel to an existing one.
func (a *Accounts) AddNotification(ctx context.Context,
	ch *NotificationChannel) error {

	if ch.ID == "" {
		return ErrEmptyAccount
	}

	id := chainsync.SubchainID{
		Account: ch.ID,
		Kind:    chainsync.Notification,
	}
	s, err := a.addSubchain(id, ch.Birthday, nil)
	if err != nil {
		return err
	}

	if len(ch.Elements) == 0 {
		return nil
	}

	a.reorgMtx.RLock()
	defer a.reorgMtx.RUnlock()

	return s.AddElements(ctx, ch.Elements)
}

// addSubchain creates and starts a subchain unless it exists already. The
// modifier may adjust its configuration.
func (a *Accounts) addSubchain(id chainsync.SubchainID,
	birthday chainsync.Position,
	modify func(*subchain.Config)) (*subchain.Subchain, error) {

	if a.isStopping() {
		return nil, ErrAccountsShuttingDown
	}

	// A subchain added during a reorg would keep progress on orphaned
	// blocks.
	a.reorgMtx.RLock()
	defer a.reorgMtx.RUnlock()

	a.mtx.Lock()
	defer a.mtx.Unlock()

	if s, ok := a.subchains[id]; ok {
		return s, nil
	}

	index, err := a.cfg.Store.SubchainIndex(id)
	if err != nil {
		return nil, fmt.Errorf("unable to allocate subchain %v: %w",
			id, err)
	}

	cfg := &subchain.Config{
		ID:             id,
		Index:          index,
		Birthday:       birthday,
		ChainParams:    a.cfg.ChainParams,
		Lookahead:      a.cfg.Lookahead,
		FilterType:     a.cfg.FilterType,
		Store:          a.cfg.Store,
		Chain:          a.cfg.Chain,
		Filters:        a.cfg.Filters,
		Blocks:         a.cfg.Blocks,
		Executor:       a.cfg.Executor,
		BatchSize:      a.cfg.BatchSize,
		MaxBatches:     a.cfg.MaxBatches,
		OnMempoolMatch: a.cfg.OnMempoolMatch,
		Suspended:      a.suspended.Load,
		Metrics:        a.cfg.Metrics,
		Clock:          a.cfg.Clock,
	}
	if modify != nil {
		modify(cfg)
	}

	s := subchain.New(cfg)
	if err := s.Start(); err != nil {
		return nil, fmt.Errorf("unable to start subchain %v: %w", id,
			err)
	}
	a.subchains[id] = s

	log.Infof("Added subchain %v with index %d", id, index)

	return s, nil
}

// Reorg rolls every subchain back to the ancestor. The subchains resume
// scanning only if all of them rolled back. Otherwise an error is returned,
// all subchains stay suspended and the reorg is retried by the next
// heartbeat, with the lowest ancestor seen so far.
func (a *Accounts) Reorg(ctx context.Context,
	ancestor chainsync.Position) error {

	a.reorgMtx.Lock()
	defer a.reorgMtx.Unlock()

	a.suspended.Store(true)

	a.mtx.Lock()
	a.pendingReorg.WhenSome(func(pending chainsync.Position) {
		if pending.Height < ancestor.Height {
			ancestor = pending
		}
	})
	a.mtx.Unlock()

	err := a.reorg(ctx, ancestor)
	a.cfg.Metrics.WhenSome(func(m *syncmetrics.Metrics) {
		m.ObserveReorg(err)
	})

	a.mtx.Lock()
	if err != nil {
		a.pendingReorg = fn.Some(ancestor)
	} else {
		a.pendingReorg = fn.None[chainsync.Position]()
	}
	a.mtx.Unlock()

	// Subchains whose finish went through stay suspended until a retry
	// rolled back all of them.
	a.suspended.Store(err != nil)

	return err
}

// reorg runs the phases of a reorg on all subchains. It must be called with
// the reorg barrier held.
func (a *Accounts) reorg(ctx context.Context,
	ancestor chainsync.Position) error {

	subchains := a.snapshot()

	log.Infof("Rolling back %d subchains to %v", len(subchains), ancestor)

	phases := []struct {
		name string
		run  func(s *subchain.Subchain) error
	}{{
		name: "prepare",
		run: func(s *subchain.Subchain) error {
			return s.PrepareReorg(ctx)
		},
	}, {
		name: "rollback",
		run: func(s *subchain.Subchain) error {
			return s.Reorg(ctx, ancestor)
		},
	}, {
		name: "finish",
		run: func(s *subchain.Subchain) error {
			return s.FinishReorg(ctx)
		},
	}}
	for _, phase := range phases {
		var (
			failures atomic.Int32
			errs     = make([]error, len(subchains))
			g        errgroup.Group
		)
		g.SetLimit(a.cfg.MaxConcurrentTicks)
		for i, s := range subchains {
			g.Go(func() error {
				if err := phase.run(s); err != nil {
					failures.Add(1)
					errs[i] = fmt.Errorf("subchain %v: %w",
						s.ID(), err)
				}

				return nil
			})
		}
		_ = g.Wait()

		if n := failures.Load(); n > 0 {
			err := fmt.Errorf("%w: %s failed for %d of %d "+
				"subchains: %w", ErrReorgFailed, phase.name, n,
				len(subchains), errors.Join(errs...))

			log.Errorf("Reorg to %v: %v", ancestor, err)

			return err
		}
	}

	log.Infof("Rolled back %d subchains to %v", len(subchains), ancestor)

	return nil
}

// StateMachine runs one heartbeat. A pending reorg is retried first, then
// every subchain is ticked. Subchains are independent, a failing subchain
// doesn't hold back the others.
func (a *Accounts) StateMachine(ctx context.Context) error {
	a.mtx.Lock()
	pending := a.pendingReorg
	a.mtx.Unlock()

	if pending.IsSome() {
		ancestor := pending.UnsafeFromSome()
		log.Infof("Retrying reorg to %v", ancestor)

		if err := a.Reorg(ctx, ancestor); err != nil {
			return err
		}
	}

	a.reorgMtx.RLock()
	defer a.reorgMtx.RUnlock()

	a.cfg.Metrics.WhenSome(func(m *syncmetrics.Metrics) {
		m.SetBestHeight(a.cfg.Chain.BestChain().Height)
		m.SetFilterTip(
			a.cfg.FilterType.String(),
			a.cfg.Filters.Tip(a.cfg.FilterType).Height,
		)
	})

	var (
		subchains = a.snapshot()
		errs      = make([]error, len(subchains))
		g         errgroup.Group
	)
	g.SetLimit(a.cfg.MaxConcurrentTicks)
	for i, s := range subchains {
		g.Go(func() error {
			if err := s.Tick(ctx); err != nil {
				errs[i] = fmt.Errorf("subchain %v: %w", s.ID(),
					err)
			}

			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// heartbeat runs the state machine on every tick of the heartbeat ticker.
// It must be run as a goroutine.
func (a *Accounts) heartbeat(ctx context.Context) {
	a.cfg.Heartbeat.Resume()
	defer a.cfg.Heartbeat.Stop()

	for {
		select {
		case <-a.cfg.Heartbeat.Ticks():
			if err := a.StateMachine(ctx); err != nil {
				log.Errorf("Heartbeat failed: %v", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// chainEventHandler applies the reorgs reported by the header oracle. It
// must be run as a goroutine.
func (a *Accounts) chainEventHandler(ctx context.Context) {
	for {
		select {
		case event := <-a.sub.Events:
			switch event.Type {
			case headeroracle.BlockConnected:
				log.Debugf("Best chain extended to %v",
					event.Tip)

			case headeroracle.ChainReorg:
				log.Infof("Chain reorganized to %v, common "+
					"ancestor %v", event.Tip,
					event.Ancestor)

				err := a.Reorg(ctx, event.Ancestor)
				if err != nil {
					log.Errorf("Reorg will be retried: %v",
						err)
				}
			}

			a.cfg.Metrics.WhenSome(func(m *syncmetrics.Metrics) {
				m.SetBestHeight(event.Tip.Height)
			})

		case <-ctx.Done():
			return
		}
	}
}

// withSubchain runs f with the subchain of the given id, outside of reorgs.
func (a *Accounts) withSubchain(id chainsync.SubchainID,
	f func(s *subchain.Subchain) error) error {

	a.reorgMtx.RLock()
	defer a.reorgMtx.RUnlock()

	s, err := a.lookup(id)
	if err != nil {
		return err
	}

	return f(s)
}

// AddMempoolTx hands an unconfirmed transaction to every subchain. Matches
// are reported through OnMempoolMatch on the next heartbeat.
func (a *Accounts) AddMempoolTx(ctx context.Context, tx *wire.MsgTx) error {
	a.reorgMtx.RLock()
	defer a.reorgMtx.RUnlock()

	var errs []error
	for _, s := range a.snapshot() {
		if err := s.AddMempoolTx(ctx, tx); err != nil {
			errs = append(errs, fmt.Errorf("subchain %v: %w",
				s.ID(), err))
		}
	}

	return errors.Join(errs...)
}

// Rescan scans a subchain again from the given height.
func (a *Accounts) Rescan(ctx context.Context, id chainsync.SubchainID,
	from uint32) error {

	return a.withSubchain(id, func(s *subchain.Subchain) error {
		return s.Rescan(ctx, from)
	})
}

// SetReady defers or resumes scanning of a subchain.
func (a *Accounts) SetReady(ctx context.Context, id chainsync.SubchainID,
	ready bool) error {

	return a.withSubchain(id, func(s *subchain.Subchain) error {
		return s.SetReady(ctx, ready)
	})
}

// Status returns a snapshot of a subchain.
func (a *Accounts) Status(ctx context.Context,
	id chainsync.SubchainID) (*subchain.Status, error) {

	s, err := a.lookup(id)
	if err != nil {
		return nil, err
	}

	return s.Status(ctx)
}

// Progress returns the committed scan progress of a subchain.
func (a *Accounts) Progress(ctx context.Context,
	id chainsync.SubchainID) (chainsync.Position, error) {

	status, err := a.Status(ctx, id)
	if err != nil {
		return chainsync.Position{}, err
	}

	return status.Progress, nil
}

// Subchains returns the ids of all subchains.
func (a *Accounts) Subchains() []chainsync.SubchainID {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ids := make([]chainsync.SubchainID, 0, len(a.subchains))
	for id := range a.subchains {
		ids = append(ids, id)
	}

	return ids
}
