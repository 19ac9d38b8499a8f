package subchain

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/filteroracle"
	"github.com/lightninglabs/walletsync/scandb"
	"github.com/lightninglabs/walletsync/syncmetrics"
)

// runScan walks forward from the scan frontier to the filter tip. Blocks
// whose filter matches the patterns are downloaded, the others only move
// progress. The scan stops at a discontinuity of the best chain, at a
// missing filter or when all batches are full.
func (s *Subchain) runScan(ctx context.Context) error {
	if !s.ready {
		return nil
	}

	var (
		p       = s.scan
		tip     = s.cfg.Filters.Tip(s.cfg.FilterType)
		scripts = s.patterns.Scripts()
	)
	for n := uint32(0); n < s.cfg.MaxScanBlocks; n++ {
		if !p.frontier.Less(tip) {
			return nil
		}

		if !s.cfg.Chain.IsInBestChain(p.frontier) {
			log.Debugf("Subchain %v frontier %v left the best "+
				"chain, waiting for reorg", s.cfg.ID,
				p.frontier)

			return nil
		}

		ok, err := s.scanNext(ctx, p, p.frontier.Height+1, scripts)
		if err != nil || !ok {
			return err
		}
	}

	return nil
}

// runRescan scans queued ranges again, never past the scan frontier.
func (s *Subchain) runRescan(ctx context.Context) error {
	if !s.ready || !s.rescanner.pending() {
		return nil
	}

	scripts := s.patterns.Scripts()
	for n := uint32(0); n < s.cfg.MaxScanBlocks; n++ {
		height, ok := s.rescanner.next(s.scan.frontier.Height)
		if !ok {
			return nil
		}

		ok, err := s.scanNext(ctx, s.rescan, height, scripts)
		if err != nil || !ok {
			return err
		}
		s.rescanner.advance()
	}

	return nil
}

// scanNext checks the filter of the best chain block at the given height
// and hands the block to the pipeline. It returns false if the block could
// not be handled yet.
func (s *Subchain) scanNext(ctx context.Context, p *pipeline, height uint32,
	scripts [][]byte) (bool, error) {

	hash, err := s.cfg.Chain.BestHash(height)
	if err != nil {
		log.Debugf("Subchain %v no best block at %d: %v", s.cfg.ID,
			height, err)

		return false, nil
	}
	pos := chainsync.NewPosition(height, hash)

	filter, err := s.cfg.Filters.LoadFilterOrResetTip(
		ctx, s.cfg.FilterType, pos,
	)
	switch {
	case errors.Is(err, filteroracle.ErrFilterNotReady),
		errors.Is(err, filteroracle.ErrFilterNotFound):

		log.Debugf("Subchain %v waiting for filter: %v", s.cfg.ID, err)

		return false, nil

	case err != nil:
		return false, fmt.Errorf("unable to load filter %v: %w", pos,
			err)
	}

	hit, err := filteroracle.MatchAny(filter, hash, scripts)
	if err != nil {
		return false, fmt.Errorf("unable to match filter %v: %w", pos,
			err)
	}

	if !hit {
		p.addProgress(pos)
		return true, nil
	}

	w, ok := p.addWork(pos)
	if !ok {
		return false, nil
	}
	w.filter = filter

	log.Debugf("Subchain %v %v matched block %v", s.cfg.ID, p.kind, pos)

	w.DownloadBlock(ctx, s.cfg.Blocks)
	s.watch(w)

	return true, nil
}

// runProcess requests failed blocks again and commits what the scan and the
// rescan finished.
func (s *Subchain) runProcess(ctx context.Context) error {
	for _, p := range []*pipeline{s.scan, s.rescan} {
		for _, w := range p.work() {
			if !w.retry {
				continue
			}

			w.retry = false
			w.DownloadBlock(ctx, s.cfg.Blocks)
			s.watch(w)
		}
	}

	return s.commitAll(ctx)
}

// commitAll commits what the scan and the rescan finished.
func (s *Subchain) commitAll(ctx context.Context) error {
	return errors.Join(s.commit(ctx, s.scan), s.commit(ctx, s.rescan))
}

// commit writes the leading finished blocks of the pipeline to the store in
// a single transaction. Blocks are committed strictly in order, so a block
// still downloading holds back all blocks after it. If the commit fails
// nothing moves and the blocks are committed on the next attempt.
func (s *Subchain) commit(ctx context.Context, p *pipeline) error {
	var (
		m          = newMatcher(s.patterns, s.outpoints, s.cfg.Clock.Now())
		u          scandb.Update
		last       chainsync.Position
		used       []uint32
		n          int
		downloaded int
	)
	for _, st := range p.steps {
		if w := st.work; w != nil {
			if !w.Downloaded() {
				break
			}

			if err := w.Do(m); err != nil {
				if !w.retry {
					log.Warnf("Subchain %v unable to process "+
						"block %v, retrying: %v",
						s.cfg.ID, st.pos, err)
				}
				w.retry = true

				break
			}

			used = append(used, w.GetResults(&u)...)
			downloaded++
		}

		last = st.pos
		n++
	}
	if n == 0 {
		return nil
	}

	if p.kind == Scan {
		u.Progress = &last
	} else {
		u.RescanProgress = &last
	}

	err := s.cfg.Store.Commit(ctx, s.cfg.Index, &u)
	s.cfg.Metrics.WhenSome(func(metrics *syncmetrics.Metrics) {
		metrics.ObserveCommit(p.kind.String(), err, n, downloaded)
	})
	if err != nil {
		return fmt.Errorf("unable to commit %d blocks up to %v: %w", n,
			last, err)
	}

	for _, sp := range u.Spent {
		delete(m.outpoints, sp.OutPoint)
	}
	s.outpoints = m.outpoints
	for _, index := range used {
		s.markUsed(index)
	}

	if p.kind == Scan {
		s.progress = last
		s.progressLog.LogBlocks(last, n, downloaded)
	} else {
		s.rescanned = last
	}

	sizes := p.pop(n)
	s.cfg.Metrics.WhenSome(func(metrics *syncmetrics.Metrics) {
		if p.kind == Scan {
			metrics.SetSubchainHeight(
				s.cfg.ID.String(), s.progress.Height,
			)
		}
		for _, size := range sizes {
			metrics.ObserveBatch(size)
		}
	})

	if len(u.Created) > 0 || len(u.Spent) > 0 {
		log.Infof("Subchain %v %v found %d outputs worth %v and %d "+
			"spends up to %v", s.cfg.ID, p.kind, len(u.Created),
			amount(u.Created), len(u.Spent), last)
	}

	return nil
}

// runMempool matches the queued unconfirmed transactions. Matches are
// reported, nothing is persisted.
func (s *Subchain) runMempool() error {
	if len(s.mempool) == 0 {
		return nil
	}

	m := newMatcher(s.patterns, s.outpoints, s.cfg.Clock.Now())
	for _, tx := range s.mempool {
		res, err := m.matchTx(tx, chainsync.Position{})
		if err != nil {
			return err
		}
		if res == nil {
			continue
		}

		match := &MempoolMatch{
			ID:      s.cfg.ID,
			Tx:      tx,
			Indices: res.indices,
		}
		for _, sp := range res.spent {
			match.Spends = append(match.Spends, sp.OutPoint)
		}

		log.Debugf("Subchain %v mempool tx %v pays to %d indices and "+
			"spends %d outputs", s.cfg.ID, tx.TxHash(),
			len(match.Indices), len(match.Spends))

		if s.cfg.OnMempoolMatch != nil {
			s.cfg.OnMempoolMatch(match)
		}
	}
	s.mempool = nil

	return nil
}
