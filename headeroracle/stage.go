package headeroracle

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/headerfs"
)

// stage collects changes to the header graph on top of the committed state.
// Nodes are copied before they are modified so the committed graph stays
// untouched until the changes are persisted.
type stage struct {
	o  *Oracle
	cp *chainsync.Checkpoint

	nodes map[chainhash.Hash]*node

	orphans        map[chainhash.Hash][]chainhash.Hash
	removedOrphans map[chainhash.Hash]struct{}

	// connected are the nodes connected within this stage, in order.
	connected []*node

	seq uint64

	// recompute is set when statuses must be re-evaluated against the
	// whole graph.
	recompute bool

	// full is set once statuses were re-evaluated, which requires the tip
	// to be selected among all headers.
	full bool
}

func newStage(o *Oracle) *stage {
	return &stage{
		o:              o,
		cp:             o.checkpoint,
		nodes:          make(map[chainhash.Hash]*node),
		orphans:        make(map[chainhash.Hash][]chainhash.Hash),
		removedOrphans: make(map[chainhash.Hash]struct{}),
		seq:            o.nextSeq,
	}
}

// get returns the staged version of a node, falling back to the committed
// one.
func (s *stage) get(hash chainhash.Hash) *node {
	if n, ok := s.nodes[hash]; ok {
		return n
	}

	return s.o.index[hash]
}

// modify returns a staged copy of the node that may be changed freely.
func (s *stage) modify(hash chainhash.Hash) *node {
	if n, ok := s.nodes[hash]; ok {
		return n
	}

	n := *s.o.index[hash]
	s.nodes[hash] = &n

	return &n
}

func (s *stage) nextSeq() uint64 {
	seq := s.seq
	s.seq++

	return seq
}

func (s *stage) addOrphan(n *node) {
	parent := n.header.PrevBlock

	s.nodes[n.hash] = n
	s.orphans[parent] = append(s.orphans[parent], n.hash)
}

func (s *stage) orphanChildren(parent chainhash.Hash) []chainhash.Hash {
	var children []chainhash.Hash
	if _, ok := s.removedOrphans[parent]; !ok {
		children = append(children, s.o.orphans[parent]...)
	}

	return append(children, s.orphans[parent]...)
}

// connect links the node to its parent, then connects every disconnected
// descendant that was waiting for it.
func (s *stage) connect(n, parent *node) {
	type link struct {
		child, parent *node
	}

	queue := []link{{n, parent}}
	for len(queue) > 0 {
		l := queue[0]
		queue = queue[1:]

		child := l.child
		child.height = l.parent.height + 1
		child.work = new(big.Int).Add(
			l.parent.work, blockchain.CalcWork(child.header.Bits),
		)
		child.status = computeStatus(
			child, s.cp, nil, l.parent.status,
		)

		s.nodes[child.hash] = child
		s.connected = append(s.connected, child)

		if s.cp != nil && child.height <= s.cp.Height {
			s.recompute = true
		}

		children := s.orphanChildren(child.hash)
		s.removedOrphans[child.hash] = struct{}{}
		delete(s.orphans, child.hash)

		for _, hash := range children {
			queue = append(queue, link{s.modify(hash), child})
		}
	}
}

// recomputeStatuses re-evaluates the status of every connected header
// against the checkpoint.
func (s *stage) recomputeStatuses(cp *chainsync.Checkpoint) {
	s.cp = cp
	s.full = true

	nodes := s.o.connectedNodes(s.get, s.nodes)
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].height < nodes[j].height
	})

	ancestry := s.checkpointAncestry(cp)

	statuses := make(map[chainhash.Hash]headerfs.Status, len(nodes))
	for _, n := range nodes {
		var parentStatus headerfs.Status
		if n.height > 0 {
			parentStatus = statuses[n.header.PrevBlock]
		}

		status := computeStatus(n, cp, ancestry, parentStatus)
		statuses[n.hash] = status

		if status != n.status {
			s.modify(n.hash).status = status
		}
	}
}

// checkpointAncestry returns the hashes of the known ancestors of the
// checkpoint block, or nil if neither the checkpoint block nor its parent is
// connected.
func (s *stage) checkpointAncestry(
	cp *chainsync.Checkpoint) map[chainhash.Hash]struct{} {

	if cp == nil {
		return nil
	}

	anchor := s.get(cp.Hash)
	if anchor == nil || !anchor.status.Connected() ||
		anchor.height != cp.Height {

		anchor = s.get(cp.ParentHash)
	}
	if anchor == nil || !anchor.status.Connected() ||
		anchor.height+1 < cp.Height {

		return nil
	}

	ancestry := make(map[chainhash.Hash]struct{}, anchor.height+1)
	for n := anchor; ; n = s.get(n.header.PrevBlock) {
		ancestry[n.hash] = struct{}{}
		if n.height == 0 {
			break
		}
	}

	return ancestry
}

// computeStatus returns the status of a connected node. A nil ancestry means
// headers far below the checkpoint can't be judged yet.
func computeStatus(n *node, cp *chainsync.Checkpoint,
	ancestry map[chainhash.Hash]struct{},
	parentStatus headerfs.Status) headerfs.Status {

	if cp == nil {
		return headerfs.StatusNormal
	}

	if n.height > 0 && parentStatus == headerfs.StatusCheckpointBanned {
		return headerfs.StatusCheckpointBanned
	}

	switch {
	case n.height == cp.Height:
		if n.hash == cp.Hash {
			return headerfs.StatusCheckpoint
		}

		return headerfs.StatusCheckpointBanned

	case n.height+1 == cp.Height:
		if n.hash != cp.ParentHash {
			return headerfs.StatusCheckpointBanned
		}

	case n.height+1 < cp.Height && ancestry != nil:
		if _, ok := ancestry[n.hash]; !ok {
			return headerfs.StatusCheckpointBanned
		}
	}

	return headerfs.StatusNormal
}

// commit persists the staged changes, then applies them to the oracle and
// notifies subscribers of a new tip.
func (s *stage) commit(newCP *chainsync.Checkpoint, deleteCP bool) error {
	o := s.o

	var tip *node
	if s.full {
		tip = o.selectTip(s.get, o.connectedNodes(s.get, s.nodes))
	} else {
		oldTip := s.get(o.best[len(o.best)-1])
		tip = o.selectTip(s.get, append([]*node{oldTip}, s.connected...))
	}

	records := make([]*headerfs.Record, 0, len(s.nodes))
	for _, n := range s.nodes {
		records = append(records, n.record())
	}

	if len(records) > 0 || newCP != nil || deleteCP {
		err := o.cfg.Store.WriteBatch(&headerfs.Batch{
			Records:          records,
			Checkpoint:       newCP,
			DeleteCheckpoint: deleteCP,
		})
		if err != nil {
			return fmt.Errorf("unable to persist headers: %w", err)
		}
	}

	for hash, n := range s.nodes {
		o.index[hash] = n
	}
	for parent := range s.removedOrphans {
		delete(o.orphans, parent)
	}
	for parent, children := range s.orphans {
		o.orphans[parent] = append(o.orphans[parent], children...)
	}
	o.nextSeq = s.seq

	switch {
	case newCP != nil:
		cp := *newCP
		o.checkpoint = &cp

	case deleteCP:
		o.checkpoint = nil
	}

	oldTip := o.tipLocked()

	// Walk back from the new tip until we meet the current best chain.
	var path []chainhash.Hash
	n := o.index[tip.hash]
	for !o.inBestLocked(n.position()) {
		path = append(path, n.hash)
		n = o.index[n.header.PrevBlock]
	}
	fork := n.position()

	best := o.best[:fork.Height+1]
	for i := len(path) - 1; i >= 0; i-- {
		best = append(best, path[i])
	}
	o.best = best

	newTip := o.tipLocked()
	if newTip.Equal(oldTip) {
		return nil
	}

	event := ChainEvent{
		Type:     BlockConnected,
		Tip:      newTip,
		Ancestor: oldTip,
	}
	if !fork.Equal(oldTip) {
		event.Type = ChainReorg
		event.Ancestor = fork

		log.Infof("Best chain reorganized from %v to %v, common "+
			"ancestor %v", oldTip, newTip, fork)
	} else {
		log.Debugf("Best chain extended from %v to %v", oldTip, newTip)
	}

	o.notify(event)

	return nil
}
