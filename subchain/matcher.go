package subchain

import (
	"maps"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/scandb"
)

// matcher finds the outputs and spends of a subchain in transactions. It
// works on a copy of the subchain's outpoints, so results of uncommitted
// blocks never leak into the subchain.
type matcher struct {
	scripts   map[string]uint32
	outpoints map[wire.OutPoint]struct{}
	received  time.Time
}

func newMatcher(patterns scandb.ElementMap,
	outpoints map[wire.OutPoint]struct{}, received time.Time) *matcher {

	scripts := make(map[string]uint32, len(patterns))
	for index, script := range patterns {
		scripts[string(script)] = index
	}

	return &matcher{
		scripts:   scripts,
		outpoints: maps.Clone(outpoints),
		received:  received,
	}
}

// txMatch is what a transaction means to a subchain.
type txMatch struct {
	tx      *scandb.TxMatch
	created []*scandb.Output
	spent   []*scandb.Spend
	indices []uint32
}

// matchTx returns the outputs the transaction creates for the subchain and
// the subchain outputs it spends, or nil if it doesn't touch the subchain.
// Unconfirmed transactions are matched with a zero position.
func (m *matcher) matchTx(tx *wire.MsgTx,
	pos chainsync.Position) (*txMatch, error) {

	var (
		res  txMatch
		hash = tx.TxHash()
	)
	if !blockchain.IsCoinBaseTx(tx) {
		for _, in := range tx.TxIn {
			if _, ok := m.outpoints[in.PreviousOutPoint]; !ok {
				continue
			}

			res.spent = append(res.spent, &scandb.Spend{
				OutPoint: in.PreviousOutPoint,
				SpentBy:  hash,
				Block:    pos,
			})
		}
	}

	for i, out := range tx.TxOut {
		index, ok := m.scripts[string(out.PkScript)]
		if !ok {
			continue
		}

		op := wire.OutPoint{Hash: hash, Index: uint32(i)}
		m.outpoints[op] = struct{}{}

		res.created = append(res.created, &scandb.Output{
			OutPoint: op,
			Value:    out.Value,
			PkScript: out.PkScript,
			Index:    index,
			Block:    pos,
		})
		res.indices = append(res.indices, index)
	}

	if len(res.created) == 0 && len(res.spent) == 0 {
		return nil, nil
	}

	rec, err := wtxmgr.NewTxRecordFromMsgTx(tx, m.received)
	if err != nil {
		return nil, err
	}
	res.tx = &scandb.TxMatch{
		Record: rec,
		Block: wtxmgr.Block{
			Hash:   pos.Hash,
			Height: int32(pos.Height),
		},
	}

	log.Tracef("Transaction %v creates %d and spends %d outputs at %v",
		hash, len(res.created), len(res.spent), pos)

	return &res, nil
}

// amount sums the values of the outputs.
func amount(outputs []*scandb.Output) btcutil.Amount {
	var total btcutil.Amount
	for _, o := range outputs {
		total += btcutil.Amount(o.Value)
	}

	return total
}
