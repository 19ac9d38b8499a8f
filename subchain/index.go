package subchain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightninglabs/walletsync/scandb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultLookahead is the number of unused derivation indices a
// deterministic subchain watches beyond its highest used index.
const DefaultLookahead = 20

// p2wpkhScript returns the pay-to-witness-pubkey-hash script of a key.
func p2wpkhScript(pub *btcec.PublicKey,
	params *chaincfg.Params) ([]byte, error) {

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), params,
	)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

// deriveScript derives the script of the child key at the given index of a
// branch key.
func deriveScript(branch *hdkeychain.ExtendedKey, index uint32,
	params *chaincfg.Params) ([]byte, error) {

	child, err := branch.Derive(index)
	if err != nil {
		return nil, err
	}

	pub, err := child.ECPubKey()
	if err != nil {
		return nil, err
	}

	return p2wpkhScript(pub, params)
}

// runIndex derives the scripts of a deterministic subchain up to its
// lookahead past the highest used index. Notification subchains get their
// patterns through AddElements instead.
func (s *Subchain) runIndex() error {
	if s.cfg.BranchKey.IsNone() {
		return nil
	}
	branch := s.cfg.BranchKey.UnwrapOr(nil)

	want := s.cfg.Lookahead
	s.used.WhenSome(func(used uint32) {
		want = used + 1 + s.cfg.Lookahead
	})

	fresh := make(scandb.ElementMap)
	for i := uint32(0); i < want; i++ {
		if _, ok := s.patterns[i]; ok {
			continue
		}

		script, err := deriveScript(branch, i, s.cfg.ChainParams)
		switch {
		// Indices without a valid child are skipped.
		case errors.Is(err, hdkeychain.ErrInvalidChild):
			log.Warnf("Subchain %v skipping invalid child %d",
				s.cfg.ID, i)

			continue

		case err != nil:
			return fmt.Errorf("unable to derive index %d: %w", i,
				err)
		}

		fresh[i] = script
	}

	return s.addPatterns(fresh)
}

// addPatterns persists new patterns. If the subchain scanned blocks
// without them, a rescan from its birthday is queued.
func (s *Subchain) addPatterns(fresh scandb.ElementMap) error {
	if len(fresh) == 0 {
		return nil
	}

	if err := s.cfg.Store.AddPatterns(s.cfg.Index, fresh); err != nil {
		return fmt.Errorf("unable to store patterns: %w", err)
	}

	for i, script := range fresh {
		s.patterns[i] = script
	}

	log.Debugf("Subchain %v added %d patterns, watching %d", s.cfg.ID,
		len(fresh), len(s.patterns))

	if s.cfg.Birthday.Less(s.scan.frontier) {
		log.Infof("Subchain %v queueing rescan from %v for new "+
			"patterns", s.cfg.ID, s.cfg.Birthday)

		s.rescanner.enqueue(s.cfg.Birthday.Height+1, openEnded)
	}

	return nil
}

// markUsed records that an output paid to the given derivation index.
func (s *Subchain) markUsed(index uint32) {
	if s.used.IsNone() || s.used.UnwrapOr(0) < index {
		s.used = fn.Some(index)
	}
}
