package filteroracle

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/kkdai/bstream"
)

// ErrMalformedFilter is returned for filters whose coded set can't be
// decoded.
var ErrMalformedFilter = errors.New("malformed filter")

// DecodeFilter parses a filter serialized with its element count and checks
// that its coded set decodes.
func DecodeFilter(params Params, data []byte) (*gcs.Filter, error) {
	filter, err := gcs.FromNBytes(params.P, params.M, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFilter, err)
	}

	if err := CheckFilter(filter, params); err != nil {
		return nil, err
	}

	return filter, nil
}

// CheckFilter walks every Golomb-Rice coded value of the filter. Parsing a
// filter only reads its element count, so a truncated set would otherwise
// only fail once the filter is matched. Values beyond the modulus and bytes
// after the last value are rejected too.
func CheckFilter(filter *gcs.Filter, params Params) error {
	body, err := filter.Bytes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFilter, err)
	}

	var (
		n       = uint64(filter.N())
		modulus = n * params.M
		r       = bstream.NewBStreamReader(body)
		value   uint64
		bits    uint64
	)
	for i := uint64(0); i < n; i++ {
		var quotient uint64
		for {
			bit, err := r.ReadBit()
			if err != nil {
				return fmt.Errorf("%w: value %d of %d truncated",
					ErrMalformedFilter, i, n)
			}
			bits++

			if !bit {
				break
			}
			quotient++
		}

		remainder, err := r.ReadBits(int(params.P))
		if err != nil {
			return fmt.Errorf("%w: value %d of %d truncated",
				ErrMalformedFilter, i, n)
		}
		bits += uint64(params.P)

		value += quotient<<params.P + remainder
		if value >= modulus {
			return fmt.Errorf("%w: value %d of %d exceeds modulus %d",
				ErrMalformedFilter, i, n, modulus)
		}
	}

	if used := (bits + 7) / 8; used != uint64(len(body)) {
		return fmt.Errorf("%w: %d bytes after %d values",
			ErrMalformedFilter, uint64(len(body))-used, n)
	}

	return nil
}

// VerifyBlockFilter checks that a filter was built correctly for a block,
// that is that every output script of the block is matched. The number of
// OP_RETURN outputs the filter matches is returned. Older filters included
// those, so a high count hints at a source serving outdated filters.
func VerifyBlockFilter(filter *gcs.Filter, block *btcutil.Block) (int,
	error) {

	if filter == nil {
		return 0, fmt.Errorf("no filter for block %v", block.Hash())
	}

	var (
		opReturnMatches int
		key             = builder.DeriveKey(block.Hash())
	)
	for _, tx := range block.Transactions() {
		for outIdx, txOut := range tx.MsgTx().TxOut {
			// Blank scripts carry no information and aren't
			// indexed.
			if len(txOut.PkScript) == 0 {
				continue
			}

			match, err := filter.Match(key, txOut.PkScript)
			if err != nil {
				return 0, fmt.Errorf("error validating block "+
					"%v outpoint %v:%d script %x: %v",
					block.Hash(), tx.Hash(), outIdx,
					txOut.PkScript, err)
			}

			if txOut.PkScript[0] == txscript.OP_RETURN {
				if match {
					opReturnMatches++
				}

				continue
			}

			if !match {
				return 0, fmt.Errorf("filter for block %v is "+
					"invalid, outpoint %v:%d script %x "+
					"wasn't matched by filter",
					block.Hash(), tx.Hash(), outIdx,
					txOut.PkScript)
			}
		}
	}

	return opReturnMatches, nil
}

// MatchAny reports whether the filter of the block with the given hash
// matches any of the scripts.
func MatchAny(filter *gcs.Filter, blockHash chainhash.Hash,
	scripts [][]byte) (bool, error) {

	if filter == nil || len(scripts) == 0 {
		return false, nil
	}

	key := builder.DeriveKey(&blockHash)

	return filter.MatchAny(key, scripts)
}
