package scandb

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightninglabs/walletsync/chainsync"
)

// ErrCorruptRecord is returned when a stored record can't be decoded.
var ErrCorruptRecord = errors.New("corrupt record")

const (
	// positionSize is the size of a serialized position: height || hash.
	positionSize = 4 + chainhash.HashSize

	// outPointSize is the size of a serialized outpoint: txid || index.
	outPointSize = chainhash.HashSize + 4

	// outputFixedSize is the size of an output record without its script:
	// position || value || derivation index.
	outputFixedSize = positionSize + 8 + 4

	// spendSize is the size of a spend record: position || spending txid.
	spendSize = positionSize + chainhash.HashSize

	// txFixedSize is the size of a transaction record without the
	// transaction: position || received.
	txFixedSize = positionSize + 8
)

func putPosition(b []byte, pos chainsync.Position) {
	binary.BigEndian.PutUint32(b[:4], pos.Height)
	copy(b[4:positionSize], pos.Hash[:])
}

func encodePosition(pos chainsync.Position) []byte {
	var b [positionSize]byte
	putPosition(b[:], pos)

	return b[:]
}

func decodePosition(b []byte) (chainsync.Position, error) {
	if len(b) < positionSize {
		return chainsync.Position{}, ErrCorruptRecord
	}

	var pos chainsync.Position
	pos.Height = binary.BigEndian.Uint32(b[:4])
	copy(pos.Hash[:], b[4:positionSize])

	return pos, nil
}

func encodeOutPoint(op *wire.OutPoint) []byte {
	var b [outPointSize]byte
	copy(b[:chainhash.HashSize], op.Hash[:])
	binary.BigEndian.PutUint32(b[chainhash.HashSize:], op.Index)

	return b[:]
}

func decodeOutPoint(b []byte) (wire.OutPoint, error) {
	if len(b) != outPointSize {
		return wire.OutPoint{}, ErrCorruptRecord
	}

	var op wire.OutPoint
	copy(op.Hash[:], b[:chainhash.HashSize])
	op.Index = binary.BigEndian.Uint32(b[chainhash.HashSize:])

	return op, nil
}

func encodeOutput(o *Output) []byte {
	b := make([]byte, outputFixedSize+len(o.PkScript))
	putPosition(b, o.Block)
	binary.BigEndian.PutUint64(b[positionSize:], uint64(o.Value))
	binary.BigEndian.PutUint32(b[positionSize+8:], o.Index)
	copy(b[outputFixedSize:], o.PkScript)

	return b
}

func decodeOutput(key, value []byte) (*Output, error) {
	op, err := decodeOutPoint(key)
	if err != nil {
		return nil, err
	}
	if len(value) < outputFixedSize {
		return nil, ErrCorruptRecord
	}

	pos, err := decodePosition(value)
	if err != nil {
		return nil, err
	}

	script := make([]byte, len(value)-outputFixedSize)
	copy(script, value[outputFixedSize:])

	return &Output{
		OutPoint: op,
		Value: int64(binary.BigEndian.Uint64(
			value[positionSize : positionSize+8],
		)),
		PkScript: script,
		Index:    binary.BigEndian.Uint32(value[positionSize+8:]),
		Block:    pos,
	}, nil
}

func encodeSpend(s *Spend) []byte {
	b := make([]byte, spendSize)
	putPosition(b, s.Block)
	copy(b[positionSize:], s.SpentBy[:])

	return b
}

func decodeSpend(key, value []byte) (*Spend, error) {
	op, err := decodeOutPoint(key)
	if err != nil {
		return nil, err
	}
	if len(value) != spendSize {
		return nil, ErrCorruptRecord
	}

	pos, err := decodePosition(value)
	if err != nil {
		return nil, err
	}

	s := &Spend{
		OutPoint: op,
		Block:    pos,
	}
	copy(s.SpentBy[:], value[positionSize:])

	return s, nil
}

func encodeTx(m *TxMatch) ([]byte, error) {
	serialized := m.Record.SerializedTx
	if serialized == nil {
		rec, err := wtxmgr.NewTxRecordFromMsgTx(
			&m.Record.MsgTx, m.Record.Received,
		)
		if err != nil {
			return nil, err
		}
		serialized = rec.SerializedTx
	}

	b := make([]byte, txFixedSize+len(serialized))
	putPosition(b, chainsync.NewPosition(
		uint32(m.Block.Height), m.Block.Hash,
	))
	binary.BigEndian.PutUint64(
		b[positionSize:], uint64(m.Record.Received.UnixNano()),
	)
	copy(b[txFixedSize:], serialized)

	return b, nil
}

func decodeTx(value []byte) (*TxMatch, error) {
	if len(value) < txFixedSize {
		return nil, ErrCorruptRecord
	}

	pos, err := decodePosition(value)
	if err != nil {
		return nil, err
	}

	received := time.Unix(0, int64(binary.BigEndian.Uint64(
		value[positionSize:txFixedSize],
	)))

	serialized := make([]byte, len(value)-txFixedSize)
	copy(serialized, value[txFixedSize:])

	rec, err := wtxmgr.NewTxRecord(serialized, received)
	if err != nil {
		return nil, err
	}

	return &TxMatch{
		Record: rec,
		Block: wtxmgr.Block{
			Hash:   pos.Hash,
			Height: int32(pos.Height),
		},
	}, nil
}

func indexKey(index uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], index)

	return b[:]
}

func derivationKey(index uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], index)

	return b[:]
}
