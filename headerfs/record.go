package headerfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Status describes how a stored header relates to the chain and to the active
// checkpoint.
type Status uint8

const (
	// StatusNormal is a header that connects to the genesis block and
	// doesn't conflict with the active checkpoint.
	StatusNormal Status = iota

	// StatusDisconnected is a header whose parent isn't known yet.
	StatusDisconnected

	// StatusCheckpointBanned is a header that conflicts with the active
	// checkpoint, or descends from one that does.
	StatusCheckpointBanned

	// StatusCheckpoint is the header the active checkpoint points at.
	StatusCheckpoint
)

// String returns a human readable version of the status.
func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusDisconnected:
		return "disconnected"
	case StatusCheckpointBanned:
		return "checkpoint_banned"
	case StatusCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Connected returns true if the header is linked to the genesis block.
func (s Status) Connected() bool {
	return s != StatusDisconnected
}

// ErrInvalidRecord is returned when a stored record can't be decoded.
var ErrInvalidRecord = errors.New("invalid header record")

// Record is a block header as it is persisted by the header store, along with
// the chain context computed for it.
type Record struct {
	// Header is the raw block header.
	Header wire.BlockHeader

	// Height is the height of the header. It is zero for disconnected
	// headers as their height is unknown.
	Height uint32

	// Work is the cumulative work of the chain ending at this header. For
	// disconnected headers only the header's own work is known.
	Work *big.Int

	// Status is the status of the header.
	Status Status

	// Sequence is the order in which the header was first seen. It breaks
	// ties between chains of equal work.
	Sequence uint64
}

// Hash returns the block hash of the record's header.
func (r *Record) Hash() chainhash.Hash {
	return r.Header.BlockHash()
}

// recordFixedSize is the size of the fixed part of a serialized record:
// header || height || status || sequence.
const recordFixedSize = wire.MaxBlockHeaderPayload + 4 + 1 + 8

// encode serializes the record as:
// header || height || status || sequence || work.
func (r *Record) encode() ([]byte, error) {
	var b bytes.Buffer
	b.Grow(recordFixedSize + 32)

	if err := r.Header.Serialize(&b); err != nil {
		return nil, err
	}

	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], r.Height)
	b.Write(scratch[:4])
	b.WriteByte(byte(r.Status))
	binary.BigEndian.PutUint64(scratch[:], r.Sequence)
	b.Write(scratch[:])

	if r.Work != nil {
		b.Write(r.Work.Bytes())
	}

	return b.Bytes(), nil
}

// decodeRecord deserializes a record written by encode.
func decodeRecord(raw []byte) (*Record, error) {
	if len(raw) < recordFixedSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidRecord,
			len(raw))
	}

	var r Record
	err := r.Header.Deserialize(
		bytes.NewReader(raw[:wire.MaxBlockHeaderPayload]),
	)
	if err != nil {
		return nil, err
	}

	rest := raw[wire.MaxBlockHeaderPayload:]
	r.Height = binary.BigEndian.Uint32(rest[:4])
	r.Status = Status(rest[4])
	r.Sequence = binary.BigEndian.Uint64(rest[5:13])
	r.Work = new(big.Int).SetBytes(rest[13:])

	return &r, nil
}
