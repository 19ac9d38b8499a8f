package chainsync

import (
	"errors"
	"fmt"
)

// ErrInvalidSubchainID is returned when a serialized subchain id can't be
// decoded.
var ErrInvalidSubchainID = errors.New("invalid subchain id")

// SubchainKind is the derivation lineage a subchain tracks.
type SubchainKind uint8

const (
	// External is the receive address chain of an account.
	External SubchainKind = iota

	// Internal is the change address chain of an account.
	Internal

	// Notification is a payment code notification channel. Its patterns
	// arrive out of band instead of being derived.
	Notification
)

// String returns a human readable version of the subchain kind.
func (k SubchainKind) String() string {
	switch k {
	case External:
		return "external"
	case Internal:
		return "internal"
	case Notification:
		return "notification"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// SubchainID identifies a subchain by the account it belongs to and its
// kind.
type SubchainID struct {
	// Account is the id of the owning account.
	Account string

	// Kind is the subchain kind.
	Kind SubchainKind
}

// String returns a human readable representation of the id.
func (s SubchainID) String() string {
	return fmt.Sprintf("%s/%v", s.Account, s.Kind)
}

// Bytes serializes the id as the kind followed by the account.
func (s SubchainID) Bytes() []byte {
	b := make([]byte, 0, 1+len(s.Account))
	b = append(b, byte(s.Kind))

	return append(b, s.Account...)
}

// SubchainIDFromBytes decodes an id serialized with Bytes.
func SubchainIDFromBytes(b []byte) (SubchainID, error) {
	if len(b) < 2 {
		return SubchainID{}, ErrInvalidSubchainID
	}

	return SubchainID{
		Account: string(b[1:]),
		Kind:    SubchainKind(b[0]),
	}, nil
}
