package walletsync

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/scandb"
)

const (
	// ExternalBranch is the BIP32 branch of receive addresses.
	ExternalBranch uint32 = 0

	// InternalBranch is the BIP32 branch of change addresses.
	InternalBranch uint32 = 1
)

var (
	// ErrUnknownSubchain is returned for subchains that were never added.
	ErrUnknownSubchain = errors.New("unknown subchain")

	// ErrPrivateAccountKey is returned when an account is added with a
	// private key. Scanning only needs the public key.
	ErrPrivateAccountKey = errors.New("account key must be public")

	// ErrEmptyAccount is returned for accounts without an id.
	ErrEmptyAccount = errors.New("account id is empty")
)

// NymAccount is a deterministic account of a wallet identity. Its external
// and internal branches are scanned as separate subchains.
type NymAccount struct {
	// ID identifies the account.
	ID string

	// AccountKey is the extended public key of the account, for example
	// the key at m/84'/0'/0'.
	AccountKey *hdkeychain.ExtendedKey

	// Birthday is the last block that can't pay to the account. Zero
	// scans from the genesis block.
	Birthday chainsync.Position
}

// validate checks that the account can be scanned.
func (n *NymAccount) validate() error {
	switch {
	case n.ID == "":
		return ErrEmptyAccount

	case n.AccountKey == nil:
		return fmt.Errorf("account %v has no key", n.ID)

	case n.AccountKey.IsPrivate():
		return fmt.Errorf("%w: account %v", ErrPrivateAccountKey, n.ID)
	}

	return nil
}

// branchKey derives the key of a branch of the account.
func (n *NymAccount) branchKey(branch uint32) (*hdkeychain.ExtendedKey,
	error) {

	key, err := n.AccountKey.Derive(branch)
	if err != nil {
		return nil, fmt.Errorf("unable to derive branch %d of "+
			"account %v: %w", branch, n.ID, err)
	}

	return key, nil
}

// NotificationChannel is a payment code notification channel. Its scripts
// are not derived locally, they are handed to the subchain as elements.
type NotificationChannel struct {
	// ID identifies the account the channel belongs to.
	ID string

	// Birthday is the last block that can't pay to the channel.
	Birthday chainsync.Position

	// Elements are the scripts to watch, keyed by their index.
	Elements scandb.ElementMap
}
