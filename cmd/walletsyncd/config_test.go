package main

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightninglabs/walletsync"
	"github.com/stretchr/testify/require"
)

func TestParseAccount(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	seed := bytes.Repeat([]byte{0x01}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, params)
	require.NoError(t, err)

	xprv, err := master.Derive(hdkeychain.HardenedKeyStart + 84)
	require.NoError(t, err)
	xpub, err := xprv.Neuter()
	require.NoError(t, err)

	account, err := parseAccount("savings:"+xpub.String(), params)
	require.NoError(t, err)
	require.Equal(t, "savings", account.id)
	require.Equal(t, xpub.String(), account.key.String())
	require.Zero(t, account.birthday)

	account, err = parseAccount(
		fmt.Sprintf("savings:%v:1200", xpub), params,
	)
	require.NoError(t, err)
	require.EqualValues(t, 1200, account.birthday)

	_, err = parseAccount("savings:"+xprv.String(), params)
	require.ErrorIs(t, err, walletsync.ErrPrivateAccountKey)

	_, err = parseAccount("savings:"+xpub.String(), &chaincfg.MainNetParams)
	require.Error(t, err)

	for _, raw := range []string{
		xpub.String(),
		":" + xpub.String(),
		"savings:" + xpub.String() + ":12:34",
		"savings:" + xpub.String() + ":tomorrow",
		"savings:xpubinvalid",
	} {
		_, err := parseAccount(raw, params)
		require.Error(t, err, raw)
	}
}

func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	newLogger := func() btclog.Logger {
		return btclog.NewSLogger(btclog.NewDefaultHandler(io.Discard))
	}
	loggers := map[string]btclog.Logger{
		"AAAA": newLogger(),
		"BBBB": newLogger(),
	}

	require.NoError(t, parseAndSetDebugLevels("debug", loggers))
	require.Equal(t, btclog.LevelDebug, loggers["AAAA"].Level())
	require.Equal(t, btclog.LevelDebug, loggers["BBBB"].Level())

	require.NoError(t, parseAndSetDebugLevels("warn,BBBB=trace", loggers))
	require.Equal(t, btclog.LevelWarn, loggers["AAAA"].Level())
	require.Equal(t, btclog.LevelTrace, loggers["BBBB"].Level())

	for _, level := range []string{
		"loud", "AAAA=loud", "CCCC=info", "info,AAAA", "AAAA=info=x",
	} {
		require.Error(t, parseAndSetDebugLevels(level, loggers), level)
	}
}
