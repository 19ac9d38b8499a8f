package main

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/lightninglabs/walletsync"
)

// Subsystem defines the logging code for the daemon.
const Subsystem = "WSYD"

// log is the logger of the daemon. It is replaced once the log handler is
// set up.
var log = btclog.Disabled

// setupLoggers gives every package a logger writing to the handler and
// returns the loggers by subsystem, the daemon's own included.
func setupLoggers(handler btclog.Handler) map[string]btclog.Logger {
	loggers := walletsync.UseHandler(handler)

	log = btclog.NewSLogger(handler.SubSystem(Subsystem))
	loggers[Subsystem] = log

	return loggers
}
