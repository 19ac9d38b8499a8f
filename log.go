package walletsync

import (
	"maps"
	"slices"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightninglabs/walletsync/blockoracle"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/chanutils"
	"github.com/lightninglabs/walletsync/filterdb"
	"github.com/lightninglabs/walletsync/filteroracle"
	"github.com/lightninglabs/walletsync/headeroracle"
	"github.com/lightninglabs/walletsync/scandb"
	"github.com/lightninglabs/walletsync/subchain"
	"github.com/lightninglabs/walletsync/syncdata"
)

// Subsystem defines the logging code for this subsystem.
const Subsystem = "WSYN"

// log is a logger that is initialized with no output filters. This means the
// package will not perform any logging by default until the caller requests
// it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	DisableLog()
}

// subLoggers maps the subsystem of every package to its logger setter.
var subLoggers = map[string]func(btclog.Logger){
	Subsystem:              useLogger,
	blockoracle.Subsystem:  blockoracle.UseLogger,
	chainsync.Subsystem:    chainsync.UseLogger,
	chanutils.Subsystem:    chanutils.UseLogger,
	filterdb.Subsystem:     filterdb.UseLogger,
	filteroracle.Subsystem: filteroracle.UseLogger,
	headeroracle.Subsystem: headeroracle.UseLogger,
	scandb.Subsystem:       scandb.UseLogger,
	subchain.Subsystem:     subchain.UseLogger,
	syncdata.Subsystem:     syncdata.UseLogger,
}

// DisableLog disables all library log output. Logging output is disabled by
// default until UseLogger is called.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info. The
// logger is passed on to all sub-packages.
func UseLogger(logger btclog.Logger) {
	for _, use := range subLoggers {
		use(logger)
	}
}

func useLogger(logger btclog.Logger) {
	log = logger
}

// SupportedSubsystems returns the sorted subsystems of all packages.
func SupportedSubsystems() []string {
	return slices.Sorted(maps.Keys(subLoggers))
}

// UseHandler gives every package a logger tagged with its subsystem that
// writes to the handler. The loggers are returned by subsystem, so their
// levels can be set individually.
func UseHandler(handler btclog.Handler) map[string]btclog.Logger {
	loggers := make(map[string]btclog.Logger, len(subLoggers))
	for subsystem, use := range subLoggers {
		logger := btclog.NewSLogger(handler.SubSystem(subsystem))
		use(logger)

		loggers[subsystem] = logger
	}

	return loggers
}
