package main

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog/v2"
	"github.com/jessevdk/go-flags"
	"github.com/lightninglabs/walletsync"
	"github.com/lightninglabs/walletsync/subchain"
)

const (
	defaultConfigFilename = "walletsyncd.conf"
	defaultDBFilename     = "walletsync.db"
	defaultLogLevel       = "info"
	defaultPollInterval   = 10 * time.Second
	defaultDBTimeout      = 10 * time.Second
)

var (
	defaultDataDir    = btcutil.AppDataDir("walletsyncd", false)
	defaultConfigFile = filepath.Join(defaultDataDir, defaultConfigFilename)
)

// rpcConfig holds the connection to the btcd node blocks and headers are
// fetched from.
type rpcConfig struct {
	Host       string `long:"host" description:"Host and port of the btcd RPC server"`
	User       string `long:"user" description:"Username for RPC authentication"`
	Pass       string `long:"pass" default-mask:"-" description:"Password for RPC authentication"`
	Cert       string `long:"cert" description:"File containing the RPC server certificate"`
	DisableTLS bool   `long:"notls" description:"Disable TLS for the RPC connection"`
}

// config is the configuration of the daemon. Options are read from the
// config file first and then overridden by command line flags.
type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"Directory to store the database in"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	TestNet3 bool `long:"testnet" description:"Use the test network"`
	RegTest  bool `long:"regtest" description:"Use the regression test network"`
	SimNet   bool `long:"simnet" description:"Use the simulation test network"`
	SigNet   bool `long:"signet" description:"Use the signet test network"`

	RPC *rpcConfig `group:"rpc" namespace:"rpc"`

	Accounts      []string `long:"account" description:"Account to scan as <id>:<xpub>[:<birthday height>], may be given multiple times"`
	SyncData      string   `long:"syncdata" description:"File of compact filters to load before scanning"`
	MetricsListen string   `long:"metricslisten" description:"Address to serve prometheus metrics on, disabled if empty"`

	PollInterval time.Duration `long:"pollinterval" description:"Time between polls of the node for new blocks and mempool transactions"`
	Heartbeat    time.Duration `long:"heartbeat" description:"Time between two scan state machine ticks"`
	Lookahead    uint32        `long:"lookahead" description:"Number of unused addresses watched per branch"`
	CacheSize    uint64        `long:"blockcachesize" description:"Capacity of the block cache in bytes"`
	NoMempool    bool          `long:"nomempool" description:"Don't watch the mempool of the node"`

	params   *chaincfg.Params
	accounts []*accountConfig
}

// accountConfig is an account given on the command line.
type accountConfig struct {
	id       string
	key      *hdkeychain.ExtendedKey
	birthday uint32
}

func defaultConfig() config {
	return config{
		ConfigFile:   defaultConfigFile,
		DataDir:      defaultDataDir,
		DebugLevel:   defaultLogLevel,
		RPC:          &rpcConfig{Host: "localhost"},
		PollInterval: defaultPollInterval,
		Heartbeat:    walletsync.DefaultHeartbeatInterval,
		Lookahead:    subchain.DefaultLookahead,
	}
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, error) {
	preCfg := defaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// A config file within a custom data directory is picked up unless
	// another file was named.
	dataDir := cleanAndExpandPath(preCfg.DataDir)
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	if dataDir != defaultDataDir && configFile == defaultConfigFile {
		configFile = filepath.Join(dataDir, defaultConfigFilename)
	}

	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFile, &cfg); err != nil {
		// Only a malformed file is fatal, a missing one is not.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if configFileError != nil && !os.IsNotExist(configFileError) {
		fmt.Fprintf(os.Stderr, "Unable to read config file: %v\n",
			configFileError)
	}

	return &cfg, nil
}

// validate checks the parsed options and fills in the derived fields.
func (c *config) validate() error {
	c.DataDir = cleanAndExpandPath(c.DataDir)
	c.SyncData = cleanAndExpandPath(c.SyncData)
	c.RPC.Cert = cleanAndExpandPath(c.RPC.Cert)

	c.params = &chaincfg.MainNetParams
	numNets := 0
	for _, net := range []struct {
		set    bool
		params *chaincfg.Params
	}{
		{c.TestNet3, &chaincfg.TestNet3Params},
		{c.RegTest, &chaincfg.RegressionNetParams},
		{c.SimNet, &chaincfg.SimNetParams},
		{c.SigNet, &chaincfg.SigNetParams},
	} {
		if net.set {
			numNets++
			c.params = net.params
		}
	}
	if numNets > 1 {
		return errors.New("the testnet, regtest, simnet and signet " +
			"options can't be used together")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval %v", c.PollInterval)
	}
	if c.RPC.Host == "" {
		return errors.New("rpc.host is required")
	}

	for _, raw := range c.Accounts {
		account, err := parseAccount(raw, c.params)
		if err != nil {
			return err
		}
		c.accounts = append(c.accounts, account)
	}

	return nil
}

// parseAccount parses an account of the form <id>:<xpub>[:<birthday>].
func parseAccount(raw string, params *chaincfg.Params) (*accountConfig,
	error) {

	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return nil, fmt.Errorf("invalid account %q, expected "+
			"<id>:<xpub>[:<birthday height>]", raw)
	}

	key, err := hdkeychain.NewKeyFromString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("account %v: %w", parts[0], err)
	}
	if !key.IsForNet(params) {
		return nil, fmt.Errorf("account %v: key isn't for %v",
			parts[0], params.Name)
	}
	if key.IsPrivate() {
		return nil, fmt.Errorf("account %v: %w", parts[0],
			walletsync.ErrPrivateAccountKey)
	}

	account := &accountConfig{id: parts[0], key: key}
	if len(parts) == 3 {
		birthday, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("account %v: invalid birthday: "+
				"%w", parts[0], err)
		}
		account.birthday = uint32(birthday)
	}

	return account, nil
}

// parseAndSetDebugLevels sets the levels of the subsystem loggers. A level
// without a subsystem applies to all of them.
func parseAndSetDebugLevels(level string,
	loggers map[string]btclog.Logger) error {

	levels := strings.Split(level, ",")

	// If the first entry has no =, treat it as the log level for all
	// subsystems.
	if global := levels[0]; !strings.Contains(global, "=") {
		lvl, ok := btclog.LevelFromString(global)
		if !ok {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", global)
		}
		for _, logger := range loggers {
			logger.SetLevel(lvl)
		}

		levels = levels[1:]
	}

	for _, pair := range levels {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v] -- use format "+
				"subsystem1=level1,subsystem2=level2", pair)
		}

		logger, ok := loggers[fields[0]]
		if !ok {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems are %v",
				fields[0], slices.Sorted(maps.Keys(loggers)))
		}

		lvl, ok := btclog.LevelFromString(fields[1])
		if !ok {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", fields[1])
		}
		logger.SetLevel(lvl)
	}

	return nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}
