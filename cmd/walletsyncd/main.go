package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/jessevdk/go-flags"
	"github.com/lightninglabs/walletsync"
	"github.com/lightninglabs/walletsync/blockoracle"
	"github.com/lightninglabs/walletsync/chainsync"
	"github.com/lightninglabs/walletsync/filterdb"
	"github.com/lightninglabs/walletsync/filteroracle"
	"github.com/lightninglabs/walletsync/headerfs"
	"github.com/lightninglabs/walletsync/headeroracle"
	"github.com/lightninglabs/walletsync/scandb"
	"github.com/lightninglabs/walletsync/subchain"
	"github.com/lightninglabs/walletsync/syncdata"
	"github.com/lightninglabs/walletsync/syncmetrics"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	loggers := setupLoggers(btclog.NewDefaultHandler(os.Stdout))
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			slices.Sorted(maps.Keys(loggers)))
		os.Exit(0)
	}
	if err := parseAndSetDebugLevels(cfg.DebugLevel, loggers); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	// Call the real main in a nested manner so the defers are executed
	// on shutdown.
	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Criticalf("Shutting down with error: %v", err)
		os.Exit(1)
	}
}

// run wires the chain, filter and scan components together and keeps them
// fed from the node until the context is canceled.
func run(ctx context.Context, cfg *config) error {
	netDir := filepath.Join(cfg.DataDir, cfg.params.Name)
	if err := os.MkdirAll(netDir, 0700); err != nil {
		return err
	}

	dbPath := filepath.Join(netDir, defaultDBFilename)
	db, err := walletdb.Create("bdb", dbPath, true, defaultDBTimeout)
	if err != nil {
		return fmt.Errorf("unable to open %v: %w", dbPath, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close database: %v", err)
		}
	}()

	client, err := newRPCClient(cfg.RPC)
	if err != nil {
		return fmt.Errorf("unable to connect to node: %w", err)
	}
	defer client.Shutdown()

	headerStore, err := headerfs.New(db)
	if err != nil {
		return err
	}
	headers, err := headeroracle.New(&headeroracle.Config{
		ChainParams: cfg.params,
		Store:       headerStore,
	})
	if err != nil {
		return err
	}
	defer headers.Stop()

	syncer := &headerSyncer{client: client, chain: headers}
	added, err := syncer.sync(ctx)
	if err != nil {
		return fmt.Errorf("unable to sync headers: %w", err)
	}
	log.Infof("Synced %d headers, best chain %v", added,
		headers.BestChain())

	filterDB, err := filterdb.New(db, *cfg.params)
	if err != nil {
		return err
	}

	blocks := blockoracle.New(&blockoracle.Config{
		Source:    &blockSource{client: client},
		CacheSize: cfg.CacheSize,
	})
	defer blocks.Stop()

	filters, err := filteroracle.New(&filteroracle.Config{
		ChainParams: cfg.params,
		Chain:       headers,
		FilterDB:    filterDB,
		Blocks:      blocks,
	})
	if err != nil {
		return err
	}
	if err := filters.Start(); err != nil {
		return err
	}
	defer filters.Stop()

	if cfg.SyncData != "" {
		n, err := syncdata.Load(
			ctx, cfg.SyncData, cfg.params, filters,
			syncdata.DefaultBatchSize,
		)
		if err != nil {
			return fmt.Errorf("unable to load sync data: %w", err)
		}
		log.Infof("Loaded %d filters from %v", n, cfg.SyncData)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
	metrics := syncmetrics.New(registry)

	if cfg.MetricsListen != "" {
		stop := serveMetrics(cfg.MetricsListen, registry)
		defer stop()
	}

	store, err := scandb.New(db)
	if err != nil {
		return err
	}

	accounts := walletsync.New(&walletsync.Config{
		ChainParams:    cfg.params,
		Store:          store,
		Chain:          headers,
		Filters:        filters,
		Blocks:         blocks,
		FilterType:     filterdb.RegularFilter,
		Lookahead:      cfg.Lookahead,
		Heartbeat:      ticker.New(cfg.Heartbeat),
		OnMempoolMatch: logMempoolMatch,
		Metrics:        fn.Some(metrics),
	})
	if err := accounts.Start(); err != nil {
		return err
	}
	defer accounts.Stop()

	for _, account := range cfg.accounts {
		nym := &walletsync.NymAccount{
			ID:         account.id,
			AccountKey: account.key,
		}
		if account.birthday > 0 {
			hash, err := headers.BestHash(account.birthday)
			if err != nil {
				return fmt.Errorf("account %v: unknown birthday "+
					"%d: %w", account.id, account.birthday,
					err)
			}
			nym.Birthday = chainsync.NewPosition(
				account.birthday, hash,
			)
		}

		if err := accounts.Add(nym); err != nil {
			return err
		}
	}

	mempool := &mempoolWatcher{
		client: client,
		handle: accounts.AddMempoolTx,
	}

	poll := ticker.New(cfg.PollInterval)
	poll.Resume()
	defer poll.Stop()

	for {
		select {
		case <-poll.Ticks():
			if _, err := syncer.sync(ctx); err != nil {
				log.Errorf("Unable to sync headers: %v", err)
				continue
			}

			if cfg.NoMempool {
				continue
			}
			n, err := mempool.poll(ctx)
			if err != nil {
				log.Errorf("Unable to poll mempool: %v", err)
				continue
			}
			if n > 0 {
				log.Debugf("Handed %d mempool transactions to "+
					"accounts", n)
			}

		case <-ctx.Done():
			log.Infof("Shutting down")
			return nil
		}
	}
}

// serveMetrics serves the registry on /metrics. The returned function shuts
// the server down.
func serveMetrics(addr string, registry *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry, promhttp.HandlerOpts{},
	))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Infof("Prometheus exporter started on %v/metrics", addr)
	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Errorf("Unable to stop metrics server: %v", err)
		}
	}
}

// logMempoolMatch logs an unconfirmed transaction touching an account.
func logMempoolMatch(match *subchain.MempoolMatch) {
	log.Infof("Unconfirmed tx %v for %v: pays to indices %v, spends %v",
		match.Tx.TxHash(), match.ID, match.Indices,
		outpoints(match.Spends))
}

func outpoints(ops []wire.OutPoint) []string {
	strs := make([]string, 0, len(ops))
	for _, op := range ops {
		strs = append(strs, op.String())
	}

	return strs
}
