// Command pgclient-bench is a small example/benchmark binary: it loads a
// pgclient config file, runs a configurable number of workers issuing a
// fixed query in a loop, and reports query counts and pool stats on exit.
// Its shape (flag parsing, signal-driven graceful shutdown, hot-reload
// wiring) is grounded on the teacher's cmd/dbbouncer/main.go.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dbbouncer/pgclient"
	"github.com/dbbouncer/pgclient/internal/config"
	"github.com/dbbouncer/pgclient/internal/debugapi"
	"github.com/dbbouncer/pgclient/internal/metrics"
)

func main() {
	configPath := flag.String("config", "configs/pgclient.yaml", "path to configuration file")
	query := flag.String("query", "SELECT 1", "query to run repeatedly")
	workers := flag.Int("workers", 4, "number of concurrent query workers")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("pgclient-bench starting", "config", *configPath, "workers", *workers)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "endpoint", cfg.Redacted().Endpoint)

	m := metrics.New()
	client := pgclient.New(cfg, pgclient.WithLogger(logger), pgclient.WithObserver(metrics.NewObserver(m)))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("pool run loop exited", "err", err)
		}
	}()

	debugServer := debugapi.NewServer(client.Pool(), m, logger)
	if err := debugServer.Start(cfg.Debug.Bind, cfg.Debug.Port); err != nil {
		logger.Warn("debug server did not start", "err", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		logger.Info("configuration changed on disk; restart pgclient-bench to pick it up")
	}, logger)
	if err != nil {
		logger.Warn("config hot-reload not available", "err", err)
	}

	var queriesRun, queriesFailed atomic.Int64
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			runWorker(ctx, client, *query, &queriesRun, &queriesFailed)
		}(i)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	cancel()
	if configWatcher != nil {
		configWatcher.Stop()
	}
	debugServer.Stop()
	wg.Wait()
	client.Close()

	stats := client.Stats()
	logger.Info("pgclient-bench stopped",
		"queries_run", queriesRun.Load(),
		"queries_failed", queriesFailed.Load(),
		"pool_idle", stats.Idle,
		"pool_leased", stats.Leased,
	)
}

func runWorker(ctx context.Context, client *pgclient.Client, query string, ran, failed *atomic.Int64) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		seq, err := client.Query(ctx, query)
		if err != nil {
			failed.Add(1)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if _, _, err := seq.Collect(ctx); err != nil {
			failed.Add(1)
			continue
		}
		ran.Add(1)
	}
}
