// Package main runs a live feed consumer that keeps a local view of pools,
// reconciles it against RPC and periodically logs the trending ranking.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bonding-curve-feed/internal/cache"
	"bonding-curve-feed/internal/config"
	"bonding-curve-feed/internal/domain"
	"bonding-curve-feed/internal/logging"
	"bonding-curve-feed/internal/observability"
	"bonding-curve-feed/internal/rpcqueue"
	"bonding-curve-feed/internal/solana"
	"bonding-curve-feed/internal/state"
)

func main() {
	cfg, err := config.Load("feedclient", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.ValidateClient(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}
	log := logging.Component(logger, "feedclient")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := rpcqueue.New(rpcqueue.Config{
		MaxRequests:    cfg.RPC.MaxRequests,
		Window:         cfg.RPC.Window,
		MinInterval:    cfg.RPC.MinInterval,
		DefaultBackoff: cfg.RPC.Backoff,
		MaxRetries:     cfg.RPC.MaxRetries,
		Logger:         logging.Component(logger, "rpc_scheduler"),
	})
	defer sched.Close()

	var snapshots *cache.Cache[domain.PoolSnapshot]
	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("connect to redis")
		}
		defer client.Close()
		snapshots = cache.New(cache.Options[domain.PoolSnapshot]{
			Client: client,
			Prefix: "feed:pool",
			TTL:    cfg.PollInterval,
		})
	}

	reader, err := state.NewRPCAccountReader(state.ReaderOptions{
		Client:     solana.NewHTTPClient(cfg.RPCEndpoint, solana.WithObserver(observability.RecordRPCCall)),
		Scheduler:  sched,
		ProgramID:  cfg.ProgramID,
		DedupeTTL:  cfg.DedupeTTL,
		BatchSize:  cfg.BatchSize,
		BatchDelay: cfg.BatchDelay,
		Cache:      snapshots,
		Logger:     logging.Component(logger, "reader"),
	})
	if err != nil {
		log.WithError(err).Fatal("create account reader")
	}
	defer reader.Close()

	store := state.NewStore(logging.Component(logger, "state"))
	poller := state.NewPoller(store, reader, cfg.PollInterval, logging.Component(logger, "poller"))
	client := newFeedClient(cfg.FeedURL, store, poller, cfg.TrendingLimit, cfg.ReportInterval, log)

	log.WithField("url", cfg.FeedURL).Info("starting feed client")
	if err := client.run(ctx); err != nil {
		log.WithError(err).Fatal("feed client stopped")
	}
	log.Info("shutdown complete")
}
