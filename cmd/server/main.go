// Package main runs the live feed service:
// - Webhook ingestion of bonding-curve program transactions
// - Optional program log subscription with reconnect back-fill
// - SSE and WebSocket live feed, trending and pool endpoints
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"bonding-curve-feed/internal/cache"
	"bonding-curve-feed/internal/config"
	"bonding-curve-feed/internal/ingestion"
	"bonding-curve-feed/internal/logging"
	"bonding-curve-feed/internal/observability"
	"bonding-curve-feed/internal/solana"
)

func main() {
	cfg, err := config.Load("server", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}
	log := logging.Component(logger, "server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := deps{
		RPC: solana.NewHTTPClient(cfg.RPCEndpoint, solana.WithObserver(observability.RecordRPCCall)),
	}

	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("connect to redis")
		}
		defer client.Close()
		d.Redis = client
		log.Info("using redis for signatures and pool snapshots")
	}

	// set once the server exists; reconnects before that have nothing to back-fill
	var watcher atomic.Pointer[ingestion.LogWatcher]
	if cfg.WSEndpoint != "" {
		ws, err := solana.NewWSClient(ctx, cfg.WSEndpoint, &solana.WSClientConfig{
			OnReconnect: func() {
				if w := watcher.Load(); w != nil {
					w.TriggerBackfill()
				}
			},
			Logger: logging.Component(logger, "ws"),
		})
		if err != nil {
			log.WithError(err).Fatal("connect to websocket endpoint")
		}
		defer ws.Close()
		d.WS = ws
	}

	server, err := newServer(cfg, logger, d)
	if err != nil {
		log.WithError(err).Fatal("create server")
	}
	if server.watcher != nil {
		watcher.Store(server.watcher)
	}

	// Channel to signal completion
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("initiating graceful shutdown")
		cancel()

		// a second signal forces exit
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig.String()).Warn("forcing immediate shutdown")
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = server.Run(ctx)
	close(done)

	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("server error")
	}
	log.Info("shutdown complete")
}
