package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bonding-curve-feed/internal/livefeed"
	"bonding-curve-feed/internal/state"
)

// feedClient mirrors the live feed into a local store and reports trending pools.
type feedClient struct {
	feed     *livefeed.Client
	store    *state.Store
	poller   *state.Poller
	limit    int
	interval time.Duration
	log      *logrus.Entry
}

func newFeedClient(url string, store *state.Store, poller *state.Poller, limit int, interval time.Duration, log *logrus.Entry) *feedClient {
	c := &feedClient{
		store:    store,
		poller:   poller,
		limit:    limit,
		interval: interval,
		log:      log,
	}
	c.feed = livefeed.NewClient(livefeed.ClientConfig{
		URL: url,
		// events missed while disconnected are not replayed
		OnReconnect: poller.TriggerRefresh,
		Logger:      log.WithField("component", "feed"),
	})
	store.OnUnknownPool(poller.Request)
	return c
}

func (c *feedClient) run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = c.poller.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		c.reportLoop(ctx)
	}()

	err := c.feed.Run(ctx, c.apply)
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *feedClient) apply(ev livefeed.Event) {
	if ev.Type == livefeed.EventConnection {
		c.log.Info("connected to live feed")
	}
	if err := c.store.ApplyEvent(ev); err != nil {
		c.log.WithError(err).WithField("event_type", ev.Type).Warn("apply event")
	}
}

func (c *feedClient) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.store.Rerank()
			c.log.Info("trending pools\n" + c.report())
		}
	}
}

// report renders the top trending pools, one per line.
func (c *feedClient) report() string {
	entries := c.store.Trending(c.limit)
	if len(entries) == 0 {
		return "  (no pools yet)"
	}
	var b strings.Builder
	for _, e := range entries {
		view, err := c.store.Pool(e.Pool.PoolAddress)
		if err != nil {
			continue
		}
		supply := "?"
		if view.SupplyKnown {
			supply = fmt.Sprint(view.Supply)
		}
		flags := ""
		if view.IsNew {
			flags += " NEW"
		}
		if view.Verified {
			flags += " verified"
		}
		fmt.Fprintf(&b, "  #%-3d %-28s %-14s supply=%-5s vol24h=%.4f txs=%d score=%.4f%s\n",
			e.Rank, view.DisplayName, view.PriceLabel(), supply,
			e.Metrics.Volume24h, e.Metrics.Transactions24h, e.Score, flags)
	}
	return strings.TrimRight(b.String(), "\n")
}
