package state

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentPulls bounds in-flight pulls of one refresh; each pull holds two
// batcher slots.
const maxConcurrentPulls = 256

// Poller keeps the store reconciled with on-chain state: it refreshes every tracked
// pool on an interval and serves on-demand requests for unknown pools.
type Poller struct {
	store    *Store
	reader   AccountReader
	interval time.Duration
	log      *logrus.Entry

	requests chan string
	refresh  chan struct{}
}

// NewPoller creates a Poller. Interval <= 0 disables periodic refreshes.
func NewPoller(store *Store, reader AccountReader, interval time.Duration, log *logrus.Entry) *Poller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Poller{
		store:    store,
		reader:   reader,
		interval: interval,
		log:      log,
		requests: make(chan string, 256),
		refresh:  make(chan struct{}, 1),
	}
}

// Request queues a single pool pull. It never blocks; a full queue drops the request.
func (p *Poller) Request(pool string) {
	select {
	case p.requests <- pool:
	default:
		p.log.WithField("pool", pool).Debug("pull queue full, dropping request")
	}
}

// TriggerRefresh schedules a full refresh, coalescing with one already pending.
func (p *Poller) TriggerRefresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Run serves requests until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if p.interval > 0 {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pool := <-p.requests:
			go p.pull(ctx, pool)
		case <-p.refresh:
			p.RefreshAll(ctx)
		case <-tick:
			p.RefreshAll(ctx)
			p.store.Rerank()
		}
	}
}

// RefreshAll pulls every tracked pool and returns how many snapshots changed the store.
func (p *Poller) RefreshAll(ctx context.Context) int {
	pools := p.store.Pools()
	if len(pools) == 0 {
		return 0
	}

	var changed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPulls)
	for _, pool := range pools {
		g.Go(func() error {
			if p.pull(gctx, pool) {
				changed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	p.log.WithFields(logrus.Fields{
		"pools":   len(pools),
		"changed": changed.Load(),
	}).Debug("refreshed pools")
	return int(changed.Load())
}

func (p *Poller) pull(ctx context.Context, pool string) bool {
	snap, err := p.reader.ReadPool(ctx, pool)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, ErrPoolNotFound) {
			p.log.WithError(err).WithField("pool", pool).Warn("pool pull failed")
		}
		return false
	}
	return p.store.ApplySnapshot(snap)
}
