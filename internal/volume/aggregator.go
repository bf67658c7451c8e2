// Package volume keeps a rolling window of trades per pool and derives PoolMetrics from it.
package volume

import (
	"context"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/shopspring/decimal"

	"bonding-curve-feed/internal/domain"
	"bonding-curve-feed/internal/observability"
	"bonding-curve-feed/internal/program"
)

// DefaultWindow is the metrics retention window.
const DefaultWindow = 24 * time.Hour

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// Aggregator stores trades per pool ordered by timestamp. Entries older than
// the window are evicted on read and by Sweep.
type Aggregator struct {
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	pools map[string][]domain.VolumeTransaction
	seen  map[string]struct{} // VolumeTransaction.Key of retained entries
}

// New creates an Aggregator with the given retention window.
func New(window time.Duration, opts ...Option) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	a := &Aggregator{
		window: window,
		now:    time.Now,
		pools:  make(map[string][]domain.VolumeTransaction),
		seen:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) cutoff() int64 {
	return a.now().Add(-a.window).UnixMilli()
}

// Append records a trade. It returns false for a duplicate (same signature and
// instruction index) or a trade already outside the window.
func (a *Aggregator) Append(tx domain.VolumeTransaction) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if tx.Timestamp <= a.cutoff() {
		return false
	}
	key := tx.Key()
	if _, dup := a.seen[key]; dup {
		return false
	}
	a.seen[key] = struct{}{}

	entries := a.pools[tx.PoolAddress]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Timestamp > tx.Timestamp })
	entries = append(entries, domain.VolumeTransaction{})
	copy(entries[i+1:], entries[i:])
	entries[i] = tx
	a.pools[tx.PoolAddress] = entries
	return true
}

// Remove drops previously appended trades, matched by signature and instruction
// index, and returns how many were retained.
func (a *Aggregator) Remove(txs ...domain.VolumeTransaction) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for _, tx := range txs {
		key := tx.Key()
		if _, ok := a.seen[key]; !ok {
			continue
		}
		delete(a.seen, key)
		entries := a.pools[tx.PoolAddress]
		for i := range entries {
			if entries[i].Key() == key {
				entries = append(entries[:i], entries[i+1:]...)
				removed++
				break
			}
		}
		if len(entries) == 0 {
			delete(a.pools, tx.PoolAddress)
		} else {
			a.pools[tx.PoolAddress] = entries
		}
	}
	return removed
}

// GetPoolMetrics evicts expired trades of pool and computes its metrics.
func (a *Aggregator) GetPoolMetrics(pool string) domain.PoolMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return computeMetrics(a.evictLocked(pool, a.cutoff()))
}

// Transactions returns a copy of the retained trades of pool, oldest first.
func (a *Aggregator) Transactions(pool string) []domain.VolumeTransaction {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := a.evictLocked(pool, a.cutoff())
	out := make([]domain.VolumeTransaction, len(entries))
	copy(out, entries)
	return out
}

// Pools returns the pools that have trades inside the window.
func (a *Aggregator) Pools() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.cutoff()
	out := make([]string, 0, len(a.pools))
	for pool := range a.pools {
		if len(a.evictLocked(pool, cutoff)) > 0 {
			out = append(out, pool)
		}
	}
	sort.Strings(out)
	return out
}

// Sweep evicts expired trades of every pool and returns how many were removed.
func (a *Aggregator) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.cutoff()
	removed, retained := 0, 0
	for pool, entries := range a.pools {
		before := len(entries)
		after := len(a.evictLocked(pool, cutoff))
		removed += before - after
		retained += after
	}
	observability.SetVolumeStats(len(a.pools), retained)
	return removed
}

// Run sweeps every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

// evictLocked drops entries at or before cutoff and deletes empty pools.
func (a *Aggregator) evictLocked(pool string, cutoff int64) []domain.VolumeTransaction {
	entries := a.pools[pool]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Timestamp > cutoff })
	if i == 0 {
		return entries
	}
	for _, e := range entries[:i] {
		delete(a.seen, e.Key())
	}
	if i == len(entries) {
		delete(a.pools, pool)
		return nil
	}
	kept := make([]domain.VolumeTransaction, len(entries)-i)
	copy(kept, entries[i:])
	a.pools[pool] = kept
	return kept
}

// computeMetrics derives PoolMetrics from trades ordered by timestamp.
// Prices are per-trade amounts; priceChange needs two priced trades.
func computeMetrics(entries []domain.VolumeTransaction) domain.PoolMetrics {
	var m domain.PoolMetrics
	if len(entries) == 0 {
		return m
	}

	traders := mapset.NewThreadUnsafeSet[string]()
	var total uint64
	var first, last *domain.VolumeTransaction
	priced := 0
	for i := range entries {
		e := &entries[i]
		total += e.AmountLamports
		if e.Trader != "" {
			traders.Add(e.Trader)
		}
		if e.AmountLamports > 0 {
			if first == nil {
				first = e
			}
			last = e
			priced++
		}
	}

	m.Volume24h = program.LamportsToSOL(total).InexactFloat64()
	m.Transactions24h = len(entries)
	m.UniqueTraders24h = traders.Cardinality()
	if last != nil {
		m.LastPrice = program.LamportsToSOL(last.AmountLamports).InexactFloat64()
	}
	if priced >= 2 {
		firstPrice := program.Lamports(first.AmountLamports)
		change := program.Lamports(last.AmountLamports).Sub(firstPrice).Div(firstPrice).Mul(decimal.NewFromInt(100))
		m.PriceChange24h = change.Round(4).InexactFloat64()
	}
	return m
}
