// Package dedupe coalesces upstream reads: Deduplicator shares one in-flight
// call per key for a TTL, Batcher groups single-key loads into multi-key fetches.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bonding-curve-feed/internal/observability"
)

type call[T any] struct {
	started time.Time
	done    chan struct{}
	val     T
	err     error
}

// Deduplicator shares the result of one fetch per key among every caller that
// asks within ttl of the fetch starting. Failed fetches are forgotten at once.
type Deduplicator[T any] struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	calls     map[string]*call[T]
	lastSweep time.Time
}

// NewDeduplicator creates a Deduplicator with the given TTL.
func NewDeduplicator[T any](ttl time.Duration) *Deduplicator[T] {
	return &Deduplicator[T]{
		ttl:   ttl,
		now:   time.Now,
		calls: make(map[string]*call[T]),
	}
}

// Do returns the shared result for key, starting fetch when no call started within ttl.
// fetch runs detached from ctx cancellation so one caller leaving cannot fail the others;
// ctx only bounds this caller's wait.
func (d *Deduplicator[T]) Do(ctx context.Context, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	d.mu.Lock()
	now := d.now()
	c, ok := d.calls[key]
	if ok && now.Sub(c.started) < d.ttl {
		d.mu.Unlock()
		observability.RecordDedupe(true)
		return wait(ctx, c)
	}

	c = &call[T]{started: now, done: make(chan struct{})}
	d.calls[key] = c
	d.sweepLocked(now)
	d.mu.Unlock()
	observability.RecordDedupe(false)

	go d.run(context.WithoutCancel(ctx), key, c, fetch)
	return wait(ctx, c)
}

func (d *Deduplicator[T]) run(ctx context.Context, key string, c *call[T], fetch func(ctx context.Context) (T, error)) {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			c.err = fmt.Errorf("dedupe %s: panic: %v", key, r)
		}
		if c.err != nil {
			d.mu.Lock()
			if d.calls[key] == c {
				delete(d.calls, key)
			}
			d.mu.Unlock()
		}
	}()
	c.val, c.err = fetch(ctx)
}

func wait[T any](ctx context.Context, c *call[T]) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Forget drops key so the next Do starts a fresh fetch.
func (d *Deduplicator[T]) Forget(key string) {
	d.mu.Lock()
	delete(d.calls, key)
	d.mu.Unlock()
}

// Len returns the number of tracked keys.
func (d *Deduplicator[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// sweepLocked removes completed calls older than ttl, at most once per ttl.
func (d *Deduplicator[T]) sweepLocked(now time.Time) {
	if now.Sub(d.lastSweep) < d.ttl {
		return
	}
	d.lastSweep = now
	for k, c := range d.calls {
		if now.Sub(c.started) < d.ttl {
			continue
		}
		select {
		case <-c.done:
			delete(d.calls, k)
		default:
		}
	}
}
