package dedupe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bonding-curve-feed/internal/observability"
)

// ErrNotFound is returned to a caller whose key is absent from the batch result.
var ErrNotFound = errors.New("not found in batch result")

// BatchFunc fetches many keys at once. Keys missing from the map resolve to ErrNotFound.
type BatchFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

type batchResult[V any] struct {
	val V
	err error
}

// Batcher accumulates Load calls and dispatches them as one BatchFunc call when
// maxSize distinct keys are pending or delay has passed since the first one.
type Batcher[K comparable, V any] struct {
	fetch   BatchFunc[K, V]
	maxSize int
	delay   time.Duration
	ctx     context.Context

	mu      sync.Mutex
	keys    []K
	waiters map[K][]chan batchResult[V]
	timer   *time.Timer
	gen     uint64
	wg      sync.WaitGroup
}

// NewBatcher creates a Batcher. ctx bounds every dispatched fetch.
func NewBatcher[K comparable, V any](ctx context.Context, maxSize int, delay time.Duration, fetch BatchFunc[K, V]) *Batcher[K, V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Batcher[K, V]{
		fetch:   fetch,
		maxSize: maxSize,
		delay:   delay,
		ctx:     ctx,
		waiters: make(map[K][]chan batchResult[V]),
	}
}

// Load adds key to the pending batch and waits for its result.
// Duplicate keys within one batch share a slot.
func (b *Batcher[K, V]) Load(ctx context.Context, key K) (V, error) {
	ch := make(chan batchResult[V], 1)

	b.mu.Lock()
	if _, ok := b.waiters[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.waiters[key] = append(b.waiters[key], ch)

	if len(b.keys) >= b.maxSize {
		keys, waiters := b.takeLocked()
		b.mu.Unlock()
		b.dispatch(keys, waiters)
	} else {
		if b.timer == nil {
			gen := b.gen
			b.timer = time.AfterFunc(b.delay, func() { b.flushGen(gen) })
		}
		b.mu.Unlock()
	}

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Flush dispatches the pending batch immediately.
func (b *Batcher[K, V]) Flush() {
	b.mu.Lock()
	keys, waiters := b.takeLocked()
	b.mu.Unlock()
	b.dispatch(keys, waiters)
}

// Close flushes the pending batch and waits for in-flight fetches.
func (b *Batcher[K, V]) Close() {
	b.Flush()
	b.wg.Wait()
}

// Pending returns the number of distinct keys waiting for dispatch.
func (b *Batcher[K, V]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}

func (b *Batcher[K, V]) flushGen(gen uint64) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	keys, waiters := b.takeLocked()
	b.mu.Unlock()
	b.dispatch(keys, waiters)
}

func (b *Batcher[K, V]) takeLocked() ([]K, map[K][]chan batchResult[V]) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	keys, waiters := b.keys, b.waiters
	b.keys = nil
	b.waiters = make(map[K][]chan batchResult[V])
	return keys, waiters
}

func (b *Batcher[K, V]) dispatch(keys []K, waiters map[K][]chan batchResult[V]) {
	if len(keys) == 0 {
		return
	}
	observability.RecordBatch(len(keys))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		results, err := b.run(keys)
		for _, k := range keys {
			r := batchResult[V]{err: err}
			if err == nil {
				v, ok := results[k]
				if ok {
					r.val = v
				} else {
					r.err = fmt.Errorf("%w: %v", ErrNotFound, k)
				}
			}
			for _, ch := range waiters[k] {
				ch <- r
			}
		}
	}()
}

func (b *Batcher[K, V]) run(keys []K) (results map[K]V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch fetch: panic: %v", r)
		}
	}()
	return b.fetch(b.ctx, keys)
}
