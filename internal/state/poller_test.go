package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bonding-curve-feed/internal/domain"
)

type fakeReader struct {
	mu    sync.Mutex
	snaps map[string]domain.PoolSnapshot
	reads map[string]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{snaps: make(map[string]domain.PoolSnapshot), reads: make(map[string]int)}
}

func (r *fakeReader) set(s domain.PoolSnapshot) {
	r.mu.Lock()
	r.snaps[s.PoolAddress] = s
	r.mu.Unlock()
}

func (r *fakeReader) count(pool string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads[pool]
}

func (r *fakeReader) ReadPool(_ context.Context, pool string) (domain.PoolSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads[pool]++
	s, ok := r.snaps[pool]
	if !ok {
		return domain.PoolSnapshot{}, ErrPoolNotFound
	}
	return s, nil
}

func TestPoller_RefreshAll(t *testing.T) {
	s := newTestStore(t)
	reader := newFakeReader()
	p := NewPoller(s, reader, 0, quietLogger())

	a, b := newKey(), newKey()
	s.ApplySnapshot(domain.PoolSnapshot{PoolAddress: a, CurrentSupply: 1, ObservedAt: 10})
	s.ApplySnapshot(domain.PoolSnapshot{PoolAddress: b, CurrentSupply: 1, ObservedAt: 10})

	reader.set(domain.PoolSnapshot{PoolAddress: a, CurrentSupply: 4, ObservedAt: 20})
	// b has a stale snapshot upstream
	reader.set(domain.PoolSnapshot{PoolAddress: b, CurrentSupply: 0, ObservedAt: 5})

	assert.Equal(t, 1, p.RefreshAll(t.Context()))

	view, err := s.Pool(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), view.Supply)
	view, _ = s.Pool(b)
	assert.Equal(t, uint64(1), view.Supply)
}

func TestPoller_RequestPullsUnknownPool(t *testing.T) {
	s := newTestStore(t)
	reader := newFakeReader()
	p := NewPoller(s, reader, 0, quietLogger())
	s.OnUnknownPool(p.Request)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	pool := newKey()
	reader.set(domain.PoolSnapshot{PoolAddress: pool, CollectionMint: newKey(), BasePrice: 10, CurrentSupply: 2, ObservedAt: 1})
	require.NoError(t, s.ApplyEvent(mustEvent(t, "newTransaction", trade(pool, "buyNft", 0, 1))))

	assert.Eventually(t, func() bool {
		view, err := s.Pool(pool)
		return err == nil && view.Record != nil && view.SupplyKnown
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPoller_TriggerRefresh(t *testing.T) {
	s := newTestStore(t)
	reader := newFakeReader()
	p := NewPoller(s, reader, 0, quietLogger())

	pool := newKey()
	s.ApplySnapshot(domain.PoolSnapshot{PoolAddress: pool, ObservedAt: 1})
	reader.set(domain.PoolSnapshot{PoolAddress: pool, CurrentSupply: 9, ObservedAt: 2})

	p.TriggerRefresh()
	p.TriggerRefresh() // coalesced

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		view, _ := s.Pool(pool)
		return view.Supply == 9
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, reader.count(pool))
}

func TestPoller_Interval(t *testing.T) {
	s := newTestStore(t)
	reader := newFakeReader()
	p := NewPoller(s, reader, 20*time.Millisecond, quietLogger())

	pool := newKey()
	s.ApplySnapshot(domain.PoolSnapshot{PoolAddress: pool, ObservedAt: 1})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	assert.Eventually(t, func() bool { return reader.count(pool) >= 2 }, time.Second, 10*time.Millisecond)
}
