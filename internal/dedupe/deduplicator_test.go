package dedupe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeduplicator_ConcurrentCallersShareOneFetch(t *testing.T) {
	d := NewDeduplicator[int](time.Second)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := d.Do(context.Background(), "pool", fetch)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestDeduplicator_TTL(t *testing.T) {
	d := NewDeduplicator[int](time.Minute)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	var calls atomic.Int32
	fetch := func(context.Context) (int, error) { return int(calls.Add(1)), nil }

	v, err := d.Do(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	now = now.Add(30 * time.Second)
	v, _ = d.Do(context.Background(), "k", fetch)
	assert.Equal(t, 1, v, "resolved result reused within ttl")

	now = now.Add(31 * time.Second)
	v, _ = d.Do(context.Background(), "k", fetch)
	assert.Equal(t, 2, v, "ttl expired")

	v, _ = d.Do(context.Background(), "other", fetch)
	assert.Equal(t, 3, v, "keys are independent")
}

func TestDeduplicator_FailureForgotten(t *testing.T) {
	d := NewDeduplicator[string](time.Minute)
	boom := errors.New("boom")

	_, err := d.Do(context.Background(), "k", func(context.Context) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)

	v, err := d.Do(context.Background(), "k", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDeduplicator_PanicForgotten(t *testing.T) {
	d := NewDeduplicator[string](time.Minute)

	_, err := d.Do(context.Background(), "k", func(context.Context) (string, error) { panic("bad") })
	assert.ErrorContains(t, err, "panic")
	assert.Equal(t, 0, d.Len())
}

func TestDeduplicator_CallerCancelDoesNotCancelFetch(t *testing.T) {
	d := NewDeduplicator[int](time.Minute)

	release := make(chan struct{})
	fetchCtxErr := make(chan error, 1)
	fetch := func(ctx context.Context) (int, error) {
		<-release
		fetchCtxErr <- ctx.Err()
		return 1, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Do(ctx, "k", fetch)
		errCh <- err
	}()

	otherCh := make(chan int, 1)
	require.Eventually(t, func() bool { return d.Len() == 1 }, time.Second, time.Millisecond)
	go func() {
		v, _ := d.Do(context.Background(), "k", fetch)
		otherCh <- v
	}()

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	assert.NoError(t, <-fetchCtxErr)
	assert.Equal(t, 1, <-otherCh)
}

func TestDeduplicator_SweepsExpired(t *testing.T) {
	d := NewDeduplicator[int](time.Second)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	fetch := func(context.Context) (int, error) { return 1, nil }
	for _, k := range []string{"a", "b", "c"} {
		_, err := d.Do(context.Background(), k, fetch)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, d.Len())

	now = now.Add(2 * time.Second)
	_, _ = d.Do(context.Background(), "d", fetch)
	assert.Equal(t, 1, d.Len())

	d.Forget("d")
	assert.Equal(t, 0, d.Len())
}
