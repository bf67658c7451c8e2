package livefeed

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     error
	closed   bool
}

func (s *fakeSink) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.fail != nil {
		return s.fail
	}
	s.payloads = append(s.payloads, p)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) events(t *testing.T) []Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.payloads))
	for _, p := range s.payloads {
		var ev Event
		require.NoError(t, json.Unmarshal(p, &ev))
		out = append(out, ev)
	}
	return out
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *clock) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	r := NewRegistry(Config{Logger: logrus.NewEntry(log)})
	r.now = clk.Now
	t.Cleanup(r.Shutdown)
	return r, clk
}

func TestRegistry_AddSendsWelcome(t *testing.T) {
	r, _ := newTestRegistry(t)
	sink := &fakeSink{}

	conn, err := r.Add("c1", sink)
	require.NoError(t, err)
	assert.Equal(t, "c1", conn.ID)

	evs := sink.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, EventConnection, evs[0].Type)

	var data connectionData
	require.NoError(t, evs[0].Decode(&data))
	assert.Equal(t, "c1", data.ConnectionID)
}

func TestRegistry_AddGeneratesID(t *testing.T) {
	r, _ := newTestRegistry(t)

	conn, err := r.Add("", &fakeSink{})
	require.NoError(t, err)
	assert.Len(t, conn.ID, 36)
}

func TestRegistry_AddWelcomeFailure(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Add("c1", &fakeSink{fail: ErrBufferFull})
	var derr *DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "c1", derr.ConnectionID)
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ReplaceSameID(t *testing.T) {
	r, _ := newTestRegistry(t)
	first, second := &fakeSink{}, &fakeSink{}

	oldConn, err := r.Add("c1", first)
	require.NoError(t, err)
	_, err = r.Add("c1", second)
	require.NoError(t, err)

	assert.True(t, first.isClosed())
	assert.Equal(t, 1, r.Len())

	// The replaced handle's late disconnect must not remove its successor.
	oldConn.Close()
	assert.Equal(t, 1, r.Len())

	assert.Equal(t, 1, r.Broadcast(Event{Type: EventNewPools}))
	assert.Len(t, second.events(t), 2)
}

func TestRegistry_BroadcastIsolatesFailures(t *testing.T) {
	r, _ := newTestRegistry(t)
	good1, bad, good2 := &fakeSink{}, &fakeSink{}, &fakeSink{}

	for id, s := range map[string]*fakeSink{"a": good1, "b": bad, "c": good2} {
		_, err := r.Add(id, s)
		require.NoError(t, err)
	}
	bad.mu.Lock()
	bad.fail = errors.New("broken pipe")
	bad.mu.Unlock()

	ev, err := NewEvent(EventVolumeUpdate, []string{"x"}, time.UnixMilli(5))
	require.NoError(t, err)

	assert.Equal(t, 2, r.Broadcast(ev))
	assert.Equal(t, 2, r.Len())
	assert.True(t, bad.isClosed())

	for _, s := range []*fakeSink{good1, good2} {
		evs := s.events(t)
		require.Len(t, evs, 2)
		assert.Equal(t, EventVolumeUpdate, evs[1].Type)
		assert.Equal(t, int64(5), evs[1].Timestamp)
	}
}

func TestRegistry_BroadcastEmpty(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.Equal(t, 0, r.Broadcast(Event{Type: EventNewPools}))
}

func TestRegistry_ConnectionClose(t *testing.T) {
	r, _ := newTestRegistry(t)
	sink := &fakeSink{}

	conn, err := r.Add("c1", sink)
	require.NoError(t, err)
	conn.Close()
	conn.Close()

	assert.Equal(t, 0, r.Len())
	assert.True(t, sink.isClosed())
}

func TestRegistry_CleanupRemovesStale(t *testing.T) {
	r, clk := newTestRegistry(t)

	_, err := r.Add("idle", &fakeSink{})
	require.NoError(t, err)
	active, err := r.Add("active", &fakeSink{})
	require.NoError(t, err)
	require.Equal(t, 2, r.Stats().TotalConnections)

	clk.Advance(100 * time.Second)
	active.Touch()
	assert.Equal(t, 0, r.Cleanup())

	clk.Advance(21 * time.Second)
	assert.Equal(t, 1, r.Cleanup())

	stats := r.Stats()
	assert.Equal(t, 1, stats.TotalConnections)
	require.Len(t, stats.Connections, 1)
	assert.Equal(t, "active", stats.Connections[0].ID)
}

func TestRegistry_TouchByID(t *testing.T) {
	r, clk := newTestRegistry(t)
	_, err := r.Add("c1", &fakeSink{})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	assert.True(t, r.Touch("c1"))
	assert.False(t, r.Touch("missing"))

	stats := r.Stats()
	require.Len(t, stats.Connections, 1)
	assert.Equal(t, clk.Now().UnixMilli(), stats.Connections[0].LastHeartbeat)
	assert.Equal(t, int64(60_000), stats.Connections[0].Age)
	assert.Equal(t, "open", stats.Connections[0].ReadyState)
}

func TestRegistry_Heartbeat(t *testing.T) {
	r, _ := newTestRegistry(t)
	ok, bad := &fakeSink{}, &fakeSink{}
	_, err := r.Add("ok", ok)
	require.NoError(t, err)
	_, err = r.Add("bad", bad)
	require.NoError(t, err)
	bad.mu.Lock()
	bad.fail = ErrBufferFull
	bad.mu.Unlock()

	sub := r.Subscribe(4)
	assert.Equal(t, 1, r.Heartbeat())
	assert.Equal(t, 1, r.Len())

	evs := ok.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, EventHeartbeat, evs[1].Type)
	assert.Empty(t, sub.C(), "subscribers do not receive heartbeats")
}

func TestRegistry_Subscribe(t *testing.T) {
	r, _ := newTestRegistry(t)
	sub := r.Subscribe(2)

	r.Broadcast(Event{Type: EventNewPools})
	r.Broadcast(Event{Type: EventNewCollections})
	r.Broadcast(Event{Type: EventVolumeUpdate}) // dropped: buffer full

	assert.Equal(t, EventNewPools, (<-sub.C()).Type)
	assert.Equal(t, EventNewCollections, (<-sub.C()).Type)
	assert.Equal(t, 1, r.Stats().Subscribers)

	sub.Unsubscribe()
	sub.Unsubscribe()
	_, open := <-sub.C()
	assert.False(t, open)
	assert.Equal(t, 0, r.Stats().Subscribers)

	r.Broadcast(Event{Type: EventNewPools})
}

func TestRegistry_Shutdown(t *testing.T) {
	r, _ := newTestRegistry(t)
	sink := &fakeSink{}
	_, err := r.Add("c1", sink)
	require.NoError(t, err)
	sub := r.Subscribe(1)

	r.Shutdown()
	r.Shutdown()

	assert.Equal(t, 0, r.Len())
	assert.True(t, sink.isClosed())
	_, open := <-sub.C()
	assert.False(t, open)

	_, err = r.Add("c2", &fakeSink{})
	assert.ErrorIs(t, err, ErrShutdown)

	late := r.Subscribe(1)
	_, open = <-late.C()
	assert.False(t, open)
	late.Unsubscribe()
}

func TestRegistry_StartTimers(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	r := NewRegistry(Config{
		HeartbeatInterval: 10 * time.Millisecond,
		CleanupInterval:   time.Hour,
		Logger:            logrus.NewEntry(log),
	})
	sink := &fakeSink{}
	_, err := r.Add("c1", sink)
	require.NoError(t, err)

	r.Start(t.Context())
	r.Start(t.Context())

	assert.Eventually(t, func() bool {
		for _, ev := range sink.events(t) {
			if ev.Type == EventHeartbeat {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	r.Shutdown()
}

func TestRegistry_ConcurrentBroadcastAndChurn(t *testing.T) {
	r, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Broadcast(Event{Type: EventNewTransaction})
			}
		}()
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c, err := r.Add(string(rune('a'+i)), &fakeSink{})
				if err == nil && j%2 == 0 {
					c.Close()
				}
				r.Cleanup()
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, r.Len(), 4)
}

func TestRegistry_WelcomePrecedesConcurrentBroadcasts(t *testing.T) {
	r, _ := newTestRegistry(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.Broadcast(Event{Type: EventNewTransaction})
			}
		}
	}()

	sinks := make([]*fakeSink, 100)
	for i := range sinks {
		sinks[i] = &fakeSink{}
		_, err := r.Add(string(rune('A'+i)), sinks[i])
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	for _, s := range sinks {
		evs := s.events(t)
		require.NotEmpty(t, evs)
		assert.Equal(t, EventConnection, evs[0].Type)
		for _, ev := range evs[1:] {
			assert.NotEqual(t, EventConnection, ev.Type)
		}
	}
}

func TestRegistry_HeartbeatDoesNotRefreshLiveness(t *testing.T) {
	r, clk := newTestRegistry(t)
	sink := NewChanSink(16)
	_, err := r.Add("quiet", sink)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clk.Advance(30 * time.Second)
		r.Heartbeat()
	}
	assert.Len(t, sink.Messages(), 6, "welcome and five heartbeats queued")

	assert.Equal(t, 1, r.Cleanup())
	assert.Equal(t, 0, r.Len())
}
