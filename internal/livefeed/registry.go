package livefeed

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bonding-curve-feed/internal/observability"
)

// Sink delivers encoded events to one client transport.
// Send must not block; a client that cannot accept more data returns ErrBufferFull.
type Sink interface {
	Send(payload []byte) error
	Close() error
}

// ConnState is the lifecycle state of a Connection.
type ConnState int

const (
	StateOpen ConnState = iota
	StateClosed
)

func (s ConnState) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Eviction reasons reported to metrics and logs.
const (
	reasonReplaced   = "replaced"
	reasonDelivery   = "delivery_failed"
	reasonStale      = "stale"
	reasonDisconnect = "disconnect"
	reasonShutdown   = "shutdown"
)

// Connection is a registered client. Handles are compared by identity, so closing
// a replaced handle never removes the connection that replaced it.
type Connection struct {
	ID        string
	CreatedAt time.Time

	registry *Registry
	sink     Sink

	// guarded by registry.mu
	lastHeartbeat time.Time
	state         ConnState
}

// Close deregisters this connection instance.
func (c *Connection) Close() {
	c.registry.remove(c, reasonDisconnect)
}

// Touch records client traffic, refreshing the heartbeat.
func (c *Connection) Touch() {
	c.registry.touch(c)
}

// Config configures a Registry.
type Config struct {
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	StaleAfter        time.Duration
	Logger            *logrus.Entry
}

// DefaultConfig returns 30s heartbeats, 60s cleanup ticks and a 120s staleness threshold.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		CleanupInterval:   60 * time.Second,
		StaleAfter:        120 * time.Second,
	}
}

// Registry holds live connections and broadcasts events to them.
type Registry struct {
	cfg Config
	log *logrus.Entry
	now func() time.Time

	mu        sync.Mutex
	conns     map[string]*Connection
	observers map[*Subscription]struct{}
	closed    bool

	// serializes broadcasts so every connection sees events in the same order
	sendMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a Registry. Zero config fields take DefaultConfig values.
func NewRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		conns:     make(map[string]*Connection),
		observers: make(map[*Subscription]struct{}),
	}
}

// Start runs the heartbeat and cleanup timers until ctx is done or Shutdown is called.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil || r.closed {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(2)
	go r.tick(ctx, r.cfg.HeartbeatInterval, func() { r.Heartbeat() })
	go r.tick(ctx, r.cfg.CleanupInterval, func() { r.Cleanup() })
}

func (r *Registry) tick(ctx context.Context, interval time.Duration, fn func()) {
	defer r.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// Add registers sink under id, replacing any connection with the same id, and sends
// the welcome event before any broadcast can reach the connection. An empty id
// gets a generated one.
func (r *Registry) Add(id string, sink Sink) (*Connection, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now()
	welcome, err := NewEvent(EventConnection, connectionData{
		ConnectionID: id,
		Message:      "connected to live feed",
	}, now)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(welcome)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		ID:            id,
		CreatedAt:     now,
		registry:      r,
		sink:          sink,
		lastHeartbeat: now,
		state:         StateOpen,
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = sink.Close()
		return nil, ErrShutdown
	}
	old := r.conns[id]
	if old != nil {
		old.state = StateClosed
	}
	r.conns[id] = conn
	total := len(r.conns)
	r.mu.Unlock()

	if old != nil {
		_ = old.sink.Close()
		observability.RecordConnectionEvicted(reasonReplaced)
		r.log.WithField("connection_id", id).Debug("connection replaced")
	}
	observability.SetLiveConnections(total)

	if err := sink.Send(payload); err != nil {
		r.remove(conn, reasonDelivery)
		return nil, &DeliveryError{ConnectionID: id, EventType: EventConnection, Err: err}
	}

	r.log.WithFields(logrus.Fields{"connection_id": id, "total": total}).Info("connection added")
	return conn, nil
}

// Broadcast sends ev to every open connection and to subscribers. A failed send drops
// only that connection. It returns the number of successful deliveries.
func (r *Registry) Broadcast(ev Event) int {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.log.WithError(err).WithField("event_type", ev.Type).Error("encode event")
		return 0
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	conns := r.snapshot()
	r.notify(ev)

	delivered, failed := 0, 0
	for _, c := range conns {
		if !r.isOpen(c) {
			continue
		}
		if err := c.sink.Send(payload); err != nil {
			failed++
			derr := &DeliveryError{ConnectionID: c.ID, EventType: ev.Type, Err: err}
			r.log.WithError(derr).WithField("connection_id", c.ID).Warn("dropping connection")
			r.remove(c, reasonDelivery)
			continue
		}
		delivered++
	}

	observability.RecordBroadcast(ev.Type, failed)
	return delivered
}

// BroadcastData builds an event from data stamped with the current time and broadcasts it.
func (r *Registry) BroadcastData(eventType string, data any) (int, error) {
	ev, err := NewEvent(eventType, data, r.now())
	if err != nil {
		return 0, err
	}
	return r.Broadcast(ev), nil
}

// Heartbeat sends a heartbeat event to every connection and drops those that
// fail. It does not refresh lastHeartbeat: only transport traffic does, through
// Connection.Touch (SSE flushes, WebSocket pongs and inbound frames), so a sink
// that never calls Touch goes stale after StaleAfter. Subscribers do not receive it.
func (r *Registry) Heartbeat() int {
	ev, _ := NewEvent(EventHeartbeat, nil, r.now())
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	delivered := 0
	for _, c := range r.snapshot() {
		if !r.isOpen(c) {
			continue
		}
		if err := c.sink.Send(payload); err != nil {
			r.log.WithError(err).WithField("connection_id", c.ID).Debug("heartbeat failed")
			r.remove(c, reasonDelivery)
			continue
		}
		delivered++
	}
	return delivered
}

// Cleanup removes connections that are closed or have shown no traffic for longer
// than the staleness threshold. It returns the number removed.
func (r *Registry) Cleanup() int {
	cutoff := r.now().Add(-r.cfg.StaleAfter)

	r.mu.Lock()
	var stale []*Connection
	for id, c := range r.conns {
		if c.state == StateClosed || c.lastHeartbeat.Before(cutoff) {
			c.state = StateClosed
			delete(r.conns, id)
			stale = append(stale, c)
		}
	}
	total := len(r.conns)
	r.mu.Unlock()

	for _, c := range stale {
		_ = c.sink.Close()
		observability.RecordConnectionEvicted(reasonStale)
		r.log.WithField("connection_id", c.ID).Info("stale connection removed")
	}
	if len(stale) > 0 {
		observability.SetLiveConnections(total)
	}
	return len(stale)
}

// Touch refreshes the heartbeat of the connection currently registered under id.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || c.state != StateOpen {
		return false
	}
	c.lastHeartbeat = r.now()
	return true
}

func (r *Registry) touch(c *Connection) {
	r.mu.Lock()
	if c.state == StateOpen {
		c.lastHeartbeat = r.now()
	}
	r.mu.Unlock()
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ConnectionInfo describes one connection in Stats. Times are unix milliseconds.
type ConnectionInfo struct {
	ID            string `json:"id"`
	CreatedAt     int64  `json:"createdAt"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	Age           int64  `json:"age"`
	ReadyState    string `json:"readyState"`
}

// Stats is the registry snapshot served by the stats endpoint.
type Stats struct {
	TotalConnections int              `json:"totalConnections"`
	Connections      []ConnectionInfo `json:"connections"`
	Subscribers      int              `json:"subscribers"`
	Timestamp        int64            `json:"timestamp"`
}

// Stats returns the connection count and per-connection age and heartbeat, oldest first.
func (r *Registry) Stats() Stats {
	now := r.now()

	r.mu.Lock()
	infos := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		infos = append(infos, ConnectionInfo{
			ID:            c.ID,
			CreatedAt:     c.CreatedAt.UnixMilli(),
			LastHeartbeat: c.lastHeartbeat.UnixMilli(),
			Age:           now.Sub(c.CreatedAt).Milliseconds(),
			ReadyState:    c.state.String(),
		})
	}
	subscribers := len(r.observers)
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt != infos[j].CreatedAt {
			return infos[i].CreatedAt < infos[j].CreatedAt
		}
		return infos[i].ID < infos[j].ID
	})

	return Stats{
		TotalConnections: len(infos),
		Connections:      infos,
		Subscribers:      subscribers,
		Timestamp:        now.UnixMilli(),
	}
}

// Shutdown stops the timers, closes every sink and subscription and clears the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	cancel := r.cancel
	conns := r.conns
	observers := r.observers
	r.conns = make(map[string]*Connection)
	r.observers = make(map[*Subscription]struct{})
	for _, c := range conns {
		c.state = StateClosed
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	for _, c := range conns {
		_ = c.sink.Close()
		observability.RecordConnectionEvicted(reasonShutdown)
	}
	for s := range observers {
		s.close()
	}
	observability.SetLiveConnections(0)
	r.log.WithField("connections", len(conns)).Info("registry shut down")
}

func (r *Registry) snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) isOpen(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.state == StateOpen
}

// remove deregisters c if it is still the registered instance for its id.
func (r *Registry) remove(c *Connection, reason string) {
	r.mu.Lock()
	if c.state == StateClosed {
		r.mu.Unlock()
		return
	}
	c.state = StateClosed
	if r.conns[c.ID] == c {
		delete(r.conns, c.ID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	_ = c.sink.Close()
	observability.RecordConnectionEvicted(reason)
	observability.SetLiveConnections(total)
	if reason == reasonDisconnect {
		r.log.WithField("connection_id", c.ID).Info("connection closed")
	}
}
