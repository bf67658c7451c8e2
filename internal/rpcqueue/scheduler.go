// Package rpcqueue serializes upstream RPC calls through a single worker that
// enforces a sliding-window request limit, a minimum spacing between dispatches and a
// queue-wide pause after rate-limit responses.
package rpcqueue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bonding-curve-feed/internal/observability"
)

var (
	// ErrClosed is returned for jobs submitted to, or still queued in, a closed scheduler.
	ErrClosed = errors.New("rpc scheduler closed")
	// ErrRetriesExhausted is returned when a job hit more rate limits than MaxRetries allows.
	ErrRetriesExhausted = errors.New("rate-limit retries exhausted")
)

// RateLimited is implemented by errors that signal upstream throttling.
// *solana.RateLimitedError satisfies it.
type RateLimited interface {
	error
	RetryAfter() time.Duration
}

// Config configures a Scheduler.
type Config struct {
	MaxRequests    int           // dispatches allowed per Window
	Window         time.Duration // rolling window length
	MinInterval    time.Duration // spacing between any two dispatches
	DefaultBackoff time.Duration // pause after a rate limit without Retry-After
	MaxRetries     int           // rate-limit retries per job, negative = unlimited
	Logger         *logrus.Entry
}

// DefaultConfig returns the public-node limits: 30 requests per 10s.
func DefaultConfig() Config {
	return Config{
		MaxRequests:    30,
		Window:         10 * time.Second,
		MinInterval:    300 * time.Millisecond,
		DefaultBackoff: 2 * time.Second,
		MaxRetries:     5,
	}
}

// Func is one unit of upstream work.
type Func func(ctx context.Context) (any, error)

type result struct {
	value any
	err   error
}

type job struct {
	ctx      context.Context
	method   string
	fn       Func
	attempts int
	elem     *list.Element // non-nil while queued
	done     chan result
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued      int       `json:"queued"`
	InWindow    int       `json:"inWindow"`
	Dispatched  uint64    `json:"dispatched"`
	RateLimited uint64    `json:"rateLimited"`
	Rejected    uint64    `json:"rejected"`
	PausedUntil time.Time `json:"pausedUntil,omitempty"`
}

// Scheduler is a FIFO job queue drained by one worker goroutine.
type Scheduler struct {
	cfg Config
	log *logrus.Entry

	mu           sync.Mutex
	queue        *list.List
	sent         []time.Time // dispatch times inside the window, oldest first
	lastDispatch time.Time
	pausedUntil  time.Time
	now          func() time.Time
	closed       bool
	dispatched   uint64
	rateLimited  uint64
	rejected     uint64

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// New starts a scheduler worker.
func New(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.DefaultBackoff <= 0 {
		cfg.DefaultBackoff = def.DefaultBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Scheduler{
		cfg:   cfg,
		log:   log,
		queue: list.New(),
		now:   time.Now,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Submit enqueues fn and waits for its result. Cancelling ctx while the job is
// still queued removes it; a running job sees ctx through fn.
func (s *Scheduler) Submit(ctx context.Context, method string, fn Func) (any, error) {
	j := &job{ctx: ctx, method: method, fn: fn, done: make(chan result, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	j.elem = s.queue.PushBack(j)
	observability.SetRPCQueueDepth(s.queue.Len())
	s.mu.Unlock()
	s.signal()

	select {
	case r := <-j.done:
		return r.value, r.err
	case <-ctx.Done():
		s.mu.Lock()
		if j.elem != nil {
			s.queue.Remove(j.elem)
			j.elem = nil
			observability.SetRPCQueueDepth(s.queue.Len())
			s.mu.Unlock()
			s.signal()
			return nil, ctx.Err()
		}
		s.mu.Unlock()
		r := <-j.done
		return r.value, r.err
	}
}

// Do is a typed Submit.
func Do[T any](ctx context.Context, s *Scheduler, method string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := s.Submit(ctx, method, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// Close stops the worker after any running job finishes and rejects queued jobs with ErrClosed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for e := s.queue.Front(); e != nil; e = e.Next() {
		j := e.Value.(*job)
		j.elem = nil
		j.done <- result{err: ErrClosed}
	}
	s.queue.Init()
	observability.SetRPCQueueDepth(0)
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
}

// Stats returns counters and the current queue depth.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	st := Stats{
		Queued:      s.queue.Len(),
		InWindow:    len(s.sent),
		Dispatched:  s.dispatched,
		RateLimited: s.rateLimited,
		Rejected:    s.rejected,
	}
	if s.now().Before(s.pausedUntil) {
		st.PausedUntil = s.pausedUntil
	}
	return st
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		j, wait, closed := s.next()
		switch {
		case closed:
			return
		case j != nil:
			s.execute(j)
		case wait == 0:
			select {
			case <-s.wake:
			case <-s.stop:
				return
			}
		default:
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.wake:
				timer.Stop()
			case <-s.stop:
				timer.Stop()
				return
			}
		}
	}
}

// next pops the head job if admission allows it now; otherwise it reports how
// long to wait (zero when the queue is empty).
func (s *Scheduler) next() (*job, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, 0, true
	}
	if s.queue.Len() == 0 {
		return nil, 0, false
	}

	now := s.now()
	var wait time.Duration
	if now.Before(s.pausedUntil) {
		wait = s.pausedUntil.Sub(now)
	}
	s.pruneLocked(now)
	if len(s.sent) >= s.cfg.MaxRequests {
		// the oldest dispatch counts until strictly more than Window has passed
		wait = max(wait, s.sent[0].Add(s.cfg.Window).Sub(now)+time.Nanosecond)
	}
	if !s.lastDispatch.IsZero() {
		wait = max(wait, s.lastDispatch.Add(s.cfg.MinInterval).Sub(now))
	}
	if wait > 0 {
		return nil, wait, false
	}

	j := s.queue.Remove(s.queue.Front()).(*job)
	j.elem = nil
	s.sent = append(s.sent, now)
	s.lastDispatch = now
	s.dispatched++
	observability.SetRPCQueueDepth(s.queue.Len())
	return j, 0, false
}

// pruneLocked drops dispatch times that left the window. The window is closed,
// so a dispatch exactly Window ago still counts.
func (s *Scheduler) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.Window)
	i := 0
	for i < len(s.sent) && s.sent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.sent = append(s.sent[:0], s.sent[i:]...)
	}
}

func (s *Scheduler) execute(j *job) {
	value, err := s.call(j)

	var rl RateLimited
	if err == nil || !errors.As(err, &rl) {
		j.done <- result{value: value, err: err}
		return
	}

	j.attempts++
	log := s.log.WithFields(logrus.Fields{"method": j.method, "attempt": j.attempts})

	if s.cfg.MaxRetries >= 0 && j.attempts > s.cfg.MaxRetries {
		s.reject(j, "retries_exhausted", fmt.Errorf("%s after %d attempts: %w: %w", j.method, j.attempts, ErrRetriesExhausted, err))
		log.Warn("rate-limit retries exhausted")
		return
	}
	if ctxErr := j.ctx.Err(); ctxErr != nil {
		s.reject(j, "canceled", ctxErr)
		return
	}

	backoff := rl.RetryAfter()
	if backoff <= 0 {
		backoff = s.cfg.DefaultBackoff
	}

	s.mu.Lock()
	s.rateLimited++
	s.pausedUntil = s.now().Add(backoff)
	if s.closed {
		s.mu.Unlock()
		j.done <- result{err: ErrClosed}
		return
	}
	j.elem = s.queue.PushFront(j)
	observability.SetRPCQueueDepth(s.queue.Len())
	s.mu.Unlock()

	observability.RecordRPCRateLimited()
	log.WithField("backoff", backoff).Warn("rate limited, requeued at head")
}

func (s *Scheduler) reject(j *job, reason string, err error) {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
	observability.RecordRPCJobRejected(reason)
	j.done <- result{err: err}
}

// call runs the job, converting a panic into an error for that caller only.
func (s *Scheduler) call(j *job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", j.method, r)
		}
	}()
	return j.fn(j.ctx)
}
