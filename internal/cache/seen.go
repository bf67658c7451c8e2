package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenSet remembers processed transaction signatures for a bounded retention.
type SeenSet interface {
	// MarkSeen records sig and reports whether it was new.
	MarkSeen(ctx context.Context, sig string) (bool, error)
	// Seen reports whether sig was recorded and has not expired.
	Seen(ctx context.Context, sig string) (bool, error)
	// Forget removes sig, letting a failed processing attempt be retried.
	Forget(ctx context.Context, sig string) error
}

// MemorySeenSet is a process-local SeenSet.
type MemorySeenSet struct {
	retention time.Duration
	now       func() time.Time

	mu        sync.Mutex
	expires   map[string]time.Time
	lastSweep time.Time
}

var _ SeenSet = (*MemorySeenSet)(nil)

// NewMemorySeenSet creates a MemorySeenSet.
func NewMemorySeenSet(retention time.Duration) *MemorySeenSet {
	return &MemorySeenSet{
		retention: retention,
		now:       time.Now,
		expires:   make(map[string]time.Time),
	}
}

// MarkSeen records sig and reports whether it was new.
func (s *MemorySeenSet) MarkSeen(_ context.Context, sig string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)
	if exp, ok := s.expires[sig]; ok && now.Before(exp) {
		return false, nil
	}
	s.expires[sig] = now.Add(s.retention)
	return true, nil
}

// Seen reports whether sig was recorded and has not expired.
func (s *MemorySeenSet) Seen(_ context.Context, sig string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expires[sig]
	return ok && s.now().Before(exp), nil
}

// Forget removes sig.
func (s *MemorySeenSet) Forget(_ context.Context, sig string) error {
	s.mu.Lock()
	delete(s.expires, sig)
	s.mu.Unlock()
	return nil
}

// Len returns the number of retained signatures, expired ones included until the next sweep.
func (s *MemorySeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expires)
}

// sweepLocked drops expired signatures at most once per minute.
func (s *MemorySeenSet) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < time.Minute {
		return
	}
	s.lastSweep = now
	for sig, exp := range s.expires {
		if !now.Before(exp) {
			delete(s.expires, sig)
		}
	}
}

// RedisSeenSet is a SeenSet shared by every instance using the same Redis, via SET NX EX.
type RedisSeenSet struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

var _ SeenSet = (*RedisSeenSet)(nil)

// NewRedisSeenSet creates a RedisSeenSet with keys "<prefix>:<sig>".
func NewRedisSeenSet(client redis.UniversalClient, prefix string, retention time.Duration) *RedisSeenSet {
	return &RedisSeenSet{client: client, prefix: prefix, retention: retention}
}

func (s *RedisSeenSet) key(sig string) string {
	return s.prefix + ":" + sig
}

// MarkSeen records sig and reports whether it was new.
func (s *RedisSeenSet) MarkSeen(ctx context.Context, sig string) (bool, error) {
	return s.client.SetNX(ctx, s.key(sig), 1, s.retention).Result()
}

// Seen reports whether sig was recorded and has not expired.
func (s *RedisSeenSet) Seen(ctx context.Context, sig string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(sig)).Result()
	return n > 0, err
}

// Forget removes sig.
func (s *RedisSeenSet) Forget(ctx context.Context, sig string) error {
	return s.client.Del(ctx, s.key(sig)).Err()
}
