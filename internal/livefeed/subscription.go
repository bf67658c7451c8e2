package livefeed

import (
	"sync"

	"bonding-curve-feed/internal/observability"
)

// Subscription receives every broadcast event in process. Obtain one with
// Registry.Subscribe and release it with Unsubscribe.
type Subscription struct {
	registry *Registry
	ch       chan Event

	once sync.Once
}

// Subscribe registers an in-process observer with the given channel buffer.
// Events that do not fit the buffer are dropped for this subscriber.
func (r *Registry) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	s := &Subscription{registry: r, ch: make(chan Event, buffer)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(s.ch)
		s.once.Do(func() {})
		return s
	}
	r.observers[s] = struct{}{}
	return s
}

// C returns the event channel. It is closed by Unsubscribe or Shutdown.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Unsubscribe stops delivery and closes the channel. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.registry.mu.Lock()
	_, ok := s.registry.observers[s]
	delete(s.registry.observers, s)
	s.registry.mu.Unlock()
	if ok {
		s.close()
	}
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// notify hands ev to every subscriber. Sends happen under mu, and subscribers are
// removed from the map under mu before their channel is closed.
func (r *Registry) notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.observers {
		select {
		case s.ch <- ev:
		default:
			observability.RecordBroadcast(ev.Type+"_observer", 1)
			r.log.WithField("event_type", ev.Type).Warn("subscriber buffer full, event dropped")
		}
	}
}
