package livefeed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// DefaultSinkBuffer is the per-connection queue length used when none is given.
const DefaultSinkBuffer = 64

// ChanSink is a buffered Sink drained by a transport writer goroutine.
type ChanSink struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// NewChanSink creates a ChanSink holding up to buffer pending payloads.
func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	return &ChanSink{
		ch:   make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send queues payload without blocking.
func (s *ChanSink) Send(payload []byte) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.ch <- payload:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close signals the writer to stop.
func (s *ChanSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Messages returns the queue the writer drains.
func (s *ChanSink) Messages() <-chan []byte {
	return s.ch
}

// Done is closed once the sink is closed.
func (s *ChanSink) Done() <-chan struct{} {
	return s.done
}

// SSEHandler serves the live feed as a server-sent event stream. The optional
// "clientId" query parameter names the connection; reconnecting with the same id
// replaces the previous stream.
func SSEHandler(reg *Registry, buffer int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			reg.log.WithError(err).Warn("streaming unsupported")
			return
		}

		sink := NewChanSink(buffer)
		conn, err := reg.Add(r.URL.Query().Get("clientId"), sink)
		if err != nil {
			reg.log.WithError(err).Warn("register sse connection")
			return
		}
		defer conn.Close()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sink.Done():
				return
			case payload := <-sink.Messages():
				if err := writeSSE(w, payload); err != nil {
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}
				conn.Touch()
			}
		}
	})
}

// writeSSE writes one data-only event frame.
func writeSSE(w http.ResponseWriter, payload []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// StatsHandler serves Registry.Stats as JSON.
func StatsHandler(reg *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, reg.Stats())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
