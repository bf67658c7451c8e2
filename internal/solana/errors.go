package solana

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RateLimitedError is returned when the node answers 429 (HTTP or JSON-RPC).
// The client does not retry it; callers own the backoff.
type RateLimitedError struct {
	Method string
	Delay  time.Duration // from Retry-After, zero when absent
}

func (e *RateLimitedError) Error() string {
	if e.Delay > 0 {
		return fmt.Sprintf("%s: rate limited (retry after %s)", e.Method, e.Delay)
	}
	return fmt.Sprintf("%s: rate limited", e.Method)
}

// RetryAfter returns the server-suggested delay, zero when unknown.
func (e *RateLimitedError) RetryAfter() time.Duration {
	return e.Delay
}

// NetworkError wraps transport failures (dial, timeout, truncated body).
type NetworkError struct {
	Method string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network: %v", e.Method, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// UpstreamError is a non-200, non-429 HTTP response.
type UpstreamError struct {
	Method string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Method, e.Status, e.Body)
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
