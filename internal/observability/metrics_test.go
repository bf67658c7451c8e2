package observability

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"bonding-curve-feed/internal/solana"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&solana.RateLimitedError{Method: "getSlot"}, "rate_limited"},
		{fmt.Errorf("wrapped: %w", &solana.NetworkError{Method: "getSlot", Err: errors.New("eof")}), "network"},
		{&solana.UpstreamError{Method: "getSlot", Status: 502}, "upstream"},
		{&solana.RPCError{Code: -32602}, "rpc"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), tt.err.Error())
	}
}

func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.Broadcasts.WithLabelValues("newPools").Inc()
	m.RPCCallErrors.WithLabelValues("getSlot", "network").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Broadcasts.WithLabelValues("newPools")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RPCCallErrors.WithLabelValues("getSlot", "network")))
}

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(DefaultMetrics.RPCCallErrors.WithLabelValues("getBlockHeight", "rate_limited"))
	RecordRPCCall("getBlockHeight", 10*time.Millisecond, &solana.RateLimitedError{Method: "getBlockHeight"})
	after := testutil.ToFloat64(DefaultMetrics.RPCCallErrors.WithLabelValues("getBlockHeight", "rate_limited"))
	assert.Equal(t, before+1, after)

	RecordBroadcast("heartbeat", 3)
	assert.GreaterOrEqual(t, testutil.ToFloat64(DefaultMetrics.DeliveryFailures.WithLabelValues("heartbeat")), 3.0)
}
