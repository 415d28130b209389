package exchange

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExtractRateLimitInfo(t *testing.T) {
	h := http.Header{}
	h.Set("X-MBX-USED-WEIGHT-1M", "1800")
	h.Set("X-MBX-ORDER-COUNT-1M", "42")
	h.Set("Retry-After", "7")

	info := ExtractRateLimitInfo(h)
	require.Equal(t, 1800, info.UsedWeight)
	require.Equal(t, 42, info.OrderCount)
	require.Equal(t, 7*time.Second, info.RetryAfter)
}

func TestExtractRateLimitInfoMissingHeaders(t *testing.T) {
	info := ExtractRateLimitInfo(http.Header{})
	require.Zero(t, info.UsedWeight)
	require.Zero(t, info.OrderCount)
	require.Zero(t, info.RetryAfter)
}

func TestShouldBackoff(t *testing.T) {
	tests := []struct {
		name   string
		used   int
		limit  int
		expect bool
	}{
		{"well under the ceiling", 1000, 2400, false},
		{"at ninety percent", 2160, 2400, true},
		{"over the ceiling", 2500, 2400, true},
		{"no configured ceiling", 2500, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := RateLimitInfo{UsedWeight: tt.used}
			require.Equal(t, tt.expect, info.ShouldBackoff(tt.limit))
		})
	}
}

func TestRetryDelayNeverBelowOneSecond(t *testing.T) {
	require.Equal(t, time.Second, RateLimitInfo{}.RetryDelay())
	require.Equal(t, time.Second, RateLimitInfo{RetryAfter: 200 * time.Millisecond}.RetryDelay())
	require.Equal(t, 5*time.Second, RateLimitInfo{RetryAfter: 5 * time.Second}.RetryDelay())
}

func TestBackoffDelayStrictlyIncreasing(t *testing.T) {
	base := time.Second
	d1 := BackoffDelay(1, base)
	d2 := BackoffDelay(2, base)
	d3 := BackoffDelay(3, base)

	require.Equal(t, time.Second, d1)
	require.Equal(t, 2*time.Second, d2)
	require.Equal(t, 4*time.Second, d3)
	require.Less(t, d1, d2)
	require.Less(t, d2, d3)
}

func TestBackoffDelayCapped(t *testing.T) {
	require.Equal(t, maxBackoff, BackoffDelay(10, time.Second))
	require.Equal(t, maxBackoff, BackoffDelay(63, time.Second))
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	base := time.Second
	for attempt := 1; attempt <= 5; attempt++ {
		want := BackoffDelay(attempt, base)
		for i := 0; i < 50; i++ {
			got := BackoffDelayJitter(attempt, base)
			require.GreaterOrEqual(t, got, time.Duration(float64(want)*0.8))
			require.LessOrEqual(t, got, time.Duration(float64(want)*1.2))
		}
	}
}
