package exchange

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Rate-limit headers published by the exchange on every REST response.
const (
	headerUsedWeight = "X-Mbx-Used-Weight-1m"
	headerOrderCount = "X-Mbx-Order-Count-1m"
	headerRetryAfter = "Retry-After"
)

const (
	maxBackoff = 60 * time.Second
	// backoffPressure is the fraction of the weight ceiling at which callers
	// should slow down before the exchange starts returning 429s.
	backoffPressure = 0.9
	minRetryAfter   = time.Second
)

// RateLimitInfo is the rate-limit state extracted from response headers.
type RateLimitInfo struct {
	UsedWeight int
	OrderCount int
	RetryAfter time.Duration // only set on 429/418 responses
}

// ExtractRateLimitInfo parses the exchange's rate-limit headers. Missing or
// malformed headers leave the corresponding field at zero.
func ExtractRateLimitInfo(h http.Header) RateLimitInfo {
	info := RateLimitInfo{}
	if v, err := strconv.Atoi(h.Get(headerUsedWeight)); err == nil {
		info.UsedWeight = v
	}
	if v, err := strconv.Atoi(h.Get(headerOrderCount)); err == nil {
		info.OrderCount = v
	}
	if v, err := strconv.Atoi(h.Get(headerRetryAfter)); err == nil && v > 0 {
		info.RetryAfter = time.Duration(v) * time.Second
	}
	return info
}

// ShouldBackoff reports whether request weight is close enough to the ceiling
// that the caller should pause voluntarily.
func (i RateLimitInfo) ShouldBackoff(weightLimit int) bool {
	if weightLimit <= 0 {
		return false
	}
	return float64(i.UsedWeight) >= backoffPressure*float64(weightLimit)
}

// RetryDelay returns how long to sleep before retrying a 429 response:
// the server's Retry-After when present, and never less than one second.
func (i RateLimitInfo) RetryDelay() time.Duration {
	if i.RetryAfter > minRetryAfter {
		return i.RetryAfter
	}
	return minRetryAfter
}

// BackoffDelay computes the shared retry schedule: base*2^(attempt-1), capped
// at 60s. Attempt numbering starts at 1. Both the 429 retry loop and stream
// reconnects use this schedule so backoff behavior stays uniform.
func BackoffDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// BackoffDelayJitter is BackoffDelay with ±20% jitter, so simultaneous
// reconnecting clients do not stampede the exchange in lockstep.
func BackoffDelayJitter(attempt int, base time.Duration) time.Duration {
	d := BackoffDelay(attempt, base)
	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(d))
	return d + jitter
}
