package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Clock tracks the offset between local time and the exchange's server time.
// All signed timestamps must go through Now() so that a drifting local clock
// never produces requests outside the exchange's recvWindow.
type Clock struct {
	mu         sync.RWMutex
	offset     time.Duration // serverTime - localTime
	lastSync   time.Time
	httpClient *http.Client
	logger     *logrus.Logger
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

func NewClock(logger *logrus.Logger) *Clock {
	return &Clock{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Sync fetches the exchange server time once and stores the observed offset.
func (c *Clock) Sync(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/fapi/v1/time", nil)
	if err != nil {
		return err
	}

	local := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newAPIError(CodeNetwork, 0, fmt.Sprintf("server time fetch: %v", err), true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return newAPIError(CodeExchange, resp.StatusCode, string(body), resp.StatusCode >= 500)
	}

	var st serverTimeResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decoding server time: %w", err)
	}

	server := time.UnixMilli(st.ServerTime)
	c.mu.Lock()
	c.offset = server.Sub(local)
	c.lastSync = time.Now()
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"offset_ms": c.Offset().Milliseconds(),
	}).Debug("Synced exchange server time")
	return nil
}

// Now returns the drift-corrected time as epoch milliseconds.
func (c *Clock) Now() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset).UnixMilli()
}

// Offset returns the signed server-minus-local offset.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Drift returns the magnitude of the current offset.
func (c *Clock) Drift() time.Duration {
	off := c.Offset()
	if off < 0 {
		return -off
	}
	return off
}

// DriftAcceptable reports whether the observed drift is within maxDrift.
func (c *Clock) DriftAcceptable(maxDrift time.Duration) bool {
	return c.Drift() <= maxDrift
}

// LastSync returns when the offset was last refreshed; zero if never synced.
func (c *Clock) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}
