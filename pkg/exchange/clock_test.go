package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func serverTimeStub(offset time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/time" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().Add(offset).UnixMilli())
	}))
}

func TestClockSyncDetectsDrift(t *testing.T) {
	srv := serverTimeStub(2 * time.Second)
	defer srv.Close()

	clock := NewClock(quietLogger())
	require.NoError(t, clock.Sync(context.Background(), srv.URL))

	require.InDelta(t, 2000, clock.Drift().Milliseconds(), 500)
	require.False(t, clock.DriftAcceptable(time.Second))
	require.True(t, clock.DriftAcceptable(5*time.Second))
}

func TestClockSyncNearZeroOffset(t *testing.T) {
	srv := serverTimeStub(0)
	defer srv.Close()

	clock := NewClock(quietLogger())
	require.NoError(t, clock.Sync(context.Background(), srv.URL))

	require.Less(t, clock.Drift().Milliseconds(), int64(500))
	require.True(t, clock.DriftAcceptable(time.Second))
	require.False(t, clock.LastSync().IsZero())
}

func TestClockNowAppliesOffset(t *testing.T) {
	clock := NewClock(quietLogger())
	clock.mu.Lock()
	clock.offset = -3 * time.Second
	clock.mu.Unlock()

	expected := time.Now().Add(-3 * time.Second).UnixMilli()
	require.InDelta(t, expected, clock.Now(), 200)
	require.Equal(t, 3*time.Second, clock.Drift())
}

func TestClockSyncServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1000,"msg":"internal error"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	clock := NewClock(quietLogger())
	err := clock.Sync(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, CodeExchange, CodeOf(err))
	require.True(t, IsRetryable(err))
}
