package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/guardrail/pkg/exchange"
	"github.com/quantfold/guardrail/pkg/filters"
	"github.com/quantfold/guardrail/pkg/models"
	"github.com/quantfold/guardrail/pkg/protection"
	"github.com/quantfold/guardrail/pkg/trader"
)

// stubClient is the minimal exchange.Client the read-side routes need.
type stubClient struct {
	book *models.OrderBook
}

func (s *stubClient) ExchangeInfo(ctx context.Context) (*models.ExchangeInfo, error) {
	return &models.ExchangeInfo{}, nil
}
func (s *stubClient) ServerTime(ctx context.Context) (int64, error) { return 0, nil }
func (s *stubClient) Depth(ctx context.Context, symbol string, limit int) (*models.OrderBook, error) {
	return s.book, nil
}
func (s *stubClient) Account(ctx context.Context) (*models.Account, error)     { return nil, nil }
func (s *stubClient) Positions(ctx context.Context) ([]models.Position, error) { return nil, nil }
func (s *stubClient) PlaceOrder(ctx context.Context, order *models.OrderRequest) (*models.Order, error) {
	return nil, nil
}
func (s *stubClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	return nil
}
func (s *stubClient) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (s *stubClient) CreateListenKey(ctx context.Context) (string, error)                { return "", nil }
func (s *stubClient) KeepAliveListenKey(ctx context.Context, key string) error           { return nil }
func (s *stubClient) CloseListenKey(ctx context.Context, key string) error               { return nil }
func (s *stubClient) BookTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	return nil, nil
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	registry := filters.NewRegistry(logger)
	err := registry.Load(models.SymbolInfo{
		Symbol: "BTCUSDT",
		Status: "TRADING",
		Filters: []models.RawFilter{
			{"filterType": "PRICE_FILTER", "minPrice": "0.01", "maxPrice": "1000000", "tickSize": "0.01"},
			{"filterType": "LOT_SIZE", "minQty": "0.001", "maxQty": "1000", "stepSize": "0.001"},
			{"filterType": "MIN_NOTIONAL", "notional": "5.0"},
		},
	})
	require.NoError(t, err)

	client := &stubClient{}
	prot := protection.NewEngine(registry, logger)
	engine := trader.NewEngine(client, exchange.NewClock(logger), registry, prot, trader.Config{}, logger)

	srv := httptest.NewServer(NewServer(engine, logger, "0").Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "healthy", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, string(exchange.StreamDisconnected), body["stream_state"])
	require.Equal(t, float64(1), body["filter_count"])
	require.Equal(t, false, body["listen_key_active"])
}

func TestFiltersEndpoint(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/api/filters?symbol=BTCUSDT")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var f models.SymbolFilters
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&f))
	require.Equal(t, "BTCUSDT", f.Symbol)
	require.Equal(t, 0.01, f.TickSize)
}

func TestFiltersEndpointErrors(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/api/filters")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/filters?symbol=DOGEUSDT")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheckEndpoint(t *testing.T) {
	srv := testServer(t)

	body := `{"symbol":"BTCUSDT","side":"BUY","type":"LIMIT","price":100.004,"quantity":1}`
	resp, err := http.Post(srv.URL+"/api/check", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var check trader.OrderCheck
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&check))
	require.True(t, check.Approved)
	require.True(t, check.Validation.PriceAdjusted)
	require.InDelta(t, 100.00, check.EffectivePrice, 1e-9)
}

func TestCheckEndpointErrors(t *testing.T) {
	srv := testServer(t)

	// Unknown symbol cannot be validated at all.
	body := `{"symbol":"DOGEUSDT","side":"BUY","type":"LIMIT","price":1,"quantity":100}`
	resp, err := http.Post(srv.URL+"/api/check", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Malformed JSON.
	resp, err = http.Post(srv.URL+"/api/check", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// GET is not allowed.
	resp, err = http.Get(srv.URL + "/api/check")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := testServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/check", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}
