package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/quantfold/guardrail/pkg/models"
)

// Client is the REST surface the engine consumes. Implementations sign
// requests, honor rate limits, and map failures onto the error taxonomy.
type Client interface {
	ExchangeInfo(ctx context.Context) (*models.ExchangeInfo, error)
	ServerTime(ctx context.Context) (int64, error)
	Depth(ctx context.Context, symbol string, limit int) (*models.OrderBook, error)
	Account(ctx context.Context) (*models.Account, error)
	Positions(ctx context.Context) ([]models.Position, error)
	PlaceOrder(ctx context.Context, order *models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	CloseListenKey(ctx context.Context, key string) error
	BookTicker(ctx context.Context, symbol string) (*models.Ticker, error)
}

// RestClientConfig tunes the transport.
type RestClientConfig struct {
	BaseURL     string
	MaxRetries  int     // bound on 429 retries per request
	WeightLimit int     // request-weight ceiling per minute
	RateLimit   float64 // client-side requests per second, 0 disables
	Timeout     time.Duration
}

// RestClient is the signed HTTP transport. One instance per credential set.
type RestClient struct {
	cfg        RestClientConfig
	signer     *Signer
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

func NewRestClient(cfg RestClientConfig, signer *Signer, logger *logrus.Logger) *RestClient {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &RestClient{
		cfg:        cfg,
		signer:     signer,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger,
	}
}

// exchangeError is the JSON body the exchange returns on 4xx/5xx.
type exchangeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// do performs one logical request. Signed requests are re-signed on every
// attempt so retries never carry a stale timestamp. Retries happen only on
// 429 (honoring Retry-After), bounded by MaxRetries.
func (c *RestClient) do(ctx context.Context, method, endpoint string, params []Param, signed bool, opts SignOptions) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		body, retryAfter, err := c.doOnce(ctx, method, endpoint, params, signed, opts)
		if err == nil {
			return body, nil
		}
		if !IsRateLimited(err) || attempt >= c.cfg.MaxRetries {
			return nil, err
		}

		c.logger.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"attempt":  attempt + 1,
			"sleep":    retryAfter.String(),
		}).Warn("Rate limited, backing off before retry")

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *RestClient) doOnce(ctx context.Context, method, endpoint string, params []Param, signed bool, opts SignOptions) ([]byte, time.Duration, error) {
	var query string
	if signed {
		query = c.signer.Sign(method, endpoint, params, opts).QueryString
	} else {
		query = BuildQueryString(params)
	}

	// Mutating verbs carry the payload as a form-encoded body; reads put it
	// on the URL.
	var reqURL string
	var reqBody io.Reader
	if method == http.MethodGet && query != "" {
		reqURL = c.cfg.BaseURL + endpoint + "?" + query
	} else {
		reqURL = c.cfg.BaseURL + endpoint
		if query != "" {
			reqBody = strings.NewReader(query)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-MBX-APIKEY", c.signer.APIKey())
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, newAPIError(CodeNetwork, 0, fmt.Sprintf("%s %s: %v", method, endpoint, err), true)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, newAPIError(CodeNetwork, resp.StatusCode, fmt.Sprintf("reading response: %v", err), true)
	}

	info := ExtractRateLimitInfo(resp.Header)
	if info.ShouldBackoff(c.cfg.WeightLimit) {
		c.logger.WithFields(logrus.Fields{
			"used_weight": info.UsedWeight,
			"limit":       c.cfg.WeightLimit,
		}).Warn("Approaching request-weight ceiling")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, 0, nil
	}
	return nil, info.RetryDelay(), c.mapStatus(resp.StatusCode, body)
}

func (c *RestClient) mapStatus(status int, body []byte) error {
	var xerr exchangeError
	_ = json.Unmarshal(body, &xerr)
	msg := xerr.Msg
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	var apiErr *APIError
	switch {
	case status == http.StatusTooManyRequests || status == 418:
		apiErr = newAPIError(CodeRateLimited, status, msg, true)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		apiErr = newAPIError(CodeAuth, status, msg, false)
	case status >= 500:
		apiErr = newAPIError(CodeExchange, status, msg, true)
	default:
		apiErr = newAPIError(CodeExchange, status, msg, false)
	}
	apiErr.ExchangeCode = xerr.Code
	return apiErr
}

func (c *RestClient) ExchangeInfo(ctx context.Context) (*models.ExchangeInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false, SignOptions{})
	if err != nil {
		return nil, err
	}
	var info models.ExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decoding exchange info: %w", err)
	}
	return &info, nil
}

func (c *RestClient) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/time", nil, false, SignOptions{})
	if err != nil {
		return 0, err
	}
	var st serverTimeResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return 0, fmt.Errorf("decoding server time: %w", err)
	}
	return st.ServerTime, nil
}

type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (c *RestClient) Depth(ctx context.Context, symbol string, limit int) (*models.OrderBook, error) {
	if limit <= 0 {
		limit = 100
	}
	params := []Param{
		{Key: "symbol", Value: symbol},
		{Key: "limit", Value: strconv.Itoa(limit)},
	}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/depth", params, false, SignOptions{})
	if err != nil {
		return nil, err
	}
	var d depthResponse
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("decoding depth: %w", err)
	}

	book := &models.OrderBook{
		Symbol:       symbol,
		LastUpdateID: d.LastUpdateID,
		Timestamp:    time.Now(),
	}
	if book.Bids, err = parseLevels(d.Bids); err != nil {
		return nil, fmt.Errorf("decoding bids: %w", err)
	}
	if book.Asks, err = parseLevels(d.Asks); err != nil {
		return nil, fmt.Errorf("decoding asks: %w", err)
	}
	return book, nil
}

func parseLevels(raw [][]string) ([]models.BookLevel, error) {
	levels := make([]models.BookLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("malformed depth level %v", entry)
		}
		price, err := strconv.ParseFloat(entry[0], 64)
		if err != nil {
			return nil, err
		}
		qty, err := strconv.ParseFloat(entry[1], 64)
		if err != nil {
			return nil, err
		}
		levels = append(levels, models.BookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

type accountResponse struct {
	TotalWalletBalance string `json:"totalWalletBalance"`
	AvailableBalance   string `json:"availableBalance"`
	TotalUnrealized    string `json:"totalUnrealizedProfit"`
	UpdateTime         int64  `json:"updateTime"`
}

func (c *RestClient) Account(ctx context.Context) (*models.Account, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/account", nil, true, SignOptions{})
	if err != nil {
		return nil, err
	}
	var a accountResponse
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("decoding account: %w", err)
	}
	acct := &models.Account{UpdatedAt: time.UnixMilli(a.UpdateTime)}
	acct.TotalWalletBalance, _ = strconv.ParseFloat(a.TotalWalletBalance, 64)
	acct.AvailableBalance, _ = strconv.ParseFloat(a.AvailableBalance, 64)
	acct.TotalUnrealizedPnL, _ = strconv.ParseFloat(a.TotalUnrealized, 64)
	return acct, nil
}

type positionResponse struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	PositionSide     string `json:"positionSide"`
	UpdateTime       int64  `json:"updateTime"`
}

func (c *RestClient) Positions(ctx context.Context) ([]models.Position, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true, SignOptions{})
	if err != nil {
		return nil, err
	}
	var raw []positionResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding positions: %w", err)
	}

	positions := make([]models.Position, 0, len(raw))
	for _, p := range raw {
		pos := models.Position{
			Symbol:    p.Symbol,
			Side:      p.PositionSide,
			UpdatedAt: time.UnixMilli(p.UpdateTime),
		}
		pos.Size, _ = strconv.ParseFloat(p.PositionAmt, 64)
		pos.EntryPrice, _ = strconv.ParseFloat(p.EntryPrice, 64)
		pos.MarkPrice, _ = strconv.ParseFloat(p.MarkPrice, 64)
		pos.UnrealizedPnL, _ = strconv.ParseFloat(p.UnrealizedProfit, 64)
		pos.Leverage, _ = strconv.Atoi(p.Leverage)
		positions = append(positions, pos)
	}
	return positions, nil
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	TimeInForce   string `json:"timeInForce"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

func (c *RestClient) PlaceOrder(ctx context.Context, order *models.OrderRequest) (*models.Order, error) {
	params := []Param{
		{Key: "symbol", Value: order.Symbol},
		{Key: "side", Value: string(order.Side)},
		{Key: "type", Value: string(order.Type)},
		{Key: "quantity", Value: strconv.FormatFloat(order.Quantity, 'f', -1, 64)},
	}
	if order.Type == models.OrderTypeLimit {
		tif := order.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params = append(params,
			Param{Key: "price", Value: strconv.FormatFloat(order.Price, 'f', -1, 64)},
			Param{Key: "timeInForce", Value: tif},
		)
	}
	if order.ReduceOnly {
		params = append(params, Param{Key: "reduceOnly", Value: "true"})
	}
	clientID := order.ClientOrderID
	if clientID == "" {
		clientID = NewClientOrderID("gr")
	}
	params = append(params, Param{Key: "newClientOrderId", Value: clientID})

	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true, SignOptions{})
	if err != nil {
		return nil, err
	}
	return decodeOrder(body)
}

func decodeOrder(body []byte) (*models.Order, error) {
	var o orderResponse
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("decoding order: %w", err)
	}
	order := &models.Order{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          models.OrderSide(o.Side),
		Type:          models.OrderType(o.Type),
		Status:        models.OrderStatus(o.Status),
		TimeInForce:   o.TimeInForce,
		ReduceOnly:    o.ReduceOnly,
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
	order.Price, _ = strconv.ParseFloat(o.Price, 64)
	order.Quantity, _ = strconv.ParseFloat(o.OrigQty, 64)
	order.FilledQty, _ = strconv.ParseFloat(o.ExecutedQty, 64)
	order.AvgPrice, _ = strconv.ParseFloat(o.AvgPrice, 64)
	return order, nil
}

func (c *RestClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := []Param{
		{Key: "symbol", Value: symbol},
		{Key: "origClientOrderId", Value: clientOrderID},
	}
	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, true, SignOptions{})
	return err
}

func (c *RestClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := []Param{
		{Key: "symbol", Value: symbol},
		{Key: "leverage", Value: strconv.Itoa(leverage)},
	}
	// Observed exchange behavior puts recvWindow ahead of timestamp on this
	// endpoint; keep it that way until verified otherwise against production.
	_, err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, SignOptions{RecvWindowFirst: true})
	return err
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// Listen-key endpoints authenticate with the API key header alone; the
// exchange does not require a signature or timestamp on them.
func (c *RestClient) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false, SignOptions{})
	if err != nil {
		return "", err
	}
	var lk listenKeyResponse
	if err := json.Unmarshal(body, &lk); err != nil {
		return "", fmt.Errorf("decoding listen key: %w", err)
	}
	return lk.ListenKey, nil
}

func (c *RestClient) KeepAliveListenKey(ctx context.Context, key string) error {
	params := []Param{{Key: "listenKey", Value: key}}
	_, err := c.do(ctx, http.MethodPut, "/fapi/v1/listenKey", params, false, SignOptions{})
	return err
}

func (c *RestClient) CloseListenKey(ctx context.Context, key string) error {
	params := []Param{{Key: "listenKey", Value: key}}
	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/listenKey", params, false, SignOptions{})
	return err
}

type bookTickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
	Time     int64  `json:"time"`
}

func (c *RestClient) BookTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	params := []Param{{Key: "symbol", Value: symbol}}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/bookTicker", params, false, SignOptions{})
	if err != nil {
		return nil, err
	}
	var t bookTickerResponse
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("decoding book ticker: %w", err)
	}
	ticker := &models.Ticker{Symbol: t.Symbol, Timestamp: time.UnixMilli(t.Time)}
	ticker.BidPrice, _ = strconv.ParseFloat(t.BidPrice, 64)
	ticker.BidQty, _ = strconv.ParseFloat(t.BidQty, 64)
	ticker.AskPrice, _ = strconv.ParseFloat(t.AskPrice, 64)
	ticker.AskQty, _ = strconv.ParseFloat(t.AskQty, 64)
	return ticker, nil
}
