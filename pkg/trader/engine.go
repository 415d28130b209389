package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantfold/guardrail/pkg/exchange"
	"github.com/quantfold/guardrail/pkg/filters"
	"github.com/quantfold/guardrail/pkg/models"
	"github.com/quantfold/guardrail/pkg/protection"
)

// Config carries the engine-level tunables.
type Config struct {
	MaxClockDrift     time.Duration // reject startup beyond this drift
	ClockSyncInterval time.Duration // periodic re-sync cadence
	ListenKeyInterval time.Duration // session-key refresh cadence
	SlippageBps       float64       // default user slippage tolerance
	DepthLimit        int           // levels fetched per protection check
	Stream            exchange.StreamConfig
	ExchangeBaseURL   string
}

func (c *Config) applyDefaults() {
	if c.MaxClockDrift <= 0 {
		c.MaxClockDrift = time.Second
	}
	if c.ClockSyncInterval <= 0 {
		c.ClockSyncInterval = 30 * time.Minute
	}
	if c.ListenKeyInterval <= 0 {
		c.ListenKeyInterval = 30 * time.Minute
	}
	if c.SlippageBps <= 0 {
		c.SlippageBps = 50
	}
	if c.DepthLimit <= 0 {
		c.DepthLimit = 100
	}
}

// OrderCheck is the combined pre-submission result handed to the
// order-submission flow: filter validation plus, for market orders, the
// price-protection verdict.
type OrderCheck struct {
	Validation           filters.ValidationResult
	Verdict              *models.ProtectionVerdict // nil for limit orders
	Approved             bool
	RequiresConfirmation bool
	EffectivePrice       float64
	EffectiveQuantity    float64
}

// Status is a snapshot of engine health for the introspection API.
type Status struct {
	StreamState       exchange.StreamState `json:"stream_state"`
	ReconnectAttempts int                  `json:"reconnect_attempts"`
	ClockDriftMs      int64                `json:"clock_drift_ms"`
	ClockSyncedAt     time.Time            `json:"clock_synced_at"`
	FilterCount       int                  `json:"filter_count"`
	ListenKeyActive   bool                 `json:"listen_key_active"`
}

// Engine composes the execution-safety core: clock sync, filter registry,
// price protection, signed transport, and the user-data stream.
type Engine struct {
	client     exchange.Client
	clock      *exchange.Clock
	registry   *filters.Registry
	protection *protection.Engine
	cfg        Config
	logger     *logrus.Logger

	mu        sync.RWMutex
	stream    *exchange.Stream
	listenKey string

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewEngine(client exchange.Client, clock *exchange.Clock, registry *filters.Registry, prot *protection.Engine, cfg Config, logger *logrus.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		client:     client,
		clock:      clock,
		registry:   registry,
		protection: prot,
		cfg:        cfg,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start syncs the clock, warms the filter cache, opens the user-data stream,
// and launches the maintenance loops. It fails fast on unacceptable clock
// drift: signing with a bad clock produces requests the exchange rejects.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Starting execution-safety engine")

	if err := e.clock.Sync(ctx, e.cfg.ExchangeBaseURL); err != nil {
		return fmt.Errorf("initial clock sync: %w", err)
	}
	if !e.clock.DriftAcceptable(e.cfg.MaxClockDrift) {
		return fmt.Errorf("clock drift %s exceeds maximum %s", e.clock.Drift(), e.cfg.MaxClockDrift)
	}

	info, err := e.client.ExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetching exchange info: %w", err)
	}
	loaded := e.registry.LoadAll(info)
	if loaded == 0 {
		return fmt.Errorf("no symbol filters loaded from exchange info")
	}
	e.logger.WithField("symbols", loaded).Info("Symbol filters loaded")

	key, err := e.client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("creating listen key: %w", err)
	}

	stream := exchange.NewStream(e.cfg.Stream, key, e.logger)
	if err := stream.Connect(ctx); err != nil {
		return fmt.Errorf("connecting stream: %w", err)
	}

	e.mu.Lock()
	e.listenKey = key
	e.stream = stream
	e.mu.Unlock()

	go e.clockSyncLoop(ctx)
	go e.listenKeyLoop(ctx)

	return nil
}

// Stop tears the engine down. The listen key is closed best-effort.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("Stopping execution-safety engine")
		close(e.stopCh)

		e.mu.Lock()
		stream := e.stream
		key := e.listenKey
		e.mu.Unlock()

		if stream != nil {
			stream.Close()
		}
		if key != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.client.CloseListenKey(ctx, key); err != nil {
				e.logger.WithError(err).Warn("Failed to close listen key")
			}
		}
	})
}

func (e *Engine) clockSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ClockSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.clock.Sync(ctx, e.cfg.ExchangeBaseURL); err != nil {
				e.logger.WithError(err).Warn("Periodic clock sync failed")
				continue
			}
			if !e.clock.DriftAcceptable(e.cfg.MaxClockDrift) {
				e.logger.WithField("drift_ms", e.clock.Drift().Milliseconds()).
					Warn("Clock drift above maximum; signed requests may be rejected")
			}
		}
	}
}

// listenKeyLoop is the session-renewal collaborator: it keeps the server-issued
// session key alive and, when renewal fails outright, mints a new key and hands
// it to the stream for the next reconnect.
func (e *Engine) listenKeyLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ListenKeyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.mu.RLock()
			key := e.listenKey
			stream := e.stream
			e.mu.RUnlock()

			if err := e.client.KeepAliveListenKey(ctx, key); err == nil {
				continue
			} else {
				e.logger.WithError(err).Warn("Listen key keepalive failed, requesting a new key")
			}

			newKey, err := e.client.CreateListenKey(ctx)
			if err != nil {
				e.logger.WithError(err).Error("Failed to create replacement listen key")
				continue
			}
			e.mu.Lock()
			e.listenKey = newKey
			e.mu.Unlock()
			if stream != nil {
				stream.SetListenKey(newKey)
			}
			e.logger.Info("Listen key renewed")
		}
	}
}

// CheckOrder validates an order against the symbol's filters and, for market
// orders, classifies execution risk against a fresh depth snapshot. It never
// submits anything.
func (e *Engine) CheckOrder(ctx context.Context, req *models.OrderRequest, toleranceBps float64) (*OrderCheck, error) {
	if toleranceBps <= 0 {
		toleranceBps = e.cfg.SlippageBps
	}

	validation, err := e.registry.ValidateOrder(req.Symbol, req.Price, req.Quantity, req.Type, req.ReduceOnly)
	if err != nil {
		return nil, err
	}

	check := &OrderCheck{
		Validation:        validation,
		EffectivePrice:    validation.EffectivePrice(req.Price),
		EffectiveQuantity: validation.EffectiveQuantity(req.Quantity),
	}

	if req.Type == models.OrderTypeMarket {
		book, err := e.client.Depth(ctx, req.Symbol, e.cfg.DepthLimit)
		if err != nil {
			return nil, fmt.Errorf("fetching depth for protection check: %w", err)
		}
		verdict := e.protection.AnalyzeMarketOrder(req.Symbol, req.Side, check.EffectiveQuantity, book, toleranceBps)
		check.Verdict = &verdict
		check.RequiresConfirmation = verdict.RequiresConfirmation
	}

	check.Approved = validation.IsValid &&
		(check.Verdict == nil || check.Verdict.Recommendation != models.RecommendationReject)
	return check, nil
}

// SubmitOrder runs CheckOrder and, if approved, submits the adjusted order.
// Orders needing confirmation are only submitted when confirmed is true.
func (e *Engine) SubmitOrder(ctx context.Context, req *models.OrderRequest, toleranceBps float64, confirmed bool) (*models.Order, *OrderCheck, error) {
	check, err := e.CheckOrder(ctx, req, toleranceBps)
	if err != nil {
		return nil, nil, err
	}
	if !check.Approved {
		return nil, check, fmt.Errorf("order rejected: %v", firstReason(check))
	}
	if check.RequiresConfirmation && !confirmed {
		return nil, check, fmt.Errorf("order requires confirmation: %v", firstReason(check))
	}

	submit := *req
	submit.Price = check.EffectivePrice
	submit.Quantity = check.EffectiveQuantity
	if submit.ClientOrderID == "" {
		submit.ClientOrderID = exchange.NewClientOrderID("gr")
	}

	order, err := e.client.PlaceOrder(ctx, &submit)
	if err != nil {
		return nil, check, err
	}
	e.logger.WithFields(logrus.Fields{
		"symbol":          order.Symbol,
		"client_order_id": order.ClientOrderID,
		"status":          order.Status,
	}).Info("Order submitted")
	return order, check, nil
}

func firstReason(check *OrderCheck) string {
	if len(check.Validation.Errors) > 0 {
		return check.Validation.Errors[0]
	}
	if check.Verdict != nil && len(check.Verdict.Warnings) > 0 {
		return check.Verdict.Warnings[0]
	}
	return "unspecified"
}

// OnEvent subscribes a handler to every stream event. Returns the
// subscription handle, or "" if the stream is not running.
func (e *Engine) OnEvent(handler exchange.EventHandler) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stream == nil {
		return ""
	}
	return e.stream.Subscribe(handler)
}

// OnEventType subscribes a handler to one event kind or alias.
func (e *Engine) OnEventType(eventType string, handler exchange.EventHandler) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stream == nil {
		return ""
	}
	return e.stream.SubscribeType(eventType, handler)
}

// Filters exposes the registry for read-side consumers (the API server).
func (e *Engine) Filters(symbol string) (models.SymbolFilters, bool) {
	return e.registry.Get(symbol)
}

// Status snapshots engine health.
func (e *Engine) Status() Status {
	e.mu.RLock()
	stream := e.stream
	key := e.listenKey
	e.mu.RUnlock()

	st := Status{
		ClockDriftMs:    e.clock.Drift().Milliseconds(),
		ClockSyncedAt:   e.clock.LastSync(),
		FilterCount:     e.registry.Count(),
		ListenKeyActive: key != "",
		StreamState:     exchange.StreamDisconnected,
	}
	if stream != nil {
		st.StreamState = stream.State()
		st.ReconnectAttempts = stream.Attempts()
	}
	return st
}
