package filters

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quantfold/guardrail/pkg/models"
)

// alignEpsilon is the tolerance, as a fraction of one tick/step, used to
// decide whether a value already sits on the grid despite float noise.
const alignEpsilon = 1e-6

// ValidationResult is the outcome of validating one order against a symbol's
// trading filters. Hard violations land in Errors; tick/step misalignment is
// corrected in place with a one-line notice instead of failing the order.
type ValidationResult struct {
	IsValid          bool
	Errors           []string
	Notices          []string
	AdjustedPrice    float64
	PriceAdjusted    bool
	AdjustedQuantity float64
	QuantityAdjusted bool
}

// EffectivePrice returns the price the order should carry after validation.
func (r ValidationResult) EffectivePrice(requested float64) float64 {
	if r.PriceAdjusted {
		return r.AdjustedPrice
	}
	return requested
}

// EffectiveQuantity returns the quantity the order should carry after
// validation.
func (r ValidationResult) EffectiveQuantity(requested float64) float64 {
	if r.QuantityAdjusted {
		return r.AdjustedQuantity
	}
	return requested
}

// Registry caches per-symbol trading filters. One instance per service;
// consumers hold a handle rather than a process-wide map.
type Registry struct {
	mu      sync.RWMutex
	filters map[string]models.SymbolFilters
	logger  *logrus.Logger
}

func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		filters: make(map[string]models.SymbolFilters),
		logger:  logger,
	}
}

// Load parses one symbol's raw filter list and replaces any prior entry.
func (r *Registry) Load(info models.SymbolInfo) error {
	f := models.SymbolFilters{Symbol: info.Symbol}

	for _, raw := range info.Filters {
		switch raw.Type() {
		case models.FilterTypePriceFilter:
			var err error
			if f.MinPrice, f.MaxPrice, f.TickSize, f.PricePrecision, err = parseBounds(raw, "minPrice", "maxPrice", "tickSize"); err != nil {
				return fmt.Errorf("symbol %s: %w", info.Symbol, err)
			}
		case models.FilterTypeLotSize:
			var err error
			if f.MinQty, f.MaxQty, f.StepSize, f.QtyPrecision, err = parseBounds(raw, "minQty", "maxQty", "stepSize"); err != nil {
				return fmt.Errorf("symbol %s: %w", info.Symbol, err)
			}
		case models.FilterTypeMarketLotSize:
			var err error
			if f.MarketMinQty, f.MarketMaxQty, f.MarketStepSize, f.MarketQtyPrecision, err = parseBounds(raw, "minQty", "maxQty", "stepSize"); err != nil {
				return fmt.Errorf("symbol %s: %w", info.Symbol, err)
			}
		case models.FilterTypeMinNotional:
			f.MinNotional = filterFloat(raw, "notional")
			if f.MinNotional == 0 {
				f.MinNotional = filterFloat(raw, "minNotional")
			}
		case models.FilterTypePercentPrice:
			f.PercentPriceUp = filterFloat(raw, "multiplierUp")
			f.PercentPriceDown = filterFloat(raw, "multiplierDown")
		case models.FilterTypeMaxNumOrders:
			f.MaxNumOrders = int(filterFloat(raw, "limit"))
		}
	}

	if f.TickSize <= 0 {
		return fmt.Errorf("symbol %s: missing or non-positive tick size", info.Symbol)
	}
	if f.StepSize <= 0 {
		return fmt.Errorf("symbol %s: missing or non-positive step size", info.Symbol)
	}

	r.mu.Lock()
	r.filters[info.Symbol] = f
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"symbol":    info.Symbol,
		"tick_size": f.TickSize,
		"step_size": f.StepSize,
	}).Debug("Loaded symbol filters")
	return nil
}

// LoadAll loads filters for every tradeable symbol in the metadata document
// and returns how many were loaded. Symbols that fail to parse are skipped
// with a log line rather than poisoning the whole refresh.
func (r *Registry) LoadAll(info *models.ExchangeInfo) int {
	loaded := 0
	for _, sym := range info.Symbols {
		if sym.Status != "" && sym.Status != "TRADING" {
			continue
		}
		if err := r.Load(sym); err != nil {
			r.logger.WithError(err).WithField("symbol", sym.Symbol).Warn("Skipping symbol with unparseable filters")
			continue
		}
		loaded++
	}
	return loaded
}

// Get looks up a symbol's filters. Absence means validation cannot proceed;
// callers must treat it as a hard error, never as a pass.
func (r *Registry) Get(symbol string) (models.SymbolFilters, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.filters[symbol]
	return f, ok
}

// Count returns the number of cached symbols.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.filters)
}

// Symbols lists the cached symbols.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.filters))
	for s := range r.filters {
		out = append(out, s)
	}
	return out
}

// ValidateOrder checks an order against the symbol's filters.
//
// Price bounds and quantity bounds are hard rejections. Tick/step
// misalignment is auto-corrected to the nearest grid point. Notional
// violations are hard rejections and never auto-adjusted: growing the order
// to meet the minimum would silently change user intent. The percent-price
// filter is parsed but not enforced (no mark-price feed).
func (r *Registry) ValidateOrder(symbol string, price, quantity float64, orderType models.OrderType, reduceOnly bool) (ValidationResult, error) {
	f, ok := r.Get(symbol)
	if !ok {
		return ValidationResult{}, fmt.Errorf("no filters loaded for symbol %s", symbol)
	}

	res := ValidationResult{}

	// Price checks apply to limit orders only; market orders have no price.
	effectivePrice := price
	if orderType == models.OrderTypeLimit {
		switch {
		case price < f.MinPrice:
			res.Errors = append(res.Errors, fmt.Sprintf("price %s below minimum %s",
				formatFloat(price, f.PricePrecision), formatFloat(f.MinPrice, f.PricePrecision)))
		case f.MaxPrice > 0 && price > f.MaxPrice:
			res.Errors = append(res.Errors, fmt.Sprintf("price %s above maximum %s",
				formatFloat(price, f.PricePrecision), formatFloat(f.MaxPrice, f.PricePrecision)))
		default:
			if !aligned(price, f.MinPrice, f.TickSize) {
				adjusted := snapToGrid(price, f.MinPrice, f.TickSize, f.PricePrecision)
				res.AdjustedPrice = adjusted
				res.PriceAdjusted = true
				effectivePrice = adjusted
				res.Notices = append(res.Notices, fmt.Sprintf("price adjusted to tick size: %s -> %s",
					formatFloat(price, f.PricePrecision+2), formatFloat(adjusted, f.PricePrecision)))
			}
		}
	}

	minQty, maxQty, step, qtyPrecision := f.LotSize(orderType)
	effectiveQty := quantity
	switch {
	case quantity < minQty:
		res.Errors = append(res.Errors, fmt.Sprintf("quantity %s below minimum %s",
			formatFloat(quantity, qtyPrecision+2), formatFloat(minQty, qtyPrecision)))
	case maxQty > 0 && quantity > maxQty:
		res.Errors = append(res.Errors, fmt.Sprintf("quantity %s above maximum %s",
			formatFloat(quantity, qtyPrecision+2), formatFloat(maxQty, qtyPrecision)))
	default:
		if !aligned(quantity, 0, step) {
			adjusted := snapToGrid(quantity, 0, step, qtyPrecision)
			res.AdjustedQuantity = adjusted
			res.QuantityAdjusted = true
			effectiveQty = adjusted
			res.Notices = append(res.Notices, fmt.Sprintf("quantity adjusted to step size: %s -> %s",
				formatFloat(quantity, qtyPrecision+2), formatFloat(adjusted, qtyPrecision)))
		}
	}

	// Notional uses price*quantity, which for market orders is only an
	// estimate of the eventual VWAP. Skipped for reduce-only orders and
	// when no price is available to estimate with.
	if !reduceOnly && f.MinNotional > 0 && effectivePrice > 0 && len(res.Errors) == 0 {
		notional := effectivePrice * effectiveQty
		if notional < f.MinNotional {
			res.Errors = append(res.Errors, fmt.Sprintf("notional %.8g below minimum %.8g", notional, f.MinNotional))
		}
	}

	res.IsValid = len(res.Errors) == 0
	return res, nil
}

// RoundPrice snaps a price onto the symbol's tick grid, anchored at the
// filter's minimum price.
func (r *Registry) RoundPrice(symbol string, price float64) (float64, error) {
	f, ok := r.Get(symbol)
	if !ok {
		return 0, fmt.Errorf("no filters loaded for symbol %s", symbol)
	}
	return snapToGrid(price, f.MinPrice, f.TickSize, f.PricePrecision), nil
}

// RoundQuantity snaps a quantity onto the step grid for the order type,
// anchored at zero.
func (r *Registry) RoundQuantity(symbol string, quantity float64, orderType models.OrderType) (float64, error) {
	f, ok := r.Get(symbol)
	if !ok {
		return 0, fmt.Errorf("no filters loaded for symbol %s", symbol)
	}
	_, _, step, precision := f.LotSize(orderType)
	return snapToGrid(quantity, 0, step, precision), nil
}

// FloorQuantity rounds a quantity down to the step grid. Used where rounding
// up could push an order past a liquidity or slippage bound.
func (r *Registry) FloorQuantity(symbol string, quantity float64, orderType models.OrderType) (float64, error) {
	f, ok := r.Get(symbol)
	if !ok {
		return 0, fmt.Errorf("no filters loaded for symbol %s", symbol)
	}
	_, _, step, precision := f.LotSize(orderType)
	steps := math.Floor((quantity + step*alignEpsilon) / step)
	return roundToPrecision(steps*step, precision), nil
}

// FormatPrice renders a price at the symbol's tick precision, for use as a
// signed request parameter.
func (r *Registry) FormatPrice(symbol string, price float64) (string, error) {
	f, ok := r.Get(symbol)
	if !ok {
		return "", fmt.Errorf("no filters loaded for symbol %s", symbol)
	}
	return formatFloat(price, f.PricePrecision), nil
}

// FormatQuantity renders a quantity at the symbol's step precision.
func (r *Registry) FormatQuantity(symbol string, quantity float64, orderType models.OrderType) (string, error) {
	f, ok := r.Get(symbol)
	if !ok {
		return "", fmt.Errorf("no filters loaded for symbol %s", symbol)
	}
	_, _, _, precision := f.LotSize(orderType)
	return formatFloat(quantity, precision), nil
}

// parseBounds reads a min/max/increment triple from a raw filter. Precision
// comes from the decimal digit count of the increment string, not log10, so
// "0.010" and float artifacts cannot skew it.
func parseBounds(raw models.RawFilter, minKey, maxKey, stepKey string) (min, max, step float64, precision int32, err error) {
	stepStr := filterString(raw, stepKey)
	stepDec, err := decimal.NewFromString(stepStr)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("parsing %s %q: %w", stepKey, stepStr, err)
	}
	if stepDec.Sign() <= 0 {
		return 0, 0, 0, 0, fmt.Errorf("%s must be positive, got %q", stepKey, stepStr)
	}
	if exp := stepDec.Exponent(); exp < 0 {
		precision = -exp
	}
	step, _ = stepDec.Float64()

	min = filterFloat(raw, minKey)
	max = filterFloat(raw, maxKey)
	if max > 0 && min > max {
		return 0, 0, 0, 0, fmt.Errorf("%s %v exceeds %s %v", minKey, min, maxKey, max)
	}
	return min, max, step, precision, nil
}

func filterString(raw models.RawFilter, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case float64:
		return decimal.NewFromFloat(v).String()
	default:
		return ""
	}
}

func filterFloat(raw models.RawFilter, key string) float64 {
	switch v := raw[key].(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}

// aligned reports whether value sits on the grid anchor+n*step within the
// float epsilon.
func aligned(value, anchor, step float64) bool {
	n := (value - anchor) / step
	return math.Abs(n-math.Round(n)) < alignEpsilon
}

// snapToGrid rounds value to the nearest anchor+n*step, then trims float
// residue at the grid's own precision.
func snapToGrid(value, anchor, step float64, precision int32) float64 {
	steps := math.Round((value - anchor) / step)
	return roundToPrecision(anchor+steps*step, precision)
}

func roundToPrecision(value float64, precision int32) float64 {
	pow := math.Pow10(int(precision))
	return math.Round(value*pow) / pow
}

func formatFloat(value float64, precision int32) string {
	return strconv.FormatFloat(value, 'f', int(precision), 64)
}
