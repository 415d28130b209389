package filters

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/guardrail/pkg/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func btcSymbolInfo() models.SymbolInfo {
	return models.SymbolInfo{
		Symbol: "BTCUSDT",
		Status: "TRADING",
		Filters: []models.RawFilter{
			{"filterType": "PRICE_FILTER", "minPrice": "0.01", "maxPrice": "1000000", "tickSize": "0.01"},
			{"filterType": "LOT_SIZE", "minQty": "0.00001", "maxQty": "1000", "stepSize": "0.00001"},
			{"filterType": "MARKET_LOT_SIZE", "minQty": "0.00001", "maxQty": "100", "stepSize": "0.00001"},
			{"filterType": "MIN_NOTIONAL", "notional": "5.0"},
			{"filterType": "PERCENT_PRICE", "multiplierUp": "1.1", "multiplierDown": "0.9"},
			{"filterType": "MAX_NUM_ORDERS", "limit": float64(200)},
		},
	}
}

func loadedRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(quietLogger())
	require.NoError(t, r.Load(btcSymbolInfo()))
	return r
}

func TestLoadParsesFilters(t *testing.T) {
	r := loadedRegistry(t)

	f, ok := r.Get("BTCUSDT")
	require.True(t, ok)
	require.Equal(t, 0.01, f.TickSize)
	require.Equal(t, int32(2), f.PricePrecision)
	require.Equal(t, 0.00001, f.StepSize)
	require.Equal(t, int32(5), f.QtyPrecision)
	require.Equal(t, 100.0, f.MarketMaxQty)
	require.Equal(t, 5.0, f.MinNotional)
	require.Equal(t, 1.1, f.PercentPriceUp)
	require.Equal(t, 200, f.MaxNumOrders)
	require.False(t, f.PercentPriceEnforced())
	require.Equal(t, 1, r.Count())
}

func TestLoadRejectsBadFilters(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(models.SymbolInfo) models.SymbolInfo
	}{
		{"zero tick size", func(s models.SymbolInfo) models.SymbolInfo {
			s.Filters[0]["tickSize"] = "0"
			return s
		}},
		{"negative step size", func(s models.SymbolInfo) models.SymbolInfo {
			s.Filters[1]["stepSize"] = "-0.001"
			return s
		}},
		{"min above max", func(s models.SymbolInfo) models.SymbolInfo {
			s.Filters[0]["minPrice"] = "2000000"
			return s
		}},
		{"unparseable tick size", func(s models.SymbolInfo) models.SymbolInfo {
			s.Filters[0]["tickSize"] = "not-a-number"
			return s
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(quietLogger())
			require.Error(t, r.Load(tt.mutate(btcSymbolInfo())))
		})
	}
}

func TestGetMissingSymbol(t *testing.T) {
	r := loadedRegistry(t)

	_, ok := r.Get("ETHUSDT")
	require.False(t, ok)

	// Validation without filters is a hard error, never a silent pass.
	_, err := r.ValidateOrder("ETHUSDT", 100, 1, models.OrderTypeLimit, false)
	require.Error(t, err)
}

func TestValidatePriceTickAdjustment(t *testing.T) {
	r := loadedRegistry(t)

	tests := []struct {
		name     string
		price    float64
		adjusted float64
	}{
		{"rounds down to tick", 100.004, 100.00},
		{"rounds up to tick", 100.006, 100.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.ValidateOrder("BTCUSDT", tt.price, 0.1, models.OrderTypeLimit, false)
			require.NoError(t, err)
			require.True(t, res.IsValid)
			require.True(t, res.PriceAdjusted)
			require.InDelta(t, tt.adjusted, res.AdjustedPrice, 1e-9)
			require.Len(t, res.Notices, 1)
			require.Contains(t, res.Notices[0], "tick size")
		})
	}
}

func TestValidateAlignedPriceUntouched(t *testing.T) {
	r := loadedRegistry(t)

	res, err := r.ValidateOrder("BTCUSDT", 50000.01, 0.001, models.OrderTypeLimit, false)
	require.NoError(t, err)
	require.True(t, res.IsValid)
	require.False(t, res.PriceAdjusted)
	require.Empty(t, res.Notices)
}

func TestValidatePriceBoundsAreHardErrors(t *testing.T) {
	r := loadedRegistry(t)

	res, err := r.ValidateOrder("BTCUSDT", 0.001, 0.001, models.OrderTypeLimit, false)
	require.NoError(t, err)
	require.False(t, res.IsValid)
	require.Contains(t, res.Errors[0], "below minimum")

	res, err = r.ValidateOrder("BTCUSDT", 2000000, 0.001, models.OrderTypeLimit, false)
	require.NoError(t, err)
	require.False(t, res.IsValid)
	require.Contains(t, res.Errors[0], "above maximum")
}

func TestValidateQuantityBoundsNeverAdjusted(t *testing.T) {
	r := loadedRegistry(t)

	res, err := r.ValidateOrder("BTCUSDT", 50000, 0.000001, models.OrderTypeLimit, false)
	require.NoError(t, err)
	require.False(t, res.IsValid)
	require.False(t, res.QuantityAdjusted)
	require.Contains(t, res.Errors[0], "quantity")
	require.Contains(t, res.Errors[0], "below minimum")

	res, err = r.ValidateOrder("BTCUSDT", 50000, 5000, models.OrderTypeLimit, false)
	require.NoError(t, err)
	require.False(t, res.IsValid)
	require.Contains(t, res.Errors[0], "above maximum")
}

func TestValidateQuantityStepAdjustment(t *testing.T) {
	r := loadedRegistry(t)

	res, err := r.ValidateOrder("BTCUSDT", 50000, 0.000015, models.OrderTypeLimit, false)
	require.NoError(t, err)
	require.True(t, res.QuantityAdjusted)
	require.InDelta(t, 0.00002, res.AdjustedQuantity, 1e-12)
}

func TestValidateMarketOrderUsesMarketLotSize(t *testing.T) {
	r := loadedRegistry(t)

	// 500 is fine for LIMIT (max 1000) but over the MARKET cap of 100.
	res, err := r.ValidateOrder("BTCUSDT", 0, 500, models.OrderTypeMarket, true)
	require.NoError(t, err)
	require.False(t, res.IsValid)
	require.Contains(t, res.Errors[0], "above maximum")

	res, err = r.ValidateOrder("BTCUSDT", 50000, 500, models.OrderTypeLimit, true)
	require.NoError(t, err)
	require.True(t, res.IsValid)
}

func TestValidateNotionalIsHardError(t *testing.T) {
	r := loadedRegistry(t)

	// Price snaps onto the tick grid, and the order is still rejected for
	// notional afterwards: adjustments never rescue a notional violation.
	res, err := r.ValidateOrder("BTCUSDT", 50000.004, 0.00009, models.OrderTypeLimit, false)
	require.NoError(t, err)
	require.True(t, res.PriceAdjusted)
	require.InDelta(t, 50000.00, res.AdjustedPrice, 1e-9)
	require.False(t, res.IsValid)
	require.Contains(t, res.Errors[0], "notional")
}

func TestValidateReduceOnlySkipsNotional(t *testing.T) {
	r := loadedRegistry(t)

	res, err := r.ValidateOrder("BTCUSDT", 50000, 0.00009, models.OrderTypeLimit, true)
	require.NoError(t, err)
	require.True(t, res.IsValid)
}

func TestRoundPriceAnchorsToMinPrice(t *testing.T) {
	r := loadedRegistry(t)

	tests := []struct {
		in   float64
		want float64
	}{
		{100.004, 100.00},
		{100.006, 100.01},
		{100.0, 100.0},
		{0.016, 0.02},
	}
	for _, tt := range tests {
		got, err := r.RoundPrice("BTCUSDT", tt.in)
		require.NoError(t, err)
		require.InDelta(t, tt.want, got, 1e-9)
	}
}

func TestRoundQuantityAnchorsToZero(t *testing.T) {
	r := loadedRegistry(t)

	got, err := r.RoundQuantity("BTCUSDT", 0.000015, models.OrderTypeMarket)
	require.NoError(t, err)
	require.InDelta(t, 0.00002, got, 1e-12)
}

func TestFloorQuantityNeverRoundsUp(t *testing.T) {
	r := loadedRegistry(t)

	got, err := r.FloorQuantity("BTCUSDT", 0.000019, models.OrderTypeMarket)
	require.NoError(t, err)
	require.InDelta(t, 0.00001, got, 1e-12)

	// Values already on the grid survive the epsilon guard.
	got, err = r.FloorQuantity("BTCUSDT", 0.00002, models.OrderTypeMarket)
	require.NoError(t, err)
	require.InDelta(t, 0.00002, got, 1e-12)
}

func TestFormatUsesFilterPrecision(t *testing.T) {
	r := loadedRegistry(t)

	price, err := r.FormatPrice("BTCUSDT", 50000.0)
	require.NoError(t, err)
	require.Equal(t, "50000.00", price)

	qty, err := r.FormatQuantity("BTCUSDT", 0.00002, models.OrderTypeMarket)
	require.NoError(t, err)
	require.Equal(t, "0.00002", qty)
}

func TestLoadAllSkipsNonTradingAndBadSymbols(t *testing.T) {
	r := NewRegistry(quietLogger())

	halted := btcSymbolInfo()
	halted.Symbol = "HALTUSDT"
	halted.Status = "BREAK"

	broken := btcSymbolInfo()
	broken.Symbol = "BADUSDT"
	broken.Filters = []models.RawFilter{
		{"filterType": "PRICE_FILTER", "minPrice": "0.01", "maxPrice": "100", "tickSize": "junk"},
	}

	info := &models.ExchangeInfo{Symbols: []models.SymbolInfo{btcSymbolInfo(), halted, broken}}
	require.Equal(t, 1, r.LoadAll(info))
	_, ok := r.Get("BTCUSDT")
	require.True(t, ok)
}

func TestLoadReplacesPriorEntry(t *testing.T) {
	r := loadedRegistry(t)

	updated := btcSymbolInfo()
	updated.Filters[0]["tickSize"] = "0.10"
	require.NoError(t, r.Load(updated))

	f, _ := r.Get("BTCUSDT")
	require.Equal(t, 0.10, f.TickSize)
	require.Equal(t, int32(2), f.PricePrecision) // "0.10" has two decimal places
	require.Equal(t, 1, r.Count())
}
