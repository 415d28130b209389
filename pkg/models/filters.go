package models

// SymbolFilters holds the trading constraints the exchange publishes per symbol.
// Loaded once from exchange metadata and treated as immutable until the owning
// registry explicitly refreshes it.
type SymbolFilters struct {
	Symbol string

	// PRICE_FILTER (applies to limit orders only)
	MinPrice       float64
	MaxPrice       float64
	TickSize       float64
	PricePrecision int32

	// LOT_SIZE (limit orders)
	MinQty       float64
	MaxQty       float64
	StepSize     float64
	QtyPrecision int32

	// MARKET_LOT_SIZE (market orders)
	MarketMinQty       float64
	MarketMaxQty       float64
	MarketStepSize     float64
	MarketQtyPrecision int32

	// MIN_NOTIONAL
	MinNotional float64

	// PERCENT_PRICE: parsed and carried, but not enforced by validation.
	// Enforcement needs a live mark price this engine does not ingest.
	PercentPriceUp   float64
	PercentPriceDown float64

	MaxNumOrders int
}

// LotSize returns the quantity bounds and step for the given order type.
// Market orders have their own lot-size filter; everything else uses LOT_SIZE.
func (f SymbolFilters) LotSize(orderType OrderType) (minQty, maxQty, step float64, precision int32) {
	if orderType == OrderTypeMarket && f.MarketStepSize > 0 {
		return f.MarketMinQty, f.MarketMaxQty, f.MarketStepSize, f.MarketQtyPrecision
	}
	return f.MinQty, f.MaxQty, f.StepSize, f.QtyPrecision
}

// PercentPriceEnforced reports whether the percent-price filter participates in
// validation. It never does today; the accessor exists so callers can surface
// the gap instead of assuming the check passed.
func (f SymbolFilters) PercentPriceEnforced() bool {
	return false
}
