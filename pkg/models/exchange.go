package models

// ExchangeInfo is the decoded exchange metadata document.
type ExchangeInfo struct {
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

type SymbolInfo struct {
	Symbol            string      `json:"symbol"`
	Status            string      `json:"status"`
	BaseAsset         string      `json:"baseAsset"`
	QuoteAsset        string      `json:"quoteAsset"`
	PricePrecision    int         `json:"pricePrecision"`
	QuantityPrecision int         `json:"quantityPrecision"`
	Filters           []RawFilter `json:"filters"`
}

// RawFilter is one untyped entry of a symbol's filter list, keyed by
// "filterType". Values arrive as JSON strings or numbers depending on the
// filter, so parsing is left to the filter registry.
type RawFilter map[string]interface{}

const (
	FilterTypePriceFilter   = "PRICE_FILTER"
	FilterTypeLotSize       = "LOT_SIZE"
	FilterTypeMarketLotSize = "MARKET_LOT_SIZE"
	FilterTypeMinNotional   = "MIN_NOTIONAL"
	FilterTypePercentPrice  = "PERCENT_PRICE"
	FilterTypeMaxNumOrders  = "MAX_NUM_ORDERS"
)

func (f RawFilter) Type() string {
	t, _ := f["filterType"].(string)
	return t
}
