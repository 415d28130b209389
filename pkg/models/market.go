package models

import (
	"time"
)

// OrderBook is a point-in-time depth snapshot. Bids are sorted by price
// descending, asks ascending, as delivered by the exchange.
type OrderBook struct {
	Symbol       string
	LastUpdateID int64
	Bids         []BookLevel
	Asks         []BookLevel
	Timestamp    time.Time
}

type BookLevel struct {
	Price    float64
	Quantity float64
}

// BestBid returns the highest bid, or 0 if the book side is empty.
func (b *OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask, or 0 if the book side is empty.
func (b *OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

type Ticker struct {
	Symbol    string
	BidPrice  float64
	BidQty    float64
	AskPrice  float64
	AskQty    float64
	Timestamp time.Time
}

type Position struct {
	Symbol        string
	Side          string
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
	UpdatedAt     time.Time
}

type Account struct {
	TotalWalletBalance float64
	AvailableBalance   float64
	TotalUnrealizedPnL float64
	UpdatedAt          time.Time
}
