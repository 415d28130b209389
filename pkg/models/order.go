package models

import (
	"time"
)

type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         float64
	Quantity      float64
	FilledQty     float64
	AvgPrice      float64
	Status        OrderStatus
	TimeInForce   string
	ReduceOnly    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP_MARKET"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         float64
	Quantity      float64
	TimeInForce   string
	ReduceOnly    bool
	ClientOrderID string
}
