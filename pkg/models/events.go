package models

import (
	"encoding/json"
)

// Well-known user-data stream event discriminants.
const (
	EventAccountUpdate    = "ACCOUNT_UPDATE"
	EventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	EventMarginCall       = "MARGIN_CALL"

	// EventMaxReconnect is emitted locally, exactly once, when the stream has
	// exhausted its reconnect budget. It never originates from the exchange.
	EventMaxReconnect = "MAX_RECONNECT_EXCEEDED"
)

// StreamEvent is one JSON frame off the user-data stream. Raw carries the
// full frame so subscribers can decode the event-specific payload themselves.
type StreamEvent struct {
	Type string
	Time int64 // exchange event time, epoch ms (0 for local events)
	Raw  json.RawMessage
}
