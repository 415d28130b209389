package models

type Recommendation string

const (
	RecommendationExecute Recommendation = "EXECUTE"
	RecommendationWarning Recommendation = "WARNING"
	RecommendationReject  Recommendation = "REJECT"
)

// ProtectionVerdict is the outcome of simulating a market order against a
// depth snapshot. Produced per check and consumed immediately by the caller.
type ProtectionVerdict struct {
	Recommendation       Recommendation
	EstimatedPrice       float64 // VWAP over consumed levels
	WorstPrice           float64 // deepest level touched
	SlippageBps          float64
	PriceImpact          float64 // fraction of best price
	LiquidityDepth       int     // levels consumed
	FilledQuantity       float64
	PartialFillRisk      bool
	MaxPrice             float64 // protective band, upper bound
	MinPrice             float64 // protective band, lower bound
	Warnings             []string
	RequiresConfirmation bool
}

type DepthStats struct {
	Symbol    string
	BidLevels int
	AskLevels int
	BidQty    float64
	AskQty    float64
	BestBid   float64
	BestAsk   float64
	MidPrice  float64
	SpreadBps float64
}

// SizeAssessment is advisory guidance on order size relative to visible
// depth. It never gates an order on its own.
type SizeAssessment struct {
	Reasonable bool
	DepthRatio float64
	Advisory   string
}
