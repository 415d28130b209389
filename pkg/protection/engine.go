package protection

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/quantfold/guardrail/pkg/filters"
	"github.com/quantfold/guardrail/pkg/models"
)

// Absolute price-impact thresholds, independent of user tolerance.
// Escalations only ever tighten a verdict.
const (
	impactWarnThreshold   = 0.01 // 1%
	impactRejectThreshold = 0.05 // 5%
	thinBookLevels        = 2
)

// Advisory order-size thresholds relative to visible one-sided depth.
const (
	sizeRejectRatio   = 0.50
	sizeLargeRatio    = 0.25
	sizeModerateRatio = 0.10
)

// Engine simulates market-order execution against a depth snapshot before
// anything is sent to the exchange. Analysis is pure and total: it never
// errors out, it degrades to a REJECT verdict instead.
type Engine struct {
	registry *filters.Registry
	logger   *logrus.Logger
}

func NewEngine(registry *filters.Registry, logger *logrus.Logger) *Engine {
	return &Engine{registry: registry, logger: logger}
}

// AnalyzeMarketOrder walks the relevant book side, derives VWAP slippage and
// price impact, and classifies the order against the user's tolerance.
//
// toleranceBps is the user's slippage tolerance in basis points. Within
// tolerance the order executes; up to twice tolerance it needs confirmation;
// beyond that it is rejected. A request the visible book cannot fill is
// always rejected regardless of any other signal.
func (e *Engine) AnalyzeMarketOrder(symbol string, side models.OrderSide, quantity float64, book *models.OrderBook, toleranceBps float64) models.ProtectionVerdict {
	if quantity <= 0 {
		return rejectVerdict("order quantity must be positive")
	}
	if book == nil {
		return rejectVerdict("no order book snapshot available")
	}
	levels := book.Asks
	if side == models.OrderSideSell {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return rejectVerdict(fmt.Sprintf("order book has no %s liquidity", bookSideName(side)))
	}
	if toleranceBps <= 0 {
		toleranceBps = 50
	}

	best := levels[0].Price
	if best <= 0 {
		return rejectVerdict("order book has a non-positive best price")
	}

	// Simulated walk: consume levels until filled or the book runs out.
	var (
		remaining = quantity
		totalCost float64
		filled    float64
		worst     = best
		depth     int
	)
	for _, lvl := range levels {
		if remaining <= 0 {
			break
		}
		take := math.Min(remaining, lvl.Quantity)
		totalCost += take * lvl.Price
		filled += take
		remaining -= take
		worst = lvl.Price
		depth++
	}

	if filled <= 0 {
		return rejectVerdict("order book has no fillable quantity")
	}

	vwap := totalCost / filled
	impact := math.Abs(vwap-best) / best
	slippageBps := impact * 10000
	partial := remaining > quantity*1e-9

	verdict := models.ProtectionVerdict{
		EstimatedPrice:  vwap,
		WorstPrice:      worst,
		SlippageBps:     slippageBps,
		PriceImpact:     impact,
		LiquidityDepth:  depth,
		FilledQuantity:  filled,
		PartialFillRisk: partial,
	}

	// Tier against the user's tolerance.
	switch {
	case slippageBps <= toleranceBps:
		verdict.Recommendation = models.RecommendationExecute
	case slippageBps <= 2*toleranceBps:
		verdict.Recommendation = models.RecommendationWarning
		verdict.Warnings = append(verdict.Warnings,
			fmt.Sprintf("estimated slippage %.1f bps exceeds tolerance %.1f bps", slippageBps, toleranceBps))
	default:
		verdict.Recommendation = models.RecommendationReject
		verdict.Warnings = append(verdict.Warnings,
			fmt.Sprintf("estimated slippage %.1f bps is more than twice tolerance %.1f bps", slippageBps, toleranceBps))
	}

	// Absolute impact escalations.
	if impact > impactRejectThreshold {
		verdict.Recommendation = escalate(verdict.Recommendation, models.RecommendationReject)
		verdict.Warnings = append(verdict.Warnings,
			fmt.Sprintf("price impact %.2f%% exceeds hard limit of %.0f%%", impact*100, impactRejectThreshold*100))
	} else if impact > impactWarnThreshold {
		verdict.Recommendation = escalate(verdict.Recommendation, models.RecommendationWarning)
		verdict.Warnings = append(verdict.Warnings,
			fmt.Sprintf("price impact %.2f%% exceeds %.0f%%", impact*100, impactWarnThreshold*100))
	}

	if depth <= thinBookLevels {
		verdict.Recommendation = escalate(verdict.Recommendation, models.RecommendationWarning)
		verdict.Warnings = append(verdict.Warnings,
			fmt.Sprintf("thin order book: only %d level(s) needed", depth))
	}

	// A partial fill overrides everything else.
	if partial {
		verdict.Recommendation = models.RecommendationReject
		verdict.Warnings = append(verdict.Warnings,
			fmt.Sprintf("insufficient visible liquidity: %.8g of %.8g fillable", filled, quantity))
	}

	// Protective band around the best price, sized by whichever is wider:
	// the simulated slippage or the user's tolerance.
	bandWidth := math.Max(slippageBps, toleranceBps) / 10000
	if side == models.OrderSideBuy {
		verdict.MaxPrice = best * (1 + bandWidth)
		verdict.MinPrice = best
	} else {
		verdict.MaxPrice = best
		verdict.MinPrice = best * (1 - bandWidth)
	}

	verdict.RequiresConfirmation = verdict.Recommendation == models.RecommendationWarning

	e.logger.WithFields(logrus.Fields{
		"symbol":         symbol,
		"side":           side,
		"quantity":       quantity,
		"slippage_bps":   slippageBps,
		"recommendation": verdict.Recommendation,
	}).Debug("Market order analyzed")

	return verdict
}

// OptimalOrderSize returns the largest quantity whose entire execution stays
// within maxSlippageBps of the best price. The result is floored onto the
// symbol's step grid so rounding can never push it past the band.
func (e *Engine) OptimalOrderSize(symbol string, side models.OrderSide, maxSlippageBps float64, book *models.OrderBook) (float64, error) {
	if book == nil {
		return 0, fmt.Errorf("no order book snapshot available")
	}
	if maxSlippageBps <= 0 {
		return 0, fmt.Errorf("max slippage must be positive")
	}
	levels := book.Asks
	if side == models.OrderSideSell {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return 0, fmt.Errorf("order book has no %s liquidity", bookSideName(side))
	}

	best := levels[0].Price
	limit := best * (1 + maxSlippageBps/10000)
	if side == models.OrderSideSell {
		limit = best * (1 - maxSlippageBps/10000)
	}

	var total float64
	for _, lvl := range levels {
		if side == models.OrderSideBuy && lvl.Price > limit {
			break
		}
		if side == models.OrderSideSell && lvl.Price < limit {
			break
		}
		total += lvl.Quantity
	}

	return e.registry.FloorQuantity(symbol, total, models.OrderTypeMarket)
}

// MarketDepth summarizes both sides of a snapshot for user guidance.
func (e *Engine) MarketDepth(book *models.OrderBook) models.DepthStats {
	stats := models.DepthStats{}
	if book == nil {
		return stats
	}
	stats.Symbol = book.Symbol
	stats.BidLevels = len(book.Bids)
	stats.AskLevels = len(book.Asks)
	for _, lvl := range book.Bids {
		stats.BidQty += lvl.Quantity
	}
	for _, lvl := range book.Asks {
		stats.AskQty += lvl.Quantity
	}
	stats.BestBid = book.BestBid()
	stats.BestAsk = book.BestAsk()
	if stats.BestBid > 0 && stats.BestAsk > 0 {
		stats.MidPrice = (stats.BestBid + stats.BestAsk) / 2
		stats.SpreadBps = (stats.BestAsk - stats.BestBid) / stats.MidPrice * 10000
	}
	return stats
}

// AssessOrderSize grades an order against visible one-sided depth. Purely
// advisory: the submission flow shows it to the user but never gates on it.
func (e *Engine) AssessOrderSize(side models.OrderSide, quantity float64, book *models.OrderBook) models.SizeAssessment {
	stats := e.MarketDepth(book)
	depth := stats.AskQty
	if side == models.OrderSideSell {
		depth = stats.BidQty
	}
	if depth <= 0 || quantity <= 0 {
		return models.SizeAssessment{Reasonable: false, Advisory: "no visible depth to size against"}
	}

	ratio := quantity / depth
	assessment := models.SizeAssessment{Reasonable: true, DepthRatio: ratio}
	switch {
	case ratio > sizeRejectRatio:
		assessment.Reasonable = false
		assessment.Advisory = fmt.Sprintf("order is %.0f%% of visible depth; splitting strongly recommended", ratio*100)
	case ratio > sizeLargeRatio:
		assessment.Advisory = fmt.Sprintf("large order: %.0f%% of visible depth", ratio*100)
	case ratio > sizeModerateRatio:
		assessment.Advisory = fmt.Sprintf("moderate order: %.0f%% of visible depth", ratio*100)
	}
	return assessment
}

func escalate(current, floor models.Recommendation) models.Recommendation {
	if rank(floor) > rank(current) {
		return floor
	}
	return current
}

func rank(r models.Recommendation) int {
	switch r {
	case models.RecommendationReject:
		return 2
	case models.RecommendationWarning:
		return 1
	default:
		return 0
	}
}

func rejectVerdict(reason string) models.ProtectionVerdict {
	return models.ProtectionVerdict{
		Recommendation: models.RecommendationReject,
		Warnings:       []string{reason},
	}
}

func bookSideName(side models.OrderSide) string {
	if side == models.OrderSideSell {
		return "bid"
	}
	return "ask"
}
