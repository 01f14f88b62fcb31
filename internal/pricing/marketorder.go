package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/argus-terminal/argus/internal/book"
	"github.com/argus-terminal/argus/internal/feed"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// MarketOrderParams describes the trade to price.
type MarketOrderParams struct {
	Side feed.Side
	Size decimal.Decimal

	// MaxSlippagePercent caps how far the limit price may move from the
	// best price, e.g. 2 for 2%.
	MaxSlippagePercent decimal.Decimal

	// TickSize is the market's minimum price increment.
	TickSize decimal.Decimal

	// RequireFullFill rejects the quote entirely when the book cannot
	// absorb the whole size.
	RequireFullFill bool
}

// MarketOrderQuote is a conservative limit price expected to cross the
// book immediately while honouring the slippage cap.
type MarketOrderQuote struct {
	// Price is the final limit price, tick-aligned on the candidate side
	// and clamped to the valid tradable range.
	Price decimal.Decimal

	// ExceedsTolerance is set when the size-driven worst price would have
	// moved past the slippage cap before clamping.
	ExceedsTolerance bool

	// Fill is the walk the price was derived from.
	Fill Result
}

// RoundUpToTick rounds price up to the nearest multiple of tick.
func RoundUpToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		panic("pricing: tick size must be positive")
	}
	return price.Div(tick).Ceil().Mul(tick)
}

// RoundDownToTick rounds price down to the nearest multiple of tick.
func RoundDownToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		panic("pricing: tick size must be positive")
	}
	return price.Div(tick).Floor().Mul(tick)
}

// CalculateMarketOrderPrice derives a single limit price for a market-style
// order. Buys round the size-driven worst price up (underbidding risks
// non-fill) plus a one-tick fill buffer, then cap it at
// bestAsk*(1+maxSlippage). Sells are symmetric with a floor at
// bestBid*(1-maxSlippage) and downward rounding. The result is nil when
// the relevant side is empty, or when RequireFullFill is set and the book
// is too thin.
func CalculateMarketOrderPrice(bk book.Book, p MarketOrderParams) *MarketOrderQuote {
	fill := CalculateSlippage(bk, p.Side, p.Size)
	if len(fill.Fills) == 0 {
		return nil // no liquidity at all
	}
	if p.RequireFullFill && !fill.CanFill {
		return nil
	}

	tolerance := p.MaxSlippagePercent.Div(hundred)

	var limit decimal.Decimal
	var exceeds bool
	if p.Side == feed.SideBuy {
		ceiling := fill.BestPrice.Mul(one.Add(tolerance))
		candidate := RoundUpToTick(fill.WorstPrice, p.TickSize).Add(p.TickSize)
		exceeds = candidate.GreaterThan(ceiling)
		limit = decimal.Min(ceiling, candidate)
	} else {
		floor := fill.BestPrice.Mul(one.Sub(tolerance))
		candidate := RoundDownToTick(fill.WorstPrice, p.TickSize).Sub(p.TickSize)
		exceeds = candidate.LessThan(floor)
		limit = decimal.Max(floor, candidate)
	}

	return &MarketOrderQuote{
		Price:            clampTradable(limit, p.TickSize),
		ExceedsTolerance: exceeds,
		Fill:             fill,
	}
}

// clampTradable constrains a price to the exchange's valid probability
// range [tick, 1-tick].
func clampTradable(price, tick decimal.Decimal) decimal.Decimal {
	lo := tick
	hi := one.Sub(tick)
	if price.LessThan(lo) {
		return lo
	}
	if price.GreaterThan(hi) {
		return hi
	}
	return price
}
