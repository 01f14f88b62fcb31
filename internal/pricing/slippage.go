// Package pricing turns a live order book into an executable trade price.
// Everything here is pure: functions walk a book snapshot and compute, they
// never hold state or touch the network.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/argus-terminal/argus/internal/book"
	"github.com/argus-terminal/argus/internal/feed"
)

// Fill is one level consumed while walking the book.
type Fill struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Result describes how an order of a given size would execute against the
// current book. A thin or empty book yields CanFill=false, never an error.
type Result struct {
	CanFill         bool
	AvgFillPrice    decimal.Decimal
	BestPrice       decimal.Decimal
	WorstPrice      decimal.Decimal
	Slippage        decimal.Decimal
	SlippagePercent decimal.Decimal
	TotalNotional   decimal.Decimal
	Fills           []Fill
	FilledSize      decimal.Decimal
	UnfilledSize    decimal.Decimal
}

// CalculateSlippage walks the relevant side of the book and computes the
// fill profile for an order of the given size. Buys consume asks ascending;
// sells consume bids descending. A non-positive size is a programming
// error and panics.
func CalculateSlippage(bk book.Book, side feed.Side, size decimal.Decimal) Result {
	if size.Sign() <= 0 {
		panic("pricing: order size must be positive")
	}

	var levels []feed.Level
	switch side {
	case feed.SideBuy:
		levels = bk.Asks
	case feed.SideSell:
		levels = bk.Bids
	default:
		panic("pricing: unknown side " + string(side))
	}

	if len(levels) == 0 {
		return Result{UnfilledSize: size}
	}

	best := levels[0].Price
	remaining := size
	filled := decimal.Zero
	notional := decimal.Zero
	worst := best
	fills := make([]Fill, 0, 4)

	for _, lvl := range levels {
		if remaining.Sign() == 0 {
			break
		}
		take := decimal.Min(remaining, lvl.Size)
		fills = append(fills, Fill{Price: lvl.Price, Size: take})
		notional = notional.Add(take.Mul(lvl.Price))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
		worst = lvl.Price
	}

	avg := notional.Div(filled)

	// Buying into a thinning book costs progressively more; selling into
	// one yields progressively less.
	var slip decimal.Decimal
	if side == feed.SideBuy {
		slip = avg.Sub(best)
	} else {
		slip = best.Sub(avg)
	}

	pct := decimal.Zero
	if best.Sign() > 0 {
		pct = slip.Div(best).Mul(decimal.NewFromInt(100))
	}

	return Result{
		CanFill:         remaining.Sign() == 0,
		AvgFillPrice:    avg,
		BestPrice:       best,
		WorstPrice:      worst,
		Slippage:        slip,
		SlippagePercent: pct,
		TotalNotional:   notional,
		Fills:           fills,
		FilledSize:      filled,
		UnfilledSize:    remaining,
	}
}
