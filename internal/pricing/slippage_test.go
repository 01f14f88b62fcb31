package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/argus-terminal/argus/internal/book"
	"github.com/argus-terminal/argus/internal/feed"
)

func lvl(price, size string) feed.Level {
	return feed.Level{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// twoLevelAsks is the canonical thin book used across the fill tests.
func twoLevelAsks() book.Book {
	return book.Book{
		AssetID: "asset-1",
		Asks:    []feed.Level{lvl("0.42", "80"), lvl("0.45", "40")},
	}
}

func TestCalculateSlippage_BuyFullyAtBest(t *testing.T) {
	res := CalculateSlippage(twoLevelAsks(), feed.SideBuy, dec("50"))

	if !res.CanFill {
		t.Fatal("expected full fill")
	}
	if !res.AvgFillPrice.Equal(dec("0.42")) {
		t.Fatalf("avg fill price: want 0.42, got %s", res.AvgFillPrice)
	}
	if !res.Slippage.IsZero() {
		t.Fatalf("slippage: want 0, got %s", res.Slippage)
	}
	if !res.WorstPrice.Equal(dec("0.42")) {
		t.Fatalf("worst price: want 0.42, got %s", res.WorstPrice)
	}
	if len(res.Fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(res.Fills))
	}
}

func TestCalculateSlippage_BuyWalksTwoLevels(t *testing.T) {
	res := CalculateSlippage(twoLevelAsks(), feed.SideBuy, dec("100"))

	if !res.CanFill {
		t.Fatal("expected full fill across both levels")
	}
	if !res.FilledSize.Equal(dec("100")) {
		t.Fatalf("filled size: want 100, got %s", res.FilledSize)
	}
	// (80*0.42 + 20*0.45) / 100 = 0.426
	if !res.AvgFillPrice.Equal(dec("0.426")) {
		t.Fatalf("avg fill price: want 0.426, got %s", res.AvgFillPrice)
	}
	if !res.WorstPrice.Equal(dec("0.45")) {
		t.Fatalf("worst price: want 0.45, got %s", res.WorstPrice)
	}
	if !res.Slippage.Equal(dec("0.006")) {
		t.Fatalf("slippage: want 0.006, got %s", res.Slippage)
	}
	if !res.TotalNotional.Equal(dec("42.6")) {
		t.Fatalf("notional: want 42.6, got %s", res.TotalNotional)
	}
}

func TestCalculateSlippage_SellPartialFill(t *testing.T) {
	bk := book.Book{
		AssetID: "asset-1",
		Bids:    []feed.Level{lvl("0.40", "100"), lvl("0.38", "50")},
	}

	res := CalculateSlippage(bk, feed.SideSell, dec("500"))

	if res.CanFill {
		t.Fatal("expected partial fill only")
	}
	if !res.FilledSize.Equal(dec("150")) {
		t.Fatalf("filled size: want 150, got %s", res.FilledSize)
	}
	if !res.UnfilledSize.Equal(dec("350")) {
		t.Fatalf("unfilled size: want 350, got %s", res.UnfilledSize)
	}
	// Selling into a thinning book yields progressively less.
	if res.Slippage.Sign() < 0 {
		t.Fatalf("sell slippage must be non-negative, got %s", res.Slippage)
	}
}

func TestCalculateSlippage_EmptySide(t *testing.T) {
	res := CalculateSlippage(book.Book{AssetID: "asset-1"}, feed.SideBuy, dec("10"))

	if res.CanFill {
		t.Fatal("empty book must not fill")
	}
	if len(res.Fills) != 0 {
		t.Fatalf("expected zero fills, got %d", len(res.Fills))
	}
	if !res.UnfilledSize.Equal(dec("10")) {
		t.Fatalf("unfilled size: want 10, got %s", res.UnfilledSize)
	}
}

func TestCalculateSlippage_SellSlippageDirection(t *testing.T) {
	bk := book.Book{
		AssetID: "asset-1",
		Bids:    []feed.Level{lvl("0.50", "10"), lvl("0.40", "10")},
	}

	res := CalculateSlippage(bk, feed.SideSell, dec("20"))

	// avg = (0.50*10 + 0.40*10)/20 = 0.45; slippage = 0.50 - 0.45
	if !res.AvgFillPrice.Equal(dec("0.45")) {
		t.Fatalf("avg fill price: want 0.45, got %s", res.AvgFillPrice)
	}
	if !res.Slippage.Equal(dec("0.05")) {
		t.Fatalf("slippage: want 0.05, got %s", res.Slippage)
	}
	if !res.SlippagePercent.Equal(dec("10")) {
		t.Fatalf("slippage percent: want 10, got %s", res.SlippagePercent)
	}
}

func TestCalculateSlippage_NonPositiveSizePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on non-positive size")
		}
	}()
	CalculateSlippage(twoLevelAsks(), feed.SideBuy, decimal.Zero)
}
