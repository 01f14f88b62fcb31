package pricing

import (
	"testing"

	"github.com/argus-terminal/argus/internal/book"
	"github.com/argus-terminal/argus/internal/feed"
)

func TestRoundToTick(t *testing.T) {
	up := RoundUpToTick(dec("0.4231"), dec("0.01"))
	if !up.Equal(dec("0.43")) {
		t.Fatalf("round up: want 0.43, got %s", up)
	}

	down := RoundDownToTick(dec("0.4231"), dec("0.01"))
	if !down.Equal(dec("0.42")) {
		t.Fatalf("round down: want 0.42, got %s", down)
	}

	exact := RoundUpToTick(dec("0.42"), dec("0.01"))
	if !exact.Equal(dec("0.42")) {
		t.Fatalf("exact multiple must not move: got %s", exact)
	}
}

func TestMarketOrderPrice_BuyWithinTolerance(t *testing.T) {
	bk := book.Book{
		AssetID: "asset-1",
		Asks:    []feed.Level{lvl("0.42", "80"), lvl("0.45", "40")},
	}

	q := CalculateMarketOrderPrice(bk, MarketOrderParams{
		Side:               feed.SideBuy,
		Size:               dec("50"),
		MaxSlippagePercent: dec("10"),
		TickSize:           dec("0.01"),
	})
	if q == nil {
		t.Fatal("expected a quote")
	}
	// Worst price 0.42, rounded up stays 0.42, plus one tick buffer = 0.43.
	// Cap is 0.42*1.10 = 0.462, so the candidate wins.
	if !q.Price.Equal(dec("0.43")) {
		t.Fatalf("limit price: want 0.43, got %s", q.Price)
	}
	if q.ExceedsTolerance {
		t.Fatal("tolerance flag must be clear")
	}
}

func TestMarketOrderPrice_BuyNeverAboveCap(t *testing.T) {
	bk := book.Book{
		AssetID: "asset-1",
		Asks:    []feed.Level{lvl("0.42", "80"), lvl("0.45", "40")},
	}

	q := CalculateMarketOrderPrice(bk, MarketOrderParams{
		Side:               feed.SideBuy,
		Size:               dec("100"), // walks to 0.45
		MaxSlippagePercent: dec("2"),
		TickSize:           dec("0.01"),
	})
	if q == nil {
		t.Fatal("expected a quote")
	}

	ceiling := dec("0.42").Mul(dec("1.02")) // 0.4284
	if q.Price.GreaterThan(ceiling) {
		t.Fatalf("limit %s exceeds cap %s", q.Price, ceiling)
	}
	if !q.ExceedsTolerance {
		t.Fatal("size-driven worst price surpassed the cap, flag must be set")
	}
}

func TestMarketOrderPrice_SellSymmetric(t *testing.T) {
	bk := book.Book{
		AssetID: "asset-1",
		Bids:    []feed.Level{lvl("0.58", "80"), lvl("0.55", "40")},
	}

	q := CalculateMarketOrderPrice(bk, MarketOrderParams{
		Side:               feed.SideSell,
		Size:               dec("100"), // walks to 0.55
		MaxSlippagePercent: dec("2"),
		TickSize:           dec("0.01"),
	})
	if q == nil {
		t.Fatal("expected a quote")
	}

	floor := dec("0.58").Mul(dec("0.98")) // 0.5684
	if q.Price.LessThan(floor) {
		t.Fatalf("limit %s below floor %s", q.Price, floor)
	}
	if !q.ExceedsTolerance {
		t.Fatal("worst price moved past the floor, flag must be set")
	}
}

func TestMarketOrderPrice_NoLiquidity(t *testing.T) {
	if q := CalculateMarketOrderPrice(book.Book{AssetID: "a"}, MarketOrderParams{
		Side:               feed.SideBuy,
		Size:               dec("10"),
		MaxSlippagePercent: dec("2"),
		TickSize:           dec("0.01"),
	}); q != nil {
		t.Fatalf("expected nil quote for empty side, got %+v", q)
	}
}

func TestMarketOrderPrice_RequireFullFill(t *testing.T) {
	bk := book.Book{
		AssetID: "asset-1",
		Asks:    []feed.Level{lvl("0.42", "30")},
	}

	params := MarketOrderParams{
		Side:               feed.SideBuy,
		Size:               dec("100"),
		MaxSlippagePercent: dec("5"),
		TickSize:           dec("0.01"),
		RequireFullFill:    true,
	}
	if q := CalculateMarketOrderPrice(bk, params); q != nil {
		t.Fatalf("expected nil quote when the book cannot absorb the size, got %+v", q)
	}

	params.RequireFullFill = false
	q := CalculateMarketOrderPrice(bk, params)
	if q == nil {
		t.Fatal("partial fill without RequireFullFill must still quote")
	}
	if q.Fill.CanFill {
		t.Fatal("fill profile must reflect the partial fill")
	}
}

func TestMarketOrderPrice_ClampedToTradableRange(t *testing.T) {
	bk := book.Book{
		AssetID: "asset-1",
		Asks:    []feed.Level{lvl("0.99", "10")},
	}

	q := CalculateMarketOrderPrice(bk, MarketOrderParams{
		Side:               feed.SideBuy,
		Size:               dec("10"),
		MaxSlippagePercent: dec("10"),
		TickSize:           dec("0.01"),
	})
	if q == nil {
		t.Fatal("expected a quote")
	}
	// Candidate 0.99 + tick buffer = 1.00 clamps to 0.99.
	if !q.Price.Equal(dec("0.99")) {
		t.Fatalf("limit price: want clamp at 0.99, got %s", q.Price)
	}
}
