package feed

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestIsHeartbeatAck(t *testing.T) {
	for _, raw := range []string{"PONG", "pong", "Pong", " PONG\n"} {
		if !isHeartbeatAck([]byte(raw)) {
			t.Fatalf("%q must be recognised as a heartbeat ack", raw)
		}
	}
	for _, raw := range []string{"PING", "", `{"event_type":"book"}`, "PONGS"} {
		if isHeartbeatAck([]byte(raw)) {
			t.Fatalf("%q must not be a heartbeat ack", raw)
		}
	}
}

func TestParseFrame_Book(t *testing.T) {
	raw := []byte(`{
		"event_type": "book",
		"asset_id": "123",
		"market": "0xmkt",
		"bids": [{"price": "0.48", "size": "30"}, {"price": "bogus", "size": "10"}],
		"asks": [{"price": "0.52", "size": "25"}, {"price": "0.55", "size": "0"}],
		"timestamp": "1700000000000",
		"hash": "abc"
	}`)

	ev, err := parseFrame(raw)
	if err != nil {
		t.Fatalf("parseFrame: %v", err)
	}
	book, ok := ev.(BookEvent)
	if !ok {
		t.Fatalf("expected BookEvent, got %T", ev)
	}
	if book.AssetID != "123" || book.MarketID != "0xmkt" || book.Hash != "abc" {
		t.Fatalf("wrong identity fields: %+v", book)
	}
	// The bogus price and the zero-size ask are discarded, not fatal.
	if len(book.Bids) != 1 || len(book.Asks) != 1 {
		t.Fatalf("invalid levels not discarded: %d bids, %d asks",
			len(book.Bids), len(book.Asks))
	}
	if book.Timestamp.UnixMilli() != 1700000000000 {
		t.Fatalf("timestamp: %v", book.Timestamp)
	}
}

func TestParseFrame_PriceChange(t *testing.T) {
	raw := []byte(`{
		"event_type": "price_change",
		"market": "0xmkt",
		"price_changes": [
			{"asset_id": "123", "price": "0.50", "size": "0", "side": "buy",
			 "best_bid": "0.49", "best_ask": "0.51", "hash": "h1"},
			{"asset_id": "", "price": "0.40", "size": "5", "side": "SELL"}
		],
		"timestamp": "1700000000000"
	}`)

	ev, err := parseFrame(raw)
	if err != nil {
		t.Fatalf("parseFrame: %v", err)
	}
	pc, ok := ev.(PriceChangeEvent)
	if !ok {
		t.Fatalf("expected PriceChangeEvent, got %T", ev)
	}
	if len(pc.Changes) != 1 {
		t.Fatalf("entry without asset_id must be dropped: got %d", len(pc.Changes))
	}

	c := pc.Changes[0]
	if c.Side != SideBuy {
		t.Fatalf("side must be normalised to BUY, got %s", c.Side)
	}
	if !c.Size.IsZero() {
		t.Fatalf("zero size must survive as a removal marker, got %s", c.Size)
	}
	if !c.BestBid.Equal(decimal.RequireFromString("0.49")) {
		t.Fatalf("best bid: %s", c.BestBid)
	}
}

func TestParseFrame_LastTradeAndTickSize(t *testing.T) {
	ev, err := parseFrame([]byte(`{
		"event_type": "last_trade_price",
		"asset_id": "123", "market": "0xmkt",
		"price": "0.47", "size": "12", "side": "SELL",
		"timestamp": "1700000000000"
	}`))
	if err != nil {
		t.Fatalf("last trade: %v", err)
	}
	if lt := ev.(LastTradeEvent); lt.Side != SideSell || !lt.Price.Equal(decimal.RequireFromString("0.47")) {
		t.Fatalf("last trade mismatch: %+v", lt)
	}

	ev, err = parseFrame([]byte(`{
		"event_type": "tick_size_change",
		"asset_id": "123",
		"old_tick_size": "0.01", "new_tick_size": "0.001", "side": "BUY"
	}`))
	if err != nil {
		t.Fatalf("tick size: %v", err)
	}
	if ts := ev.(TickSizeEvent); !ts.NewTickSize.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("tick size mismatch: %+v", ts)
	}
}

func TestParseFrame_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":      "PING",
		"unknown type":  `{"event_type": "mystery"}`,
		"missing asset": `{"event_type": "book", "market": "0xmkt"}`,
	}
	for name, raw := range cases {
		if _, err := parseFrame([]byte(raw)); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func TestControlFrame(t *testing.T) {
	got := string(controlFrame(actionSubscribe, []string{"a", "b"}))
	want := `{"type":"subscribe","assets_ids":["a","b"]}`
	if got != want {
		t.Fatalf("subscribe frame:\ngot:  %s\nwant: %s", got, want)
	}
}
