package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Heartbeat sentinels exchanged as plain text on the market channel. These
// coexist with structured JSON frames and must be intercepted before any
// parsing is attempted. The exact strings are observed upstream behaviour,
// not a published contract.
const (
	heartbeatPing = "PING"
	heartbeatAck  = "PONG"
)

// Side identifies which half of the book a level, change, or trade
// belongs to.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Level is a single resting price level. Prices are probabilities in (0,1);
// sizes are share counts. All arithmetic downstream stays in decimal to
// avoid compounding float rounding across many small fills.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Event is implemented by every typed frame the feed can deliver.
type Event interface {
	isEvent()
}

// BookEvent is a full snapshot of one asset's book. It replaces all prior
// state for that asset.
type BookEvent struct {
	AssetID   string
	MarketID  string
	Bids      []Level // descending by price
	Asks      []Level // ascending by price
	Timestamp time.Time
	Hash      string
}

// PriceChange is an incremental upsert (Size > 0) or removal (Size == 0)
// of one level on one side of one asset's book. BestBid/BestAsk carry the
// upstream's view of the top of book for desync detection.
type PriceChange struct {
	AssetID string
	Price   decimal.Decimal
	Size    decimal.Decimal
	Side    Side
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	Hash    string
}

// PriceChangeEvent is a batch of incremental level changes.
type PriceChangeEvent struct {
	MarketID  string
	Changes   []PriceChange
	Timestamp time.Time
}

// LastTradeEvent reports the most recent trade on an asset. Informational
// only: it never mutates the book.
type LastTradeEvent struct {
	AssetID   string
	MarketID  string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      Side
	Timestamp time.Time
}

// TickSizeEvent reports a change of the minimum price increment for an asset.
type TickSizeEvent struct {
	AssetID     string
	MarketID    string
	OldTickSize decimal.Decimal
	NewTickSize decimal.Decimal
	Side        Side
}

func (BookEvent) isEvent()        {}
func (PriceChangeEvent) isEvent() {}
func (LastTradeEvent) isEvent()   {}
func (TickSizeEvent) isEvent()    {}

// Wire event type tags.
const (
	eventTypeBook        = "book"
	eventTypePriceChange = "price_change"
	eventTypeLastTrade   = "last_trade_price"
	eventTypeTickSize    = "tick_size_change"
)

// rawEnvelope is used for fast event-type detection before full parsing.
type rawEnvelope struct {
	EventType string `json:"event_type"`
}

type rawLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type rawBookEvent struct {
	AssetID   string     `json:"asset_id"`
	Market    string     `json:"market"`
	Bids      []rawLevel `json:"bids"`
	Asks      []rawLevel `json:"asks"`
	Timestamp string     `json:"timestamp"`
	Hash      string     `json:"hash"`
}

type rawPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
	Hash    string `json:"hash"`
}

type rawPriceChangeEvent struct {
	Market       string           `json:"market"`
	PriceChanges []rawPriceChange `json:"price_changes"`
	Timestamp    string           `json:"timestamp"`
}

type rawLastTradeEvent struct {
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
}

type rawTickSizeEvent struct {
	AssetID     string `json:"asset_id"`
	Market      string `json:"market"`
	OldTickSize string `json:"old_tick_size"`
	NewTickSize string `json:"new_tick_size"`
	Side        string `json:"side"`
}

// subscribeMsg is the outbound control frame for the market channel.
type subscribeMsg struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

func controlFrame(action string, assetIDs []string) []byte {
	msg, _ := json.Marshal(subscribeMsg{Type: action, AssetsIDs: assetIDs})
	return msg
}

// isHeartbeatAck reports whether raw is the plain-text heartbeat
// acknowledgment, matched case-insensitively.
func isHeartbeatAck(raw []byte) bool {
	return strings.EqualFold(strings.TrimSpace(string(raw)), heartbeatAck)
}

// parseFrame decodes a structured frame into its typed event. Frames that
// are not well-formed JSON, carry an unknown event type, or are missing
// required fields return an error; the caller logs and drops them.
func parseFrame(raw []byte) (Event, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("feed: invalid frame: %w", err)
	}

	switch env.EventType {
	case eventTypeBook:
		return parseBook(raw)
	case eventTypePriceChange:
		return parsePriceChange(raw)
	case eventTypeLastTrade:
		return parseLastTrade(raw)
	case eventTypeTickSize:
		return parseTickSize(raw)
	default:
		return nil, fmt.Errorf("feed: unknown event type %q", env.EventType)
	}
}

func parseBook(raw []byte) (Event, error) {
	var ev rawBookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("feed: book event: %w", err)
	}
	if ev.AssetID == "" {
		return nil, fmt.Errorf("feed: book event missing asset_id")
	}
	return BookEvent{
		AssetID:   ev.AssetID,
		MarketID:  ev.Market,
		Bids:      parseLevels(ev.Bids),
		Asks:      parseLevels(ev.Asks),
		Timestamp: parseTimestamp(ev.Timestamp),
		Hash:      ev.Hash,
	}, nil
}

func parsePriceChange(raw []byte) (Event, error) {
	var ev rawPriceChangeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("feed: price_change event: %w", err)
	}

	changes := make([]PriceChange, 0, len(ev.PriceChanges))
	for _, c := range ev.PriceChanges {
		price, err := decimal.NewFromString(c.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(c.Size)
		if err != nil {
			continue
		}
		// Size zero is a removal; negative sizes are garbage.
		if c.AssetID == "" || size.Sign() < 0 {
			continue
		}
		pc := PriceChange{
			AssetID: c.AssetID,
			Price:   price,
			Size:    size,
			Side:    Side(strings.ToUpper(c.Side)),
			Hash:    c.Hash,
		}
		if best, err := decimal.NewFromString(c.BestBid); err == nil {
			pc.BestBid = best
		}
		if best, err := decimal.NewFromString(c.BestAsk); err == nil {
			pc.BestAsk = best
		}
		changes = append(changes, pc)
	}

	return PriceChangeEvent{
		MarketID:  ev.Market,
		Changes:   changes,
		Timestamp: parseTimestamp(ev.Timestamp),
	}, nil
}

func parseLastTrade(raw []byte) (Event, error) {
	var ev rawLastTradeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("feed: last_trade_price event: %w", err)
	}
	if ev.AssetID == "" {
		return nil, fmt.Errorf("feed: last_trade_price event missing asset_id")
	}
	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return nil, fmt.Errorf("feed: last_trade_price price: %w", err)
	}
	size, _ := decimal.NewFromString(ev.Size)
	return LastTradeEvent{
		AssetID:   ev.AssetID,
		MarketID:  ev.Market,
		Price:     price,
		Size:      size,
		Side:      Side(strings.ToUpper(ev.Side)),
		Timestamp: parseTimestamp(ev.Timestamp),
	}, nil
}

func parseTickSize(raw []byte) (Event, error) {
	var ev rawTickSizeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("feed: tick_size_change event: %w", err)
	}
	if ev.AssetID == "" {
		return nil, fmt.Errorf("feed: tick_size_change event missing asset_id")
	}
	newTick, err := decimal.NewFromString(ev.NewTickSize)
	if err != nil {
		return nil, fmt.Errorf("feed: tick_size_change new size: %w", err)
	}
	oldTick, _ := decimal.NewFromString(ev.OldTickSize)
	return TickSizeEvent{
		AssetID:     ev.AssetID,
		MarketID:    ev.Market,
		OldTickSize: oldTick,
		NewTickSize: newTick,
		Side:        Side(strings.ToUpper(ev.Side)),
	}, nil
}

// parseLevels converts raw string price/size pairs into Level values.
// Unparseable, non-positive, or out-of-range entries are discarded rather
// than propagated to consumers.
func parseLevels(raw []rawLevel) []Level {
	levels := make([]Level, 0, len(raw))
	one := decimal.NewFromInt(1)
	for _, r := range raw {
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(r.Size)
		if err != nil {
			continue
		}
		if price.Sign() <= 0 || price.GreaterThanOrEqual(one) || size.Sign() <= 0 {
			continue
		}
		levels = append(levels, Level{Price: price, Size: size})
	}
	return levels
}

// parseTimestamp converts a Unix-millisecond string to time.Time.
func parseTimestamp(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
