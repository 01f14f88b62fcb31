// Package book maintains per-asset in-memory order books from typed feed
// events. Bids stay sorted descending and asks ascending after every
// mutation; all prices and sizes are decimals.
package book

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/argus-terminal/argus/internal/feed"
)

// desyncThreshold is how many consecutive top-of-book mismatches between
// the locally reconstructed book and the upstream-reported best bid/ask
// are tolerated before the asset is flagged for a fresh snapshot.
const desyncThreshold = 3

// Book is one asset's reconstructed order book.
type Book struct {
	AssetID   string
	MarketID  string
	Bids      []feed.Level // descending by price
	Asks      []feed.Level // ascending by price
	Timestamp time.Time
	Hash      string
}

// BestBid returns the highest bid, or false on an empty side.
func (b Book) BestBid() (feed.Level, bool) {
	if len(b.Bids) == 0 {
		return feed.Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, or false on an empty side.
func (b Book) BestAsk() (feed.Level, bool) {
	if len(b.Asks) == 0 {
		return feed.Level{}, false
	}
	return b.Asks[0], true
}

// Trade is the cached last trade for an asset. Informational only.
type Trade struct {
	AssetID   string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      feed.Side
	Timestamp time.Time
}

// Store holds the live books. It implements the feed's event-listener
// signature, so register OnEvent directly on the Manager.
type Store struct {
	log *logrus.Entry

	mu        sync.RWMutex
	books     map[string]*Book
	trades    map[string]Trade
	tickSizes map[string]decimal.Decimal
	desyncs   map[string]int // consecutive top-of-book mismatches

	// onDesync, when set, is called (outside the lock) with each asset
	// whose book persistently disagrees with the upstream-reported top.
	// Wire it to Manager.Resubscribe at the composition root.
	onDesync func(assetID string)
}

// NewStore creates an empty Store.
func NewStore(log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		log:       log,
		books:     make(map[string]*Book),
		trades:    make(map[string]Trade),
		tickSizes: make(map[string]decimal.Decimal),
		desyncs:   make(map[string]int),
	}
}

// SetDesyncHandler installs the recovery hook invoked on persistent
// top-of-book mismatches. Must be called before events start flowing.
func (s *Store) SetDesyncHandler(fn func(assetID string)) {
	s.onDesync = fn
}

// OnEvent routes a feed event to the matching apply method.
func (s *Store) OnEvent(ev feed.Event) {
	switch e := ev.(type) {
	case feed.BookEvent:
		s.ApplySnapshot(e)
	case feed.PriceChangeEvent:
		s.ApplyPriceChanges(e)
	case feed.LastTradeEvent:
		s.ApplyLastTrade(e)
	case feed.TickSizeEvent:
		s.ApplyTickSize(e)
	}
}

// ApplySnapshot unconditionally replaces the stored book for the event's
// asset. The snapshot's hash and timestamp become the new baseline and any
// desync bookkeeping is reset.
func (s *Store) ApplySnapshot(ev feed.BookEvent) {
	b := &Book{
		AssetID:   ev.AssetID,
		MarketID:  ev.MarketID,
		Bids:      sortLevels(ev.Bids, true),
		Asks:      sortLevels(ev.Asks, false),
		Timestamp: ev.Timestamp,
		Hash:      ev.Hash,
	}

	s.mu.Lock()
	s.books[ev.AssetID] = b
	delete(s.desyncs, ev.AssetID)
	s.mu.Unlock()
}

// ApplyPriceChanges upserts (size > 0) or removes (size == 0) a level per
// entry, for assets with a known book. After each mutation the entry's
// reported best bid/ask is cross-checked against the local top of book;
// persistent mismatches trigger the desync handler.
func (s *Store) ApplyPriceChanges(ev feed.PriceChangeEvent) {
	var desynced []string

	s.mu.Lock()
	for _, c := range ev.Changes {
		b, ok := s.books[c.AssetID]
		if !ok {
			continue // no snapshot yet, nothing to patch
		}

		switch c.Side {
		case feed.SideBuy:
			b.Bids = applyChange(b.Bids, c.Price, c.Size, true)
		case feed.SideSell:
			b.Asks = applyChange(b.Asks, c.Price, c.Size, false)
		default:
			continue
		}
		if !ev.Timestamp.IsZero() {
			b.Timestamp = ev.Timestamp
		}
		if c.Hash != "" {
			b.Hash = c.Hash
		}

		if s.topMatches(b, c) {
			delete(s.desyncs, c.AssetID)
			continue
		}
		s.desyncs[c.AssetID]++
		if s.desyncs[c.AssetID] >= desyncThreshold {
			delete(s.desyncs, c.AssetID)
			desynced = append(desynced, c.AssetID)
		}
	}
	s.mu.Unlock()

	for _, id := range desynced {
		s.log.WithField("asset_id", id).
			Warn("book desynced from reported top, requesting fresh snapshot")
		if s.onDesync != nil {
			s.onDesync(id)
		}
	}
}

// topMatches compares the locally recomputed top of book with the change's
// reported best bid/ask. Absent reported values match vacuously.
func (s *Store) topMatches(b *Book, c feed.PriceChange) bool {
	if !c.BestBid.IsZero() {
		if len(b.Bids) == 0 || !b.Bids[0].Price.Equal(c.BestBid) {
			return false
		}
	}
	if !c.BestAsk.IsZero() {
		if len(b.Asks) == 0 || !b.Asks[0].Price.Equal(c.BestAsk) {
			return false
		}
	}
	return true
}

// ApplyLastTrade updates the per-asset last-trade cache. It never touches
// the book itself.
func (s *Store) ApplyLastTrade(ev feed.LastTradeEvent) {
	s.mu.Lock()
	s.trades[ev.AssetID] = Trade{
		AssetID:   ev.AssetID,
		Price:     ev.Price,
		Size:      ev.Size,
		Side:      ev.Side,
		Timestamp: ev.Timestamp,
	}
	s.mu.Unlock()
}

// ApplyTickSize records the asset's new minimum price increment.
func (s *Store) ApplyTickSize(ev feed.TickSizeEvent) {
	if ev.NewTickSize.Sign() <= 0 {
		return
	}
	s.mu.Lock()
	s.tickSizes[ev.AssetID] = ev.NewTickSize
	s.mu.Unlock()
}

// Book returns a deep copy of the asset's book, or false if none is held.
func (s *Store) Book(assetID string) (Book, bool) {
	s.mu.RLock()
	b, ok := s.books[assetID]
	if !ok {
		s.mu.RUnlock()
		return Book{}, false
	}
	out := Book{
		AssetID:   b.AssetID,
		MarketID:  b.MarketID,
		Bids:      append([]feed.Level(nil), b.Bids...),
		Asks:      append([]feed.Level(nil), b.Asks...),
		Timestamp: b.Timestamp,
		Hash:      b.Hash,
	}
	s.mu.RUnlock()
	return out, true
}

// LastTrade returns the cached last trade for an asset.
func (s *Store) LastTrade(assetID string) (Trade, bool) {
	s.mu.RLock()
	t, ok := s.trades[assetID]
	s.mu.RUnlock()
	return t, ok
}

// TickSize returns the asset's known tick size.
func (s *Store) TickSize(assetID string) (decimal.Decimal, bool) {
	s.mu.RLock()
	ts, ok := s.tickSizes[assetID]
	s.mu.RUnlock()
	return ts, ok
}

// Assets returns the asset ids with a held book.
func (s *Store) Assets() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.books))
	for id := range s.books {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Clear drops all state for an asset. Callers must first confirm, against
// the connection manager's live subscription list, that no sibling
// consumer still needs the asset.
func (s *Store) Clear(assetID string) {
	s.mu.Lock()
	delete(s.books, assetID)
	delete(s.trades, assetID)
	delete(s.tickSizes, assetID)
	delete(s.desyncs, assetID)
	s.mu.Unlock()
}

// applyChange upserts or removes the level at exactly price on one sorted
// side. descending is true for bids. The sort invariant holds afterwards.
func applyChange(levels []feed.Level, price, size decimal.Decimal, descending bool) []feed.Level {
	idx := sort.Search(len(levels), func(i int) bool {
		if descending {
			return levels[i].Price.LessThanOrEqual(price)
		}
		return levels[i].Price.GreaterThanOrEqual(price)
	})

	found := idx < len(levels) && levels[idx].Price.Equal(price)

	if size.Sign() == 0 {
		if !found {
			return levels // removal of an absent level is a no-op
		}
		return append(levels[:idx], levels[idx+1:]...)
	}

	if found {
		levels[idx].Size = size
		return levels
	}

	levels = append(levels, feed.Level{})
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = feed.Level{Price: price, Size: size}
	return levels
}

// sortLevels copies and sorts a snapshot side. Bids descend, asks ascend.
func sortLevels(levels []feed.Level, descending bool) []feed.Level {
	out := append([]feed.Level(nil), levels...)
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
