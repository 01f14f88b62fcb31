// Package quotes publishes the live top of book to Redis for the REST/UI
// layer. It caches the current best quote only; it is not an order-book
// history sink.
package quotes

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/argus-terminal/argus/internal/feed"
)

// RedisClient abstracts the Redis operations used by Writer. In production
// this wraps *redis.Client; in tests a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

type goRedisClient struct {
	rdb *redis.Client
}

func (c goRedisClient) HSet(ctx context.Context, key string, values ...any) error {
	return c.rdb.HSet(ctx, key, values...).Err()
}

// NewRedisClient adapts a go-redis client to the RedisClient interface.
func NewRedisClient(rdb *redis.Client) RedisClient {
	return goRedisClient{rdb: rdb}
}

type quote struct {
	assetID string
	bid     string
	ask     string
	ts      int64
}

// Writer listens to feed events and maintains one Redis hash per asset:
//
//	Key:    quote:{asset_id}
//	Fields: bid, ask, ts
//
// Writes are non-blocking: quotes are buffered in an internal channel and
// flushed by Run. Duplicate quotes are suppressed.
type Writer struct {
	client RedisClient
	log    *logrus.Entry
	buf    chan quote

	mu   sync.Mutex
	last map[string]quote
}

// NewWriter creates a Writer. Register OnEvent on the Manager and start
// Run in its own goroutine.
func NewWriter(client RedisClient, log *logrus.Entry) *Writer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Writer{
		client: client,
		log:    log,
		buf:    make(chan quote, 1024),
		last:   make(map[string]quote),
	}
}

// OnEvent extracts top-of-book quotes from snapshot and incremental events
// and enqueues them. It never blocks the feed's dispatch loop.
func (w *Writer) OnEvent(ev feed.Event) {
	switch e := ev.(type) {
	case feed.BookEvent:
		q := quote{assetID: e.AssetID, bid: "0", ask: "0", ts: e.Timestamp.UnixMilli()}
		if len(e.Bids) > 0 {
			q.bid = e.Bids[0].Price.String()
		}
		if len(e.Asks) > 0 {
			q.ask = e.Asks[0].Price.String()
		}
		w.enqueue(q)
	case feed.PriceChangeEvent:
		for _, c := range e.Changes {
			if c.BestBid.IsZero() && c.BestAsk.IsZero() {
				continue
			}
			w.enqueue(quote{
				assetID: c.AssetID,
				bid:     c.BestBid.String(),
				ask:     c.BestAsk.String(),
				ts:      e.Timestamp.UnixMilli(),
			})
		}
	}
}

func (w *Writer) enqueue(q quote) {
	select {
	case w.buf <- q:
	default:
		w.log.WithField("asset_id", q.assetID).Debug("quote buffer full, dropping")
	}
}

// Run flushes buffered quotes to Redis until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-w.buf:
			if !ok {
				return
			}
			w.write(ctx, q)
		}
	}
}

func (w *Writer) write(ctx context.Context, q quote) {
	w.mu.Lock()
	prev, ok := w.last[q.assetID]
	if ok && prev.bid == q.bid && prev.ask == q.ask {
		w.mu.Unlock()
		return
	}
	w.last[q.assetID] = q
	w.mu.Unlock()

	key := fmt.Sprintf("quote:%s", q.assetID)
	ts := q.ts
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	err := w.client.HSet(ctx, key,
		"bid", q.bid, "ask", q.ask, "ts", strconv.FormatInt(ts, 10))
	if err != nil {
		w.log.WithError(err).WithField("asset_id", q.assetID).Warn("redis write failed")
	}
}
