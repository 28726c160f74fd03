// Package l2 performs zero-I/O pre-trade checks against a locally cached
// order book. The cache is fed by an external websocket producer; validation
// never touches the network.
package l2

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Level is one price level of the book.
type Level struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// Book is a snapshot of the cached order book for one symbol. Bids are sorted
// best (highest) first, asks best (lowest) first.
type Book struct {
	Symbol    string    `json:"symbol"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BestBid returns the top bid, or zero Level if the side is empty.
func (b *Book) BestBid() Level {
	if len(b.Bids) == 0 {
		return Level{}
	}
	return b.Bids[0]
}

// BestAsk returns the top ask, or zero Level if the side is empty.
func (b *Book) BestAsk() Level {
	if len(b.Asks) == 0 {
		return Level{}
	}
	return b.Asks[0]
}

// BookCache holds the latest book per symbol. Safe for concurrent use; the
// websocket producer writes, the validator reads.
type BookCache struct {
	mu    sync.RWMutex
	books map[string]*Book
	log   zerolog.Logger
}

// NewBookCache creates an empty cache.
func NewBookCache() *BookCache {
	return &BookCache{
		books: make(map[string]*Book),
		log:   log.With().Str("component", "l2_cache").Logger(),
	}
}

// ParseLevels converts the producer's [price, qty] string pairs into levels.
// Exchange feeds ship decimal strings; parsing through decimal avoids
// accumulating float error before the final conversion.
func ParseLevels(raw [][2]string) ([]Level, error) {
	levels := make([]Level, 0, len(raw))
	for _, pair := range raw {
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("invalid price %q: %w", pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("invalid qty %q: %w", pair[1], err)
		}
		p, _ := price.Float64()
		q, _ := qty.Float64()
		if p <= 0 || q < 0 {
			return nil, fmt.Errorf("non-positive price or negative qty (%s, %s)", pair[0], pair[1])
		}
		levels = append(levels, Level{Price: p, Qty: q})
	}
	return levels, nil
}

// Update replaces the cached book for a symbol. Called by the websocket
// producer on every depth message.
func (c *BookCache) Update(symbol string, bids, asks []Level) {
	c.UpdateAt(symbol, bids, asks, time.Now())
}

// UpdateAt is Update with an explicit timestamp, used when the producer
// carries its own event time.
func (c *BookCache) UpdateAt(symbol string, bids, asks []Level, at time.Time) {
	book := &Book{
		Symbol:    symbol,
		Bids:      append([]Level(nil), bids...),
		Asks:      append([]Level(nil), asks...),
		UpdatedAt: at,
	}

	c.mu.Lock()
	c.books[symbol] = book
	c.mu.Unlock()
}

// UpdateRaw parses producer string pairs and updates the cache.
func (c *BookCache) UpdateRaw(symbol string, rawBids, rawAsks [][2]string) error {
	bids, err := ParseLevels(rawBids)
	if err != nil {
		return fmt.Errorf("bids for %s: %w", symbol, err)
	}
	asks, err := ParseLevels(rawAsks)
	if err != nil {
		return fmt.Errorf("asks for %s: %w", symbol, err)
	}
	c.Update(symbol, bids, asks)
	return nil
}

// Get returns a copy of the cached book for symbol, or nil if none exists.
func (c *BookCache) Get(symbol string) *Book {
	c.mu.RLock()
	defer c.mu.RUnlock()
	book, ok := c.books[symbol]
	if !ok {
		return nil
	}
	out := &Book{
		Symbol:    book.Symbol,
		Bids:      append([]Level(nil), book.Bids...),
		Asks:      append([]Level(nil), book.Asks...),
		UpdatedAt: book.UpdatedAt,
	}
	return out
}

// MidPrice returns (best_bid + best_ask) / 2 for symbol, or an error when the
// book is missing or one-sided. Used as the exit price source for flattens.
func (c *BookCache) MidPrice(symbol string) (float64, error) {
	book := c.Get(symbol)
	if book == nil {
		return 0, fmt.Errorf("no cached book for %s", symbol)
	}
	bid, ask := book.BestBid(), book.BestAsk()
	if bid.Price <= 0 || ask.Price <= 0 {
		return 0, fmt.Errorf("one-sided book for %s", symbol)
	}
	return (bid.Price + ask.Price) / 2, nil
}
