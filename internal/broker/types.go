// Package broker is the only component that talks to the exchange. The
// Gateway wraps a swappable Adapter with idempotency, retries, timeouts and
// rate limiting, and never lets a panic or error escape to the pipeline.
package broker

import (
	"context"
	"time"
)

// Order sides and types on the wire.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeLimit  = "LIMIT"
	TypeMarket = "MARKET"
)

// OrderRequest is one order to dispatch.
type OrderRequest struct {
	SignalID      string  `json:"signal_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Qty           float64 `json:"qty"`
	Price         float64 `json:"price,omitempty"` // limit price
	PostOnly      bool    `json:"post_only,omitempty"`
	ReduceOnly    bool    `json:"reduce_only,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
}

// OrderResult is the gateway's answer. Success false carries Error; the
// gateway never returns a Go error for a failed order, so callers cannot
// forget to check.
type OrderResult struct {
	Success       bool    `json:"success"`
	Filled        bool    `json:"filled"`
	OrderID       string  `json:"order_id,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
	FillPrice     float64 `json:"fill_price,omitempty"`
	FilledQty     float64 `json:"filled_qty,omitempty"`
	Error         string  `json:"error,omitempty"`
	Code          string  `json:"code,omitempty"`
	LatencyMs     int64   `json:"latency_ms,omitempty"`
	// Deduped marks a result served from the idempotency cache. The caller
	// must not apply its side effects a second time.
	Deduped bool `json:"-"`
}

// OrderStatus is the venue-side state of one order, used to verify whether a
// resting maker filled before acting on it.
type OrderStatus struct {
	OrderID   string  `json:"order_id"`
	Status    string  `json:"status"` // NEW, PARTIALLY_FILLED, FILLED, CANCELED, ...
	FilledQty float64 `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
}

// Executed reports whether any quantity has filled.
func (s OrderStatus) Executed() bool { return s.FilledQty > 0 }

// Position is a broker-side open position, used by reconciliation.
type Position struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // LONG or SHORT
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
}

// Account is the broker account snapshot.
type Account struct {
	Equity           float64 `json:"equity"`
	AvailableBalance float64 `json:"available_balance"`
}

// Trade is one public trade from the broker's trade stream, consumed by the
// client-side trigger layer.
type Trade struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	Timestamp time.Time `json:"timestamp"`
}

// TradeHandler consumes stream trades. Must not block.
type TradeHandler func(Trade)

// BookLevel is one price level of a depth snapshot.
type BookLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// DepthUpdate is a partial order book snapshot from the venue's depth stream.
type DepthUpdate struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// DepthHandler consumes depth snapshots. Must not block.
type DepthHandler func(DepthUpdate)

// DepthStreamer is implemented by adapters that expose a public depth
// stream. The L2 book cache is fed through it.
type DepthStreamer interface {
	SubscribeDepth(symbol string, fn DepthHandler) (func(), error)
}

// Liquidation is one forced liquidation from the venue's force-order stream.
// Side is the position side being liquidated: a forced SELL closes a LONG.
type Liquidation struct {
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // LONG or SHORT
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	Timestamp time.Time `json:"timestamp"`
}

// LiquidationHandler consumes forced liquidations. Must not block.
type LiquidationHandler func(Liquidation)

// LiquidationStreamer is implemented by adapters that expose the venue's
// forced liquidation stream. The cascade detector is fed through it.
type LiquidationStreamer interface {
	SubscribeLiquidations(symbol string, fn LiquidationHandler) (func(), error)
}

// Adapter is one concrete venue implementation behind the Gateway. Binance
// for live trading, Mock for paper trading and tests.
type Adapter interface {
	Name() string

	SendOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (OrderStatus, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetAccount(ctx context.Context) (Account, error)
	ClosePosition(ctx context.Context, symbol string) error
	CloseAllPositions(ctx context.Context) error
	SetStopLoss(ctx context.Context, symbol string, price float64) error
	SetTakeProfit(ctx context.Context, symbol string, price float64) error
	TestConnection(ctx context.Context) error

	// SubscribeTrades registers a handler for the public trade stream of
	// symbol; the returned func unsubscribes.
	SubscribeTrades(symbol string, fn TradeHandler) (func(), error)
}
