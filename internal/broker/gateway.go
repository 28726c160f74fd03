package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/titanops/titan/internal/bus"
)

var (
	gatewayMetricsOnce sync.Once
	ordersTotal        *prometheus.CounterVec
	orderLatency       prometheus.Histogram
)

func initGatewayMetrics() {
	gatewayMetricsOnce.Do(func() {
		ordersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_orders_total",
				Help: "Orders dispatched through the gateway by outcome",
			},
			[]string{"outcome"},
		)
		orderLatency = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "titan_order_latency_seconds",
				Help:    "End-to-end order dispatch latency",
				Buckets: prometheus.DefBuckets,
			},
		)
	})
}

// Throttler blocks until request quota is available. Satisfied by
// safety.AdaptiveRateLimiter.
type Throttler interface {
	Throttle(ctx context.Context, exchange string, weight int) error
	On429(exchange string)
}

// GatewayOptions configures the gateway.
type GatewayOptions struct {
	Retry          RetryConfig
	IdempotencyTTL time.Duration
	// FailureTTL bounds how long a failed result answers for its signal.
	// Short, so a transient venue failure does not block a legitimate
	// replay for the full idempotency window.
	FailureTTL time.Duration
	Cache      IdempotencyCache
	Throttler  Throttler
	Bus        *bus.Bus
}

// Gateway wraps the active Adapter with idempotency, retries and rate
// limiting. Same-signal duplicates are serialized through singleflight on
// the idempotency key, so only one of them reaches the venue.
type Gateway struct {
	mu      sync.RWMutex
	adapter Adapter

	cache     IdempotencyCache
	ttl       time.Duration
	failTTL   time.Duration
	retry     RetryConfig
	throttler Throttler
	bus       *bus.Bus
	group     singleflight.Group
	log       zerolog.Logger
}

// NewGateway creates a gateway around adapter.
func NewGateway(adapter Adapter, opts GatewayOptions) *Gateway {
	initGatewayMetrics()

	if opts.Cache == nil {
		opts.Cache = NewMemoryCache()
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 5 * time.Minute
	}
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = 10 * time.Second
	}
	if opts.Retry.CallTimeout <= 0 {
		opts.Retry = DefaultRetryConfig()
	}
	return &Gateway{
		adapter:   adapter,
		cache:     opts.Cache,
		ttl:       opts.IdempotencyTTL,
		failTTL:   opts.FailureTTL,
		retry:     opts.Retry,
		throttler: opts.Throttler,
		bus:       opts.Bus,
		log:       log.With().Str("component", "gateway").Logger(),
	}
}

// SetAdapter swaps the active venue adapter at runtime.
func (g *Gateway) SetAdapter(a Adapter) {
	g.mu.Lock()
	g.adapter = a
	g.mu.Unlock()
	g.log.Info().Str("adapter", a.Name()).Msg("Broker adapter swapped")
}

// ActiveAdapter returns the current adapter.
func (g *Gateway) ActiveAdapter() Adapter {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.adapter
}

// ClientOrderID builds the venue client order id:
// titan_{symbol}_{side}_{unixms}_{rand8}.
func ClientOrderID(symbol, side string) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	suffix := make([]byte, 8)
	for i := range suffix {
		suffix[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return fmt.Sprintf("titan_%s_%s_%d_%s", symbol, side, time.Now().UnixMilli(), suffix)
}

// SendOrder dispatches one order. The same signal_id within the idempotency
// TTL returns the cached result without touching the venue. Never panics and
// never returns a Go error: failures come back as Success=false.
func (g *Gateway) SendOrder(ctx context.Context, req OrderRequest) (result OrderResult) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error().Interface("panic", r).Str("signal_id", req.SignalID).Msg("Panic in order dispatch")
			result = OrderResult{Success: false, Error: fmt.Sprintf("internal panic: %v", r)}
			ordersTotal.WithLabelValues("panic").Inc()
		}
	}()

	key := IdempotencyKey(req.SignalID)

	v, _, shared := g.group.Do(key, func() (any, error) {
		return g.sendOnce(ctx, key, req), nil
	})
	result = v.(OrderResult)
	if shared {
		g.log.Info().Str("signal_id", req.SignalID).Msg("Duplicate in-flight signal coalesced")
	}
	return result
}

func (g *Gateway) sendOnce(ctx context.Context, key string, req OrderRequest) OrderResult {
	if cached, ok := g.cache.Get(key); ok {
		g.log.Info().
			Str("signal_id", req.SignalID).
			Str("order_id", cached.OrderID).
			Msg("Duplicate signal served from idempotency cache")
		ordersTotal.WithLabelValues("deduped").Inc()
		cached.Deduped = true
		return cached
	}

	if req.ClientOrderID == "" {
		req.ClientOrderID = ClientOrderID(req.Symbol, req.Side)
	}

	adapter := g.ActiveAdapter()
	if g.throttler != nil {
		if err := g.throttler.Throttle(ctx, adapter.Name(), 1); err != nil {
			return OrderResult{Success: false, ClientOrderID: req.ClientOrderID, Error: fmt.Sprintf("throttle: %v", err)}
		}
	}

	start := time.Now()
	var res OrderResult
	err := withRetry(ctx, g.retry, "send_order", func(ctx context.Context) error {
		var callErr error
		res, callErr = adapter.SendOrder(ctx, req)
		if callErr != nil && g.throttler != nil && isRateLimit(callErr) {
			g.throttler.On429(adapter.Name())
		}
		return callErr
	})
	latency := time.Since(start)
	orderLatency.Observe(latency.Seconds())

	if err != nil {
		g.log.Error().
			Err(err).
			Str("signal_id", req.SignalID).
			Str("symbol", req.Symbol).
			Msg("Order dispatch failed")
		ordersTotal.WithLabelValues("failed").Inc()
		res = OrderResult{
			Success:       false,
			ClientOrderID: req.ClientOrderID,
			Error:         err.Error(),
			LatencyMs:     latency.Milliseconds(),
		}
		// A failure is not a terminal outcome: cache it only briefly so
		// duplicates in flight coalesce but a later replay reaches the venue.
		g.cache.Set(key, res, g.failTTL)
		return res
	}

	res.ClientOrderID = req.ClientOrderID
	res.LatencyMs = latency.Milliseconds()
	g.cache.Set(key, res, g.ttl)
	ordersTotal.WithLabelValues("success").Inc()

	g.log.Info().
		Str("signal_id", req.SignalID).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Str("type", req.Type).
		Bool("filled", res.Filled).
		Float64("fill_price", res.FillPrice).
		Int64("latency_ms", res.LatencyMs).
		Msg("Order dispatched")

	if res.Filled && g.bus != nil {
		g.bus.Publish(bus.TopicOrderFilled, bus.OrderFilled{
			SignalID:      req.SignalID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			OrderID:       res.OrderID,
			ClientOrderID: res.ClientOrderID,
			FillPrice:     res.FillPrice,
			FilledQty:     res.FilledQty,
			Timestamp:     time.Now(),
		})
		g.bus.Publish(bus.TopicStatusBroadcast, bus.StatusUpdate{
			Type:      "order_filled",
			Channel:   "orders",
			Payload:   map[string]any{"signal_id": req.SignalID, "symbol": req.Symbol, "order_id": res.OrderID},
			Timestamp: time.Now(),
		})
	}
	return res
}

func isRateLimit(err error) bool {
	return retryablePattern.MatchString(err.Error()) && IsRetryable(err)
}

// CancelOrder cancels an order on the venue.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return withRetry(ctx, g.retry, "cancel_order", func(ctx context.Context) error {
		return g.ActiveAdapter().CancelOrder(ctx, symbol, orderID)
	})
}

// GetOrder fetches the venue-side state of one order.
func (g *Gateway) GetOrder(ctx context.Context, symbol, orderID string) (OrderStatus, error) {
	var out OrderStatus
	err := withRetry(ctx, g.retry, "get_order", func(ctx context.Context) error {
		var callErr error
		out, callErr = g.ActiveAdapter().GetOrder(ctx, symbol, orderID)
		return callErr
	})
	return out, err
}

// GetPositions fetches the broker-side open positions.
func (g *Gateway) GetPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := withRetry(ctx, g.retry, "get_positions", func(ctx context.Context) error {
		var callErr error
		out, callErr = g.ActiveAdapter().GetPositions(ctx)
		return callErr
	})
	return out, err
}

// GetAccount fetches the account snapshot.
func (g *Gateway) GetAccount(ctx context.Context) (Account, error) {
	var out Account
	err := withRetry(ctx, g.retry, "get_account", func(ctx context.Context) error {
		var callErr error
		out, callErr = g.ActiveAdapter().GetAccount(ctx)
		return callErr
	})
	return out, err
}

// ClosePosition market-closes one symbol on the venue.
func (g *Gateway) ClosePosition(ctx context.Context, symbol string) error {
	return withRetry(ctx, g.retry, "close_position", func(ctx context.Context) error {
		return g.ActiveAdapter().ClosePosition(ctx, symbol)
	})
}

// CloseAllPositions market-closes everything on the venue.
func (g *Gateway) CloseAllPositions(ctx context.Context) error {
	return withRetry(ctx, g.retry, "close_all_positions", func(ctx context.Context) error {
		return g.ActiveAdapter().CloseAllPositions(ctx)
	})
}

// SetStopLoss places or moves the venue-side stop for symbol.
func (g *Gateway) SetStopLoss(ctx context.Context, symbol string, price float64) error {
	return withRetry(ctx, g.retry, "set_stop_loss", func(ctx context.Context) error {
		return g.ActiveAdapter().SetStopLoss(ctx, symbol, price)
	})
}

// SetTakeProfit places or moves the venue-side take profit for symbol.
func (g *Gateway) SetTakeProfit(ctx context.Context, symbol string, price float64) error {
	return withRetry(ctx, g.retry, "set_take_profit", func(ctx context.Context) error {
		return g.ActiveAdapter().SetTakeProfit(ctx, symbol, price)
	})
}

// TestConnection verifies venue credentials and connectivity.
func (g *Gateway) TestConnection(ctx context.Context) error {
	return g.ActiveAdapter().TestConnection(ctx)
}

// SubscribeTrades proxies to the active adapter's public trade stream.
func (g *Gateway) SubscribeTrades(symbol string, fn TradeHandler) (func(), error) {
	return g.ActiveAdapter().SubscribeTrades(symbol, fn)
}

// SubscribeDepth proxies to the active adapter's depth stream, when it has
// one.
func (g *Gateway) SubscribeDepth(symbol string, fn DepthHandler) (func(), error) {
	ds, ok := g.ActiveAdapter().(DepthStreamer)
	if !ok {
		return nil, fmt.Errorf("adapter %s has no depth stream", g.ActiveAdapter().Name())
	}
	return ds.SubscribeDepth(symbol, fn)
}

// SubscribeLiquidations proxies to the active adapter's forced liquidation
// stream, when it has one.
func (g *Gateway) SubscribeLiquidations(symbol string, fn LiquidationHandler) (func(), error) {
	ls, ok := g.ActiveAdapter().(LiquidationStreamer)
	if !ok {
		return nil, fmt.Errorf("adapter %s has no liquidation stream", g.ActiveAdapter().Name())
	}
	return ls.SubscribeLiquidations(symbol, fn)
}

// SweepIdempotency drops expired idempotency entries. Scheduler task.
func (g *Gateway) SweepIdempotency() int {
	removed := g.cache.Sweep()
	if removed > 0 {
		g.log.Debug().Int("removed", removed).Msg("Swept idempotency cache")
	}
	return removed
}
