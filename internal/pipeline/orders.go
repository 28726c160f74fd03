package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/broker"
	"github.com/titanops/titan/internal/bus"
	"github.com/titanops/titan/internal/l2"
)

// Order manager veto reasons.
const (
	ReasonInsufficientTakerProfit = "INSUFFICIENT_PROFIT_FOR_TAKER"
	ReasonMakerStatusUnknown      = "MAKER_STATUS_UNKNOWN"
)

// OrderConfig tunes the fee-aware order manager.
type OrderConfig struct {
	// MakerFeePct and TakerFeePct are fractions (0.0002 = 2 bps).
	MakerFeePct float64
	TakerFeePct float64
	// ChaseTimeout is how long an unfilled post-only order rests before the
	// taker conversion decision.
	ChaseTimeout time.Duration
	// MinTakerMargin is the floor that expected_profit - taker_fee must
	// clear for the conversion to be worth it.
	MinTakerMargin float64
}

// DefaultOrderConfig mirrors the config defaults.
func DefaultOrderConfig() OrderConfig {
	return OrderConfig{
		MakerFeePct:    0.0002,
		TakerFeePct:    0.0006,
		ChaseTimeout:   2 * time.Second,
		MinTakerMargin: 0,
	}
}

// OrderSender is the slice of the gateway the order manager needs.
type OrderSender interface {
	SendOrder(ctx context.Context, req broker.OrderRequest) broker.OrderResult
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (broker.OrderStatus, error)
}

// OrderManager shapes and executes orders fee-aware: entries go out as
// post-only limits to earn the maker rebate; if the order is still unfilled
// after the chase timeout it converts to market only when the expected edge
// still clears the taker fee. Exits always go out reduce-only.
type OrderManager struct {
	cfg    OrderConfig
	sender OrderSender
	bus    *bus.Bus
	log    zerolog.Logger

	// sleep is the chase wait, replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrderManager creates the order manager over the gateway.
func NewOrderManager(cfg OrderConfig, sender OrderSender, b *bus.Bus) *OrderManager {
	if cfg.ChaseTimeout <= 0 {
		cfg.ChaseTimeout = 2 * time.Second
	}
	return &OrderManager{
		cfg:    cfg,
		sender: sender,
		bus:    b,
		log:    log.With().Str("component", "order_manager").Logger(),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Build shapes the order request for a signal. preferTaker comes from the
// phase profile; the L2 recommendation can override a maker preference when
// the book is running away.
func (om *OrderManager) Build(sig Signal, size float64, preferTaker bool, l2Result l2.Result) broker.OrderRequest {
	req := broker.OrderRequest{
		SignalID: sig.SignalID,
		Symbol:   sig.Symbol,
		Side:     orderSide(sig.Direction),
		Qty:      size,
	}

	if IsExit(sig.Type) {
		req.Type = broker.TypeMarket
		req.ReduceOnly = true
		return req
	}

	if preferTaker || l2Result.Recommendation == l2.RecommendMarket {
		req.Type = broker.TypeMarket
		return req
	}

	req.Type = broker.TypeLimit
	req.PostOnly = true
	req.Price = sig.referencePrice()
	return req
}

// Execute dispatches the order. Market orders go straight through. A
// post-only limit that is accepted but unfilled rests for the chase timeout,
// then either converts to market (edge still clears the taker fee) or is
// cancelled with INSUFFICIENT_PROFIT_FOR_TAKER.
func (om *OrderManager) Execute(ctx context.Context, req broker.OrderRequest, expectedProfitPct float64) broker.OrderResult {
	res := om.sender.SendOrder(ctx, req)
	if !res.Success || res.Filled || req.Type == broker.TypeMarket {
		return res
	}

	// Resting maker order: give it the chase window.
	if err := om.sleep(ctx, om.cfg.ChaseTimeout); err != nil {
		return res
	}

	// The maker may have filled while resting. Never act on it blind.
	if st, err := om.sender.GetOrder(ctx, req.Symbol, res.OrderID); err == nil && st.Executed() {
		om.log.Info().
			Str("signal_id", req.SignalID).
			Str("order_id", res.OrderID).
			Float64("filled_qty", st.FilledQty).
			Msg("Maker filled during chase window")
		return makerFill(res, st)
	}

	netEdge := expectedProfitPct - om.cfg.TakerFeePct
	if expectedProfitPct <= 0 || netEdge <= om.cfg.MinTakerMargin {
		if err := om.sender.CancelOrder(ctx, req.Symbol, res.OrderID); err != nil {
			om.log.Warn().Err(err).Str("order_id", res.OrderID).Msg("Chase cancel failed")
			// A failed cancel can mean the order just filled.
			if st, stErr := om.sender.GetOrder(ctx, req.Symbol, res.OrderID); stErr == nil && st.Executed() {
				return makerFill(res, st)
			}
		}
		om.log.Info().
			Str("signal_id", req.SignalID).
			Float64("expected_profit_pct", expectedProfitPct).
			Float64("taker_fee_pct", om.cfg.TakerFeePct).
			Msg("Maker order cancelled, taker not worth the fee")
		om.broadcast("ORDER_CANCELED", req, ReasonInsufficientTakerProfit)
		return broker.OrderResult{
			Success:       false,
			OrderID:       res.OrderID,
			ClientOrderID: res.ClientOrderID,
			Error:         ReasonInsufficientTakerProfit,
		}
	}

	if err := om.sender.CancelOrder(ctx, req.Symbol, res.OrderID); err != nil {
		// Treat a failed cancel as possibly filled: the taker leg goes out
		// only once the order is proven unexecuted.
		om.log.Warn().Err(err).Str("order_id", res.OrderID).Msg("Chase cancel failed, verifying fill status")
		st, stErr := om.sender.GetOrder(ctx, req.Symbol, res.OrderID)
		if stErr == nil && st.Executed() {
			return makerFill(res, st)
		}
		if stErr != nil {
			om.log.Error().Err(stErr).Str("order_id", res.OrderID).Msg("Maker status unverifiable, taker withheld")
			return broker.OrderResult{
				Success:       false,
				OrderID:       res.OrderID,
				ClientOrderID: res.ClientOrderID,
				Error:         ReasonMakerStatusUnknown,
			}
		}
	}
	om.log.Info().
		Str("signal_id", req.SignalID).
		Float64("net_edge_pct", netEdge*100).
		Msg("Chase timeout, converting maker to taker")

	taker := req
	taker.Type = broker.TypeMarket
	taker.PostOnly = false
	taker.Price = 0
	taker.ClientOrderID = ""
	// The limit leg's idempotency entry holds its unfilled result; the
	// conversion needs its own key.
	taker.SignalID = req.SignalID + "_chase"
	return om.sender.SendOrder(ctx, taker)
}

// makerFill upgrades the resting maker's result with the executed quantity
// reported by the venue.
func makerFill(res broker.OrderResult, st broker.OrderStatus) broker.OrderResult {
	res.Filled = true
	res.FillPrice = st.AvgPrice
	res.FilledQty = st.FilledQty
	return res
}

func (om *OrderManager) broadcast(msgType string, req broker.OrderRequest, reason string) {
	if om.bus == nil {
		return
	}
	om.bus.Publish(bus.TopicStatusBroadcast, bus.StatusUpdate{
		Type:    msgType,
		Channel: "orders",
		Payload: map[string]any{
			"signal_id": req.SignalID,
			"symbol":    req.Symbol,
			"reason":    reason,
		},
		Timestamp: time.Now(),
	})
}
