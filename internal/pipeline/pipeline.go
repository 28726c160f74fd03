package pipeline

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/broker"
	"github.com/titanops/titan/internal/bus"
	"github.com/titanops/titan/internal/config"
	"github.com/titanops/titan/internal/l2"
	"github.com/titanops/titan/internal/phase"
	"github.com/titanops/titan/internal/regime"
	"github.com/titanops/titan/internal/safety"
	"github.com/titanops/titan/internal/shadow"
)

// Pipeline-level veto reasons.
const (
	ReasonAutoExecDisabled = "AUTO_EXECUTION_DISABLED"
	ReasonZombieSignal     = "ZOMBIE_SIGNAL"
	ReasonInvalidPayload   = "INVALID_PAYLOAD"
	ReasonNoPosition       = "NO_POSITION"
	ReasonPyramidLimit     = "MAX_PYRAMIDS_REACHED"
)

var (
	pipelineMetricsOnce sync.Once
	signalsTotal        *prometheus.CounterVec
)

func initPipelineMetrics() {
	pipelineMetricsOnce.Do(func() {
		signalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_signals_total",
				Help: "Signals handled by the pipeline, by type and outcome",
			},
			[]string{"type", "outcome"},
		)
	})
}

// FundingProvider supplies the current 8-hour funding rate for a perpetual.
type FundingProvider interface {
	FundingRate(ctx context.Context, symbol string) (float64, error)
}

// Outcome is the pipeline's answer for one signal, surfaced verbatim in the
// webhook response body.
type Outcome struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	OrderID string `json:"broker_order_id,omitempty"`
	Filled  bool   `json:"filled,omitempty"`
}

func rejected(reason string) Outcome { return Outcome{Reason: reason} }

// Deps collects the collaborators the pipeline sequences. All are required
// except Funding and Regime, which disable their gates when nil.
type Deps struct {
	Config      *config.Manager
	Phase       *phase.Manager
	Breaker     *safety.CircuitBreaker
	Liquidation *safety.LiquidationDetector
	Limiter     broker.Throttler
	Derivatives *safety.DerivativesRegime
	Funding     FundingProvider
	Regime      regime.Provider
	Books       *l2.BookCache
	L2          *l2.Validator
	Orders      *OrderManager
	Gateway     *broker.Gateway
	Shadow      *shadow.State
	Triggers    *TriggerLayer
	Basis       *BasisMonitor
	Bus         *bus.Bus
}

// Pipeline is the intent orchestrator. One HandleSignal call per inbound
// signal; calls for distinct signals may run concurrently, duplicates
// serialize through the gateway's idempotency key.
type Pipeline struct {
	d Deps

	mu    sync.RWMutex
	armed bool

	log zerolog.Logger
}

// New creates a pipeline with auto-execution armed.
func New(d Deps) *Pipeline {
	initPipelineMetrics()
	return &Pipeline{
		d:     d,
		armed: true,
		log:   log.With().Str("component", "pipeline").Logger(),
	}
}

// Armed reports whether auto-execution is enabled.
func (p *Pipeline) Armed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.armed
}

// Enable re-arms auto-execution after an operator reset.
func (p *Pipeline) Enable() {
	p.mu.Lock()
	p.armed = true
	p.mu.Unlock()
	p.log.Warn().Msg("Auto-execution enabled")
}

// Disable disarms auto-execution. Satisfies the reconciler's kill interface.
func (p *Pipeline) Disable(reason string) {
	p.mu.Lock()
	p.armed = false
	p.mu.Unlock()
	p.log.Error().Str("reason", reason).Msg("Auto-execution disabled")
}

// HandleSignal routes one inbound signal. Lifecycle types (PREPARE, CONFIRM,
// ABORT) manage the trigger layer; exit types close positions; entry types
// run the full gate chain.
func (p *Pipeline) HandleSignal(ctx context.Context, sig Signal) Outcome {
	out := p.handle(ctx, sig)

	outcome := "rejected"
	if out.Success {
		outcome = "accepted"
	}
	signalsTotal.WithLabelValues(sig.Type, outcome).Inc()
	return out
}

func (p *Pipeline) handle(ctx context.Context, sig Signal) Outcome {
	switch sig.Type {
	case TypePrepare:
		if err := p.d.Triggers.Arm(sig); err != nil {
			return rejected(err.Error())
		}
		return Outcome{Success: true}

	case TypeAbort:
		p.d.Triggers.Abort(sig.SignalID)
		p.d.Shadow.RejectIntent(sig.SignalID, "ABORTED")
		return Outcome{Success: true}

	case TypeConfirm:
		outcome, armed := p.d.Triggers.Confirm(sig.SignalID)
		switch outcome {
		case ConfirmDuplicate:
			return rejected(ReasonTriggerAlreadyFired)
		case ConfirmWaiting:
			// Parked; the sweep promotes it to a force fill if the
			// trigger never catches up.
			return Outcome{Success: true, Reason: "CONFIRM_PARKED"}
		case ConfirmReady:
			merged := *armed
			merged.Type = sig.Type
			if sig.Size > 0 {
				merged.Size = sig.Size
			}
			return p.execute(ctx, merged, false)
		default:
			return p.execute(ctx, sig, false)
		}
	}

	if IsExit(sig.Type) {
		return p.handleExit(ctx, sig)
	}
	return p.execute(ctx, sig, false)
}

// execute runs the full gate chain and dispatches. forceMarket bypasses the
// maker path for basis-sync force fills.
func (p *Pipeline) execute(ctx context.Context, sig Signal, forceMarket bool) Outcome {
	if !p.Armed() {
		return rejected(ReasonAutoExecDisabled)
	}

	if _, err := p.d.Shadow.ProcessIntent(shadow.IntentPayload{
		SignalID:    sig.SignalID,
		Symbol:      sig.Symbol,
		Direction:   sig.Direction,
		EntryZone:   sig.EntryZone,
		StopLoss:    sig.StopLoss,
		TakeProfits: sig.TakeProfits,
		Size:        sig.Size,
	}); err != nil {
		return rejected(ReasonInvalidPayload)
	}

	// Config gate.
	if check := p.d.Config.ValidateSignal(sig.Symbol); !check.Valid {
		return p.reject(sig, check.Reason)
	}

	// Phase gate.
	profile := p.d.Phase.CurrentProfile()
	if ok, reason := p.d.Phase.ValidateSignal(sig.SignalID, tradeStyle(sig)); !ok {
		return p.reject(sig, reason)
	}

	// Pyramid gate: an add onto an existing same-side position is a new
	// layer, capped by the phase profile. Phase 1 forbids pyramiding outright.
	if pos := p.d.Shadow.GetPosition(sig.Symbol); pos != nil {
		posSide := shadow.SideLong
		if sig.Direction < 0 {
			posSide = shadow.SideShort
		}
		if pos.Side == posSide {
			layers := pos.Layers
			if layers == 0 {
				layers = 1
			}
			if layers >= profile.MaxPyramids {
				p.log.Warn().
					Str("signal_id", sig.SignalID).
					Str("symbol", sig.Symbol).
					Int("layers", layers).
					Int("max_pyramids", profile.MaxPyramids).
					Msg("Pyramid layer limit reached")
				return p.reject(sig, ReasonPyramidLimit)
			}
		}
	}

	// Safety chain: breaker, liquidation cascade, throttle, funding regime.
	if ok, reason := p.d.Breaker.Check(); !ok {
		return p.reject(sig, reason)
	}
	if p.d.Liquidation != nil {
		posSide := "LONG"
		if sig.Direction < 0 {
			posSide = "SHORT"
		}
		if ok, reason := p.d.Liquidation.Check(posSide); !ok {
			return p.reject(sig, reason)
		}
	}
	if p.d.Limiter != nil {
		if err := p.d.Limiter.Throttle(ctx, p.d.Gateway.ActiveAdapter().Name(), 1); err != nil {
			return p.reject(sig, "THROTTLE_"+err.Error())
		}
	}

	size := sig.Size
	if p.d.Derivatives != nil && p.d.Funding != nil {
		funding, err := p.d.Funding.FundingRate(ctx, sig.Symbol)
		if err != nil {
			p.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Funding fetch failed, regime gate skipped")
		} else {
			adjusted, ok, reason := p.d.Derivatives.Check(funding, sig.Direction, sig.Size)
			if !ok {
				return p.reject(sig, reason)
			}
			size = adjusted
		}
	}

	// Per-phase risk budget: the distance to stop caps the size so a full
	// stop-out loses at most the configured fraction of equity.
	if equity, known := p.d.Phase.LastEquity(); known && equity > 0 && sig.StopLoss > 0 {
		riskPct := p.d.Config.RiskPctForPhase(profile.Phase)
		if dist := math.Abs(sig.referencePrice() - sig.StopLoss); dist > 0 && riskPct > 0 {
			if maxSize := equity * riskPct / dist; size > maxSize {
				p.log.Info().
					Str("signal_id", sig.SignalID).
					Float64("requested", size).
					Float64("capped", maxSize).
					Float64("risk_pct", riskPct).
					Msg("Size capped by phase risk budget")
				size = maxSize
			}
		}
	}

	// Basis: never a veto, but a sustained desync raises a CRITICAL event.
	if mid, err := p.d.Books.MidPrice(sig.Symbol); err == nil {
		p.d.Basis.Observe(sig.Symbol, sig.referencePrice(), mid)
	}

	// L2 micro-structure gate, scored by the latest regime vector.
	structureScore, momentumScore := p.regimeScores(sig.Symbol)
	l2Side := l2.Buy
	if sig.Direction < 0 {
		l2Side = l2.Sell
	}
	res := p.d.L2.Validate(l2.CheckRequest{
		Symbol:         sig.Symbol,
		Side:           l2Side,
		Size:           size,
		StructureScore: structureScore,
		MomentumScore:  momentumScore,
	})
	if !res.Valid {
		return p.reject(sig, res.Reason)
	}

	p.d.Shadow.ValidateIntent(sig.SignalID)

	req := p.d.Orders.Build(sig, size, profile.PreferredFill == "TAKER" || forceMarket, res)
	orderRes := p.d.Orders.Execute(ctx, req, sig.ExpectedProfitPct)
	if !orderRes.Success {
		p.d.Shadow.RejectIntent(sig.SignalID, orderRes.Error)
		return Outcome{Reason: orderRes.Error, OrderID: orderRes.OrderID}
	}

	if orderRes.Filled && !orderRes.Deduped {
		if _, err := p.d.Shadow.ConfirmExecution(sig.SignalID, shadow.BrokerResponse{
			Filled:    true,
			FillPrice: orderRes.FillPrice,
			FilledQty: orderRes.FilledQty,
			OrderID:   orderRes.OrderID,
		}); err != nil {
			p.log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("Execution confirm failed")
		}
	}
	return Outcome{Success: true, OrderID: orderRes.OrderID, Filled: orderRes.Filled}
}

func (p *Pipeline) handleExit(ctx context.Context, sig Signal) Outcome {
	if p.d.Shadow.IsZombieSignal(sig.Symbol, sig.SignalID) {
		return rejected(ReasonZombieSignal)
	}
	pos := p.d.Shadow.GetPosition(sig.Symbol)
	if pos == nil {
		return rejected(ReasonNoPosition)
	}

	size := sig.Size
	if size <= 0 || size > pos.Size {
		size = pos.Size
	}
	exitDirection := -1
	if pos.Side == shadow.SideShort {
		exitDirection = 1
	}

	req := broker.OrderRequest{
		SignalID:   sig.SignalID,
		Symbol:     sig.Symbol,
		Side:       orderSide(exitDirection),
		Type:       broker.TypeMarket,
		Qty:        size,
		ReduceOnly: true,
	}
	res := p.d.Orders.Execute(ctx, req, 0)
	if !res.Success {
		return Outcome{Reason: res.Error, OrderID: res.OrderID}
	}
	if !res.Filled || res.Deduped {
		return Outcome{Success: true, OrderID: res.OrderID, Filled: res.Filled}
	}

	reason := closeReasonFor(sig.Type)
	var err error
	if size < pos.Size {
		_, err = p.d.Shadow.ClosePartialPosition(sig.Symbol, res.FillPrice, size, reason)
	} else {
		_, err = p.d.Shadow.ClosePosition(sig.Symbol, res.FillPrice, reason)
	}
	if err != nil {
		p.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Shadow close failed after broker fill")
	}
	return Outcome{Success: true, OrderID: res.OrderID, Filled: true}
}

// RunSweep is the scheduler hook: expires overdue triggers and executes
// basis-sync force fills for parked CONFIRMs.
func (p *Pipeline) RunSweep(ctx context.Context, now time.Time) {
	res := p.d.Triggers.Sweep(now)
	for _, sig := range res.Expired {
		if res.Aborted {
			p.d.Shadow.RejectIntent(sig.SignalID, ReasonTriggerExpired)
		}
	}
	for _, sig := range res.ForceFill {
		p.log.Warn().
			Str("signal_id", sig.SignalID).
			Str("symbol", sig.Symbol).
			Msg("Basis sync force fill")
		out := p.execute(ctx, sig, true)
		if !out.Success {
			p.log.Warn().Str("signal_id", sig.SignalID).Str("reason", out.Reason).Msg("Force fill rejected")
			continue
		}
		if p.d.Bus != nil {
			p.d.Bus.Publish(bus.TopicSystemEvent, bus.SystemEvent{
				EventType:   ReasonForceFillBasis,
				Severity:    bus.SeverityWarn,
				Description: "trigger timed out with CONFIRM in hand, filled at market",
				Context:     map[string]any{"signal_id": sig.SignalID, "symbol": sig.Symbol},
				Timestamp:   now,
			})
		}
	}
}

// reject records the veto on the intent; the shadow state emits the
// signal:rejected event so the transition carries exactly one primary event.
func (p *Pipeline) reject(sig Signal, reason string) Outcome {
	p.d.Shadow.RejectIntent(sig.SignalID, reason)
	return rejected(reason)
}

func (p *Pipeline) regimeScores(symbol string) (structure, momentum float64) {
	if p.d.Regime == nil {
		// No regime engine wired (paper mode): the structure gate stands
		// down and only the book-derived checks apply.
		return 100, 0
	}
	v := p.d.Regime.Latest(symbol)
	if v == nil {
		return 100, 0
	}
	return v.MarketStructureScore, v.MomentumScore
}

// tradeStyle maps a signal's timeframe to the phase manager's vocabulary:
// intraday minutes are scalps, hours are day trades, anything larger swings.
func tradeStyle(sig Signal) string {
	switch sig.Timeframe {
	case "1", "1m", "3", "3m", "5", "5m", "15", "15m":
		return "SCALP"
	case "30", "30m", "60", "1h", "120", "2h", "240", "4h":
		return "DAY"
	case "":
		return "SCALP"
	default:
		return "SWING"
	}
}

// closeReasonFor maps an exit signal type to the trade record close reason.
func closeReasonFor(signalType string) string {
	switch signalType {
	case TypeStopLoss:
		return shadow.CloseReasonStopLoss
	case TypeTakeProfit:
		return "TP1"
	default:
		return shadow.CloseReasonManual
	}
}
