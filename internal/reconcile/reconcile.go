// Package reconcile runs the periodic shadow-vs-broker position comparison
// and escalates to an emergency flatten when divergence persists.
package reconcile

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
	"github.com/titanops/titan/internal/shadow"
)

var (
	reconcileMetricsOnce sync.Once
	mismatchCounter      *prometheus.CounterVec
	flattenCounter       prometheus.Counter
)

func initReconcileMetrics() {
	reconcileMetricsOnce.Do(func() {
		mismatchCounter = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_reconcile_mismatches_total",
				Help: "Reconciliation mismatches by kind",
			},
			[]string{"kind"},
		)
		flattenCounter = promauto.NewCounter(prometheus.CounterOpts{
			Name: "titan_reconcile_flattens_total",
			Help: "Emergency flattens triggered by reconciliation",
		})
	})
}

// BrokerView is the slice of the gateway the reconciler needs.
type BrokerView interface {
	GetPositions(ctx context.Context) ([]broker.Position, error)
	CloseAllPositions(ctx context.Context) error
}

// Ledger is the slice of the shadow state the reconciler needs.
type Ledger interface {
	GetAllPositions() []shadow.Position
	CloseAllPositions(priceFn shadow.PriceFunc, reason string) []shadow.TradeRecord
}

// AutoExecSwitch disables automatic execution when divergence saturates.
type AutoExecSwitch interface {
	Disable(reason string)
}

// Config tunes the loop.
type Config struct {
	// Epsilon is the absolute size tolerance.
	Epsilon float64
	// RelTolerance is an additional relative size tolerance (fraction of
	// the larger side); zero disables it.
	RelTolerance float64
	// MaxConsecutiveMismatches is the flatten threshold.
	MaxConsecutiveMismatches int
}

// DefaultConfig mirrors the config defaults.
func DefaultConfig() Config {
	return Config{Epsilon: 1e-10, MaxConsecutiveMismatches: 3}
}

// Reconciler compares shadow and broker positions each cycle.
type Reconciler struct {
	cfg      Config
	brokerV  BrokerView
	ledger   Ledger
	autoExec AutoExecSwitch
	priceFn  shadow.PriceFunc
	bus      *bus.Bus

	mu          sync.Mutex
	running     bool
	consecutive int
	log         zerolog.Logger
}

// New creates a reconciler. priceFn resolves exit prices for the shadow-side
// flatten.
func New(cfg Config, b BrokerView, ledger Ledger, autoExec AutoExecSwitch, priceFn shadow.PriceFunc, eventBus *bus.Bus) *Reconciler {
	initReconcileMetrics()
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 1e-10
	}
	if cfg.MaxConsecutiveMismatches <= 0 {
		cfg.MaxConsecutiveMismatches = 3
	}
	return &Reconciler{
		cfg:      cfg,
		brokerV:  b,
		ledger:   ledger,
		autoExec: autoExec,
		priceFn:  priceFn,
		bus:      eventBus,
		log:      log.With().Str("component", "reconciler").Logger(),
	}
}

// RunCycle executes one reconciliation pass. Cycles never overlap: a call
// arriving while one runs returns immediately.
func (r *Reconciler) RunCycle(ctx context.Context) *bus.ReconcileResult {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.log.Debug().Msg("Reconcile cycle still running, skipping")
		return nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	brokerPositions, err := r.brokerV.GetPositions(ctx)
	if err != nil {
		// Cannot distinguish divergence from a flaky API; do not count
		// this cycle either way.
		r.log.Warn().Err(err).Msg("Broker position fetch failed, skipping cycle")
		return nil
	}
	shadowPositions := r.ledger.GetAllPositions()

	mismatches := Compare(shadowPositions, brokerPositions, r.cfg.Epsilon, r.cfg.RelTolerance)

	result := &bus.ReconcileResult{
		ShadowCount: len(shadowPositions),
		BrokerCount: len(brokerPositions),
		Mismatches:  mismatches,
		Timestamp:   time.Now(),
	}

	if len(mismatches) == 0 {
		r.mu.Lock()
		r.consecutive = 0
		r.mu.Unlock()
		if r.bus != nil {
			r.bus.Publish(bus.TopicSyncOK, *result)
		}
		return result
	}

	r.mu.Lock()
	r.consecutive++
	consecutive := r.consecutive
	r.mu.Unlock()
	result.Consecutive = consecutive

	for _, m := range mismatches {
		mismatchCounter.WithLabelValues(m.Kind).Inc()
		r.log.Warn().
			Str("kind", m.Kind).
			Str("symbol", m.Symbol).
			Str("shadow_side", m.ShadowSide).
			Float64("shadow_size", m.ShadowSize).
			Str("broker_side", m.BrokerSide).
			Float64("broker_size", m.BrokerSize).
			Int("consecutive", consecutive).
			Msg("Reconciliation mismatch")
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicMismatch, *result)
	}

	if consecutive >= r.cfg.MaxConsecutiveMismatches {
		r.flatten(ctx, result)
	}
	return result
}

// Reset clears the consecutive mismatch counter and re-enables nothing by
// itself; the operator re-arms auto-execution separately.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.consecutive = 0
	r.mu.Unlock()
	r.log.Warn().Msg("Reconciler counter reset")
}

// Consecutive returns the current mismatch streak.
func (r *Reconciler) Consecutive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutive
}

func (r *Reconciler) flatten(ctx context.Context, result *bus.ReconcileResult) {
	flattenCounter.Inc()
	r.log.Error().
		Int("consecutive", result.Consecutive).
		Msg("Mismatch threshold reached, emergency flatten")

	if r.autoExec != nil {
		r.autoExec.Disable("RECONCILIATION_FLATTEN")
	}
	r.ledger.CloseAllPositions(r.priceFn, shadow.CloseReasonReconciliation)
	if err := r.brokerV.CloseAllPositions(ctx); err != nil {
		// Logged, never fatal: the shadow side is already flat and the
		// operator gets the CRITICAL event either way.
		r.log.Error().Err(err).Msg("Broker close-all failed during emergency flatten")
	}

	if r.bus != nil {
		r.bus.Publish(bus.TopicEmergencyFlatten, bus.EmergencyFlatten{
			Reason:    shadow.CloseReasonReconciliation,
			Timestamp: time.Now(),
		})
		r.bus.Publish(bus.TopicSystemEvent, bus.SystemEvent{
			EventType:   "RECONCILIATION_FLATTEN",
			Severity:    bus.SeverityCritical,
			Description: "persistent shadow/broker divergence forced an emergency flatten",
			Context: map[string]any{
				"consecutive": result.Consecutive,
				"mismatches":  len(result.Mismatches),
			},
			Timestamp: time.Now(),
		})
	}
}

// Compare classifies the divergence between the two position sets.
func Compare(shadowPositions []shadow.Position, brokerPositions []broker.Position, epsilon, relTolerance float64) []bus.MismatchDetail {
	shadowBySym := make(map[string]shadow.Position, len(shadowPositions))
	for _, p := range shadowPositions {
		shadowBySym[p.Symbol] = p
	}
	brokerBySym := make(map[string]broker.Position, len(brokerPositions))
	for _, p := range brokerPositions {
		brokerBySym[p.Symbol] = p
	}

	var out []bus.MismatchDetail

	for _, bp := range brokerPositions {
		sp, ok := shadowBySym[bp.Symbol]
		if !ok {
			out = append(out, bus.MismatchDetail{
				Kind: bus.MismatchMissingInShadow, Symbol: bp.Symbol,
				BrokerSide: bp.Side, BrokerSize: bp.Size,
			})
			continue
		}
		detail := bus.MismatchDetail{
			Symbol:     bp.Symbol,
			ShadowSide: string(sp.Side), ShadowSize: sp.Size,
			BrokerSide: bp.Side, BrokerSize: bp.Size,
		}
		if string(sp.Side) != bp.Side {
			detail.Kind = bus.MismatchSide
			out = append(out, detail)
			continue
		}
		if !sizesMatch(sp.Size, bp.Size, epsilon, relTolerance) {
			detail.Kind = bus.MismatchSize
			out = append(out, detail)
		}
	}

	for _, sp := range shadowPositions {
		if _, ok := brokerBySym[sp.Symbol]; !ok {
			out = append(out, bus.MismatchDetail{
				Kind: bus.MismatchMissingInBroker, Symbol: sp.Symbol,
				ShadowSide: string(sp.Side), ShadowSize: sp.Size,
			})
		}
	}
	return out
}

func sizesMatch(a, b, epsilon, relTolerance float64) bool {
	diff := math.Abs(a - b)
	if diff <= epsilon {
		return true
	}
	if relTolerance > 0 {
		larger := math.Max(math.Abs(a), math.Abs(b))
		if larger > 0 && diff/larger <= relTolerance {
			return true
		}
	}
	return false
}

