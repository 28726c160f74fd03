// Package safety holds the veto gates the pipeline runs before any order is
// built: circuit breaker, liquidation cascade detector, adaptive rate limiter
// and derivatives funding regime. The chain short-circuits on the first block.
package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Trip causes, formatted into rejection reasons as circuit_breaker_<cause>.
const (
	CauseDailyLoss         = "daily_loss"
	CauseConsecutiveLosses = "consecutive_losses"
	CauseDrawdown          = "drawdown"
)

// Broker-call breaker settings.
const (
	brokerMinRequests     = 5
	brokerFailureRatio    = 0.6
	brokerOpenTimeout     = 30 * time.Second
	brokerHalfOpenMaxReqs = 3
	brokerCountInterval   = 10 * time.Second
)

var (
	breakerMetricsOnce sync.Once
	breakerStateGauge  *prometheus.GaugeVec
	breakerTripCounter *prometheus.CounterVec
)

func initBreakerMetrics() {
	breakerMetricsOnce.Do(func() {
		breakerStateGauge = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "titan_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"breaker"},
		)
		breakerTripCounter = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_circuit_breaker_trips_total",
				Help: "Total trading circuit breaker trips by cause",
			},
			[]string{"cause"},
		)
	})
}

// BreakerConfig holds the operator thresholds for the trading breaker.
type BreakerConfig struct {
	// MaxDailyLoss trips when realized daily PnL drops below -MaxDailyLoss.
	MaxDailyLoss float64
	// MaxConsecutiveLosses trips after this many losing trades in a row.
	MaxConsecutiveLosses int
	// MaxDrawdownPct trips when equity falls this far below its daily peak.
	MaxDrawdownPct float64
	// ResetHourUTC is the daily boundary at which counters reset.
	ResetHourUTC int
}

// DefaultBreakerConfig mirrors the config defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxDailyLoss:         500,
		MaxConsecutiveLosses: 5,
		MaxDrawdownPct:       10,
		ResetHourUTC:         0,
	}
}

// CircuitBreaker tracks daily PnL, consecutive losses and equity drawdown and
// vetoes all signals while tripped. It also wraps broker calls in a
// gobreaker so a flapping exchange API is backed off independently of the
// trading thresholds.
type CircuitBreaker struct {
	mu                sync.Mutex
	cfg               BreakerConfig
	dailyPnL          float64
	consecutiveLosses int
	peakEquity        float64
	lastEquity        float64
	tripped           bool
	tripCause         string
	windowStart       time.Time

	broker *gobreaker.CircuitBreaker
	now    func() time.Time
	log    zerolog.Logger
}

// NewCircuitBreaker creates a breaker with the given thresholds.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	initBreakerMetrics()

	cb := &CircuitBreaker{
		cfg: cfg,
		now: time.Now,
		log: log.With().Str("component", "circuit_breaker").Logger(),
	}
	cb.windowStart = cb.windowStartFor(cb.now())

	cb.broker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker",
		MaxRequests: brokerHalfOpenMaxReqs,
		Interval:    brokerCountInterval,
		Timeout:     brokerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= brokerMinRequests && ratio >= brokerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerStateGauge.WithLabelValues(name).Set(gaugeValue(to))
		},
	})
	breakerStateGauge.WithLabelValues("broker").Set(gaugeValue(cb.broker.State()))

	return cb
}

func gaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// RecordTrade feeds a realized trade PnL into the daily counters.
func (cb *CircuitBreaker) RecordTrade(pnl float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeResetLocked()

	cb.dailyPnL += pnl
	if pnl < 0 {
		cb.consecutiveLosses++
	} else if pnl > 0 {
		cb.consecutiveLosses = 0
	}
	cb.evaluateLocked()
}

// UpdateEquity feeds the current account equity for drawdown tracking.
func (cb *CircuitBreaker) UpdateEquity(equity float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeResetLocked()

	cb.lastEquity = equity
	if equity > cb.peakEquity {
		cb.peakEquity = equity
	}
	cb.evaluateLocked()
}

// Check reports whether trading is allowed. When tripped, reason is
// circuit_breaker_<cause>.
func (cb *CircuitBreaker) Check() (bool, string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeResetLocked()

	if cb.tripped {
		return false, fmt.Sprintf("circuit_breaker_%s", cb.tripCause)
	}
	return true, ""
}

// Tripped reports the current trip state and cause.
func (cb *CircuitBreaker) Tripped() (bool, string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripped, cb.tripCause
}

// Reset clears the trip state and counters. Operator action.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.resetCountersLocked()
	cb.log.Warn().Msg("Circuit breaker manually reset")
}

// Execute runs a broker call through the gobreaker.
func (cb *CircuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return cb.broker.Execute(fn)
}

func (cb *CircuitBreaker) evaluateLocked() {
	if cb.tripped {
		return
	}

	var cause string
	switch {
	case cb.cfg.MaxDailyLoss > 0 && cb.dailyPnL <= -cb.cfg.MaxDailyLoss:
		cause = CauseDailyLoss
	case cb.cfg.MaxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.cfg.MaxConsecutiveLosses:
		cause = CauseConsecutiveLosses
	case cb.cfg.MaxDrawdownPct > 0 && cb.peakEquity > 0 &&
		(cb.peakEquity-cb.lastEquity)/cb.peakEquity*100 >= cb.cfg.MaxDrawdownPct:
		cause = CauseDrawdown
	default:
		return
	}

	cb.tripped = true
	cb.tripCause = cause
	breakerTripCounter.WithLabelValues(cause).Inc()
	cb.log.Error().
		Str("cause", cause).
		Float64("daily_pnl", cb.dailyPnL).
		Int("consecutive_losses", cb.consecutiveLosses).
		Msg("Trading circuit breaker tripped")
}

// maybeResetLocked performs the daily UTC boundary reset.
func (cb *CircuitBreaker) maybeResetLocked() {
	start := cb.windowStartFor(cb.now())
	if start.After(cb.windowStart) {
		cb.resetCountersLocked()
		cb.windowStart = start
		cb.log.Info().Time("window_start", start).Msg("Circuit breaker daily reset")
	}
}

func (cb *CircuitBreaker) resetCountersLocked() {
	cb.dailyPnL = 0
	cb.consecutiveLosses = 0
	cb.peakEquity = cb.lastEquity
	cb.tripped = false
	cb.tripCause = ""
}

// windowStartFor returns the most recent daily reset boundary at or before t.
func (cb *CircuitBreaker) windowStartFor(t time.Time) time.Time {
	t = t.UTC()
	boundary := time.Date(t.Year(), t.Month(), t.Day(), cb.cfg.ResetHourUTC, 0, 0, 0, time.UTC)
	if t.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}
