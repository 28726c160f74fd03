package pipeline

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/bus"
)

// Basis event names.
const (
	EventHighBasisSpread = "HIGH_BASIS_SPREAD"
	EventFeedDesync      = "FEED_DESYNC_CRITICAL"
	ReasonForceFillBasis = "FORCE_FILL_BASIS_SYNC"
)

// BasisConfig tunes the strategy-feed vs broker-feed comparison.
type BasisConfig struct {
	// Tolerance is the warn threshold as a fraction (0.005 = 0.5%).
	Tolerance float64
	// DesyncPct is the sustained-divergence threshold (0.01 = 1%).
	DesyncPct float64
	// DesyncWindow is how long DesyncPct must hold before the critical
	// event fires.
	DesyncWindow time.Duration
}

// DefaultBasisConfig mirrors the config defaults.
func DefaultBasisConfig() BasisConfig {
	return BasisConfig{Tolerance: 0.005, DesyncPct: 0.01, DesyncWindow: 5 * time.Minute}
}

type desyncEpisode struct {
	since   time.Time
	emitted bool
}

// BasisMonitor tracks the gap between the strategy's price feed and the
// broker's. A wide basis is logged; a sustained one means the feeds have
// desynchronized and the strategy's trigger prices can no longer be trusted.
type BasisMonitor struct {
	cfg BasisConfig
	bus *bus.Bus

	mu       sync.Mutex
	episodes map[string]*desyncEpisode
	now      func() time.Time
	log      zerolog.Logger
}

// NewBasisMonitor creates a basis monitor.
func NewBasisMonitor(cfg BasisConfig, b *bus.Bus) *BasisMonitor {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 0.005
	}
	if cfg.DesyncPct <= 0 {
		cfg.DesyncPct = 0.01
	}
	if cfg.DesyncWindow <= 0 {
		cfg.DesyncWindow = 5 * time.Minute
	}
	return &BasisMonitor{
		cfg:      cfg,
		bus:      b,
		episodes: make(map[string]*desyncEpisode),
		now:      time.Now,
		log:      log.With().Str("component", "basis").Logger(),
	}
}

// Observe compares the strategy price against the broker price and returns
// the basis as a fraction of the broker price. A basis over the tolerance is
// logged but never vetoes; a basis over the desync threshold sustained for
// the full window emits one CRITICAL event per episode.
func (b *BasisMonitor) Observe(symbol string, strategyPrice, brokerPrice float64) float64 {
	if strategyPrice <= 0 || brokerPrice <= 0 {
		return 0
	}
	basis := math.Abs(strategyPrice-brokerPrice) / brokerPrice

	if basis > b.cfg.Tolerance {
		b.log.Warn().
			Str("symbol", symbol).
			Float64("strategy_price", strategyPrice).
			Float64("broker_price", brokerPrice).
			Float64("basis_pct", basis*100).
			Msg(EventHighBasisSpread)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if basis <= b.cfg.DesyncPct {
		delete(b.episodes, symbol)
		return basis
	}

	ep, ok := b.episodes[symbol]
	if !ok {
		b.episodes[symbol] = &desyncEpisode{since: now}
		return basis
	}
	if !ep.emitted && now.Sub(ep.since) >= b.cfg.DesyncWindow {
		ep.emitted = true
		b.log.Error().
			Str("symbol", symbol).
			Float64("basis_pct", basis*100).
			Dur("sustained", now.Sub(ep.since)).
			Msg("Feed desync critical")
		if b.bus != nil {
			b.bus.Publish(bus.TopicSystemEvent, bus.SystemEvent{
				EventType:   EventFeedDesync,
				Severity:    bus.SeverityCritical,
				Description: "strategy and broker price feeds diverged beyond the desync threshold",
				Context: map[string]any{
					"symbol":    symbol,
					"basis_pct": basis * 100,
				},
				Timestamp: now,
			})
		}
	}
	return basis
}
