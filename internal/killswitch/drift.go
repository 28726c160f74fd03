package killswitch

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/titanops/titan/internal/bus"
)

// DriftConfig tunes the z-score drift detector.
type DriftConfig struct {
	// WindowSize is the rolling trade-PnL window length.
	WindowSize int
	// ExpectedMean is the strategy's expected per-trade PnL.
	ExpectedMean float64
	// ZThreshold fires when z drops to or below it (negative).
	ZThreshold float64
}

// DefaultDriftConfig mirrors the config defaults.
func DefaultDriftConfig() DriftConfig {
	return DriftConfig{WindowSize: 30, ExpectedMean: 0, ZThreshold: -2.0}
}

// ZScoreDrift watches a rolling window of trade PnL for statistically
// significant underperformance. z = (window_mean - expected_mean) / stddev;
// at or below the threshold it disarms auto-execution but keeps positions,
// since drift is a strategy problem, not an emergency.
type ZScoreDrift struct {
	mu     sync.Mutex
	cfg    DriftConfig
	window []float64
	fired  bool

	responder Responder
	bus       *bus.Bus
	log       zerolog.Logger
}

// NewZScoreDrift creates the detector.
func NewZScoreDrift(cfg DriftConfig, responder Responder, b *bus.Bus) *ZScoreDrift {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 30
	}
	if cfg.ZThreshold >= 0 {
		cfg.ZThreshold = -2.0
	}
	return &ZScoreDrift{
		cfg:       cfg,
		responder: responder,
		bus:       b,
		log:       log.With().Str("component", "zscore_drift").Logger(),
	}
}

// Record adds one realized trade PnL and evaluates the window. Returns the
// current z-score (0 until the window is full).
func (z *ZScoreDrift) Record(pnl float64) float64 {
	z.mu.Lock()
	z.window = append(z.window, pnl)
	if len(z.window) > z.cfg.WindowSize {
		z.window = z.window[len(z.window)-z.cfg.WindowSize:]
	}
	if len(z.window) < z.cfg.WindowSize || z.fired {
		z.mu.Unlock()
		return 0
	}

	mean, std := stat.MeanStdDev(z.window, nil)
	if std == 0 {
		z.mu.Unlock()
		return 0
	}
	score := (mean - z.cfg.ExpectedMean) / std
	shouldFire := score <= z.cfg.ZThreshold
	if shouldFire {
		z.fired = true
	}
	z.mu.Unlock()

	if shouldFire {
		z.log.Error().
			Float64("z", score).
			Float64("threshold", z.cfg.ZThreshold).
			Msg("PnL drift beyond threshold, disarming")
		if z.responder != nil {
			z.responder.Disarm(ReasonSafetyStop)
		}
		if z.bus != nil {
			z.bus.Publish(bus.TopicSystemEvent, bus.SystemEvent{
				EventType:   ReasonSafetyStop,
				Severity:    bus.SeverityCritical,
				Description: "rolling PnL z-score breached drift threshold",
				Context:     map[string]any{"z": score},
				Timestamp:   time.Now(),
			})
		}
	}
	return score
}

// Fired reports whether the detector has tripped.
func (z *ZScoreDrift) Fired() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.fired
}

// Reset clears the trip and the window.
func (z *ZScoreDrift) Reset() {
	z.mu.Lock()
	z.window = z.window[:0]
	z.fired = false
	z.mu.Unlock()
}
