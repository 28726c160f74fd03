package safety

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Cascade severity levels.
const (
	SeverityNone     = "NONE"
	SeverityModerate = "MODERATE"
	SeveritySevere   = "SEVERE"
)

// LiquidationEvent is one forced liquidation from the exchange feed. Side is
// the side being liquidated: LONG liquidations are forced sells and push the
// price down.
type LiquidationEvent struct {
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // LONG or SHORT
	Notional  float64   `json:"notional"`
	Timestamp time.Time `json:"timestamp"`
}

// Cascade describes the currently detected liquidation cascade.
type Cascade struct {
	Active    bool    `json:"active"`
	Direction string  `json:"direction"` // side being liquidated
	Severity  string  `json:"severity"`
	Notional  float64 `json:"notional"`
}

// LiquidationConfig tunes cascade detection.
type LiquidationConfig struct {
	// Window is how far back events count toward the cascade.
	Window time.Duration
	// ModerateNotional marks a cascade once window notional exceeds it.
	ModerateNotional float64
	// SevereNotional escalates the cascade to SEVERE (all trading paused).
	SevereNotional float64
}

// DefaultLiquidationConfig mirrors the config defaults.
func DefaultLiquidationConfig() LiquidationConfig {
	return LiquidationConfig{
		Window:           30 * time.Second,
		ModerateNotional: 2_000_000,
		SevereNotional:   10_000_000,
	}
}

// LiquidationDetector classifies liquidation cascades from a feed and pauses
// trading while one is active. A MODERATE cascade only pauses entries in the
// cascade direction (catching the falling knife); SEVERE pauses everything.
type LiquidationDetector struct {
	mu     sync.Mutex
	cfg    LiquidationConfig
	events []LiquidationEvent
	now    func() time.Time
	log    zerolog.Logger
}

// NewLiquidationDetector creates a detector.
func NewLiquidationDetector(cfg LiquidationConfig) *LiquidationDetector {
	return &LiquidationDetector{
		cfg: cfg,
		now: time.Now,
		log: log.With().Str("component", "liquidation_detector").Logger(),
	}
}

// Record ingests one liquidation event from the feed subscription.
func (d *LiquidationDetector) Record(ev LiquidationEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.now()
	}

	d.mu.Lock()
	d.events = append(d.events, ev)
	d.pruneLocked()
	cascade := d.classifyLocked()
	d.mu.Unlock()

	if cascade.Active {
		d.log.Warn().
			Str("direction", cascade.Direction).
			Str("severity", cascade.Severity).
			Float64("notional", cascade.Notional).
			Msg("Liquidation cascade active")
	}
}

// Current returns the cascade state as of now.
func (d *LiquidationDetector) Current() Cascade {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked()
	return d.classifyLocked()
}

// Check reports whether an entry on the given side is allowed. side is the
// position side the signal wants to open (LONG or SHORT).
func (d *LiquidationDetector) Check(side string) (bool, string) {
	cascade := d.Current()
	if !cascade.Active {
		return true, ""
	}
	if cascade.Severity == SeveritySevere {
		return false, "LIQUIDATION_CASCADE"
	}
	// A long-liquidation cascade drives price down; block new longs only.
	if side == cascade.Direction {
		return false, "LIQUIDATION_CASCADE"
	}
	return true, ""
}

func (d *LiquidationDetector) pruneLocked() {
	cutoff := d.now().Add(-d.cfg.Window)
	idx := 0
	for idx < len(d.events) && d.events[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		d.events = append([]LiquidationEvent(nil), d.events[idx:]...)
	}
}

func (d *LiquidationDetector) classifyLocked() Cascade {
	var longNotional, shortNotional float64
	for _, ev := range d.events {
		if ev.Side == "LONG" {
			longNotional += ev.Notional
		} else {
			shortNotional += ev.Notional
		}
	}

	total := longNotional + shortNotional
	if total < d.cfg.ModerateNotional {
		return Cascade{Severity: SeverityNone}
	}

	direction := "LONG"
	if shortNotional > longNotional {
		direction = "SHORT"
	}
	severity := SeverityModerate
	if total >= d.cfg.SevereNotional {
		severity = SeveritySevere
	}
	return Cascade{Active: true, Direction: direction, Severity: severity, Notional: total}
}
