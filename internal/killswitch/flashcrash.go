package killswitch

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/bus"
)

// FlashCrashConfig tunes the equity crash monitor.
type FlashCrashConfig struct {
	// Window is the lookback over which the drop is measured.
	Window time.Duration
	// MaxDropPct fires when equity falls more than this within the window.
	MaxDropPct float64
}

// DefaultFlashCrashConfig mirrors the config defaults.
func DefaultFlashCrashConfig() FlashCrashConfig {
	return FlashCrashConfig{Window: time.Minute, MaxDropPct: 5}
}

type equitySample struct {
	at     time.Time
	equity float64
}

// FlashCrash watches equity updates for a sudden drop and hard-kills
// (close everything) when it exceeds the configured percentage inside the
// window.
type FlashCrash struct {
	mu      sync.Mutex
	cfg     FlashCrashConfig
	samples []equitySample
	fired   bool

	responder Responder
	bus       *bus.Bus
	now       func() time.Time
	log       zerolog.Logger
}

// NewFlashCrash creates the monitor.
func NewFlashCrash(cfg FlashCrashConfig, responder Responder, b *bus.Bus) *FlashCrash {
	return &FlashCrash{
		cfg:       cfg,
		responder: responder,
		bus:       b,
		now:       time.Now,
		log:       log.With().Str("component", "flash_crash").Logger(),
	}
}

// UpdateEquity ingests an equity reading. Returns the largest drop percentage
// observed within the window.
func (f *FlashCrash) UpdateEquity(equity float64) float64 {
	f.mu.Lock()
	now := f.now()
	f.samples = append(f.samples, equitySample{at: now, equity: equity})

	cutoff := now.Add(-f.cfg.Window)
	idx := 0
	for idx < len(f.samples) && f.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		f.samples = append([]equitySample(nil), f.samples[idx:]...)
	}

	var peak float64
	for _, s := range f.samples {
		if s.equity > peak {
			peak = s.equity
		}
	}
	var dropPct float64
	if peak > 0 {
		dropPct = (peak - equity) / peak * 100
	}
	shouldFire := !f.fired && f.cfg.MaxDropPct > 0 && dropPct > f.cfg.MaxDropPct
	if shouldFire {
		f.fired = true
	}
	f.mu.Unlock()

	if shouldFire {
		f.log.Error().
			Float64("drop_pct", dropPct).
			Float64("equity", equity).
			Msg("Flash crash detected, hard kill")
		if f.responder != nil {
			f.responder.Flatten(ReasonHardKill)
		}
		if f.bus != nil {
			f.bus.Publish(bus.TopicEmergencyFlatten, bus.EmergencyFlatten{
				Reason:    ReasonHardKill,
				Timestamp: time.Now(),
			})
			f.bus.Publish(bus.TopicSystemEvent, bus.SystemEvent{
				EventType:   ReasonHardKill,
				Severity:    bus.SeverityCritical,
				Description: "equity dropped beyond flash-crash threshold",
				Context:     map[string]any{"drop_pct": dropPct},
				Timestamp:   time.Now(),
			})
		}
	}
	return dropPct
}

// Fired reports whether the monitor has tripped.
func (f *FlashCrash) Fired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fired
}

// Reset re-arms the monitor and clears the sample window.
func (f *FlashCrash) Reset() {
	f.mu.Lock()
	f.samples = f.samples[:0]
	f.fired = false
	f.mu.Unlock()
}
