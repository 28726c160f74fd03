// Package phase determines the capital phase from account equity and gates
// signal types accordingly.
package phase

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/bus"
)

// PhaseKickstarter is the sub-$1000 grind: scalp-only, 10% risk, no
// pyramiding, maker entries. PhaseTrendRider unlocks day/swing trading at 5%
// risk with up to 4 pyramid layers and taker entries.
const (
	PhaseKickstarter = 1
	PhaseTrendRider  = 2

	phaseThresholdEquity = 1000.0
)

// Profile describes what a phase permits.
type Profile struct {
	Phase         int      `json:"phase"`
	Name          string   `json:"name"`
	RiskPct       float64  `json:"risk_pct"`
	AllowedTypes  []string `json:"allowed_types"`
	MaxPyramids   int      `json:"max_pyramids"`
	PreferredFill string   `json:"preferred_fill"` // MAKER or TAKER
}

var profiles = map[int]Profile{
	PhaseKickstarter: {
		Phase:         PhaseKickstarter,
		Name:          "KICKSTARTER",
		RiskPct:       0.10,
		AllowedTypes:  []string{"SCALP"},
		MaxPyramids:   0,
		PreferredFill: "MAKER",
	},
	PhaseTrendRider: {
		Phase:         PhaseTrendRider,
		Name:          "TREND_RIDER",
		RiskPct:       0.05,
		AllowedTypes:  []string{"SCALP", "DAY", "SWING"},
		MaxPyramids:   4,
		PreferredFill: "TAKER",
	},
}

// EquityFunc fetches the current account equity from the broker.
type EquityFunc func(ctx context.Context) (float64, error)

// Manager tracks the current phase. Transitions happen only on equity
// updates; a failed broker call falls back to the last known equity, and with
// no equity ever seen the phase defaults to 1.
type Manager struct {
	mu          sync.RWMutex
	phase       int
	lastEquity  float64
	equityKnown bool

	equityFn EquityFunc
	bus      *bus.Bus
	log      zerolog.Logger
}

// NewManager creates a phase manager starting in phase 1.
func NewManager(equityFn EquityFunc, b *bus.Bus) *Manager {
	return &Manager{
		phase:    PhaseKickstarter,
		equityFn: equityFn,
		bus:      b,
		log:      log.With().Str("component", "phase").Logger(),
	}
}

// Current returns the current phase.
func (m *Manager) Current() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// CurrentProfile returns the profile for the current phase.
func (m *Manager) CurrentProfile() Profile {
	return profiles[m.Current()]
}

// ProfileFor returns the profile for a phase, defaulting to phase 1.
func ProfileFor(phase int) Profile {
	if p, ok := profiles[phase]; ok {
		return p
	}
	return profiles[PhaseKickstarter]
}

// LastEquity returns the most recent equity reading, if one was ever seen.
func (m *Manager) LastEquity() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastEquity, m.equityKnown
}

// UpdateEquity applies a fresh equity reading and performs any transition.
func (m *Manager) UpdateEquity(equity float64) int {
	m.mu.Lock()
	m.lastEquity = equity
	m.equityKnown = true

	next := PhaseTrendRider
	if equity < phaseThresholdEquity {
		next = PhaseKickstarter
	}
	prev := m.phase
	m.phase = next
	m.mu.Unlock()

	if next != prev {
		m.log.Info().
			Int("from", prev).
			Int("to", next).
			Float64("equity", equity).
			Msg("Phase transition")
		if m.bus != nil {
			m.bus.Publish(bus.TopicPhaseTransition, bus.PhaseTransition{
				OldPhase:  prev,
				NewPhase:  next,
				Equity:    equity,
				Timestamp: time.Now(),
			})
		}
	}
	return next
}

// Refresh fetches equity from the broker and updates the phase. On fetch
// failure the last known equity (and phase) stands.
func (m *Manager) Refresh(ctx context.Context) int {
	equity, err := m.equityFn(ctx)
	if err != nil {
		m.mu.RLock()
		known := m.equityKnown
		last := m.lastEquity
		phase := m.phase
		m.mu.RUnlock()

		if known {
			m.log.Warn().Err(err).Float64("last_equity", last).Msg("Equity fetch failed, using last known")
			return phase
		}
		m.log.Warn().Err(err).Msg("Equity fetch failed with no history, defaulting to phase 1")
		return PhaseKickstarter
	}
	return m.UpdateEquity(equity)
}

// ValidateSignal checks a signal type against the current phase's allowed
// set. The caller records the veto; the shadow rejection carries the single
// signal:rejected event.
func (m *Manager) ValidateSignal(signalID, signalType string) (bool, string) {
	profile := m.CurrentProfile()
	for _, allowed := range profile.AllowedTypes {
		if signalType == allowed {
			return true, ""
		}
	}

	reason := "PHASE_" + profile.Name + "_DISALLOWS_" + signalType
	m.log.Warn().
		Str("signal_id", signalID).
		Str("type", signalType).
		Int("phase", profile.Phase).
		Msg("Signal type not allowed in current phase")
	return false, reason
}
