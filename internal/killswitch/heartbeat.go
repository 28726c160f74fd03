// Package killswitch holds the last-resort monitors: the producer heartbeat
// dead-man's switch, the PnL z-score drift detector, and the flash-crash
// equity monitor. Each fires at most once until reset.
package killswitch

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/bus"
)

// Trigger reasons.
const (
	ReasonDeadMansSwitch = "DEAD_MANS_SWITCH"
	ReasonSafetyStop     = "SAFETY_STOP"
	ReasonHardKill       = "HARD_KILL"
)

// Responder receives kill-switch actions. Flatten closes all positions and
// disables auto-execution; Disarm only disables auto-execution, leaving
// positions open.
type Responder interface {
	Flatten(reason string)
	Disarm(reason string)
}

// HeartbeatConfig tunes the dead-man's switch.
type HeartbeatConfig struct {
	// Interval is the expected beat period from the signal producer.
	Interval time.Duration
	// MaxMissed is the consecutive miss count that fires the switch.
	MaxMissed int
}

// Heartbeat is the dead-man's switch on the external signal producer. The
// scheduler calls CheckBeat every Interval; a beat within the interval clears
// the miss counter, MaxMissed consecutive misses flatten everything.
type Heartbeat struct {
	mu       sync.Mutex
	cfg      HeartbeatConfig
	lastBeat time.Time
	missed   int
	fired    bool

	responder Responder
	bus       *bus.Bus
	now       func() time.Time
	log       zerolog.Logger
}

// NewHeartbeat creates the switch. It starts armed with the clock as the
// first beat so a producer that never connects still trips after MaxMissed
// intervals.
func NewHeartbeat(cfg HeartbeatConfig, responder Responder, b *bus.Bus) *Heartbeat {
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = 3
	}
	h := &Heartbeat{
		cfg:       cfg,
		responder: responder,
		bus:       b,
		now:       time.Now,
		log:       log.With().Str("component", "heartbeat").Logger(),
	}
	h.lastBeat = h.now()
	return h
}

// Beat records a liveness beat from the producer.
func (h *Heartbeat) Beat() {
	h.mu.Lock()
	h.lastBeat = h.now()
	h.missed = 0
	h.mu.Unlock()
}

// CheckBeat is the scheduler tick. Returns the current consecutive miss
// count.
func (h *Heartbeat) CheckBeat() int {
	h.mu.Lock()
	if h.fired {
		missed := h.missed
		h.mu.Unlock()
		return missed
	}

	if h.now().Sub(h.lastBeat) > h.cfg.Interval {
		h.missed++
	}
	missed := h.missed
	shouldFire := missed >= h.cfg.MaxMissed
	if shouldFire {
		h.fired = true
	}
	h.mu.Unlock()

	if shouldFire {
		h.fire(missed)
	}
	return missed
}

// Reset clears the switch, re-arming it. Producer-initiated or manual.
func (h *Heartbeat) Reset() {
	h.mu.Lock()
	h.missed = 0
	h.fired = false
	h.lastBeat = h.now()
	h.mu.Unlock()
	h.log.Warn().Msg("Dead-man's switch reset")
}

// Fired reports whether the switch has tripped.
func (h *Heartbeat) Fired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fired
}

func (h *Heartbeat) fire(missed int) {
	h.log.Error().Int("missed", missed).Msg("Dead-man's switch fired, flattening")

	if h.responder != nil {
		h.responder.Flatten(ReasonDeadMansSwitch)
	}
	if h.bus != nil {
		h.bus.Publish(bus.TopicEmergencyFlatten, bus.EmergencyFlatten{
			Reason:    ReasonDeadMansSwitch,
			Timestamp: time.Now(),
		})
		h.bus.Publish(bus.TopicSystemEvent, bus.SystemEvent{
			EventType:   ReasonDeadMansSwitch,
			Severity:    bus.SeverityCritical,
			Description: "signal producer heartbeat lost",
			Context:     map[string]any{"missed": missed},
			Timestamp:   time.Now(),
		})
	}
}
