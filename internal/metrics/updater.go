package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/titanops/titan/internal/bus"
	"github.com/titanops/titan/internal/shadow"
)

var (
	gaugesOnce     sync.Once
	openPositions  prometheus.Gauge
	pendingIntents prometheus.Gauge
	totalPnL       prometheus.Gauge
	winRate        prometheus.Gauge
	currentPhase   prometheus.Gauge
	autoExecArmed  prometheus.Gauge
)

func initGauges() {
	gaugesOnce.Do(func() {
		openPositions = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "titan_open_positions",
			Help: "Open positions in the shadow ledger",
		})
		pendingIntents = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "titan_pending_intents",
			Help: "Intents awaiting execution or expiry",
		})
		totalPnL = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "titan_total_pnl",
			Help: "Cumulative realized PnL over the trade ring",
		})
		winRate = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "titan_win_rate_pct",
			Help: "Winning trade percentage over the trade ring",
		})
		currentPhase = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "titan_phase",
			Help: "Active equity phase",
		})
		autoExecArmed = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "titan_auto_exec_armed",
			Help: "1 while auto-execution is armed",
		})
	})
}

// Armed reports the auto-execution switch. Implemented by the pipeline.
type Armed interface {
	Armed() bool
}

// PhaseSource reports the active equity phase.
type PhaseSource interface {
	Current() int
}

// Updater keeps the ledger gauges fresh. Position and trade events refresh
// immediately; Refresh is also a scheduler task so the gauges recover after
// a missed event.
type Updater struct {
	shadow *shadow.State
	armed  Armed
	phase  PhaseSource
	unsubs []func()
}

// NewUpdater creates the gauge updater.
func NewUpdater(s *shadow.State, armed Armed, phase PhaseSource) *Updater {
	initGauges()
	return &Updater{shadow: s, armed: armed, phase: phase}
}

// Start subscribes the updater to the ledger topics.
func (u *Updater) Start(b *bus.Bus) error {
	if b == nil {
		return nil
	}
	refresh := func(bus.PositionEvent) { u.Refresh() }
	for _, topic := range []bus.Topic{
		bus.TopicPositionOpened,
		bus.TopicPositionUpdated,
		bus.TopicPositionClosed,
		bus.TopicPositionPartial,
	} {
		unsub, err := bus.On(b, topic, refresh)
		if err != nil {
			return err
		}
		u.unsubs = append(u.unsubs, unsub)
	}
	unsub, err := bus.On(b, bus.TopicPhaseTransition, func(ev bus.PhaseTransition) {
		currentPhase.Set(float64(ev.NewPhase))
	})
	if err != nil {
		return err
	}
	u.unsubs = append(u.unsubs, unsub)

	u.Refresh()
	return nil
}

// Stop drops the bus subscriptions.
func (u *Updater) Stop() {
	for _, unsub := range u.unsubs {
		unsub()
	}
	u.unsubs = nil
}

// Refresh recomputes every gauge from the current state.
func (u *Updater) Refresh() {
	stats := u.shadow.GetStats()
	openPositions.Set(float64(stats.OpenPositions))
	pendingIntents.Set(float64(stats.PendingIntents))
	totalPnL.Set(stats.TotalPnL)
	winRate.Set(stats.WinRate)

	if u.phase != nil {
		currentPhase.Set(float64(u.phase.Current()))
	}
	if u.armed != nil {
		if u.armed.Armed() {
			autoExecArmed.Set(1)
		} else {
			autoExecArmed.Set(0)
		}
	}
}
