package phase

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPhaseIsOne(t *testing.T) {
	m := NewManager(nil, nil)
	assert.Equal(t, PhaseKickstarter, m.Current())
	assert.Equal(t, "KICKSTARTER", m.CurrentProfile().Name)
}

func TestEquityThresholdTransitions(t *testing.T) {
	m := NewManager(nil, nil)

	assert.Equal(t, PhaseTrendRider, m.UpdateEquity(1500))
	assert.Equal(t, PhaseKickstarter, m.UpdateEquity(999.99))
	assert.Equal(t, PhaseTrendRider, m.UpdateEquity(1000), "exactly $1000 is phase 2")
}

func TestRapidOscillation(t *testing.T) {
	m := NewManager(nil, nil)

	transitions := 0
	prev := m.Current()
	for _, equity := range []float64{500, 1200, 800, 1500} {
		next := m.UpdateEquity(equity)
		if next != prev {
			transitions++
		}
		prev = next
	}
	// 500 keeps phase 1, then 1200->2, 800->1, 1500->2.
	assert.Equal(t, 3, transitions)
	assert.Equal(t, PhaseTrendRider, m.Current())
}

func TestRefreshFallsBackToLastKnownEquity(t *testing.T) {
	calls := 0
	fn := func(ctx context.Context) (float64, error) {
		calls++
		if calls == 1 {
			return 1500, nil
		}
		return 0, fmt.Errorf("broker unavailable")
	}
	m := NewManager(fn, nil)

	require.Equal(t, PhaseTrendRider, m.Refresh(context.Background()))
	assert.Equal(t, PhaseTrendRider, m.Refresh(context.Background()),
		"failed fetch must keep the phase from the last known equity")
}

func TestRefreshWithNoHistoryDefaultsToPhaseOne(t *testing.T) {
	fn := func(ctx context.Context) (float64, error) {
		return 0, fmt.Errorf("broker unavailable")
	}
	m := NewManager(fn, nil)
	assert.Equal(t, PhaseKickstarter, m.Refresh(context.Background()))
}

func TestValidateSignalPerPhase(t *testing.T) {
	m := NewManager(nil, nil)

	tests := []struct {
		name       string
		equity     float64
		signalType string
		valid      bool
	}{
		{"phase 1 scalp", 500, "SCALP", true},
		{"phase 1 swing", 500, "SWING", false},
		{"phase 1 day", 500, "DAY", false},
		{"phase 2 swing", 2000, "SWING", true},
		{"phase 2 day", 2000, "DAY", true},
		{"phase 2 scalp", 2000, "SCALP", true},
		{"phase 2 unknown", 2000, "ARBITRAGE", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.UpdateEquity(tt.equity)
			valid, reason := m.ValidateSignal("sig-1", tt.signalType)
			assert.Equal(t, tt.valid, valid)
			if !tt.valid {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestProfiles(t *testing.T) {
	p1 := ProfileFor(PhaseKickstarter)
	assert.Equal(t, 0.10, p1.RiskPct)
	assert.Equal(t, 0, p1.MaxPyramids)
	assert.Equal(t, "MAKER", p1.PreferredFill)

	p2 := ProfileFor(PhaseTrendRider)
	assert.Equal(t, 0.05, p2.RiskPct)
	assert.Equal(t, 4, p2.MaxPyramids)
	assert.Equal(t, "TAKER", p2.PreferredFill)

	assert.Equal(t, p1, ProfileFor(99), "unknown phase falls back to phase 1")
}
