package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanops/titan/internal/shadow"
)

type staticArmed bool

func (a staticArmed) Armed() bool { return bool(a) }

type staticPhase int

func (p staticPhase) Current() int { return int(p) }

func TestRefreshPublishesLedgerGauges(t *testing.T) {
	s := shadow.New(nil)
	_, err := s.ProcessIntent(shadow.IntentPayload{
		SignalID: "S1", Symbol: "BTCUSDT", Direction: 1, Size: 0.5,
	})
	require.NoError(t, err)

	u := NewUpdater(s, staticArmed(true), staticPhase(2))
	u.Refresh()

	assert.Equal(t, 0.0, testutil.ToFloat64(openPositions))
	assert.Equal(t, 1.0, testutil.ToFloat64(pendingIntents))
	assert.Equal(t, 2.0, testutil.ToFloat64(currentPhase))
	assert.Equal(t, 1.0, testutil.ToFloat64(autoExecArmed))
}

func TestRefreshReflectsDisarm(t *testing.T) {
	s := shadow.New(nil)
	u := NewUpdater(s, staticArmed(false), staticPhase(1))
	u.Refresh()

	assert.Equal(t, 0.0, testutil.ToFloat64(autoExecArmed))
	assert.Equal(t, 1.0, testutil.ToFloat64(currentPhase))
}
