package killswitch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResponder struct {
	mu       sync.Mutex
	flattens []string
	disarms  []string
}

func (f *fakeResponder) Flatten(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flattens = append(f.flattens, reason)
}

func (f *fakeResponder) Disarm(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disarms = append(f.disarms, reason)
}

func TestHeartbeatFiresAfterConsecutiveMisses(t *testing.T) {
	r := &fakeResponder{}
	h := NewHeartbeat(HeartbeatConfig{Interval: time.Second, MaxMissed: 3}, r, nil)

	current := time.Now()
	h.now = func() time.Time { return current }
	h.lastBeat = current

	for i := 1; i <= 2; i++ {
		current = current.Add(2 * time.Second)
		assert.Equal(t, i, h.CheckBeat())
		assert.False(t, h.Fired())
	}

	current = current.Add(2 * time.Second)
	assert.Equal(t, 3, h.CheckBeat())
	require.True(t, h.Fired())
	require.Equal(t, []string{ReasonDeadMansSwitch}, r.flattens)

	// Further checks must not fire again.
	current = current.Add(2 * time.Second)
	h.CheckBeat()
	assert.Len(t, r.flattens, 1)
}

func TestHeartbeatBeatClearsMisses(t *testing.T) {
	r := &fakeResponder{}
	h := NewHeartbeat(HeartbeatConfig{Interval: time.Second, MaxMissed: 3}, r, nil)

	current := time.Now()
	h.now = func() time.Time { return current }
	h.lastBeat = current

	current = current.Add(2 * time.Second)
	h.CheckBeat()
	current = current.Add(2 * time.Second)
	h.CheckBeat()

	h.Beat()
	current = current.Add(500 * time.Millisecond)
	assert.Equal(t, 0, h.CheckBeat(), "a beat must reset the consecutive miss count")
	assert.Empty(t, r.flattens)
}

func TestHeartbeatReset(t *testing.T) {
	r := &fakeResponder{}
	h := NewHeartbeat(HeartbeatConfig{Interval: time.Second, MaxMissed: 1}, r, nil)

	current := time.Now()
	h.now = func() time.Time { return current }
	h.lastBeat = current

	current = current.Add(2 * time.Second)
	h.CheckBeat()
	require.True(t, h.Fired())

	h.Reset()
	assert.False(t, h.Fired())
	current = current.Add(500 * time.Millisecond)
	assert.Equal(t, 0, h.CheckBeat())
}

func TestZScoreDriftDisarmsOnUnderperformance(t *testing.T) {
	r := &fakeResponder{}
	z := NewZScoreDrift(DriftConfig{WindowSize: 10, ExpectedMean: 0, ZThreshold: -2}, r, nil)

	// Consistent small losses with one outlier keeps stddev > 0 while the
	// mean sits far below zero.
	pnls := []float64{-10, -10, -10, -10, -10, -10, -10, -10, -10, -5}
	var score float64
	for _, p := range pnls {
		score = z.Record(p)
	}

	require.True(t, z.Fired())
	assert.LessOrEqual(t, score, -2.0)
	assert.Equal(t, []string{ReasonSafetyStop}, r.disarms)
	assert.Empty(t, r.flattens, "drift must disarm, not flatten")
}

func TestZScoreDriftNeedsFullWindow(t *testing.T) {
	r := &fakeResponder{}
	z := NewZScoreDrift(DriftConfig{WindowSize: 30, ZThreshold: -2}, r, nil)

	for i := 0; i < 29; i++ {
		z.Record(-100)
	}
	assert.False(t, z.Fired(), "must not fire before the window fills")
}

func TestZScoreDriftHealthyPnL(t *testing.T) {
	r := &fakeResponder{}
	z := NewZScoreDrift(DriftConfig{WindowSize: 10, ZThreshold: -2}, r, nil)

	pnls := []float64{5, -2, 8, -1, 6, 3, -4, 7, 2, 5}
	for _, p := range pnls {
		z.Record(p)
	}
	assert.False(t, z.Fired())
	assert.Empty(t, r.disarms)
}

func TestFlashCrashHardKill(t *testing.T) {
	r := &fakeResponder{}
	f := NewFlashCrash(FlashCrashConfig{Window: time.Minute, MaxDropPct: 5}, r, nil)

	current := time.Now()
	f.now = func() time.Time { return current }

	f.UpdateEquity(1000)
	current = current.Add(10 * time.Second)
	f.UpdateEquity(980) // -2%, fine
	require.False(t, f.Fired())

	current = current.Add(10 * time.Second)
	drop := f.UpdateEquity(930) // -7% from the window peak
	require.True(t, f.Fired())
	assert.InDelta(t, 7, drop, 1e-9)
	assert.Equal(t, []string{ReasonHardKill}, r.flattens)
}

func TestFlashCrashSlowDeclineDoesNotFire(t *testing.T) {
	r := &fakeResponder{}
	f := NewFlashCrash(FlashCrashConfig{Window: time.Minute, MaxDropPct: 5}, r, nil)

	current := time.Now()
	f.now = func() time.Time { return current }

	// 2% per window, repeatedly: old peaks age out before the cumulative
	// drop exceeds the threshold.
	equity := 1000.0
	for i := 0; i < 5; i++ {
		f.UpdateEquity(equity)
		current = current.Add(90 * time.Second)
		equity *= 0.98
	}
	assert.False(t, f.Fired())
}
