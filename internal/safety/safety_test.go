package safety

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerDailyLossTrip(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxDailyLoss: 500})

	cb.RecordTrade(-200)
	allowed, _ := cb.Check()
	assert.True(t, allowed)

	cb.RecordTrade(-300)
	allowed, reason := cb.Check()
	assert.False(t, allowed)
	assert.Equal(t, "circuit_breaker_daily_loss", reason)
}

func TestBreakerConsecutiveLosses(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxConsecutiveLosses: 3})

	cb.RecordTrade(-10)
	cb.RecordTrade(-10)
	cb.RecordTrade(50) // win resets the streak
	cb.RecordTrade(-10)
	cb.RecordTrade(-10)
	allowed, _ := cb.Check()
	require.True(t, allowed)

	cb.RecordTrade(-10)
	allowed, reason := cb.Check()
	assert.False(t, allowed)
	assert.Equal(t, "circuit_breaker_consecutive_losses", reason)
}

func TestBreakerDrawdown(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxDrawdownPct: 10})

	cb.UpdateEquity(1000)
	cb.UpdateEquity(950)
	allowed, _ := cb.Check()
	require.True(t, allowed)

	cb.UpdateEquity(899)
	allowed, reason := cb.Check()
	assert.False(t, allowed)
	assert.Equal(t, "circuit_breaker_drawdown", reason)
}

func TestBreakerManualReset(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxDailyLoss: 100})
	cb.RecordTrade(-150)

	allowed, _ := cb.Check()
	require.False(t, allowed)

	cb.Reset()
	allowed, _ = cb.Check()
	assert.True(t, allowed)
}

func TestBreakerDailyUTCReset(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxDailyLoss: 100, ResetHourUTC: 0})

	current := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return current }
	cb.windowStart = cb.windowStartFor(current)

	cb.RecordTrade(-150)
	allowed, _ := cb.Check()
	require.False(t, allowed)

	// Crossing midnight UTC clears the counters and the trip.
	current = time.Date(2026, 3, 11, 0, 1, 0, 0, time.UTC)
	allowed, _ = cb.Check()
	assert.True(t, allowed)
}

func TestLiquidationCascadeDirection(t *testing.T) {
	d := NewLiquidationDetector(LiquidationConfig{
		Window:           time.Minute,
		ModerateNotional: 1_000_000,
		SevereNotional:   5_000_000,
	})

	// Below threshold: all clear.
	d.Record(LiquidationEvent{Symbol: "BTCUSDT", Side: "LONG", Notional: 500_000})
	allowed, _ := d.Check("LONG")
	assert.True(t, allowed)

	// Long liquidations pile up: moderate cascade blocks new longs only.
	d.Record(LiquidationEvent{Symbol: "BTCUSDT", Side: "LONG", Notional: 900_000})
	allowed, reason := d.Check("LONG")
	assert.False(t, allowed)
	assert.Equal(t, "LIQUIDATION_CASCADE", reason)

	allowed, _ = d.Check("SHORT")
	assert.True(t, allowed, "moderate cascade must only pause the cascade direction")

	cascade := d.Current()
	assert.Equal(t, SeverityModerate, cascade.Severity)
	assert.Equal(t, "LONG", cascade.Direction)
}

func TestLiquidationSevereBlocksBoth(t *testing.T) {
	d := NewLiquidationDetector(LiquidationConfig{
		Window:           time.Minute,
		ModerateNotional: 1_000_000,
		SevereNotional:   5_000_000,
	})

	d.Record(LiquidationEvent{Symbol: "BTCUSDT", Side: "LONG", Notional: 6_000_000})

	allowed, _ := d.Check("LONG")
	assert.False(t, allowed)
	allowed, _ = d.Check("SHORT")
	assert.False(t, allowed)
}

func TestLiquidationWindowPrunes(t *testing.T) {
	d := NewLiquidationDetector(LiquidationConfig{
		Window:           time.Minute,
		ModerateNotional: 1_000_000,
		SevereNotional:   5_000_000,
	})

	current := time.Now()
	d.now = func() time.Time { return current }

	d.Record(LiquidationEvent{Symbol: "BTCUSDT", Side: "LONG", Notional: 2_000_000, Timestamp: current})
	require.True(t, d.Current().Active)

	current = current.Add(2 * time.Minute)
	assert.False(t, d.Current().Active, "old events must age out of the window")
}

func TestRateLimiterBackoffDoubling(t *testing.T) {
	a := NewAdaptiveRateLimiter(12, 12)

	assert.Equal(t, 1.0, a.Multiplier("binance"))

	a.On429("binance")
	assert.Equal(t, 2.0, a.Multiplier("binance"))
	a.On429("binance")
	assert.Equal(t, 4.0, a.Multiplier("binance"))

	for i := 0; i < 10; i++ {
		a.On429("binance")
	}
	assert.Equal(t, 16.0, a.Multiplier("binance"), "multiplier must cap at 16x")

	// Other exchanges are unaffected.
	assert.Equal(t, 1.0, a.Multiplier("bybit"))
}

func TestRateLimiterRecoveryHalves(t *testing.T) {
	a := NewAdaptiveRateLimiter(12, 12)

	current := time.Now()
	a.now = func() time.Time { return current }

	a.On429("binance")
	a.On429("binance")
	require.Equal(t, 4.0, a.Multiplier("binance"))

	current = current.Add(5 * time.Minute)
	assert.Equal(t, 2.0, a.Multiplier("binance"))

	current = current.Add(5 * time.Minute)
	assert.Equal(t, 1.0, a.Multiplier("binance"))
}

func TestRateLimiterConfigurableBackoff(t *testing.T) {
	a := NewAdaptiveRateLimiter(12, 12,
		WithMaxBackoff(4),
		WithRecoveryWindow(time.Minute))

	current := time.Now()
	a.now = func() time.Time { return current }

	for i := 0; i < 6; i++ {
		a.On429("binance")
	}
	assert.Equal(t, 4.0, a.Multiplier("binance"), "multiplier must cap at the configured factor")

	current = current.Add(time.Minute)
	assert.Equal(t, 2.0, a.Multiplier("binance"), "recovery must follow the configured window")
	current = current.Add(time.Minute)
	assert.Equal(t, 1.0, a.Multiplier("binance"))
}

func TestThrottleRespectsContext(t *testing.T) {
	a := NewAdaptiveRateLimiter(1, 1)

	ctx := context.Background()
	require.NoError(t, a.Throttle(ctx, "binance", 1))

	// Bucket is drained; a short deadline must fail rather than block.
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.Error(t, a.Throttle(short, "binance", 1))
}

func TestFundingClassification(t *testing.T) {
	d := NewDerivativesRegime()

	tests := []struct {
		name    string
		funding float64
		class   string
	}{
		{"extreme greed", 0.0012, RegimeExtremeGreed}, // ~131% annualized
		{"high greed", 0.0006, RegimeHighGreed},       // ~66%
		{"neutral", 0.0001, RegimeNeutral},            // ~11%
		{"extreme fear", -0.0006, RegimeExtremeFear},  // ~-66%
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, d.Classify(tt.funding))
		})
	}
}

func TestExtremeGreedBlocksLongShrinksShort(t *testing.T) {
	d := NewDerivativesRegime()
	funding := 0.0012 // EXTREME_GREED

	_, ok, reason := d.Check(funding, 1, 1.0)
	assert.False(t, ok)
	assert.Equal(t, "derivatives_regime_EXTREME_GREED", reason)

	adjusted, ok, _ := d.Check(funding, -1, 1.0)
	require.True(t, ok)
	assert.Equal(t, 0.25, adjusted)
}

func TestNeutralRegimePassesThrough(t *testing.T) {
	d := NewDerivativesRegime()

	adjusted, ok, _ := d.Check(0.0001, 1, 2.0)
	require.True(t, ok)
	assert.Equal(t, 2.0, adjusted)
}
