package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanops/titan/internal/broker"
	"github.com/titanops/titan/internal/bus"
	"github.com/titanops/titan/internal/config"
	"github.com/titanops/titan/internal/l2"
	"github.com/titanops/titan/internal/phase"
	"github.com/titanops/titan/internal/regime"
	"github.com/titanops/titan/internal/safety"
	"github.com/titanops/titan/internal/shadow"
)

type testRig struct {
	pipeline *Pipeline
	mock     *broker.MockAdapter
	shadow   *shadow.State
	books    *l2.BookCache
	phase    *phase.Manager
	triggers *TriggerLayer
}

func healthyBook(books *l2.BookCache, symbol string) {
	books.Update(symbol,
		[]l2.Level{{Price: 49990, Qty: 2}, {Price: 49980, Qty: 5}},
		[]l2.Level{{Price: 50010, Qty: 2}, {Price: 50020, Qty: 5}},
	)
}

func newTestRig(t *testing.T) *testRig {
	return newTestRigWithBus(t, nil)
}

func newTestRigWithBus(t *testing.T, b *bus.Bus) *testRig {
	t.Helper()

	cfg := &config.Config{}
	cfg.Whitelist.Enabled = true
	cfg.Whitelist.Assets = map[string]bool{"BTCUSDT": true}
	cfg.Risk.Phase1RiskPct = 0.10
	cfg.Risk.Phase2RiskPct = 0.05

	mock := broker.NewMockAdapter(10_000)
	mock.SetPrice("BTCUSDT", 50_000)

	gateway := broker.NewGateway(mock, broker.GatewayOptions{
		Retry: broker.RetryConfig{MaxRetries: 1, Delay: time.Millisecond, CallTimeout: time.Second},
	})

	books := l2.NewBookCache()
	healthyBook(books, "BTCUSDT")

	phaseMgr := phase.NewManager(func(ctx context.Context) (float64, error) {
		acct, err := mock.GetAccount(ctx)
		return acct.Equity, err
	}, b)
	phaseMgr.UpdateEquity(10_000) // phase 2

	shadowState := shadow.New(b)
	triggers := NewTriggerLayer(gateway, nil, time.Minute, 50*time.Millisecond, ExpiryPolicySilent)
	orders := NewOrderManager(OrderConfig{
		MakerFeePct:  0.0002,
		TakerFeePct:  0.0006,
		ChaseTimeout: time.Millisecond,
	}, gateway, nil)

	p := New(Deps{
		Config:      config.NewManager(cfg, nil),
		Phase:       phaseMgr,
		Breaker:     safety.NewCircuitBreaker(safety.DefaultBreakerConfig()),
		Liquidation: safety.NewLiquidationDetector(safety.DefaultLiquidationConfig()),
		Limiter:     safety.NewAdaptiveRateLimiter(1000, 1000),
		Derivatives: safety.NewDerivativesRegime(),
		Funding:     mock,
		Regime: &regime.StaticProvider{Vectors: map[string]*regime.Vector{
			"BTCUSDT": {Symbol: "BTCUSDT", MarketStructureScore: 80, MomentumScore: 50},
		}},
		Books:    books,
		L2:       l2.NewValidator(books, l2.PresetCrypto),
		Orders:   orders,
		Gateway:  gateway,
		Shadow:   shadowState,
		Triggers: triggers,
		Basis:    NewBasisMonitor(DefaultBasisConfig(), nil),
		Bus:      b,
	})

	return &testRig{
		pipeline: p,
		mock:     mock,
		shadow:   shadowState,
		books:    books,
		phase:    phaseMgr,
		triggers: triggers,
	}
}

func buySetup(signalID string) Signal {
	return Signal{
		SignalID:    signalID,
		Type:        TypeBuySetup,
		Symbol:      "BTCUSDT",
		Direction:   1,
		Size:        0.5,
		LimitPrice:  50_000,
		StopLoss:    49_000,
		TakeProfits: []float64{51_000},
		Timeframe:   "5m",
	}
}

func TestHappyOpen(t *testing.T) {
	rig := newTestRig(t)

	out := rig.pipeline.HandleSignal(context.Background(), buySetup("S1"))
	require.True(t, out.Success, "reason: %s", out.Reason)
	require.True(t, out.Filled)
	require.NotEmpty(t, out.OrderID)

	pos := rig.shadow.GetPosition("BTCUSDT")
	require.NotNil(t, pos)
	assert.Equal(t, shadow.SideLong, pos.Side)
	assert.InDelta(t, 0.5, pos.Size, 1e-12)
	assert.InDelta(t, 50_000, pos.EntryPrice, 1e-9)

	brokerPositions, err := rig.mock.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, brokerPositions, 1)
}

func TestDuplicateSignalDeduped(t *testing.T) {
	rig := newTestRig(t)

	first := rig.pipeline.HandleSignal(context.Background(), buySetup("S1"))
	require.True(t, first.Success)

	second := rig.pipeline.HandleSignal(context.Background(), buySetup("S1"))
	require.True(t, second.Success)
	assert.Equal(t, first.OrderID, second.OrderID, "duplicate must return the original order id")

	pos := rig.shadow.GetPosition("BTCUSDT")
	require.NotNil(t, pos)
	assert.InDelta(t, 0.5, pos.Size, 1e-12, "duplicate must not pyramid the position")
}

func TestStaleCacheVeto(t *testing.T) {
	rig := newTestRig(t)
	rig.books.UpdateAt("BTCUSDT",
		[]l2.Level{{Price: 49990, Qty: 2}},
		[]l2.Level{{Price: 50010, Qty: 2}},
		time.Now().Add(-200*time.Millisecond),
	)

	out := rig.pipeline.HandleSignal(context.Background(), buySetup("S1"))
	require.False(t, out.Success)
	assert.Equal(t, l2.ReasonStaleCache, out.Reason)

	assert.Nil(t, rig.shadow.GetPosition("BTCUSDT"))
	brokerPositions, _ := rig.mock.GetPositions(context.Background())
	assert.Empty(t, brokerPositions, "veto must happen before any broker call")

	intent := rig.shadow.GetIntent("S1")
	require.NotNil(t, intent)
	assert.Equal(t, shadow.IntentRejected, intent.Status)
}

func TestAssetDisabledVeto(t *testing.T) {
	rig := newTestRig(t)

	sig := buySetup("S1")
	sig.Symbol = "ETHUSDT"
	out := rig.pipeline.HandleSignal(context.Background(), sig)
	require.False(t, out.Success)
	assert.Equal(t, config.RejectReasonAssetDisabled, out.Reason)
}

func TestPhaseVeto(t *testing.T) {
	rig := newTestRig(t)
	rig.phase.UpdateEquity(500) // phase 1: scalp only

	sig := buySetup("S1")
	sig.Timeframe = "1D"
	out := rig.pipeline.HandleSignal(context.Background(), sig)
	require.False(t, out.Success)
	assert.Equal(t, "PHASE_KICKSTARTER_DISALLOWS_SWING", out.Reason)
}

func TestPhaseVetoEmitsSingleRejection(t *testing.T) {
	b, err := bus.New()
	require.NoError(t, err)
	defer b.Close()

	rejections := make(chan bus.SignalRejected, 4)
	unsub, err := bus.On(b, bus.TopicSignalRejected, func(ev bus.SignalRejected) { rejections <- ev })
	require.NoError(t, err)
	defer unsub()

	rig := newTestRigWithBus(t, b)
	rig.phase.UpdateEquity(500) // phase 1

	sig := buySetup("S1")
	sig.Timeframe = "1D" // SWING: vetoed by the phase gate
	out := rig.pipeline.HandleSignal(context.Background(), sig)
	require.False(t, out.Success)

	select {
	case ev := <-rejections:
		assert.Equal(t, "S1", ev.SignalID)
	case <-time.After(time.Second):
		t.Fatal("no signal:rejected event")
	}
	select {
	case ev := <-rejections:
		t.Fatalf("rejection emitted twice: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPhaseOnePyramidVeto(t *testing.T) {
	rig := newTestRig(t)
	rig.phase.UpdateEquity(500) // phase 1: no pyramiding

	first := rig.pipeline.HandleSignal(context.Background(), buySetup("S1"))
	require.True(t, first.Success, "reason: %s", first.Reason)
	pos := rig.shadow.GetPosition("BTCUSDT")
	require.NotNil(t, pos)
	opened := pos.Size

	second := rig.pipeline.HandleSignal(context.Background(), buySetup("S2"))
	require.False(t, second.Success, "phase 1 must veto the add")
	assert.Equal(t, ReasonPyramidLimit, second.Reason)

	pos = rig.shadow.GetPosition("BTCUSDT")
	require.NotNil(t, pos)
	assert.InDelta(t, opened, pos.Size, 1e-12, "vetoed add must not grow the position")

	intent := rig.shadow.GetIntent("S2")
	require.NotNil(t, intent)
	assert.Equal(t, shadow.IntentRejected, intent.Status)
}

func TestPhaseTwoPyramidLayerCap(t *testing.T) {
	rig := newTestRig(t)

	for i := 1; i <= 4; i++ {
		out := rig.pipeline.HandleSignal(context.Background(), buySetup(fmt.Sprintf("P%d", i)))
		require.True(t, out.Success, "layer %d rejected: %s", i, out.Reason)
	}
	pos := rig.shadow.GetPosition("BTCUSDT")
	require.NotNil(t, pos)
	assert.Equal(t, 4, pos.Layers)

	out := rig.pipeline.HandleSignal(context.Background(), buySetup("P5"))
	require.False(t, out.Success)
	assert.Equal(t, ReasonPyramidLimit, out.Reason)

	pos = rig.shadow.GetPosition("BTCUSDT")
	assert.Equal(t, 4, pos.Layers, "the fifth layer must not land")
}

func TestPhaseRiskBudgetCapsSize(t *testing.T) {
	rig := newTestRig(t)
	rig.phase.UpdateEquity(500) // phase 1: 10% risk budget

	out := rig.pipeline.HandleSignal(context.Background(), buySetup("S1"))
	require.True(t, out.Success, "reason: %s", out.Reason)

	pos := rig.shadow.GetPosition("BTCUSDT")
	require.NotNil(t, pos)
	// 500 equity * 10% / 1000 stop distance = 0.05, well under the 0.5 ask.
	assert.InDelta(t, 0.05, pos.Size, 1e-9)
}

func TestCircuitBreakerVeto(t *testing.T) {
	rig := newTestRig(t)

	breaker := safety.NewCircuitBreaker(safety.BreakerConfig{
		MaxDailyLoss:         100,
		MaxConsecutiveLosses: 1,
		MaxDrawdownPct:       50,
	})
	breaker.RecordTrade(-10)
	rig.pipeline.d.Breaker = breaker

	out := rig.pipeline.HandleSignal(context.Background(), buySetup("S1"))
	require.False(t, out.Success)
	assert.Contains(t, out.Reason, "circuit_breaker_")
}

func TestDerivativesRegimeVeto(t *testing.T) {
	rig := newTestRig(t)
	// 0.0011 per 8h annualizes to ~120%: EXTREME_GREED.
	rig.mock.SetFundingRate("BTCUSDT", 0.0011)

	out := rig.pipeline.HandleSignal(context.Background(), buySetup("S1"))
	require.False(t, out.Success)
	assert.Equal(t, "derivatives_regime_EXTREME_GREED", out.Reason)

	// Shorts survive at a quarter size.
	sell := buySetup("S2")
	sell.Type = TypeSellSetup
	sell.Direction = -1
	out = rig.pipeline.HandleSignal(context.Background(), sell)
	require.True(t, out.Success, "reason: %s", out.Reason)

	pos := rig.shadow.GetPosition("BTCUSDT")
	require.NotNil(t, pos)
	assert.Equal(t, shadow.SideShort, pos.Side)
	assert.InDelta(t, 0.125, pos.Size, 1e-12)
}

func TestAutoExecDisabled(t *testing.T) {
	rig := newTestRig(t)
	rig.pipeline.Disable("test")

	out := rig.pipeline.HandleSignal(context.Background(), buySetup("S1"))
	require.False(t, out.Success)
	assert.Equal(t, ReasonAutoExecDisabled, out.Reason)

	rig.pipeline.Enable()
	out = rig.pipeline.HandleSignal(context.Background(), buySetup("S1"))
	assert.True(t, out.Success)
}

func TestClientSideTriggerFlow(t *testing.T) {
	rig := newTestRig(t)

	prepare := Signal{
		SignalID:         "S2",
		Type:             TypePrepare,
		Symbol:           "BTCUSDT",
		Direction:        1,
		Size:             0.5,
		TriggerPrice:     50_100,
		TriggerCondition: "price > 50100",
		Timeframe:        "5m",
	}
	out := rig.pipeline.HandleSignal(context.Background(), prepare)
	require.True(t, out.Success)
	require.True(t, rig.triggers.Armed("S2"))

	// Below the threshold: nothing fires.
	rig.mock.SetPrice("BTCUSDT", 50_050)
	outcome, _ := rig.triggers.Confirm("S2")
	assert.Equal(t, ConfirmWaiting, outcome)

	// Tick through the threshold, then CONFIRM executes.
	rig.mock.SetPrice("BTCUSDT", 50_150)
	healthyBook(rig.books, "BTCUSDT")

	confirm := Signal{SignalID: "S2", Type: TypeConfirm, Symbol: "BTCUSDT"}
	out = rig.pipeline.HandleSignal(context.Background(), confirm)
	require.True(t, out.Success, "reason: %s", out.Reason)
	require.NotNil(t, rig.shadow.GetPosition("BTCUSDT"))

	// A second CONFIRM is a duplicate.
	out = rig.pipeline.HandleSignal(context.Background(), confirm)
	require.False(t, out.Success)
	assert.Equal(t, ReasonTriggerAlreadyFired, out.Reason)
}

func TestBasisSyncForceFill(t *testing.T) {
	rig := newTestRig(t)

	prepare := Signal{
		SignalID:         "S3",
		Type:             TypePrepare,
		Symbol:           "BTCUSDT",
		Direction:        1,
		Size:             0.5,
		TriggerCondition: "price > 50100",
		Timeframe:        "5m",
	}
	require.True(t, rig.pipeline.HandleSignal(context.Background(), prepare).Success)

	// CONFIRM arrives while the trigger is still armed: parked.
	confirm := Signal{SignalID: "S3", Type: TypeConfirm, Symbol: "BTCUSDT"}
	out := rig.pipeline.HandleSignal(context.Background(), confirm)
	require.True(t, out.Success)
	assert.Equal(t, "CONFIRM_PARKED", out.Reason)
	assert.Nil(t, rig.shadow.GetPosition("BTCUSDT"))

	// Basis wait (50ms) elapses without the trigger firing: force fill.
	healthyBook(rig.books, "BTCUSDT")
	rig.pipeline.RunSweep(context.Background(), time.Now().Add(time.Second))

	pos := rig.shadow.GetPosition("BTCUSDT")
	require.NotNil(t, pos, "parked CONFIRM must force fill after the basis wait")
	assert.InDelta(t, 0.5, pos.Size, 1e-12)
}

func TestExitClosesPosition(t *testing.T) {
	rig := newTestRig(t)
	require.True(t, rig.pipeline.HandleSignal(context.Background(), buySetup("S1")).Success)

	rig.mock.SetPrice("BTCUSDT", 51_000)
	out := rig.pipeline.HandleSignal(context.Background(), Signal{
		SignalID: "S1-close", Type: TypeClose, Symbol: "BTCUSDT",
	})
	require.True(t, out.Success, "reason: %s", out.Reason)

	assert.Nil(t, rig.shadow.GetPosition("BTCUSDT"))
	history := rig.shadow.TradeHistory()
	require.Len(t, history, 1)
	assert.Equal(t, shadow.CloseReasonManual, history[0].CloseReason)
	assert.InDelta(t, 500, history[0].PnL, 1e-9) // (51000-50000)*0.5
}

func TestStopLossCloseReason(t *testing.T) {
	rig := newTestRig(t)
	require.True(t, rig.pipeline.HandleSignal(context.Background(), buySetup("S1")).Success)

	rig.mock.SetPrice("BTCUSDT", 49_000)
	out := rig.pipeline.HandleSignal(context.Background(), Signal{
		SignalID: "S1-sl", Type: TypeStopLoss, Symbol: "BTCUSDT",
	})
	require.True(t, out.Success)

	history := rig.shadow.TradeHistory()
	require.Len(t, history, 1)
	assert.Equal(t, shadow.CloseReasonStopLoss, history[0].CloseReason)
}

func TestPartialExit(t *testing.T) {
	rig := newTestRig(t)
	require.True(t, rig.pipeline.HandleSignal(context.Background(), buySetup("S1")).Success)

	out := rig.pipeline.HandleSignal(context.Background(), Signal{
		SignalID: "S1-tp", Type: TypeTakeProfit, Symbol: "BTCUSDT", Size: 0.2,
	})
	require.True(t, out.Success)

	pos := rig.shadow.GetPosition("BTCUSDT")
	require.NotNil(t, pos)
	assert.InDelta(t, 0.3, pos.Size, 1e-12)
}

func TestZombieSignalIgnored(t *testing.T) {
	rig := newTestRig(t)

	out := rig.pipeline.HandleSignal(context.Background(), Signal{
		SignalID: "Z1", Type: TypeClose, Symbol: "BTCUSDT",
	})
	require.False(t, out.Success)
	assert.Equal(t, ReasonZombieSignal, out.Reason)

	brokerPositions, _ := rig.mock.GetPositions(context.Background())
	assert.Empty(t, brokerPositions)
}

func TestAbortDropsTrigger(t *testing.T) {
	rig := newTestRig(t)

	prepare := Signal{
		SignalID: "S4", Type: TypePrepare, Symbol: "BTCUSDT", Direction: 1,
		Size: 0.5, TriggerCondition: "price > 50100",
	}
	require.True(t, rig.pipeline.HandleSignal(context.Background(), prepare).Success)
	require.True(t, rig.triggers.Armed("S4"))

	out := rig.pipeline.HandleSignal(context.Background(), Signal{SignalID: "S4", Type: TypeAbort})
	require.True(t, out.Success)
	assert.False(t, rig.triggers.Armed("S4"))
}

func TestRejectedIntentNeverMutatesPositions(t *testing.T) {
	rig := newTestRig(t)
	rig.mock.SetFundingRate("BTCUSDT", 0.0011) // blocks longs

	out := rig.pipeline.HandleSignal(context.Background(), buySetup("S1"))
	require.False(t, out.Success)
	assert.Empty(t, rig.shadow.GetAllPositions())

	brokerPositions, _ := rig.mock.GetPositions(context.Background())
	assert.Empty(t, brokerPositions)
}
