package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanops/titan/internal/broker"
)

type fakeStream struct {
	mu       sync.Mutex
	handlers map[string][]broker.TradeHandler
	subs     int
	unsubs   int
}

func newFakeStream() *fakeStream {
	return &fakeStream{handlers: make(map[string][]broker.TradeHandler)}
}

func (f *fakeStream) SubscribeTrades(symbol string, fn broker.TradeHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	f.handlers[symbol] = append(f.handlers[symbol], fn)
	return func() {
		f.mu.Lock()
		f.unsubs++
		f.mu.Unlock()
	}, nil
}

func (f *fakeStream) tick(symbol string, price float64) {
	f.mu.Lock()
	handlers := append([]broker.TradeHandler(nil), f.handlers[symbol]...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(broker.Trade{Symbol: symbol, Price: price, Qty: 1, Timestamp: time.Now()})
	}
}

func prepareSignal(id string, cond string) Signal {
	return Signal{SignalID: id, Type: TypePrepare, Symbol: "BTCUSDT", Direction: 1, Size: 1, TriggerCondition: cond}
}

func TestParseCondition(t *testing.T) {
	tests := []struct {
		cond      string
		above     bool
		threshold float64
		wantErr   bool
	}{
		{"price > 50100", true, 50100, false},
		{"price < 49000", false, 49000, false},
		{"price>50100.5", true, 50100.5, false},
		{"price >= 50100", false, 0, true},
		{"volume > 100", false, 0, true},
		{"price > -5", false, 0, true},
		{"", false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			above, threshold, err := parseCondition(tt.cond)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.above, above)
			assert.Equal(t, tt.threshold, threshold)
		})
	}
}

func TestTriggerFiresOnce(t *testing.T) {
	stream := newFakeStream()
	tl := NewTriggerLayer(stream, nil, time.Minute, time.Second, ExpiryPolicySilent)

	require.NoError(t, tl.Arm(prepareSignal("S1", "price > 50100")))

	stream.tick("BTCUSDT", 50_050)
	outcome, _ := tl.Confirm("S1")
	assert.Equal(t, ConfirmWaiting, outcome, "not fired below the threshold")

	stream.tick("BTCUSDT", 50_150)
	stream.tick("BTCUSDT", 50_200) // second crossing is a no-op

	outcome, sig := tl.Confirm("S1")
	require.Equal(t, ConfirmReady, outcome)
	require.NotNil(t, sig)
	assert.Equal(t, "S1", sig.SignalID)

	outcome, _ = tl.Confirm("S1")
	assert.Equal(t, ConfirmDuplicate, outcome)
}

func TestTriggerBelowCondition(t *testing.T) {
	stream := newFakeStream()
	tl := NewTriggerLayer(stream, nil, time.Minute, time.Second, ExpiryPolicySilent)

	require.NoError(t, tl.Arm(prepareSignal("S1", "price < 49000")))
	stream.tick("BTCUSDT", 48_900)

	outcome, _ := tl.Confirm("S1")
	assert.Equal(t, ConfirmReady, outcome)
}

func TestTriggerDefaultConditionFromDirection(t *testing.T) {
	stream := newFakeStream()
	tl := NewTriggerLayer(stream, nil, time.Minute, time.Second, ExpiryPolicySilent)

	sig := Signal{SignalID: "S1", Symbol: "BTCUSDT", Direction: -1, TriggerPrice: 49_000}
	require.NoError(t, tl.Arm(sig))

	stream.tick("BTCUSDT", 48_500) // short breaks below
	outcome, _ := tl.Confirm("S1")
	assert.Equal(t, ConfirmReady, outcome)
}

func TestTriggerExpiry(t *testing.T) {
	stream := newFakeStream()
	tl := NewTriggerLayer(stream, nil, time.Minute, time.Second, ExpiryPolicySilent)

	require.NoError(t, tl.Arm(prepareSignal("S1", "price > 50100")))

	res := tl.Sweep(time.Now().Add(30 * time.Second))
	assert.Empty(t, res.Expired, "not expired inside the window")

	res = tl.Sweep(time.Now().Add(2 * time.Minute))
	require.Len(t, res.Expired, 1)
	assert.Equal(t, "S1", res.Expired[0].SignalID)
	assert.False(t, res.Aborted)
	assert.False(t, tl.Armed("S1"))
	assert.Equal(t, 1, stream.unsubs, "stream released on expiry")
}

func TestTriggerAbortPolicy(t *testing.T) {
	stream := newFakeStream()
	tl := NewTriggerLayer(stream, nil, time.Second, time.Second, ExpiryPolicyAbort)

	require.NoError(t, tl.Arm(prepareSignal("S1", "price > 50100")))
	res := tl.Sweep(time.Now().Add(time.Minute))
	require.Len(t, res.Expired, 1)
	assert.True(t, res.Aborted)
}

func TestTriggerCancelAll(t *testing.T) {
	stream := newFakeStream()
	tl := NewTriggerLayer(stream, nil, time.Minute, time.Second, ExpiryPolicySilent)

	require.NoError(t, tl.Arm(prepareSignal("S1", "price > 50100")))
	require.NoError(t, tl.Arm(prepareSignal("S2", "price > 50200")))
	stream.tick("BTCUSDT", 50_150) // S1 fired, S2 still armed

	assert.Equal(t, 2, tl.CancelAll())
	assert.False(t, tl.Armed("S1"))
	assert.False(t, tl.Armed("S2"))
	assert.Equal(t, 0, tl.CancelAll(), "idempotent")
}

func TestTriggerSharedStreamRefcount(t *testing.T) {
	stream := newFakeStream()
	tl := NewTriggerLayer(stream, nil, time.Minute, time.Second, ExpiryPolicySilent)

	require.NoError(t, tl.Arm(prepareSignal("S1", "price > 50100")))
	require.NoError(t, tl.Arm(prepareSignal("S2", "price > 50200")))
	assert.Equal(t, 1, stream.subs, "one stream per symbol")

	tl.Abort("S1")
	assert.Equal(t, 0, stream.unsubs, "stream retained while S2 is armed")
	tl.Abort("S2")
	assert.Equal(t, 1, stream.unsubs)
}
