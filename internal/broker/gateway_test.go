package broker

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanops/titan/internal/safety"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, Delay: time.Millisecond, CallTimeout: time.Second}
}

func newTestGateway(t *testing.T) (*Gateway, *MockAdapter) {
	t.Helper()
	mock := NewMockAdapter(10_000)
	mock.SetPrice("BTCUSDT", 50_000)
	gw := NewGateway(mock, GatewayOptions{Retry: fastRetry(), IdempotencyTTL: time.Minute})
	return gw, mock
}

func marketBuy(signalID string) OrderRequest {
	return OrderRequest{
		SignalID: signalID,
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Type:     TypeMarket,
		Qty:      0.5,
	}
}

func TestSendOrderFills(t *testing.T) {
	gw, _ := newTestGateway(t)

	res := gw.SendOrder(context.Background(), marketBuy("s1"))
	require.True(t, res.Success)
	assert.True(t, res.Filled)
	assert.Equal(t, 50_000.0, res.FillPrice)
	assert.Equal(t, 0.5, res.FilledQty)
	assert.NotEmpty(t, res.OrderID)
}

func TestDuplicateSignalServedFromCache(t *testing.T) {
	gw, mock := newTestGateway(t)

	first := gw.SendOrder(context.Background(), marketBuy("dup"))
	require.True(t, first.Filled)

	second := gw.SendOrder(context.Background(), marketBuy("dup"))
	assert.Equal(t, first.OrderID, second.OrderID, "duplicate must return the original result")

	positions, err := mock.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 0.5, positions[0].Size, "duplicate must not double the position")
}

func TestFailedResultCachedBriefly(t *testing.T) {
	mock := NewMockAdapter(10_000)
	mock.SetPrice("BTCUSDT", 50_000)
	cache := NewMemoryCache()
	current := time.Now()
	cache.now = func() time.Time { return current }
	gw := NewGateway(mock, GatewayOptions{
		Retry:          fastRetry(),
		IdempotencyTTL: time.Minute,
		FailureTTL:     5 * time.Second,
		Cache:          cache,
	})

	mock.FailNext(1, &BrokerError{Code: "INSUFFICIENT_BALANCE", Message: "margin too low"})
	first := gw.SendOrder(context.Background(), marketBuy("s1"))
	require.False(t, first.Success)

	// Within the failure TTL the cached rejection answers.
	second := gw.SendOrder(context.Background(), marketBuy("s1"))
	assert.False(t, second.Success)
	assert.True(t, second.Deduped)

	// After it lapses the replay reaches the recovered venue.
	current = current.Add(6 * time.Second)
	third := gw.SendOrder(context.Background(), marketBuy("s1"))
	require.True(t, third.Success)
	assert.True(t, third.Filled)
}

func TestRetryOnTransientError(t *testing.T) {
	gw, mock := newTestGateway(t)

	mock.FailNext(2, &BrokerError{Code: "ETIMEDOUT", Message: "request timed out", Retryable: true})
	res := gw.SendOrder(context.Background(), marketBuy("s1"))
	assert.True(t, res.Success, "retryable errors within budget must eventually succeed")
	assert.True(t, res.Filled)
}

func TestNoRetryOnPermanentError(t *testing.T) {
	gw, mock := newTestGateway(t)

	mock.FailNext(1, &BrokerError{Code: "INSUFFICIENT_BALANCE", Message: "margin too low"})
	res := gw.SendOrder(context.Background(), marketBuy("s1"))
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "margin too low")

	// Only the single injected failure was consumed: no retries happened.
	check, err := mock.GetAccount(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, check.Equity)
}

func TestRetryBudgetExhausted(t *testing.T) {
	gw, mock := newTestGateway(t)

	mock.FailNext(10, &BrokerError{Code: "ETIMEDOUT", Message: "request timed out", Retryable: true})
	res := gw.SendOrder(context.Background(), marketBuy("s1"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "after 4 attempts")
}

type panicAdapter struct {
	*MockAdapter
}

func (p *panicAdapter) SendOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	panic("adapter exploded")
}

func TestSendOrderNeverPanics(t *testing.T) {
	mock := NewMockAdapter(10_000)
	gw := NewGateway(&panicAdapter{mock}, GatewayOptions{Retry: fastRetry()})

	res := gw.SendOrder(context.Background(), marketBuy("s1"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "internal panic")
}

func TestAdapterSwap(t *testing.T) {
	gw, _ := newTestGateway(t)

	replacement := NewMockAdapter(5000)
	replacement.SetPrice("BTCUSDT", 60_000)
	gw.SetAdapter(replacement)

	res := gw.SendOrder(context.Background(), marketBuy("s1"))
	require.True(t, res.Filled)
	assert.Equal(t, 60_000.0, res.FillPrice)
}

func TestClientOrderIDFormat(t *testing.T) {
	id := ClientOrderID("BTCUSDT", SideBuy)
	matched, err := regexp.MatchString(`^titan_BTCUSDT_BUY_\d{13}_[a-z0-9]{8}$`, id)
	require.NoError(t, err)
	assert.True(t, matched, "got %q", id)

	assert.NotEqual(t, id, ClientOrderID("BTCUSDT", SideBuy))
}

func TestIdempotencyKeyDerivation(t *testing.T) {
	key := IdempotencyKey("signal-123")
	assert.Len(t, key, 32)
	assert.Regexp(t, "^[0-9a-f]+$", key)
	assert.Equal(t, key, IdempotencyKey("signal-123"))
	assert.NotEqual(t, key, IdempotencyKey("signal-124"))
}

func TestMemoryCacheTTLAndSweep(t *testing.T) {
	cache := NewMemoryCache()
	current := time.Now()
	cache.now = func() time.Time { return current }

	cache.Set("k1", OrderResult{OrderID: "o1"}, 5*time.Minute)
	got, ok := cache.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "o1", got.OrderID)

	current = current.Add(6 * time.Minute)
	_, ok = cache.Get("k1")
	assert.False(t, ok, "expired entry must miss")

	assert.Equal(t, 1, cache.Sweep())
	assert.Equal(t, 0, cache.Len())
}

func TestIsRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"flagged", &BrokerError{Code: "X", Message: "whatever", Retryable: true}, true},
		{"code ECONNREFUSED", &BrokerError{Code: "ECONNREFUSED", Message: "refused"}, true},
		{"code RATE_LIMIT", &BrokerError{Code: "RATE_LIMIT", Message: "slow down"}, true},
		{"message timeout", fmt.Errorf("request Timeout while waiting"), true},
		{"message rate limit", fmt.Errorf("hit the rate-limit"), true},
		{"message ECONNRESET", fmt.Errorf("read: ECONNRESET by peer"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"permanent", &BrokerError{Code: "BAD_SYMBOL", Message: "unknown symbol"}, false},
		{"plain", fmt.Errorf("invalid quantity"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestLiquidationStreamFeedsCascadeDetector(t *testing.T) {
	gw, mock := newTestGateway(t)
	detector := safety.NewLiquidationDetector(safety.DefaultLiquidationConfig())

	unsub, err := gw.SubscribeLiquidations("BTCUSDT", func(liq Liquidation) {
		detector.Record(safety.LiquidationEvent{
			Symbol:    liq.Symbol,
			Side:      liq.Side,
			Notional:  liq.Price * liq.Qty,
			Timestamp: liq.Timestamp,
		})
	})
	require.NoError(t, err)
	defer unsub()

	ok, _ := detector.Check("LONG")
	require.True(t, ok, "no cascade before any liquidations")

	// 2.5M notional of forced long liquidations within the window.
	mock.SetLiquidation("BTCUSDT", "LONG", 50_000, 50)

	ok, reason := detector.Check("LONG")
	assert.False(t, ok, "a long-liquidation cascade must block new longs")
	assert.Equal(t, "LIQUIDATION_CASCADE", reason)

	ok, _ = detector.Check("SHORT")
	assert.True(t, ok, "a moderate cascade only blocks the cascade direction")
}

func TestMockTradeStream(t *testing.T) {
	mock := NewMockAdapter(10_000)

	got := make(chan Trade, 1)
	unsub, err := mock.SubscribeTrades("BTCUSDT", func(tr Trade) { got <- tr })
	require.NoError(t, err)

	mock.SetPrice("BTCUSDT", 51_000)
	select {
	case tr := <-got:
		assert.Equal(t, 51_000.0, tr.Price)
	case <-time.After(time.Second):
		t.Fatal("no trade received")
	}

	unsub()
	mock.SetPrice("BTCUSDT", 52_000)
	select {
	case <-got:
		t.Fatal("received trade after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}
