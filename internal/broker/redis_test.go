package broker

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client), mr
}

func TestRedisCacheRoundTrip(t *testing.T) {
	cache, _ := newRedisCache(t)

	cache.Set("k1", OrderResult{Success: true, Filled: true, OrderID: "o1", FillPrice: 50000}, time.Minute)

	got, ok := cache.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "o1", got.OrderID)
	assert.Equal(t, 50000.0, got.FillPrice)
	assert.Equal(t, 1, cache.Len())

	cache.Delete("k1")
	_, ok = cache.Get("k1")
	assert.False(t, ok)
}

func TestRedisCacheTTLExpiry(t *testing.T) {
	cache, mr := newRedisCache(t)

	cache.Set("k1", OrderResult{OrderID: "o1"}, 5*time.Minute)
	mr.FastForward(6 * time.Minute)

	_, ok := cache.Get("k1")
	assert.False(t, ok, "redis-expired entry must miss")
}

func TestRedisCacheMissOnUnknownKey(t *testing.T) {
	cache, _ := newRedisCache(t)
	_, ok := cache.Get("nope")
	assert.False(t, ok)
}

func TestGatewayWithRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mock := NewMockAdapter(10_000)
	mock.SetPrice("BTCUSDT", 50_000)
	gw := NewGateway(mock, GatewayOptions{
		Retry:          fastRetry(),
		IdempotencyTTL: time.Minute,
		Cache:          NewRedisCache(client),
	})

	first := gw.SendOrder(t.Context(), marketBuy("s1"))
	require.True(t, first.Filled)

	second := gw.SendOrder(t.Context(), marketBuy("s1"))
	assert.Equal(t, first.OrderID, second.OrderID)
}
