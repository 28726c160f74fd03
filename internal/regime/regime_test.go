package regime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedProviderServesLatest(t *testing.T) {
	p := NewCachedProvider(time.Minute)

	assert.Nil(t, p.Latest("BTCUSDT"))

	p.Update(Vector{Symbol: "BTCUSDT", MarketStructureScore: 60})
	p.Update(Vector{Symbol: "BTCUSDT", MarketStructureScore: 75})

	v := p.Latest("BTCUSDT")
	require.NotNil(t, v)
	assert.Equal(t, 75.0, v.MarketStructureScore)
	assert.False(t, v.Timestamp.IsZero(), "timestamp is stamped on update")
}

func TestCachedProviderExpiresStaleReadings(t *testing.T) {
	p := NewCachedProvider(time.Minute)
	now := time.Now()
	p.now = func() time.Time { return now }

	p.Update(Vector{Symbol: "ETHUSDT", MomentumScore: 40})
	require.NotNil(t, p.Latest("ETHUSDT"))

	now = now.Add(2 * time.Minute)
	assert.Nil(t, p.Latest("ETHUSDT"), "reading past max age reads as absent")
}

func TestStaticProviderNilSafe(t *testing.T) {
	var p *StaticProvider
	assert.Nil(t, p.Latest("BTCUSDT"))
}
