package l2

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deepBook is a tight, liquid book that passes every crypto-preset check.
func deepBook() ([]Level, []Level) {
	bids := []Level{
		{Price: 49999, Qty: 2},
		{Price: 49998, Qty: 3},
		{Price: 49997, Qty: 5},
	}
	asks := []Level{
		{Price: 50001, Qty: 2},
		{Price: 50002, Qty: 3},
		{Price: 50003, Qty: 5},
	}
	return bids, asks
}

func newTestValidator(t *testing.T) (*Validator, *BookCache) {
	t.Helper()
	cache := NewBookCache()
	return NewValidator(cache, PresetCrypto), cache
}

func validRequest() CheckRequest {
	return CheckRequest{
		Symbol:         "BTCUSDT",
		Side:           Buy,
		Size:           0.5,
		StructureScore: 75,
		MomentumScore:  50,
	}
}

func TestValidatePasses(t *testing.T) {
	v, cache := newTestValidator(t)
	bids, asks := deepBook()
	cache.Update("BTCUSDT", bids, asks)

	res := v.Validate(validRequest())
	assert.True(t, res.Valid)
	assert.Empty(t, res.Reason)
	assert.Equal(t, RecommendLimit, res.Recommendation)
}

func TestValidateMissingBook(t *testing.T) {
	v, _ := newTestValidator(t)
	res := v.Validate(validRequest())
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonNoBook, res.Reason)
}

func TestValidateStaleCache(t *testing.T) {
	v, cache := newTestValidator(t)
	bids, asks := deepBook()
	cache.UpdateAt("BTCUSDT", bids, asks, time.Now().Add(-200*time.Millisecond))

	res := v.Validate(validRequest())
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonStaleCache, res.Reason)
}

func TestValidateStructureScore(t *testing.T) {
	v, cache := newTestValidator(t)
	bids, asks := deepBook()
	cache.Update("BTCUSDT", bids, asks)

	req := validRequest()
	req.StructureScore = 59
	res := v.Validate(req)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonLowStructure, res.Reason)
}

func TestValidateThinDepth(t *testing.T) {
	v, cache := newTestValidator(t)
	cache.Update("BTCUSDT",
		[]Level{{Price: 100, Qty: 1}},
		[]Level{{Price: 101, Qty: 1}})

	res := v.Validate(validRequest())
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonThinDepth, res.Reason)
}

func TestValidateWideSpread(t *testing.T) {
	v, cache := newTestValidator(t)
	// ~0.4% spread, well above the 0.10% crypto cap.
	cache.Update("BTCUSDT",
		[]Level{{Price: 49900, Qty: 10}},
		[]Level{{Price: 50100, Qty: 10}})

	res := v.Validate(validRequest())
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonWideSpread, res.Reason)
}

func TestMomentumRelaxesSpreadCap(t *testing.T) {
	v, cache := newTestValidator(t)
	// ~0.12% spread: above the 0.10% cap, inside the x1.25 relaxed cap.
	cache.Update("BTCUSDT",
		[]Level{{Price: 49970, Qty: 10}},
		[]Level{{Price: 50030, Qty: 10}})

	req := validRequest()
	res := v.Validate(req)
	require.Equal(t, ReasonWideSpread, res.Reason)

	req.MomentumScore = 85
	res = v.Validate(req)
	assert.True(t, res.Valid, "momentum > 80 must widen the spread cap by 1.25x")
}

func TestValidateSlippage(t *testing.T) {
	v, cache := newTestValidator(t)
	// Thin top level forces a deep, expensive walk for a large buy.
	cache.Update("BTCUSDT",
		[]Level{{Price: 49999, Qty: 100}},
		[]Level{
			{Price: 50001, Qty: 0.1},
			{Price: 50300, Qty: 10},
		})

	req := validRequest()
	req.Size = 5
	res := v.Validate(req)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonHighSlippage, res.Reason)
}

func TestSimulateSlippageImpossibleFill(t *testing.T) {
	book := &Book{
		Asks: []Level{{Price: 100, Qty: 1}},
	}
	assert.True(t, math.IsInf(SimulateSlippage(book, Buy, 5), 1))
}

func TestSimulateSlippageVWAP(t *testing.T) {
	book := &Book{
		Asks: []Level{
			{Price: 100, Qty: 1},
			{Price: 102, Qty: 1},
		},
	}
	// Fill of 2: VWAP 101 vs best 100 = 1%.
	assert.InDelta(t, 1.0, SimulateSlippage(book, Buy, 2), 1e-9)
}

func TestOBIRecommendations(t *testing.T) {
	tests := []struct {
		name      string
		side      Side
		bidQty    float64
		askQty    float64
		valid     bool
		reason    string
		recommend string
	}{
		{"buy balanced", Buy, 10, 10, true, "", RecommendLimit},
		{"buy heavy bids", Buy, 30, 10, true, "", RecommendMarket},
		{"buy heavy asks", Buy, 4, 10, false, ReasonAdverseOBI, ""},
		{"sell balanced", Sell, 10, 10, true, "", RecommendLimit},
		{"sell heavy asks", Sell, 4, 10, true, "", RecommendMarket},
		{"sell heavy bids", Sell, 30, 10, false, ReasonAdverseOBI, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, cache := newTestValidator(t)
			cache.Update("BTCUSDT",
				[]Level{{Price: 49999.5, Qty: tt.bidQty}},
				[]Level{{Price: 50000.5, Qty: tt.askQty}})

			req := validRequest()
			req.Side = tt.side
			req.Size = 1

			res := v.Validate(req)
			assert.Equal(t, tt.valid, res.Valid)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, res.Reason)
			}
			if tt.recommend != "" {
				assert.Equal(t, tt.recommend, res.Recommendation)
			}
		})
	}
}

func TestParseLevels(t *testing.T) {
	levels, err := ParseLevels([][2]string{{"50000.10", "0.5"}, {"49999.90", "1.25"}})
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, 50000.10, levels[0].Price)
	assert.Equal(t, 1.25, levels[1].Qty)

	_, err = ParseLevels([][2]string{{"abc", "1"}})
	assert.Error(t, err)
	_, err = ParseLevels([][2]string{{"-1", "1"}})
	assert.Error(t, err)
}

func TestMidPrice(t *testing.T) {
	cache := NewBookCache()
	cache.Update("BTCUSDT",
		[]Level{{Price: 49999, Qty: 1}},
		[]Level{{Price: 50001, Qty: 1}})

	mid, err := cache.MidPrice("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, mid)

	_, err = cache.MidPrice("ETHUSDT")
	assert.Error(t, err)
}
