// Package regime defines the market regime vector consumed by the execution
// core. The vector is produced by an external regime engine; this package only
// carries the shape and the snapshot provider contract.
package regime

import (
	"sync"
	"time"
)

// State is the coarse regime direction.
type State int

const (
	StateBearish State = -1
	StateNeutral State = 0
	StateBullish State = 1
)

// Recommendation is the regime model's trade-style recommendation.
type Recommendation string

const (
	RecommendTrendFollow Recommendation = "TREND_FOLLOW"
	RecommendMeanRevert  Recommendation = "MEAN_REVERT"
	RecommendNoTrade     Recommendation = "NO_TRADE"
)

// Vector is the opaque regime snapshot attached to intents and positions.
type Vector struct {
	Symbol               string         `json:"symbol"`
	RegimeState          State          `json:"regime_state"`
	TrendState           string         `json:"trend_state"`
	VolState             string         `json:"vol_state"`
	MarketStructureScore float64        `json:"market_structure_score"` // 0-100
	MomentumScore        float64        `json:"momentum_score"`
	Hurst                float64        `json:"hurst"`
	Entropy              float64        `json:"entropy"`
	VPIN                 float64        `json:"vpin"`
	ModelRecommendation  Recommendation `json:"model_recommendation"`
	Timestamp            time.Time      `json:"timestamp"`
}

// Provider supplies the latest regime vector for a symbol. Implemented by the
// external regime engine client; a nil vector means no reading is available.
type Provider interface {
	Latest(symbol string) *Vector
}

// StaticProvider serves fixed vectors, used in tests and paper mode.
type StaticProvider struct {
	Vectors map[string]*Vector
}

func (p *StaticProvider) Latest(symbol string) *Vector {
	if p == nil || p.Vectors == nil {
		return nil
	}
	return p.Vectors[symbol]
}

// CachedProvider holds the latest vector pushed per symbol by the external
// regime engine. A reading older than maxAge reads as no reading at all.
type CachedProvider struct {
	mu      sync.RWMutex
	vectors map[string]Vector
	maxAge  time.Duration
	now     func() time.Time
}

// NewCachedProvider creates a push-fed provider. maxAge <= 0 disables the
// staleness cutoff.
func NewCachedProvider(maxAge time.Duration) *CachedProvider {
	return &CachedProvider{
		vectors: make(map[string]Vector),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Update stores the latest vector for its symbol.
func (p *CachedProvider) Update(v Vector) {
	if v.Timestamp.IsZero() {
		v.Timestamp = p.now()
	}
	p.mu.Lock()
	p.vectors[v.Symbol] = v
	p.mu.Unlock()
}

// Latest returns the most recent non-stale vector for symbol, or nil.
func (p *CachedProvider) Latest(symbol string) *Vector {
	p.mu.RLock()
	v, ok := p.vectors[symbol]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	if p.maxAge > 0 && p.now().Sub(v.Timestamp) > p.maxAge {
		return nil
	}
	return &v
}
