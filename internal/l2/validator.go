package l2

import (
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Rejection reasons, in check order.
const (
	ReasonNoBook        = "NO_L2_BOOK"
	ReasonStaleCache    = "STALE_L2_CACHE"
	ReasonLowStructure  = "LOW_STRUCTURE_SCORE"
	ReasonThinDepth     = "INSUFFICIENT_DEPTH"
	ReasonWideSpread    = "SPREAD_TOO_WIDE"
	ReasonHighSlippage  = "EXCESSIVE_SLIPPAGE"
	ReasonAdverseOBI    = "UNFAVORABLE_OBI"
	ReasonOneSidedBook  = "ONE_SIDED_BOOK"
)

// Order type recommendations.
const (
	RecommendLimit  = "LIMIT"
	RecommendMarket = "MARKET"
)

// Side of the intended order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// CheckRequest carries everything the validator needs for one decision.
type CheckRequest struct {
	Symbol         string
	Side           Side
	Size           float64
	StructureScore float64
	MomentumScore  float64
}

// Result is the validation outcome. When Valid is false, Reason names the
// first failed check. Recommendation is set whenever OBI was evaluated.
type Result struct {
	Valid          bool    `json:"valid"`
	Reason         string  `json:"reason,omitempty"`
	Recommendation string  `json:"recommendation,omitempty"`
	SpreadPct      float64 `json:"spread_pct"`
	SlippagePct    float64 `json:"slippage_pct"`
	OBI            float64 `json:"obi"`
	DepthNotional  float64 `json:"depth_notional"`
}

// Validator runs the ordered pre-trade checks against a BookCache.
type Validator struct {
	cache  *BookCache
	preset Preset
	now    func() time.Time
	log    zerolog.Logger
}

// NewValidator creates a validator with the given asset preset.
func NewValidator(cache *BookCache, preset Preset) *Validator {
	return &Validator{
		cache:  cache,
		preset: preset,
		now:    time.Now,
		log:    log.With().Str("component", "l2_validator").Logger(),
	}
}

// Validate runs the checks in order and returns on the first failure:
// freshness, structure score, depth, spread, slippage, OBI. High momentum
// relaxes the spread and slippage caps (x1.5 above 90, x1.25 above 80).
func (v *Validator) Validate(req CheckRequest) Result {
	book := v.cache.Get(req.Symbol)
	if book == nil {
		return Result{Reason: ReasonNoBook}
	}

	age := v.now().Sub(book.UpdatedAt)
	if age > time.Duration(v.preset.MaxAgeMs)*time.Millisecond {
		v.log.Debug().Str("symbol", req.Symbol).Dur("age", age).Msg("Stale L2 cache")
		return Result{Reason: ReasonStaleCache}
	}

	if req.StructureScore < v.preset.MinStructureScore {
		return Result{Reason: ReasonLowStructure}
	}

	res := Result{DepthNotional: depthNotional(book)}
	if res.DepthNotional < v.preset.MinDepth {
		res.Reason = ReasonThinDepth
		return res
	}

	bid, ask := book.BestBid(), book.BestAsk()
	if bid.Price <= 0 || ask.Price <= 0 {
		res.Reason = ReasonOneSidedBook
		return res
	}

	maxSpread := v.preset.MaxSpreadPct * relaxation(req.MomentumScore)
	maxSlippage := v.preset.MaxSlippagePct * relaxation(req.MomentumScore)

	mid := (bid.Price + ask.Price) / 2
	res.SpreadPct = (ask.Price - bid.Price) / mid * 100
	if res.SpreadPct > maxSpread {
		res.Reason = ReasonWideSpread
		return res
	}

	res.SlippagePct = SimulateSlippage(book, req.Side, req.Size)
	if res.SlippagePct > maxSlippage {
		res.Reason = ReasonHighSlippage
		return res
	}

	res.OBI = Imbalance(book, v.preset.OBILevels)
	res.Recommendation = RecommendLimit
	switch req.Side {
	case Buy:
		if res.OBI < 0.5 {
			res.Reason = ReasonAdverseOBI
			return res
		}
		if res.OBI > 2.0 {
			res.Recommendation = RecommendMarket
		}
	case Sell:
		if res.OBI > 2.0 {
			res.Reason = ReasonAdverseOBI
			return res
		}
		if res.OBI < 0.5 {
			res.Recommendation = RecommendMarket
		}
	}

	res.Valid = true
	return res
}

// relaxation widens spread and slippage caps when momentum is strong.
func relaxation(momentumScore float64) float64 {
	switch {
	case momentumScore > 90:
		return 1.5
	case momentumScore > 80:
		return 1.25
	default:
		return 1.0
	}
}

// depthNotional sums price*qty over every cached level on both sides.
func depthNotional(book *Book) float64 {
	var total float64
	for _, lv := range book.Bids {
		total += lv.Price * lv.Qty
	}
	for _, lv := range book.Asks {
		total += lv.Price * lv.Qty
	}
	return total
}

// SimulateSlippage walks the book for size and returns the fill VWAP's
// deviation from best price in percent. An impossible fill returns +Inf.
func SimulateSlippage(book *Book, side Side, size float64) float64 {
	levels := book.Asks
	if side == Sell {
		levels = book.Bids
	}
	if len(levels) == 0 || size <= 0 {
		return math.Inf(1)
	}

	best := levels[0].Price
	remaining := size
	var cost float64
	for _, lv := range levels {
		take := math.Min(remaining, lv.Qty)
		cost += take * lv.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		return math.Inf(1)
	}

	vwap := cost / size
	return math.Abs(vwap-best) / best * 100
}

// Imbalance returns sum(bid qty)/sum(ask qty) over the top n levels. An empty
// ask side yields +Inf.
func Imbalance(book *Book, n int) float64 {
	var bidQty, askQty float64
	for i, lv := range book.Bids {
		if i >= n {
			break
		}
		bidQty += lv.Qty
	}
	for i, lv := range book.Asks {
		if i >= n {
			break
		}
		askQty += lv.Qty
	}
	if askQty == 0 {
		return math.Inf(1)
	}
	return bidQty / askQty
}
