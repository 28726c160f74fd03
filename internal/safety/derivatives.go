package safety

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Funding regime classes, by annualized funding rate.
const (
	RegimeExtremeGreed = "EXTREME_GREED" // > 100%
	RegimeHighGreed    = "HIGH_GREED"    // 50% to 100%
	RegimeExtremeFear  = "EXTREME_FEAR"  // < -50%
	RegimeNeutral      = "NEUTRAL"
)

// Permission is what a funding class allows per direction.
type Permission struct {
	LongAllowed    bool    `json:"long_allowed"`
	ShortAllowed   bool    `json:"short_allowed"`
	SizeMultiplier float64 `json:"size_multiplier"`
}

// DerivativesRegime classifies perpetual funding into greed/fear classes and
// gates direction and size accordingly. Extreme positive funding means longs
// pay through the nose to stay in: a crowded long market that punishes new
// longs and pays shorts, hence the asymmetric permissions.
type DerivativesRegime struct {
	log zerolog.Logger
}

// NewDerivativesRegime creates the regime gate.
func NewDerivativesRegime() *DerivativesRegime {
	return &DerivativesRegime{
		log: log.With().Str("component", "derivatives_regime").Logger(),
	}
}

// Annualize converts an 8-hour funding rate to an annualized percentage:
// rate * 3 fundings/day * 365 days * 100.
func Annualize(fundingRate float64) float64 {
	return fundingRate * 3 * 365 * 100
}

// Classify maps an 8-hour funding rate to its regime class.
func (d *DerivativesRegime) Classify(fundingRate float64) string {
	annualized := Annualize(fundingRate)
	switch {
	case annualized > 100:
		return RegimeExtremeGreed
	case annualized >= 50:
		return RegimeHighGreed
	case annualized < -50:
		return RegimeExtremeFear
	default:
		return RegimeNeutral
	}
}

// PermissionFor returns the direction permissions and size multiplier for a
// regime class.
func (d *DerivativesRegime) PermissionFor(class string) Permission {
	switch class {
	case RegimeExtremeGreed:
		return Permission{LongAllowed: false, ShortAllowed: true, SizeMultiplier: 0.25}
	case RegimeHighGreed:
		return Permission{LongAllowed: true, ShortAllowed: true, SizeMultiplier: 0.5}
	case RegimeExtremeFear:
		return Permission{LongAllowed: true, ShortAllowed: false, SizeMultiplier: 0.25}
	default:
		return Permission{LongAllowed: true, ShortAllowed: true, SizeMultiplier: 1}
	}
}

// Check gates one signal. direction is +1 long / -1 short; size is the
// requested size. Returns the adjusted size, or ok=false with a reason.
func (d *DerivativesRegime) Check(fundingRate float64, direction int, size float64) (adjusted float64, ok bool, reason string) {
	class := d.Classify(fundingRate)
	perm := d.PermissionFor(class)

	if direction > 0 && !perm.LongAllowed {
		d.log.Warn().Str("class", class).Msg("Long entry blocked by funding regime")
		return 0, false, "derivatives_regime_" + class
	}
	if direction < 0 && !perm.ShortAllowed {
		d.log.Warn().Str("class", class).Msg("Short entry blocked by funding regime")
		return 0, false, "derivatives_regime_" + class
	}
	return size * perm.SizeMultiplier, true, ""
}
