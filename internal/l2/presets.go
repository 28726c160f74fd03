package l2

import "strings"

// Preset seeds the numeric validation thresholds for an asset class.
type Preset struct {
	Name string

	// MaxAge is the cache freshness bound in milliseconds.
	MaxAgeMs int64
	// MinStructureScore is the minimum acceptable market structure score.
	MinStructureScore float64
	// MinDepth is the minimum notional (sum of price*qty over both sides).
	MinDepth float64
	// MaxSpreadPct caps (ask-bid)/mid.
	MaxSpreadPct float64
	// MaxSlippagePct caps the simulated fill VWAP deviation from best price.
	MaxSlippagePct float64
	// OBILevels is the number of top-of-book levels in the imbalance ratio.
	OBILevels int
}

// Mandatory presets. Numbers reflect typical venue characteristics: crypto
// books are deep and fast, equity spreads are tighter with thinner visible
// depth, fx spreads are tightest of all.
var (
	PresetCrypto = Preset{
		Name:              "crypto",
		MaxAgeMs:          100,
		MinStructureScore: 60,
		MinDepth:          50_000,
		MaxSpreadPct:      0.10,
		MaxSlippagePct:    0.15,
		OBILevels:         10,
	}
	PresetEquity = Preset{
		Name:              "equity",
		MaxAgeMs:          100,
		MinStructureScore: 60,
		MinDepth:          25_000,
		MaxSpreadPct:      0.05,
		MaxSlippagePct:    0.08,
		OBILevels:         5,
	}
	PresetFX = Preset{
		Name:              "fx",
		MaxAgeMs:          100,
		MinStructureScore: 60,
		MinDepth:          100_000,
		MaxSpreadPct:      0.02,
		MaxSlippagePct:    0.03,
		OBILevels:         5,
	}
)

// PresetFor returns the preset for an asset class name, defaulting to crypto.
func PresetFor(assetClass string) Preset {
	switch strings.ToLower(assetClass) {
	case "equity":
		return PresetEquity
	case "fx":
		return PresetFX
	default:
		return PresetCrypto
	}
}
