package config

import (
	"fmt"
	"os"
	"strconv"
)

// Core environment variables, validated on startup. A failed validation makes
// the process exit non-zero before any component starts.
const (
	EnvBrokerAPIKey    = "BROKER_API_KEY"
	EnvBrokerAPISecret = "BROKER_API_SECRET"
	EnvHMACSecret      = "HMAC_SECRET"
	EnvMaxRiskPct      = "MAX_RISK_PCT"
	EnvPhase1RiskPct   = "PHASE_1_RISK_PCT"
	EnvPhase2RiskPct   = "PHASE_2_RISK_PCT"
	EnvMakerFeePct     = "MAKER_FEE_PCT"
	EnvTakerFeePct     = "TAKER_FEE_PCT"
	EnvRateLimitPerSec = "RATE_LIMIT_PER_SEC"
	EnvDatabaseType    = "DATABASE_TYPE"
	EnvDatabaseURL     = "DATABASE_URL"
)

const minHMACSecretLen = 32

// applyCoreEnv overlays the core environment variables onto the config. It
// returns ValidationErrors for anything malformed so the caller can exit 1.
func applyCoreEnv(cfg *Config) error {
	var errs ValidationErrors

	if v := os.Getenv(EnvBrokerAPIKey); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv(EnvBrokerAPISecret); v != "" {
		cfg.Broker.APISecret = v
	}
	if v := os.Getenv(EnvHMACSecret); v != "" {
		cfg.HMACSecret = v
	}

	if v, ok, err := envFloat(EnvMaxRiskPct); err != nil {
		errs = append(errs, ValidationError{Field: EnvMaxRiskPct, Message: err.Error()})
	} else if ok {
		cfg.Risk.MaxRiskPct = v
	}
	if v, ok, err := envFloat(EnvPhase1RiskPct); err != nil {
		errs = append(errs, ValidationError{Field: EnvPhase1RiskPct, Message: err.Error()})
	} else if ok {
		cfg.Risk.Phase1RiskPct = v
	}
	if v, ok, err := envFloat(EnvPhase2RiskPct); err != nil {
		errs = append(errs, ValidationError{Field: EnvPhase2RiskPct, Message: err.Error()})
	} else if ok {
		cfg.Risk.Phase2RiskPct = v
	}
	if v, ok, err := envFloat(EnvMakerFeePct); err != nil {
		errs = append(errs, ValidationError{Field: EnvMakerFeePct, Message: err.Error()})
	} else if ok {
		cfg.Fees.MakerPct = v
	}
	if v, ok, err := envFloat(EnvTakerFeePct); err != nil {
		errs = append(errs, ValidationError{Field: EnvTakerFeePct, Message: err.Error()})
	} else if ok {
		cfg.Fees.TakerPct = v
	}
	if v, ok, err := envFloat(EnvRateLimitPerSec); err != nil {
		errs = append(errs, ValidationError{Field: EnvRateLimitPerSec, Message: err.Error()})
	} else if ok {
		cfg.RateLimit.PerSecond = v
	}

	if v := os.Getenv(EnvDatabaseType); v != "" {
		cfg.Database.Type = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.Database.URL = v
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func envFloat(name string) (float64, bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("must be a number, got %q", raw)
	}
	return v, true, nil
}
