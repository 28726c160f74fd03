package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a single configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation.
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateSecrets()...)
	errors = append(errors, c.validateRisk()...)
	errors = append(errors, c.validateFees()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateBroker()...)
	errors = append(errors, c.validateRateLimit()...)
	errors = append(errors, c.validateReconcile()...)
	errors = append(errors, c.validateL2()...)

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	switch c.App.Environment {
	case "development", "staging", "production":
	default:
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("must be development, staging or production, got %q", c.App.Environment),
		})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("must be 1-65535, got %d", c.Server.Port),
		})
	}

	return errors
}

func (c *Config) validateSecrets() ValidationErrors {
	var errors ValidationErrors

	if c.Broker.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   EnvBrokerAPIKey,
			Message: "broker API key is required",
		})
	}
	if c.Broker.APISecret == "" {
		errors = append(errors, ValidationError{
			Field:   EnvBrokerAPISecret,
			Message: "broker API secret is required",
		})
	}
	if c.HMACSecret == "" {
		errors = append(errors, ValidationError{
			Field:   EnvHMACSecret,
			Message: "webhook HMAC secret is required",
		})
	} else if len(c.HMACSecret) < minHMACSecretLen {
		errors = append(errors, ValidationError{
			Field:   EnvHMACSecret,
			Message: fmt.Sprintf("must be at least %d characters, got %d", minHMACSecretLen, len(c.HMACSecret)),
		})
	}

	return errors
}

func (c *Config) validateRisk() ValidationErrors {
	var errors ValidationErrors

	if c.Risk.MaxRiskPct < 0.01 || c.Risk.MaxRiskPct > 0.20 {
		errors = append(errors, ValidationError{
			Field:   "risk.max_risk_pct",
			Message: fmt.Sprintf("must be between 0.01 and 0.20, got %g", c.Risk.MaxRiskPct),
		})
	}
	if c.Risk.Phase1RiskPct < 0.01 || c.Risk.Phase1RiskPct > 0.50 {
		errors = append(errors, ValidationError{
			Field:   "risk.phase_1_risk_pct",
			Message: fmt.Sprintf("must be between 0.01 and 0.50, got %g", c.Risk.Phase1RiskPct),
		})
	}
	if c.Risk.Phase2RiskPct < 0.01 || c.Risk.Phase2RiskPct > 0.50 {
		errors = append(errors, ValidationError{
			Field:   "risk.phase_2_risk_pct",
			Message: fmt.Sprintf("must be between 0.01 and 0.50, got %g", c.Risk.Phase2RiskPct),
		})
	}
	if c.Risk.DailyResetHourUTC < 0 || c.Risk.DailyResetHourUTC > 23 {
		errors = append(errors, ValidationError{
			Field:   "risk.daily_reset_hour_utc",
			Message: fmt.Sprintf("must be 0-23, got %d", c.Risk.DailyResetHourUTC),
		})
	}

	return errors
}

func (c *Config) validateFees() ValidationErrors {
	var errors ValidationErrors

	if c.Fees.MakerPct < 0 || c.Fees.MakerPct > 0.01 {
		errors = append(errors, ValidationError{
			Field:   "fees.maker_pct",
			Message: fmt.Sprintf("must be between 0 and 0.01, got %g", c.Fees.MakerPct),
		})
	}
	if c.Fees.TakerPct < 0 || c.Fees.TakerPct > 0.01 {
		errors = append(errors, ValidationError{
			Field:   "fees.taker_pct",
			Message: fmt.Sprintf("must be between 0 and 0.01, got %g", c.Fees.TakerPct),
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		errors = append(errors, ValidationError{
			Field:   "database.type",
			Message: fmt.Sprintf("must be sqlite or postgres, got %q", c.Database.Type),
		})
	}
	if c.Database.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "database.url",
			Message: "database URL/path is required",
		})
	}
	if c.Database.PoolMin < 0 || (c.Database.PoolMax > 0 && c.Database.PoolMin > c.Database.PoolMax) {
		errors = append(errors, ValidationError{
			Field:   "database.pool_min",
			Message: "pool_min must be >= 0 and <= pool_max",
		})
	}

	return errors
}

func (c *Config) validateBroker() ValidationErrors {
	var errors ValidationErrors

	switch c.Broker.Name {
	case "binance", "paper":
	default:
		errors = append(errors, ValidationError{
			Field:   "broker.name",
			Message: fmt.Sprintf("must be binance or paper, got %q", c.Broker.Name),
		})
	}
	if c.Broker.TimeoutMS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "broker.timeout_ms",
			Message: "must be positive",
		})
	}
	if c.Broker.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "broker.max_retries",
			Message: "must not be negative",
		})
	}

	return errors
}

func (c *Config) validateRateLimit() ValidationErrors {
	var errors ValidationErrors

	if c.RateLimit.PerSecond <= 0 {
		errors = append(errors, ValidationError{
			Field:   "rate_limit.per_second",
			Message: fmt.Sprintf("must be positive, got %g", c.RateLimit.PerSecond),
		})
	}
	if c.RateLimit.MaxBackoffFactor < 1 {
		errors = append(errors, ValidationError{
			Field:   "rate_limit.max_backoff_factor",
			Message: "must be >= 1",
		})
	}

	return errors
}

func (c *Config) validateReconcile() ValidationErrors {
	var errors ValidationErrors

	if c.Reconcile.IntervalMS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "reconcile.interval_ms",
			Message: "must be positive",
		})
	}
	if c.Reconcile.MaxConsecutiveMismatches < 1 {
		errors = append(errors, ValidationError{
			Field:   "reconcile.max_consecutive_mismatches",
			Message: "must be >= 1",
		})
	}
	if c.Reconcile.SizeEpsilon <= 0 {
		errors = append(errors, ValidationError{
			Field:   "reconcile.size_epsilon",
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateL2() ValidationErrors {
	var errors ValidationErrors

	switch c.L2.Preset {
	case "crypto", "equity", "fx":
	default:
		errors = append(errors, ValidationError{
			Field:   "l2.preset",
			Message: fmt.Sprintf("must be crypto, equity or fx, got %q", c.L2.Preset),
		})
	}
	if c.L2.MaxCacheAgeMS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "l2.max_cache_age_ms",
			Message: "must be positive",
		})
	}
	if c.L2.MinStructure < 0 || c.L2.MinStructure > 100 {
		errors = append(errors, ValidationError{
			Field:   "l2.min_structure_score",
			Message: fmt.Sprintf("must be 0-100, got %g", c.L2.MinStructure),
		})
	}

	return errors
}
