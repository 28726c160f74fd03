package config

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config holds all tunables for the execution core. Every knob is an explicit
// field; unknown keys in the config file are rejected at load time.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Fees        FeeConfig         `mapstructure:"fees"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Whitelist   WhitelistConfig   `mapstructure:"whitelist"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	L2          L2Config          `mapstructure:"l2"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Drift       DriftConfig       `mapstructure:"drift"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Intents     IntentConfig      `mapstructure:"intents"`
	Backup      BackupConfig      `mapstructure:"backup"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`

	// HMACSecret signs inbound webhooks. Environment-only, never persisted.
	HMACSecret string `mapstructure:"-"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig selects and configures the durable store engine.
type DatabaseConfig struct {
	Type    string `mapstructure:"type"` // "sqlite" or "postgres"
	URL     string `mapstructure:"url"`  // DSN for postgres, file path for sqlite
	PoolMin int    `mapstructure:"pool_min"`
	PoolMax int    `mapstructure:"pool_max"`
}

// BrokerConfig contains active broker credentials and selection.
type BrokerConfig struct {
	Name       string `mapstructure:"name"` // "binance" or "paper"
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Testnet    bool   `mapstructure:"testnet"`
	TimeoutMS  int    `mapstructure:"timeout_ms"`
	MaxRetries int    `mapstructure:"max_retries"`
	RetryDelay int    `mapstructure:"retry_delay_ms"`
}

// FeeConfig contains the broker fee tiers used by the order manager.
type FeeConfig struct {
	MakerPct float64 `mapstructure:"maker_pct"`
	TakerPct float64 `mapstructure:"taker_pct"`
}

// RiskConfig contains the risk tuner percentages per phase and the circuit
// breaker thresholds.
type RiskConfig struct {
	MaxRiskPct           float64 `mapstructure:"max_risk_pct"`
	Phase1RiskPct        float64 `mapstructure:"phase_1_risk_pct"`
	Phase2RiskPct        float64 `mapstructure:"phase_2_risk_pct"`
	MaxDailyLossPct      float64 `mapstructure:"max_daily_loss_pct"`
	MaxConsecutiveLosses int     `mapstructure:"max_consecutive_losses"`
	MaxDrawdownPct       float64 `mapstructure:"max_drawdown_pct"`
	DailyResetHourUTC    int     `mapstructure:"daily_reset_hour_utc"`
}

// WhitelistConfig is the asset whitelist with a master switch.
type WhitelistConfig struct {
	Enabled bool            `mapstructure:"enabled"`
	Assets  map[string]bool `mapstructure:"assets"`
}

// PipelineConfig contains intent pipeline tunables.
type PipelineConfig struct {
	TriggerTimeoutMS    int     `mapstructure:"trigger_timeout_ms"`
	MaxBasisWaitTimeMS  int     `mapstructure:"max_basis_wait_time_ms"`
	MaxBasisTolerance   float64 `mapstructure:"max_basis_tolerance"`   // 0.005 = 0.5%
	DesyncBasisPct      float64 `mapstructure:"desync_basis_pct"`      // 0.01 = 1%
	DesyncWindowMS      int     `mapstructure:"desync_window_ms"`      // sustained window
	ChaseTimeoutMS      int     `mapstructure:"chase_timeout_ms"`      // maker -> taker
	MinTakerMarginPct   float64 `mapstructure:"min_taker_margin_pct"`  // expected profit floor
	PrepareExpiryPolicy string  `mapstructure:"prepare_expiry_policy"` // "expire" or "abort"
}

// L2Config contains the micro-structure validator settings. Zero values for
// the numeric thresholds mean the asset preset default applies.
type L2Config struct {
	Preset         string  `mapstructure:"preset"` // crypto, equity, fx
	MaxCacheAgeMS  int     `mapstructure:"max_cache_age_ms"`
	MinStructure   float64 `mapstructure:"min_structure_score"`
	TopLevels      int     `mapstructure:"top_levels"`
	MinDepth       float64 `mapstructure:"min_depth"`
	MaxSpreadPct   float64 `mapstructure:"max_spread_pct"`
	MaxSlippagePct float64 `mapstructure:"max_slippage_pct"`
}

// RateLimitConfig contains the adaptive per-exchange rate limiter settings.
type RateLimitConfig struct {
	PerSecond        float64 `mapstructure:"per_second"`
	Burst            int     `mapstructure:"burst"`
	MaxBackoffFactor float64 `mapstructure:"max_backoff_factor"`
	RecoveryWindowMS int     `mapstructure:"recovery_window_ms"`
}

// ReconcileConfig contains the reconciliation loop settings.
type ReconcileConfig struct {
	IntervalMS               int     `mapstructure:"interval_ms"`
	SizeEpsilon              float64 `mapstructure:"size_epsilon"`
	SizeRelativeTolerance    float64 `mapstructure:"size_relative_tolerance"` // 0 disables
	MaxConsecutiveMismatches int     `mapstructure:"max_consecutive_mismatches"`
}

// HeartbeatConfig contains the dead-man's switch settings.
type HeartbeatConfig struct {
	IntervalMS int `mapstructure:"interval_ms"`
	MaxMissed  int `mapstructure:"max_missed"`
}

// DriftConfig contains the Z-score PnL drift and flash-crash settings.
type DriftConfig struct {
	WindowSize        int     `mapstructure:"window_size"`
	ExpectedMeanPnL   float64 `mapstructure:"expected_mean_pnl"`
	ZScoreThreshold   float64 `mapstructure:"z_score_threshold"` // negative
	FlashCrashPct     float64 `mapstructure:"flash_crash_pct"`
	FlashCrashWindowS int     `mapstructure:"flash_crash_window_s"`
}

// IdempotencyConfig contains the gateway idempotency cache settings.
type IdempotencyConfig struct {
	TTLMS       int    `mapstructure:"ttl_ms"`
	SweepMS     int    `mapstructure:"sweep_ms"`
	Backend     string `mapstructure:"backend"` // "memory" or "redis"
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisDB     int    `mapstructure:"redis_db"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

// IntentConfig contains pending-intent lifecycle settings.
type IntentConfig struct {
	TTLMS       int `mapstructure:"ttl_ms"`
	SweepMS     int `mapstructure:"sweep_ms"`
	HistorySize int `mapstructure:"history_size"`
}

// BackupConfig contains durable store snapshot settings.
type BackupConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Dir        string `mapstructure:"dir"`
	IntervalMS int    `mapstructure:"interval_ms"`
}

// MonitoringConfig contains prometheus settings.
type MonitoringConfig struct {
	EnableMetrics bool `mapstructure:"enable_metrics"`
	MetricsPort   int  `mapstructure:"metrics_port"`
}

// Load reads configuration from file and environment, applies defaults and
// validates the result. Unknown keys fail the load.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("TITAN")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults plus environment variables apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true // unknown keys are a config error
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyCoreEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "titan")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.url", "data/titan.db")
	v.SetDefault("database.pool_min", 0) // engine default applies
	v.SetDefault("database.pool_max", 0)

	v.SetDefault("broker.name", "paper")
	v.SetDefault("broker.timeout_ms", 5000)
	v.SetDefault("broker.max_retries", 3)
	v.SetDefault("broker.retry_delay_ms", 250)

	v.SetDefault("fees.maker_pct", 0.0002)
	v.SetDefault("fees.taker_pct", 0.0006)

	v.SetDefault("risk.max_risk_pct", 0.05)
	v.SetDefault("risk.phase_1_risk_pct", 0.10)
	v.SetDefault("risk.phase_2_risk_pct", 0.05)
	v.SetDefault("risk.max_daily_loss_pct", 0.05)
	v.SetDefault("risk.max_consecutive_losses", 5)
	v.SetDefault("risk.max_drawdown_pct", 0.15)
	v.SetDefault("risk.daily_reset_hour_utc", 0)

	v.SetDefault("whitelist.enabled", true)
	v.SetDefault("whitelist.assets", map[string]bool{"BTCUSDT": true, "ETHUSDT": true})

	v.SetDefault("pipeline.trigger_timeout_ms", 30000)
	v.SetDefault("pipeline.max_basis_wait_time_ms", 5000)
	v.SetDefault("pipeline.max_basis_tolerance", 0.005)
	v.SetDefault("pipeline.desync_basis_pct", 0.01)
	v.SetDefault("pipeline.desync_window_ms", 300000)
	v.SetDefault("pipeline.chase_timeout_ms", 2000)
	v.SetDefault("pipeline.min_taker_margin_pct", 0.0005)
	v.SetDefault("pipeline.prepare_expiry_policy", "expire")

	v.SetDefault("l2.preset", "crypto")
	v.SetDefault("l2.max_cache_age_ms", 100)
	v.SetDefault("l2.min_structure_score", 60)
	v.SetDefault("l2.top_levels", 10)

	v.SetDefault("rate_limit.per_second", 12)
	v.SetDefault("rate_limit.burst", 12)
	v.SetDefault("rate_limit.max_backoff_factor", 16)
	v.SetDefault("rate_limit.recovery_window_ms", 300000)

	v.SetDefault("reconcile.interval_ms", 60000)
	v.SetDefault("reconcile.size_epsilon", 1e-10)
	v.SetDefault("reconcile.size_relative_tolerance", 0.0)
	v.SetDefault("reconcile.max_consecutive_mismatches", 3)

	v.SetDefault("heartbeat.interval_ms", 30000)
	v.SetDefault("heartbeat.max_missed", 3)

	v.SetDefault("drift.window_size", 30)
	v.SetDefault("drift.expected_mean_pnl", 0.0)
	v.SetDefault("drift.z_score_threshold", -2.0)
	v.SetDefault("drift.flash_crash_pct", 0.05)
	v.SetDefault("drift.flash_crash_window_s", 60)

	v.SetDefault("idempotency.ttl_ms", 300000)
	v.SetDefault("idempotency.sweep_ms", 60000)
	v.SetDefault("idempotency.backend", "memory")
	v.SetDefault("idempotency.redis_prefix", "titan:idem:")

	v.SetDefault("intents.ttl_ms", 300000)
	v.SetDefault("intents.sweep_ms", 30000)
	v.SetDefault("intents.history_size", 1000)

	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.dir", "data/backups")
	v.SetDefault("backup.interval_ms", 3600000)

	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.metrics_port", 9100)
}

// Timeout returns the per-call adapter deadline.
func (c *BrokerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// RetryBackoff returns the base backoff for linear-by-attempt retries.
func (c *BrokerConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryDelay) * time.Millisecond
}

// Interval returns the reconciliation cycle period.
func (c *ReconcileConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// TTL returns the idempotency entry lifetime.
func (c *IdempotencyConfig) TTL() time.Duration {
	return time.Duration(c.TTLMS) * time.Millisecond
}

// SweepInterval returns the idempotency cache sweep period.
func (c *IdempotencyConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepMS) * time.Millisecond
}

// TTL returns the pending-intent lifetime.
func (c *IntentConfig) TTL() time.Duration {
	return time.Duration(c.TTLMS) * time.Millisecond
}

// TriggerTimeout returns the armed-trigger expiry window.
func (c *PipelineConfig) TriggerTimeout() time.Duration {
	return time.Duration(c.TriggerTimeoutMS) * time.Millisecond
}

// ChaseTimeout returns the maker chase window before taker conversion.
func (c *PipelineConfig) ChaseTimeout() time.Duration {
	return time.Duration(c.ChaseTimeoutMS) * time.Millisecond
}

// MaxBasisWait returns the basis-sync intent timeout.
func (c *PipelineConfig) MaxBasisWait() time.Duration {
	return time.Duration(c.MaxBasisWaitTimeMS) * time.Millisecond
}

// MaxCacheAge returns the L2 snapshot staleness cutoff.
func (c *L2Config) MaxCacheAge() time.Duration {
	return time.Duration(c.MaxCacheAgeMS) * time.Millisecond
}

// RecoveryWindow returns the rate limiter backoff recovery window.
func (c *RateLimitConfig) RecoveryWindow() time.Duration {
	return time.Duration(c.RecoveryWindowMS) * time.Millisecond
}
