package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvBrokerAPIKey, "test-key")
	t.Setenv(EnvBrokerAPISecret, "test-secret")
	t.Setenv(EnvHMACSecret, "0123456789abcdef0123456789abcdef")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 0.0002, cfg.Fees.MakerPct)
	assert.Equal(t, 0.0006, cfg.Fees.TakerPct)
	assert.Equal(t, 12.0, cfg.RateLimit.PerSecond)
	assert.Equal(t, 3, cfg.Reconcile.MaxConsecutiveMismatches)
	assert.Equal(t, 1e-10, cfg.Reconcile.SizeEpsilon)
	assert.Equal(t, 300000, cfg.Idempotency.TTLMS)
	assert.Equal(t, 3, cfg.Heartbeat.MaxMissed)
	assert.Equal(t, 30, cfg.Drift.WindowSize)
}

func TestLoadMissingSecrets(t *testing.T) {
	t.Setenv(EnvBrokerAPIKey, "")
	t.Setenv(EnvBrokerAPISecret, "")
	t.Setenv(EnvHMACSecret, "")

	_, err := Load("")
	require.Error(t, err)

	verrs, ok := err.(ValidationErrors)
	require.True(t, ok, "expected ValidationErrors, got %T", err)
	fields := make(map[string]bool)
	for _, e := range verrs {
		fields[e.Field] = true
	}
	assert.True(t, fields[EnvBrokerAPIKey])
	assert.True(t, fields[EnvBrokerAPISecret])
	assert.True(t, fields[EnvHMACSecret])
}

func TestLoadShortHMACSecret(t *testing.T) {
	t.Setenv(EnvBrokerAPIKey, "k")
	t.Setenv(EnvBrokerAPISecret, "s")
	t.Setenv(EnvHMACSecret, "too-short")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")
}

func TestLoadRiskRanges(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		value string
	}{
		{"max risk too high", EnvMaxRiskPct, "0.25"},
		{"max risk too low", EnvMaxRiskPct, "0.001"},
		{"phase 1 too high", EnvPhase1RiskPct, "0.60"},
		{"phase 2 too low", EnvPhase2RiskPct, "0.005"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.env, tt.value)

			_, err := Load("")
			require.Error(t, err)
		})
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(EnvMaxRiskPct, "0.15")
	t.Setenv(EnvRateLimitPerSec, "20")
	t.Setenv(EnvDatabaseType, "postgres")
	t.Setenv(EnvDatabaseURL, "postgres://localhost/titan")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.15, cfg.Risk.MaxRiskPct)
	assert.Equal(t, 20.0, cfg.RateLimit.PerSecond)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "postgres://localhost/titan", cfg.Database.URL)
}

func TestLoadInvalidEnvNumber(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(EnvMaxRiskPct, "not-a-number")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a number")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  log_level: debug\n  mystery_knob: 42\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadInvalidDatabaseType(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(EnvDatabaseType, "mongodb")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite or postgres")
}
