package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/bus"
)

// RejectReasonAssetDisabled is the gate veto for non-whitelisted symbols.
const RejectReasonAssetDisabled = "ASSET_DISABLED"

// ConnectionTester validates broker credentials before they are accepted.
// Implemented by the broker gateway.
type ConnectionTester interface {
	TestConnection(ctx context.Context, apiKey, apiSecret string) error
}

// SignalCheck is the result of a whitelist gate check.
type SignalCheck struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Manager owns runtime-mutable configuration: the risk tuner, the asset
// whitelist and the active broker credentials. Every mutation emits
// config:changed on the bus. Secrets are never returned by GetConfig.
type Manager struct {
	mu     sync.RWMutex
	cfg    *Config
	bus    *bus.Bus
	tester ConnectionTester
}

// NewManager creates a config manager over a loaded config.
func NewManager(cfg *Config, b *bus.Bus) *Manager {
	return &Manager{cfg: cfg, bus: b}
}

// SetConnectionTester wires the broker gateway used by UpdateAPIKeys.
func (m *Manager) SetConnectionTester(t ConnectionTester) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tester = t
}

// ValidateSignal checks the asset whitelist for a symbol.
func (m *Manager) ValidateSignal(symbol string) SignalCheck {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.cfg.Whitelist.Enabled {
		return SignalCheck{Valid: true}
	}
	if enabled, ok := m.cfg.Whitelist.Assets[symbol]; !ok || !enabled {
		return SignalCheck{Valid: false, Reason: RejectReasonAssetDisabled}
	}
	return SignalCheck{Valid: true}
}

// UpdateRiskTuner updates the per-phase risk percentages.
func (m *Manager) UpdateRiskTuner(phase1Pct, phase2Pct float64) error {
	if phase1Pct < 0.01 || phase1Pct > 0.50 {
		return fmt.Errorf("phase 1 risk pct out of range: %g", phase1Pct)
	}
	if phase2Pct < 0.01 || phase2Pct > 0.50 {
		return fmt.Errorf("phase 2 risk pct out of range: %g", phase2Pct)
	}

	m.mu.Lock()
	m.cfg.Risk.Phase1RiskPct = phase1Pct
	m.cfg.Risk.Phase2RiskPct = phase2Pct
	m.mu.Unlock()

	m.emitChanged("risk")
	return nil
}

// UpdateAssetWhitelist enables or disables a single symbol.
func (m *Manager) UpdateAssetWhitelist(symbol string, enabled bool) error {
	if symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}

	m.mu.Lock()
	if m.cfg.Whitelist.Assets == nil {
		m.cfg.Whitelist.Assets = make(map[string]bool)
	}
	m.cfg.Whitelist.Assets[symbol] = enabled
	m.mu.Unlock()

	m.emitChanged("whitelist")
	return nil
}

// SetWhitelistEnabled flips the master whitelist switch.
func (m *Manager) SetWhitelistEnabled(enabled bool) {
	m.mu.Lock()
	m.cfg.Whitelist.Enabled = enabled
	m.mu.Unlock()

	m.emitChanged("whitelist")
}

// UpdateAPIKeys validates new broker credentials via a live connection test
// before persisting them. On any failure the previous credentials stay active.
func (m *Manager) UpdateAPIKeys(ctx context.Context, broker, apiKey, apiSecret string) error {
	if apiKey == "" || apiSecret == "" {
		return fmt.Errorf("api key and secret must not be empty")
	}

	m.mu.RLock()
	tester := m.tester
	m.mu.RUnlock()

	if tester == nil {
		return fmt.Errorf("no connection tester configured")
	}
	if err := tester.TestConnection(ctx, apiKey, apiSecret); err != nil {
		return fmt.Errorf("credential validation failed: %w", err)
	}

	m.mu.Lock()
	m.cfg.Broker.Name = broker
	m.cfg.Broker.APIKey = apiKey
	m.cfg.Broker.APISecret = apiSecret
	m.mu.Unlock()

	log.Info().Str("broker", broker).Msg("Broker API keys updated")
	m.emitChanged("broker")
	return nil
}

// GetConfig returns a redacted view of the runtime configuration. Secrets
// never leave this method.
func (m *Manager) GetConfig() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	assets := make(map[string]bool, len(m.cfg.Whitelist.Assets))
	for k, v := range m.cfg.Whitelist.Assets {
		assets[k] = v
	}

	return map[string]any{
		"broker": map[string]any{
			"name":    m.cfg.Broker.Name,
			"testnet": m.cfg.Broker.Testnet,
		},
		"risk": map[string]any{
			"max_risk_pct":     m.cfg.Risk.MaxRiskPct,
			"phase_1_risk_pct": m.cfg.Risk.Phase1RiskPct,
			"phase_2_risk_pct": m.cfg.Risk.Phase2RiskPct,
		},
		"whitelist": map[string]any{
			"enabled": m.cfg.Whitelist.Enabled,
			"assets":  assets,
		},
		"fees": map[string]any{
			"maker_pct": m.cfg.Fees.MakerPct,
			"taker_pct": m.cfg.Fees.TakerPct,
		},
	}
}

// Snapshot returns a copy of the full config for internal consumers.
func (m *Manager) Snapshot() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cfg
}

// RiskPctForPhase returns the configured risk percentage for a phase.
func (m *Manager) RiskPctForPhase(phase int) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if phase == 1 {
		return m.cfg.Risk.Phase1RiskPct
	}
	return m.cfg.Risk.Phase2RiskPct
}

func (m *Manager) emitChanged(section string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.TopicConfigChanged, bus.ConfigChanged{
		Section:   section,
		Timestamp: time.Now(),
	})
}
