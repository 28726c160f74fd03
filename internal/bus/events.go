package bus

import "time"

// Severity levels for SystemEvent, matching the system_events table values.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// SystemEvent is the operational event appended for reconciliation
// mismatches, kill-switch trips and flatten actions.
type SystemEvent struct {
	EventType   string         `json:"event_type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// IntentProcessed is published when the shadow state accepts a new intent.
type IntentProcessed struct {
	SignalID  string    `json:"signal_id"`
	Symbol    string    `json:"symbol"`
	Direction int       `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
}

// SignalRejected is published when a gate or the phase manager vetoes a signal.
type SignalRejected struct {
	SignalID  string    `json:"signal_id,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Type      string    `json:"type,omitempty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// PositionEvent carries position open/update/close payloads.
type PositionEvent struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price,omitempty"`
	SignalID   string    `json:"signal_id"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TradeRecorded is published once per trade record appended to the ledger.
type TradeRecorded struct {
	SignalID   string    `json:"signal_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Size       float64   `json:"size"`
	PnL        float64   `json:"pnl"`
	PnLPct     float64   `json:"pnl_pct"`
	Reason     string    `json:"close_reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// OrderFilled is published by the broker gateway on a filled order.
type OrderFilled struct {
	SignalID      string    `json:"signal_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	FillPrice     float64   `json:"fill_price"`
	FilledQty     float64   `json:"filled_qty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ConfigChanged is published on every config manager mutation.
type ConfigChanged struct {
	Section   string    `json:"section"`
	Timestamp time.Time `json:"timestamp"`
}

// PhaseTransition is published when the phase manager crosses an equity tier.
type PhaseTransition struct {
	OldPhase  int       `json:"old_phase"`
	NewPhase  int       `json:"new_phase"`
	Equity    float64   `json:"equity"`
	Timestamp time.Time `json:"timestamp"`
}

// Mismatch kinds reported by the reconciler.
const (
	MismatchMissingInShadow = "MISSING_IN_SHADOW"
	MismatchMissingInBroker = "MISSING_IN_BROKER"
	MismatchSide            = "SIDE_MISMATCH"
	MismatchSize            = "SIZE_MISMATCH"
)

// ReconcileResult is published after every reconciliation cycle.
type ReconcileResult struct {
	ShadowCount int              `json:"shadow_count"`
	BrokerCount int              `json:"broker_count"`
	Mismatches  []MismatchDetail `json:"mismatches,omitempty"`
	Consecutive int              `json:"consecutive"`
	Timestamp   time.Time        `json:"timestamp"`
}

// MismatchDetail describes a single shadow-vs-broker divergence.
type MismatchDetail struct {
	Kind       string  `json:"kind"`
	Symbol     string  `json:"symbol"`
	ShadowSide string  `json:"shadow_side,omitempty"`
	BrokerSide string  `json:"broker_side,omitempty"`
	ShadowSize float64 `json:"shadow_size,omitempty"`
	BrokerSize float64 `json:"broker_size,omitempty"`
}

// EmergencyFlatten is published when the reconciler or a kill-switch closes
// everything and disarms auto-execution.
type EmergencyFlatten struct {
	Reason    string    `json:"reason"`
	Closed    int       `json:"closed"`
	Timestamp time.Time `json:"timestamp"`
}

// TriggerFired is published when a client-side trigger condition is met.
type TriggerFired struct {
	SignalID  string    `json:"signal_id"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Condition string    `json:"condition"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusUpdate is the outbound /ws/status message body. Type values follow
// the status channel contract (ORDER_UPDATE, POSITION_CLOSED, ...).
type StatusUpdate struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Channel   string         `json:"channel"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Heartbeat is a liveness beat from the external signal producer.
type Heartbeat struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}
