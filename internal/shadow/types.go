package shadow

import "time"

// IntentStatus tracks an intent through its lifecycle. Transitions are
// monotonic: PENDING -> VALIDATED -> EXECUTED, or PENDING/VALIDATED ->
// REJECTED, or PENDING -> EXPIRED.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentValidated IntentStatus = "VALIDATED"
	IntentRejected  IntentStatus = "REJECTED"
	IntentExecuted  IntentStatus = "EXECUTED"
	IntentExpired   IntentStatus = "EXPIRED"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// Close reasons recorded on trade records.
const (
	CloseReasonStopLoss         = "SL"
	CloseReasonRegimeKill       = "REGIME_KILL"
	CloseReasonManual           = "MANUAL"
	CloseReasonReconciliation   = "RECONCILIATION_FLATTEN"
	CloseReasonPanicFlattenAll  = "PANIC_FLATTEN_ALL"
	CloseReasonDeadMansSwitch   = "DEAD_MANS_SWITCH"
	CloseReasonSafetyStop       = "SAFETY_STOP"
	CloseReasonHardKill         = "HARD_KILL"
	CloseReasonAPIClose         = "API_CLOSE"
	CloseReasonEmergencyFlatten = "EMERGENCY_FLATTEN"
)

// IntentPayload is the minimum shape accepted by ProcessIntent.
type IntentPayload struct {
	SignalID    string    `json:"signal_id"`
	Symbol      string    `json:"symbol"`
	Direction   int       `json:"direction"` // +1 long, -1 short
	EntryZone   []float64 `json:"entry_zone,omitempty"`
	StopLoss    float64   `json:"stop_loss,omitempty"`
	TakeProfits []float64 `json:"take_profits,omitempty"`
	Size        float64   `json:"size"`
}

// Intent is a pending trading request awaiting validation and execution.
type Intent struct {
	SignalID        string       `json:"signal_id"`
	Symbol          string       `json:"symbol"`
	Direction       int          `json:"direction"`
	EntryZone       []float64    `json:"entry_zone,omitempty"`
	StopLoss        float64      `json:"stop_loss,omitempty"`
	TakeProfits     []float64    `json:"take_profits,omitempty"`
	Size            float64      `json:"size"`
	Status          IntentStatus `json:"status"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	ReceivedAt      time.Time    `json:"received_at"`
}

// Position is the authoritative record of one open position. At most one
// position exists per symbol; a side flip requires a full close first.
type Position struct {
	Symbol      string       `json:"symbol"`
	Side        PositionSide `json:"side"`
	Size        float64      `json:"size"`
	EntryPrice  float64      `json:"entry_price"` // volume-weighted after pyramiding
	Layers      int          `json:"layers"`      // entries including the base fill
	StopLoss    float64      `json:"stop_loss,omitempty"`
	TakeProfits []float64    `json:"take_profits,omitempty"`
	SignalID    string       `json:"signal_id"` // opener
	RegimeState int          `json:"regime_state,omitempty"`
	Phase       int          `json:"phase,omitempty"`
	OpenedAt    time.Time    `json:"opened_at"`
}

// TradeRecord is an immutable record of a full or partial close.
type TradeRecord struct {
	SignalID    string       `json:"signal_id"`
	Symbol      string       `json:"symbol"`
	Side        PositionSide `json:"side"`
	EntryPrice  float64      `json:"entry_price"`
	ExitPrice   float64      `json:"exit_price"`
	Size        float64      `json:"size"`
	PnL         float64      `json:"pnl"`
	PnLPct      float64      `json:"pnl_pct"`
	OpenedAt    time.Time    `json:"opened_at"`
	ClosedAt    time.Time    `json:"closed_at"`
	CloseReason string       `json:"close_reason"`
}

// BrokerResponse is the slice of a broker order result the shadow state needs
// to confirm an execution. Only Filled responses mutate positions.
type BrokerResponse struct {
	Filled    bool    `json:"filled"`
	FillPrice float64 `json:"fill_price"`
	FilledQty float64 `json:"filled_qty"`
	OrderID   string  `json:"order_id,omitempty"`
}

// pnl computes realized PnL for a close. LONG profits when exit > entry.
func pnl(side PositionSide, entry, exit, size float64) float64 {
	if side == SideLong {
		return (exit - entry) * size
	}
	return (entry - exit) * size
}

func pnlPct(side PositionSide, entry, exit float64) float64 {
	if entry == 0 {
		return 0
	}
	if side == SideLong {
		return (exit - entry) / entry * 100
	}
	return (entry - exit) / entry * 100
}
