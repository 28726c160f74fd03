// Package pipeline sequences an inbound signal through the gate chain and
// dispatches the resulting order: config whitelist, phase filter, safety
// gates, client-side trigger, basis sync, L2 validation, fee-aware order
// shaping, broker dispatch and shadow-state confirmation. The pipeline owns
// no domain rules; every veto comes from the gate that produced it.
package pipeline

import "strings"

// Signal types accepted on the webhook.
const (
	TypePrepare    = "PREPARE"
	TypeConfirm    = "CONFIRM"
	TypeAbort      = "ABORT"
	TypeBuySetup   = "BUY_SETUP"
	TypeSellSetup  = "SELL_SETUP"
	TypeClose      = "CLOSE"
	TypeCloseLong  = "CLOSE_LONG"
	TypeCloseShort = "CLOSE_SHORT"
	TypeStopLoss   = "STOP_LOSS"
	TypeTakeProfit = "TAKE_PROFIT"
	TypeExit       = "EXIT"
)

// Signal is the webhook payload consumed by the pipeline.
type Signal struct {
	SignalID         string    `json:"signal_id"`
	Type             string    `json:"type"`
	Symbol           string    `json:"symbol"`
	Direction        int       `json:"direction"` // +1 long, -1 short
	Size             float64   `json:"size"`
	EntryZone        []float64 `json:"entry_zone,omitempty"`
	LimitPrice       float64   `json:"limit_price,omitempty"`
	StopLoss         float64   `json:"stop_loss,omitempty"`
	TakeProfits      []float64 `json:"take_profits,omitempty"`
	TriggerPrice     float64   `json:"trigger_price,omitempty"`
	TriggerCondition string    `json:"trigger_condition,omitempty"` // "price > N" or "price < N"
	Timeframe        string    `json:"timeframe,omitempty"`
	Timestamp        int64     `json:"timestamp,omitempty"`
	Close            float64   `json:"close,omitempty"` // strategy-side last price
	// ExpectedProfitPct is the strategy's expected edge as a fraction
	// (0.002 = 0.2%). Zero means unknown; the chase never converts to taker.
	ExpectedProfitPct float64 `json:"expected_profit_pct,omitempty"`
}

// IsExit reports whether the signal type closes exposure rather than opening
// it. Exit orders always go out reduce-only.
func IsExit(signalType string) bool {
	switch signalType {
	case TypeClose, TypeCloseLong, TypeCloseShort, TypeStopLoss, TypeTakeProfit, TypeExit:
		return true
	}
	return strings.Contains(signalType, "CLOSE") || strings.Contains(signalType, "EXIT")
}

// IsEntry reports whether the signal type opens exposure.
func IsEntry(signalType string) bool {
	return signalType == TypeBuySetup || signalType == TypeSellSetup
}

// orderSide maps a direction to the wire side.
func orderSide(direction int) string {
	if direction < 0 {
		return "SELL"
	}
	return "BUY"
}

// referencePrice is the strategy-side price used for basis comparison and as
// the limit price fallback: explicit limit first, then the first entry zone
// level, then the strategy's last close.
func (s Signal) referencePrice() float64 {
	if s.LimitPrice > 0 {
		return s.LimitPrice
	}
	if len(s.EntryZone) > 0 && s.EntryZone[0] > 0 {
		return s.EntryZone[0]
	}
	return s.Close
}
