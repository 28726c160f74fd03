// Package panicctl holds the operator panic buttons: FLATTEN_ALL closes
// everything and disarms, CANCEL_ALL drops pending triggers and chases
// without touching positions. It also adapts those actions to the kill-switch
// responder contract.
package panicctl

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/bus"
	"github.com/titanops/titan/internal/shadow"
)

// Action names in the audit log.
const (
	ActionFlattenAll = "FLATTEN_ALL"
	ActionCancelAll  = "CANCEL_ALL"
)

// BrokerCloser is the slice of the gateway the panic controls need.
type BrokerCloser interface {
	CloseAllPositions(ctx context.Context) error
}

// Ledger is the slice of the shadow state the panic controls need.
type Ledger interface {
	GetAllPositions() []shadow.Position
	CloseAllPositions(priceFn shadow.PriceFunc, reason string) []shadow.TradeRecord
}

// ArmSwitch disarms auto-execution. Implemented by the pipeline.
type ArmSwitch interface {
	Disable(reason string)
}

// TriggerCanceller drops every armed client-side trigger.
type TriggerCanceller interface {
	CancelAll() int
}

// Report is the audit record for one panic action.
type Report struct {
	Action            string    `json:"action"`
	PositionsAffected int       `json:"positions_affected"`
	OrdersCancelled   int       `json:"orders_cancelled"`
	OperatorID        string    `json:"operator_id"`
	Timestamp         time.Time `json:"timestamp"`
}

// Controller executes the panic operations.
type Controller struct {
	ledger   Ledger
	brokerV  BrokerCloser
	arm      ArmSwitch
	triggers TriggerCanceller
	priceFn  shadow.PriceFunc
	bus      *bus.Bus
	log      zerolog.Logger
}

// New creates the panic controller. priceFn resolves exit prices for the
// shadow-side flatten.
func New(ledger Ledger, brokerV BrokerCloser, arm ArmSwitch, triggers TriggerCanceller, priceFn shadow.PriceFunc, b *bus.Bus) *Controller {
	return &Controller{
		ledger:   ledger,
		brokerV:  brokerV,
		arm:      arm,
		triggers: triggers,
		priceFn:  priceFn,
		bus:      b,
		log:      log.With().Str("component", "panic").Logger(),
	}
}

// FlattenAll closes every position on both sides of the ledger and disarms
// auto-execution. The shadow side always flattens; a broker failure is logged
// and surfaced in the CRITICAL event, never propagated.
func (c *Controller) FlattenAll(ctx context.Context, operatorID string) Report {
	return c.flatten(ctx, shadow.CloseReasonPanicFlattenAll, operatorID)
}

func (c *Controller) flatten(ctx context.Context, reason, operatorID string) Report {
	affected := len(c.ledger.GetAllPositions())
	c.log.Error().
		Str("operator_id", operatorID).
		Str("reason", reason).
		Int("positions", affected).
		Msg("Panic flatten")

	if c.arm != nil {
		c.arm.Disable(reason)
	}
	c.ledger.CloseAllPositions(c.priceFn, reason)

	brokerErr := c.brokerV.CloseAllPositions(ctx)
	if brokerErr != nil {
		c.log.Error().Err(brokerErr).Msg("Broker close-all failed during panic flatten")
	}

	report := Report{
		Action:            ActionFlattenAll,
		PositionsAffected: affected,
		OperatorID:        operatorID,
		Timestamp:         time.Now(),
	}
	c.publishReport(report, "EMERGENCY_FLATTEN", reason, brokerErr)
	return report
}

// CancelAll drops every armed client-side trigger and pending chase without
// touching positions. Idempotency cache entries stay so a late CONFIRM still
// sees the original result.
func (c *Controller) CancelAll(operatorID string) Report {
	cancelled := 0
	if c.triggers != nil {
		cancelled = c.triggers.CancelAll()
	}
	c.log.Warn().
		Str("operator_id", operatorID).
		Int("orders_cancelled", cancelled).
		Msg("Panic cancel-all")

	report := Report{
		Action:          ActionCancelAll,
		OrdersCancelled: cancelled,
		OperatorID:      operatorID,
		Timestamp:       time.Now(),
	}
	c.publishReport(report, "CANCEL_ALL", ActionCancelAll, nil)
	return report
}

func (c *Controller) publishReport(report Report, statusType, reason string, brokerErr error) {
	if c.bus == nil {
		return
	}
	evCtx := map[string]any{
		"action":             report.Action,
		"positions_affected": report.PositionsAffected,
		"orders_cancelled":   report.OrdersCancelled,
		"operator_id":        report.OperatorID,
	}
	if brokerErr != nil {
		evCtx["broker_error"] = brokerErr.Error()
	}

	severity := bus.SeverityWarn
	if report.Action == ActionFlattenAll {
		severity = bus.SeverityCritical
		c.bus.Publish(bus.TopicEmergencyFlatten, bus.EmergencyFlatten{
			Reason:    reason,
			Closed:    report.PositionsAffected,
			Timestamp: report.Timestamp,
		})
	}
	c.bus.Publish(bus.TopicSystemEvent, bus.SystemEvent{
		EventType:   report.Action,
		Severity:    severity,
		Description: "operator panic control executed",
		Context:     evCtx,
		Timestamp:   report.Timestamp,
	})
	c.bus.Publish(bus.TopicStatusBroadcast, bus.StatusUpdate{
		Type:      statusType,
		Channel:   "system",
		Payload:   evCtx,
		Timestamp: report.Timestamp,
	})
}

// Flatten satisfies the kill-switch responder: close everything with the
// switch's reason.
func (c *Controller) Flatten(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.flatten(ctx, reason, "killswitch")
}

// Disarm satisfies the kill-switch responder: stop trading, keep positions.
func (c *Controller) Disarm(reason string) {
	if c.arm != nil {
		c.arm.Disable(reason)
	}
}
