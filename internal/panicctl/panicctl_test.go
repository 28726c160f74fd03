package panicctl

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanops/titan/internal/shadow"
)

type fakeLedger struct {
	positions []shadow.Position
	flattens  []string
}

func (f *fakeLedger) GetAllPositions() []shadow.Position { return f.positions }

func (f *fakeLedger) CloseAllPositions(priceFn shadow.PriceFunc, reason string) []shadow.TradeRecord {
	f.flattens = append(f.flattens, reason)
	f.positions = nil
	return nil
}

type fakeBroker struct {
	closeAll int
	err      error
}

func (f *fakeBroker) CloseAllPositions(ctx context.Context) error {
	f.closeAll++
	return f.err
}

type fakeArm struct{ disabled []string }

func (f *fakeArm) Disable(reason string) { f.disabled = append(f.disabled, reason) }

type fakeTriggers struct{ cancelled int }

func (f *fakeTriggers) CancelAll() int { return f.cancelled }

func price(string) (float64, error) { return 100, nil }

func twoPositions() []shadow.Position {
	return []shadow.Position{
		{Symbol: "BTCUSDT", Side: shadow.SideLong, Size: 1, EntryPrice: 100},
		{Symbol: "ETHUSDT", Side: shadow.SideShort, Size: 2, EntryPrice: 100},
	}
}

func TestFlattenAll(t *testing.T) {
	ledger := &fakeLedger{positions: twoPositions()}
	brokerV := &fakeBroker{}
	arm := &fakeArm{}
	c := New(ledger, brokerV, arm, &fakeTriggers{}, price, nil)

	report := c.FlattenAll(context.Background(), "ops@desk")

	assert.Equal(t, ActionFlattenAll, report.Action)
	assert.Equal(t, 2, report.PositionsAffected)
	assert.Equal(t, 0, report.OrdersCancelled)
	assert.Equal(t, "ops@desk", report.OperatorID)

	assert.Equal(t, []string{shadow.CloseReasonPanicFlattenAll}, ledger.flattens)
	assert.Equal(t, 1, brokerV.closeAll)
	assert.Equal(t, []string{shadow.CloseReasonPanicFlattenAll}, arm.disabled)
	assert.Empty(t, ledger.positions)
}

func TestFlattenAllSurvivesBrokerFailure(t *testing.T) {
	ledger := &fakeLedger{positions: twoPositions()}
	brokerV := &fakeBroker{err: fmt.Errorf("venue down")}
	c := New(ledger, brokerV, &fakeArm{}, nil, price, nil)

	report := c.FlattenAll(context.Background(), "ops")
	assert.Equal(t, 2, report.PositionsAffected)
	assert.Len(t, ledger.flattens, 1, "shadow side must flatten even when the broker call fails")
}

func TestCancelAllLeavesPositions(t *testing.T) {
	ledger := &fakeLedger{positions: twoPositions()}
	brokerV := &fakeBroker{}
	arm := &fakeArm{}
	c := New(ledger, brokerV, arm, &fakeTriggers{cancelled: 3}, price, nil)

	report := c.CancelAll("ops")

	assert.Equal(t, ActionCancelAll, report.Action)
	assert.Equal(t, 3, report.OrdersCancelled)
	assert.Equal(t, 0, report.PositionsAffected)

	assert.Empty(t, ledger.flattens, "cancel-all must not close positions")
	assert.Equal(t, 0, brokerV.closeAll)
	assert.Empty(t, arm.disabled, "cancel-all must not disarm")
	require.Len(t, ledger.positions, 2)
}

func TestResponderContract(t *testing.T) {
	ledger := &fakeLedger{positions: twoPositions()}
	arm := &fakeArm{}
	c := New(ledger, &fakeBroker{}, arm, nil, price, nil)

	c.Disarm("SAFETY_STOP")
	assert.Equal(t, []string{"SAFETY_STOP"}, arm.disabled)
	assert.Len(t, ledger.positions, 2, "disarm keeps positions open")

	c.Flatten("HARD_KILL")
	assert.Equal(t, []string{"HARD_KILL"}, ledger.flattens)
	assert.Empty(t, ledger.positions)
}
