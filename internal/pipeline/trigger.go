package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/broker"
	"github.com/titanops/titan/internal/bus"
)

// Trigger veto reasons.
const (
	ReasonTriggerAlreadyFired = "CLIENT_SIDE_TRIGGER_ALREADY_FIRED"
	ReasonTriggerExpired      = "CLIENT_SIDE_TRIGGER_EXPIRED"
)

// PREPARE expiry policies.
const (
	ExpiryPolicySilent = "expire" // drop with a WARN log
	ExpiryPolicyAbort  = "abort"  // reject the pending intent too
)

// TradeSubscriber is the slice of the gateway the trigger layer needs.
type TradeSubscriber interface {
	SubscribeTrades(symbol string, fn broker.TradeHandler) (func(), error)
}

// ConfirmOutcome is the trigger layer's verdict on an inbound CONFIRM.
type ConfirmOutcome int

const (
	// ConfirmNoTrigger means no armed trigger exists for the signal; the
	// CONFIRM executes immediately.
	ConfirmNoTrigger ConfirmOutcome = iota
	// ConfirmReady means the trigger has fired; the CONFIRM consumes it and
	// executes.
	ConfirmReady
	// ConfirmWaiting means the trigger is armed but has not fired; the
	// CONFIRM is parked for basis-sync force fill.
	ConfirmWaiting
	// ConfirmDuplicate means the trigger was already consumed by an earlier
	// CONFIRM.
	ConfirmDuplicate
)

type triggerState int

const (
	stateArmed triggerState = iota
	stateFired
	stateConsumed
)

var conditionPattern = regexp.MustCompile(`^price\s*([<>])\s*([0-9]*\.?[0-9]+)$`)

type armedTrigger struct {
	signal    Signal
	above     bool // true: fire when price > threshold
	threshold float64
	state     triggerState
	armedAt   time.Time
	expiresAt time.Time
	firedAt   time.Time
	confirmAt time.Time // first CONFIRM seen while still armed
}

// TriggerLayer arms PREPARE intents on the broker's public trade stream and
// fires them client-side when the scalar price condition is met, avoiding the
// round trip of a resting stop order. One stream subscription per symbol,
// shared by every trigger on it.
type TriggerLayer struct {
	subscriber TradeSubscriber
	bus        *bus.Bus
	timeout    time.Duration
	basisWait  time.Duration
	policy     string

	mu       sync.Mutex
	triggers map[string]*armedTrigger // by signal_id
	streams  map[string]*symbolStream
	now      func() time.Time
	log      zerolog.Logger
}

type symbolStream struct {
	refs  int
	unsub func()
}

// NewTriggerLayer creates the trigger layer. timeout bounds how long a
// trigger stays armed; basisWait bounds how long a parked CONFIRM waits for
// the trigger before the basis-sync force fill.
func NewTriggerLayer(subscriber TradeSubscriber, b *bus.Bus, timeout, basisWait time.Duration, expiryPolicy string) *TriggerLayer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if basisWait <= 0 {
		basisWait = 5 * time.Second
	}
	if expiryPolicy == "" {
		expiryPolicy = ExpiryPolicySilent
	}
	return &TriggerLayer{
		subscriber: subscriber,
		bus:        b,
		timeout:    timeout,
		basisWait:  basisWait,
		policy:     expiryPolicy,
		triggers:   make(map[string]*armedTrigger),
		streams:    make(map[string]*symbolStream),
		now:        time.Now,
		log:        log.With().Str("component", "trigger").Logger(),
	}
}

// parseCondition extracts direction and threshold from a condition string of
// the form "price > N" or "price < N".
func parseCondition(cond string) (above bool, threshold float64, err error) {
	m := conditionPattern.FindStringSubmatch(cond)
	if m == nil {
		return false, 0, fmt.Errorf("unparseable trigger condition %q", cond)
	}
	threshold, err = strconv.ParseFloat(m[2], 64)
	if err != nil || threshold <= 0 {
		return false, 0, fmt.Errorf("bad trigger threshold in %q", cond)
	}
	return m[1] == ">", threshold, nil
}

// Arm registers a PREPARE signal and subscribes to its symbol's trade stream.
// Re-arming an existing signal_id replaces the previous condition.
func (t *TriggerLayer) Arm(sig Signal) error {
	var above bool
	var threshold float64
	var err error

	switch {
	case sig.TriggerCondition != "":
		above, threshold, err = parseCondition(sig.TriggerCondition)
		if err != nil {
			return err
		}
	case sig.TriggerPrice > 0:
		// No explicit condition: a long fires on a break above, a short on
		// a break below.
		above = sig.Direction >= 0
		threshold = sig.TriggerPrice
	default:
		return fmt.Errorf("prepare signal %s carries no trigger condition", sig.SignalID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.triggers[sig.SignalID]; !exists {
		if err := t.retainStreamLocked(sig.Symbol); err != nil {
			return err
		}
	}

	now := t.now()
	t.triggers[sig.SignalID] = &armedTrigger{
		signal:    sig,
		above:     above,
		threshold: threshold,
		state:     stateArmed,
		armedAt:   now,
		expiresAt: now.Add(t.timeout),
	}
	t.log.Info().
		Str("signal_id", sig.SignalID).
		Str("symbol", sig.Symbol).
		Bool("above", above).
		Float64("threshold", threshold).
		Msg("Client-side trigger armed")
	return nil
}

func (t *TriggerLayer) retainStreamLocked(symbol string) error {
	if s, ok := t.streams[symbol]; ok {
		s.refs++
		return nil
	}
	unsub, err := t.subscriber.SubscribeTrades(symbol, func(tr broker.Trade) {
		t.onTrade(tr)
	})
	if err != nil {
		return fmt.Errorf("trade stream subscribe for %s: %w", symbol, err)
	}
	t.streams[symbol] = &symbolStream{refs: 1, unsub: unsub}
	return nil
}

func (t *TriggerLayer) releaseStreamLocked(symbol string) {
	s, ok := t.streams[symbol]
	if !ok {
		return
	}
	s.refs--
	if s.refs <= 0 {
		s.unsub()
		delete(t.streams, symbol)
	}
}

// onTrade evaluates every armed trigger on the tick's symbol. Each trigger
// fires at most once.
func (t *TriggerLayer) onTrade(tr broker.Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, at := range t.triggers {
		if at.signal.Symbol != tr.Symbol || at.state != stateArmed {
			continue
		}
		hit := (at.above && tr.Price > at.threshold) || (!at.above && tr.Price < at.threshold)
		if !hit {
			continue
		}
		at.state = stateFired
		at.firedAt = t.now()
		t.log.Info().
			Str("signal_id", at.signal.SignalID).
			Str("symbol", tr.Symbol).
			Float64("price", tr.Price).
			Float64("threshold", at.threshold).
			Msg("Client-side trigger fired")
		if t.bus != nil {
			cond := ">"
			if !at.above {
				cond = "<"
			}
			t.bus.Publish(bus.TopicTriggerFired, bus.TriggerFired{
				SignalID:  at.signal.SignalID,
				Symbol:    tr.Symbol,
				Price:     tr.Price,
				Condition: fmt.Sprintf("price %s %g", cond, at.threshold),
				Timestamp: at.firedAt,
			})
		}
	}
}

// Confirm resolves an inbound CONFIRM against the trigger state. A fired
// trigger is consumed exactly once; the armed signal is returned so the
// caller executes with the original PREPARE parameters.
func (t *TriggerLayer) Confirm(signalID string) (ConfirmOutcome, *Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	at, ok := t.triggers[signalID]
	if !ok {
		return ConfirmNoTrigger, nil
	}
	switch at.state {
	case stateConsumed:
		return ConfirmDuplicate, nil
	case stateFired:
		at.state = stateConsumed
		t.releaseStreamLocked(at.signal.Symbol)
		sig := at.signal
		return ConfirmReady, &sig
	default:
		if at.confirmAt.IsZero() {
			at.confirmAt = t.now()
		}
		return ConfirmWaiting, nil
	}
}

// Abort drops an armed trigger. Returns false if none exists.
func (t *TriggerLayer) Abort(signalID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	at, ok := t.triggers[signalID]
	if !ok {
		return false
	}
	if at.state == stateArmed || at.state == stateFired {
		t.releaseStreamLocked(at.signal.Symbol)
	}
	delete(t.triggers, signalID)
	t.log.Info().Str("signal_id", signalID).Msg("Client-side trigger aborted")
	return true
}

// SweepResult reports one scheduler pass over the armed triggers.
type SweepResult struct {
	Expired   []Signal // armed past their window, per the expiry policy
	ForceFill []Signal // CONFIRM arrived, trigger never fired, basis wait over
	Aborted   bool     // Expired entries also need intent rejection
}

// Sweep expires overdue triggers and promotes parked CONFIRMs whose basis
// wait has elapsed to force fills. Consumed triggers are garbage collected.
func (t *TriggerLayer) Sweep(now time.Time) SweepResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := SweepResult{Aborted: t.policy == ExpiryPolicyAbort}
	for id, at := range t.triggers {
		switch at.state {
		case stateConsumed:
			delete(t.triggers, id)
		case stateArmed:
			if !at.confirmAt.IsZero() && now.Sub(at.confirmAt) >= t.basisWait {
				at.state = stateConsumed
				t.releaseStreamLocked(at.signal.Symbol)
				res.ForceFill = append(res.ForceFill, at.signal)
				continue
			}
			if now.After(at.expiresAt) {
				t.releaseStreamLocked(at.signal.Symbol)
				delete(t.triggers, id)
				t.log.Warn().
					Str("signal_id", id).
					Str("policy", t.policy).
					Msg("Armed trigger expired without firing")
				res.Expired = append(res.Expired, at.signal)
			}
		case stateFired:
			if now.After(at.expiresAt) {
				t.releaseStreamLocked(at.signal.Symbol)
				delete(t.triggers, id)
				t.log.Warn().Str("signal_id", id).Msg("Fired trigger expired waiting for CONFIRM")
				res.Expired = append(res.Expired, at.signal)
			}
		}
	}
	return res
}

// CancelAll drops every armed and fired trigger. Returns how many were
// cancelled. Used by the CANCEL_ALL panic control.
func (t *TriggerLayer) CancelAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, at := range t.triggers {
		if at.state == stateArmed || at.state == stateFired {
			t.releaseStreamLocked(at.signal.Symbol)
			n++
		}
		delete(t.triggers, id)
	}
	if n > 0 {
		t.log.Warn().Int("cancelled", n).Msg("All client-side triggers cancelled")
	}
	return n
}

// Armed reports whether signalID has a live (armed or fired) trigger.
func (t *TriggerLayer) Armed(signalID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.triggers[signalID]
	return ok && at.state != stateConsumed
}
