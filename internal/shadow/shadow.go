// Package shadow is the in-process authoritative ledger of positions, pending
// intents and recent trades. All position mutations pass through it; every
// state transition emits exactly one primary event on the bus. Persistence is
// fire-and-forget through the Recorder so a store outage never blocks a fill.
package shadow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/bus"
)

// ErrInvalidIntent is returned for malformed intent payloads.
var ErrInvalidIntent = errors.New("invalid intent")

// Recorder receives fire-and-forget persistence callbacks. Implementations
// must not block; the durable store backs them with a retry queue.
type Recorder interface {
	RecordTrade(t TradeRecord)
	RecordPositionOpened(p Position)
	RecordPositionUpdated(p Position)
	RecordPositionClosed(p Position, t TradeRecord)
	RecordSystemEvent(e bus.SystemEvent)
}

// State is the shadow state. Safe for concurrent use.
type State struct {
	mu        sync.RWMutex
	positions map[string]*Position
	intents   map[string]*Intent
	trades    []TradeRecord // bounded ring, newest last

	bus         *bus.Bus
	recorder    Recorder
	intentTTL   time.Duration
	historySize int
	log         zerolog.Logger
}

// Option configures the shadow state.
type Option func(*State)

// WithRecorder wires the durable store recorder.
func WithRecorder(r Recorder) Option {
	return func(s *State) { s.recorder = r }
}

// WithIntentTTL overrides the default 5 minute pending-intent lifetime.
func WithIntentTTL(ttl time.Duration) Option {
	return func(s *State) { s.intentTTL = ttl }
}

// WithHistorySize overrides the default 1000-entry trade ring.
func WithHistorySize(n int) Option {
	return func(s *State) { s.historySize = n }
}

// New creates an empty shadow state.
func New(b *bus.Bus, opts ...Option) *State {
	s := &State{
		positions:   make(map[string]*Position),
		intents:     make(map[string]*Intent),
		bus:         b,
		intentTTL:   5 * time.Minute,
		historySize: 1000,
		log:         log.With().Str("component", "shadow").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessIntent validates the payload and stores a PENDING intent. A
// duplicate signal_id among pending intents is rejected.
func (s *State) ProcessIntent(p IntentPayload) (*Intent, error) {
	if p.SignalID == "" {
		return nil, fmt.Errorf("%w: signal_id is required", ErrInvalidIntent)
	}
	if p.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidIntent)
	}
	if p.Direction != 1 && p.Direction != -1 {
		return nil, fmt.Errorf("%w: direction must be +1 or -1, got %d", ErrInvalidIntent, p.Direction)
	}

	s.mu.Lock()
	if existing, ok := s.intents[p.SignalID]; ok && existing.Status == IntentPending {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate pending signal_id %q", ErrInvalidIntent, p.SignalID)
	}

	intent := &Intent{
		SignalID:    p.SignalID,
		Symbol:      p.Symbol,
		Direction:   p.Direction,
		EntryZone:   append([]float64(nil), p.EntryZone...),
		StopLoss:    p.StopLoss,
		TakeProfits: append([]float64(nil), p.TakeProfits...),
		Size:        p.Size,
		Status:      IntentPending,
		ReceivedAt:  time.Now(),
	}
	s.intents[p.SignalID] = intent
	out := *intent
	s.mu.Unlock()

	s.publish(bus.TopicIntentProcessed, bus.IntentProcessed{
		SignalID:  out.SignalID,
		Symbol:    out.Symbol,
		Direction: out.Direction,
		Timestamp: out.ReceivedAt,
	})

	return &out, nil
}

// ValidateIntent transitions PENDING -> VALIDATED. Idempotent; a missing id
// is a no-op returning nil.
func (s *State) ValidateIntent(signalID string) *Intent {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[signalID]
	if !ok {
		return nil
	}
	if intent.Status == IntentPending {
		intent.Status = IntentValidated
	}
	out := *intent
	return &out
}

// RejectIntent transitions an intent to REJECTED. A rejected intent never
// mutates positions, which is what keeps downstream vetoes from creating
// ghost positions. Missing id is a no-op returning nil.
func (s *State) RejectIntent(signalID, reason string) *Intent {
	s.mu.Lock()
	intent, ok := s.intents[signalID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if intent.Status != IntentRejected {
		intent.Status = IntentRejected
		intent.RejectionReason = reason
	}
	out := *intent
	s.mu.Unlock()

	s.publish(bus.TopicSignalRejected, bus.SignalRejected{
		SignalID:  out.SignalID,
		Symbol:    out.Symbol,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	return &out
}

// ConfirmExecution advances state only for a filled broker response. It opens
// a new position or pyramids into an existing same-side one, updating the
// entry to the size-weighted average. A side conflict is an error: flips
// require a full close first.
func (s *State) ConfirmExecution(signalID string, resp BrokerResponse) (*Position, error) {
	if !resp.Filled {
		s.log.Debug().Str("signal_id", signalID).Msg("Execution not filled, state unchanged")
		return nil, nil
	}
	if resp.FilledQty <= 0 || resp.FillPrice <= 0 {
		return nil, fmt.Errorf("filled response with non-positive qty or price (qty=%g price=%g)", resp.FilledQty, resp.FillPrice)
	}

	s.mu.Lock()
	intent, ok := s.intents[signalID]
	if !ok {
		s.mu.Unlock()
		s.log.Warn().Str("signal_id", signalID).Msg("Execution confirm for unknown intent, ignored")
		return nil, nil
	}
	if intent.Status == IntentRejected || intent.Status == IntentExpired {
		s.mu.Unlock()
		return nil, fmt.Errorf("intent %s is %s and cannot execute", signalID, intent.Status)
	}
	intent.Status = IntentExecuted

	side := SideLong
	if intent.Direction < 0 {
		side = SideShort
	}

	pos, exists := s.positions[intent.Symbol]
	var topic bus.Topic
	if exists {
		if pos.Side != side {
			s.mu.Unlock()
			return nil, fmt.Errorf("side flip for %s requires full close first (open %s, fill %s)", intent.Symbol, pos.Side, side)
		}
		// Pyramiding: size-weighted average entry.
		total := pos.Size + resp.FilledQty
		pos.EntryPrice = (pos.EntryPrice*pos.Size + resp.FillPrice*resp.FilledQty) / total
		pos.Size = total
		if pos.Layers == 0 {
			pos.Layers = 1
		}
		pos.Layers++
		if intent.StopLoss > 0 {
			pos.StopLoss = intent.StopLoss
		}
		if len(intent.TakeProfits) > 0 {
			pos.TakeProfits = append([]float64(nil), intent.TakeProfits...)
		}
		topic = bus.TopicPositionUpdated
	} else {
		pos = &Position{
			Symbol:      intent.Symbol,
			Side:        side,
			Size:        resp.FilledQty,
			EntryPrice:  resp.FillPrice,
			Layers:      1,
			StopLoss:    intent.StopLoss,
			TakeProfits: append([]float64(nil), intent.TakeProfits...),
			SignalID:    signalID,
			OpenedAt:    time.Now(),
		}
		s.positions[intent.Symbol] = pos
		topic = bus.TopicPositionOpened
	}
	out := *pos
	s.mu.Unlock()

	s.publish(topic, bus.PositionEvent{
		Symbol:     out.Symbol,
		Side:       string(out.Side),
		Size:       out.Size,
		EntryPrice: out.EntryPrice,
		SignalID:   out.SignalID,
		Timestamp:  time.Now(),
	})

	if s.recorder != nil {
		if topic == bus.TopicPositionOpened {
			s.recorder.RecordPositionOpened(out)
		} else {
			s.recorder.RecordPositionUpdated(out)
		}
	}

	s.log.Info().
		Str("signal_id", signalID).
		Str("symbol", out.Symbol).
		Str("side", string(out.Side)).
		Float64("size", out.Size).
		Float64("entry_price", out.EntryPrice).
		Msg("Execution confirmed")

	return &out, nil
}

// ClosePosition fully closes a position, producing a trade record.
func (s *State) ClosePosition(symbol string, exitPrice float64, reason string) (*TradeRecord, error) {
	if exitPrice <= 0 {
		return nil, fmt.Errorf("exit price must be positive, got %g", exitPrice)
	}

	s.mu.Lock()
	pos, ok := s.positions[symbol]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("no open position for %s", symbol)
	}
	delete(s.positions, symbol)
	trade := s.appendTradeLocked(pos, exitPrice, pos.Size, reason)
	closed := *pos
	s.mu.Unlock()

	s.publish(bus.TopicPositionClosed, bus.PositionEvent{
		Symbol:     closed.Symbol,
		Side:       string(closed.Side),
		Size:       closed.Size,
		EntryPrice: closed.EntryPrice,
		ExitPrice:  exitPrice,
		SignalID:   closed.SignalID,
		Reason:     reason,
		Timestamp:  trade.ClosedAt,
	})
	s.emitTrade(trade)

	if s.recorder != nil {
		s.recorder.RecordPositionClosed(closed, trade)
		s.recorder.RecordTrade(trade)
	}

	s.log.Info().
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("exit_price", exitPrice).
		Float64("pnl", trade.PnL).
		Msg("Position closed")

	return &trade, nil
}

// ClosePartialPosition reduces a position by size, producing a partial trade
// record. Requires 0 < size <= current size; closing the full size removes
// the position.
func (s *State) ClosePartialPosition(symbol string, exitPrice, size float64, reason string) (*TradeRecord, error) {
	if exitPrice <= 0 {
		return nil, fmt.Errorf("exit price must be positive, got %g", exitPrice)
	}

	s.mu.Lock()
	pos, ok := s.positions[symbol]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("no open position for %s", symbol)
	}
	if size <= 0 || size > pos.Size {
		s.mu.Unlock()
		return nil, fmt.Errorf("partial close size %g out of range (0, %g]", size, pos.Size)
	}

	full := size == pos.Size
	trade := s.appendTradeLocked(pos, exitPrice, size, reason)
	if full {
		delete(s.positions, symbol)
	} else {
		pos.Size -= size
	}
	snapshot := *pos
	s.mu.Unlock()

	topic := bus.TopicPositionPartial
	if full {
		topic = bus.TopicPositionClosed
	}
	s.publish(topic, bus.PositionEvent{
		Symbol:     snapshot.Symbol,
		Side:       string(snapshot.Side),
		Size:       size,
		EntryPrice: snapshot.EntryPrice,
		ExitPrice:  exitPrice,
		SignalID:   snapshot.SignalID,
		Reason:     reason,
		Timestamp:  trade.ClosedAt,
	})
	s.emitTrade(trade)

	if s.recorder != nil {
		if full {
			s.recorder.RecordPositionClosed(snapshot, trade)
		} else {
			s.recorder.RecordPositionUpdated(snapshot)
		}
		s.recorder.RecordTrade(trade)
	}

	return &trade, nil
}

// PriceFunc resolves a current exit price for a symbol.
type PriceFunc func(symbol string) (float64, error)

// CloseAllPositions closes every open position at the price resolved by
// priceFn. A missing or invalid price skips that symbol with a WARN event so
// a single dead feed cannot block an emergency flatten.
func (s *State) CloseAllPositions(priceFn PriceFunc, reason string) []TradeRecord {
	s.mu.RLock()
	symbols := make([]string, 0, len(s.positions))
	for sym := range s.positions {
		symbols = append(symbols, sym)
	}
	s.mu.RUnlock()

	trades := make([]TradeRecord, 0, len(symbols))
	for _, sym := range symbols {
		price, err := priceFn(sym)
		if err != nil || price <= 0 {
			s.log.Warn().Str("symbol", sym).Err(err).Msg("No exit price, skipping symbol in close-all")
			s.emitSystemEvent(bus.SystemEvent{
				EventType:   "CLOSE_ALL_PRICE_MISSING",
				Severity:    bus.SeverityWarn,
				Description: fmt.Sprintf("no exit price for %s during %s", sym, reason),
				Context:     map[string]any{"symbol": sym, "reason": reason},
				Timestamp:   time.Now(),
			})
			continue
		}
		trade, err := s.ClosePosition(sym, price, reason)
		if err != nil {
			// Already closed by a concurrent path.
			continue
		}
		trades = append(trades, *trade)
	}
	return trades
}

// IsZombieSignal reports whether a close signal targets a symbol with no open
// position. Zombies are logged and ignored by the pipeline.
func (s *State) IsZombieSignal(symbol, signalID string) bool {
	s.mu.RLock()
	_, ok := s.positions[symbol]
	s.mu.RUnlock()
	if !ok {
		s.log.Warn().
			Str("symbol", symbol).
			Str("signal_id", signalID).
			Msg("Zombie close signal for symbol with no position")
	}
	return !ok
}

// HasPosition reports whether a position is open for the symbol.
func (s *State) HasPosition(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.positions[symbol]
	return ok
}

// GetPosition returns a deep copy of the position for symbol, or nil.
func (s *State) GetPosition(symbol string) *Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[symbol]
	if !ok {
		return nil
	}
	return copyPosition(pos)
}

// GetAllPositions returns deep copies of every open position.
func (s *State) GetAllPositions() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, *copyPosition(pos))
	}
	return out
}

// RecoverPositions seeds the ledger from durable rows at startup, after a
// crash or restart. Rows without a signal id get a synthetic recovered id;
// symbols already present are skipped. Returns the number adopted.
func (s *State) RecoverPositions(positions []Position) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	adopted := 0
	for _, pos := range positions {
		if pos.Symbol == "" || pos.Size <= 0 {
			continue
		}
		if _, exists := s.positions[pos.Symbol]; exists {
			continue
		}
		if pos.SignalID == "" {
			pos.SignalID = fmt.Sprintf("recovered_%s_%d", pos.Symbol, time.Now().Unix())
		}
		if pos.Layers == 0 {
			pos.Layers = 1
		}
		p := pos
		s.positions[pos.Symbol] = &p
		adopted++

		s.log.Warn().
			Str("symbol", pos.Symbol).
			Str("side", string(pos.Side)).
			Float64("size", pos.Size).
			Str("signal_id", pos.SignalID).
			Msg("Recovered position from durable store")
	}
	return adopted
}

// GetIntent returns a copy of the intent for signalID, or nil.
func (s *State) GetIntent(signalID string) *Intent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intent, ok := s.intents[signalID]
	if !ok {
		return nil
	}
	out := *intent
	return &out
}

// TradeHistory returns a copy of the bounded trade ring, oldest first.
func (s *State) TradeHistory() []TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TradeRecord(nil), s.trades...)
}

// ExpireStaleIntents demotes PENDING intents older than the TTL to EXPIRED.
// Returns the number expired. Run by the scheduler.
func (s *State) ExpireStaleIntents(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, intent := range s.intents {
		if intent.Status == IntentPending && now.Sub(intent.ReceivedAt) > s.intentTTL {
			intent.Status = IntentExpired
			expired++
		}
	}
	if expired > 0 {
		s.log.Info().Int("count", expired).Msg("Expired stale intents")
	}
	return expired
}

// Stats summarizes the ledger for the status API.
type Stats struct {
	OpenPositions  int     `json:"open_positions"`
	PendingIntents int     `json:"pending_intents"`
	TotalTrades    int     `json:"total_trades"`
	TotalPnL       float64 `json:"total_pnl"`
	WinRate        float64 `json:"win_rate"`
}

// GetStats computes summary statistics over the in-memory ledger.
func (s *State) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{OpenPositions: len(s.positions), TotalTrades: len(s.trades)}
	for _, intent := range s.intents {
		if intent.Status == IntentPending {
			stats.PendingIntents++
		}
	}
	wins := 0
	for _, t := range s.trades {
		stats.TotalPnL += t.PnL
		if t.PnL > 0 {
			wins++
		}
	}
	if len(s.trades) > 0 {
		stats.WinRate = float64(wins) / float64(len(s.trades)) * 100
	}
	return stats
}

// appendTradeLocked builds a trade record and appends it to the bounded ring.
// Caller holds the write lock.
func (s *State) appendTradeLocked(pos *Position, exitPrice, size float64, reason string) TradeRecord {
	trade := TradeRecord{
		SignalID:    pos.SignalID,
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		Size:        size,
		PnL:         pnl(pos.Side, pos.EntryPrice, exitPrice, size),
		PnLPct:      pnlPct(pos.Side, pos.EntryPrice, exitPrice),
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    time.Now(),
		CloseReason: reason,
	}
	s.trades = append(s.trades, trade)
	if len(s.trades) > s.historySize {
		s.trades = s.trades[len(s.trades)-s.historySize:]
	}
	return trade
}

func (s *State) emitTrade(t TradeRecord) {
	s.publish(bus.TopicTradeRecorded, bus.TradeRecorded{
		SignalID:   t.SignalID,
		Symbol:     t.Symbol,
		Side:       string(t.Side),
		EntryPrice: t.EntryPrice,
		ExitPrice:  t.ExitPrice,
		Size:       t.Size,
		PnL:        t.PnL,
		PnLPct:     t.PnLPct,
		Reason:     t.CloseReason,
		Timestamp:  t.ClosedAt,
	})
}

func (s *State) emitSystemEvent(e bus.SystemEvent) {
	s.publish(bus.TopicSystemEvent, e)
	if s.recorder != nil {
		s.recorder.RecordSystemEvent(e)
	}
}

func (s *State) publish(topic bus.Topic, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func copyPosition(p *Position) *Position {
	out := *p
	out.TakeProfits = append([]float64(nil), p.TakeProfits...)
	return &out
}
