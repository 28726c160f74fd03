package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/titanops/titan/internal/bus"
	"github.com/titanops/titan/internal/regime"
	"github.com/titanops/titan/internal/shadow"
)

// Recorder adapts the store to shadow.Recorder: every call returns
// immediately, a failed write lands on the retry queue.
type Recorder struct {
	store *Store
	queue *RetryQueue
	wg    sync.WaitGroup
}

// NewRecorder creates the fire-and-forget write facade.
func NewRecorder(s *Store, q *RetryQueue) *Recorder {
	return &Recorder{store: s, queue: q}
}

// fireAndForget runs the write off the caller's goroutine so ledger mutations
// and webhook responses never wait on the database.
func (r *Recorder) fireAndForget(operation, name string, run func() error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := run(); err != nil {
			r.store.log.Warn().Err(err).Str("operation", operation).Str("name", name).Msg("Durable write failed")
			r.queue.Enqueue(operation, name, run)
		}
	}()
}

// Flush blocks until every in-flight write has completed or been queued for
// retry. Shutdown hook.
func (r *Recorder) Flush() {
	r.wg.Wait()
}

// RecordTrade inserts one closed-trade row.
func (r *Recorder) RecordTrade(t shadow.TradeRecord) {
	r.fireAndForget("insert", "trades", func() error {
		query := r.store.db.Rebind(`INSERT INTO trades
			(signal_id, symbol, side, size, entry_price, fill_price, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		_, err := r.store.db.Exec(query,
			t.SignalID, t.Symbol, string(t.Side), t.Size, t.EntryPrice, t.ExitPrice, t.ClosedAt)
		return err
	})
}

// RecordExecution inserts a trade row for an executed entry order, carrying
// the execution quality columns the close record cannot know.
func (r *Recorder) RecordExecution(t shadow.TradeRecord, slippagePct float64, latencyMs int64, regimeState, phase int) {
	r.fireAndForget("insert", "trades", func() error {
		query := r.store.db.Rebind(`INSERT INTO trades
			(signal_id, symbol, side, size, entry_price, stop_price, fill_price,
			 slippage_pct, execution_latency_ms, regime_state, phase, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err := r.store.db.Exec(query,
			t.SignalID, t.Symbol, string(t.Side), t.Size, t.EntryPrice, 0.0, t.EntryPrice,
			slippagePct, latencyMs, regimeState, phase, time.Now())
		return err
	})
}

// RecordPositionOpened inserts a fresh open-position row.
func (r *Recorder) RecordPositionOpened(p shadow.Position) {
	r.fireAndForget("insert", "positions", func() error {
		stop, tp := stopAndTP(p)
		query := r.store.db.Rebind(`INSERT INTO positions
			(symbol, side, size, avg_entry, current_stop, current_tp,
			 regime_at_entry, phase_at_entry, opened_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err := r.store.db.Exec(query,
			p.Symbol, string(p.Side), p.Size, p.EntryPrice, stop, tp,
			p.RegimeState, p.Phase, p.OpenedAt, time.Now())
		return err
	})
}

// RecordPositionUpdated rewrites the open row for the symbol.
func (r *Recorder) RecordPositionUpdated(p shadow.Position) {
	r.fireAndForget("update", "positions", func() error {
		stop, tp := stopAndTP(p)
		query := r.store.db.Rebind(`UPDATE positions
			SET size = ?, avg_entry = ?, current_stop = ?, current_tp = ?, updated_at = ?
			WHERE symbol = ? AND closed_at IS NULL`)
		_, err := r.store.db.Exec(query, p.Size, p.EntryPrice, stop, tp, time.Now(), p.Symbol)
		return err
	})
}

// RecordPositionClosed stamps the open row with the close outcome.
func (r *Recorder) RecordPositionClosed(p shadow.Position, t shadow.TradeRecord) {
	r.fireAndForget("update", "positions", func() error {
		query := r.store.db.Rebind(`UPDATE positions
			SET closed_at = ?, close_price = ?, realized_pnl = ?, close_reason = ?, updated_at = ?
			WHERE symbol = ? AND closed_at IS NULL`)
		_, err := r.store.db.Exec(query,
			t.ClosedAt, t.ExitPrice, t.PnL, t.CloseReason, time.Now(), p.Symbol)
		return err
	})
}

// RecordSystemEvent inserts an audit row.
func (r *Recorder) RecordSystemEvent(e bus.SystemEvent) {
	r.fireAndForget("insert", "system_events", func() error {
		contextJSON, err := json.Marshal(e.Context)
		if err != nil {
			contextJSON = []byte("{}")
		}
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		query := r.store.db.Rebind(`INSERT INTO system_events
			(event_type, severity, description, context_json, timestamp)
			VALUES (?, ?, ?, ?, ?)`)
		_, err = r.store.db.Exec(query, e.EventType, e.Severity, e.Description, string(contextJSON), ts)
		return err
	})
}

// RecordRegimeSnapshot persists the regime vector active at execution time.
func (r *Recorder) RecordRegimeSnapshot(symbol string, v regime.Vector) {
	r.fireAndForget("insert", "regime_snapshots", func() error {
		query := r.store.db.Rebind(`INSERT INTO regime_snapshots
			(timestamp, symbol, regime_state, trend_state, vol_state,
			 market_structure_score, model_recommendation)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		_, err := r.store.db.Exec(query,
			time.Now(), symbol, int(v.RegimeState), v.TrendState, v.VolState,
			v.MarketStructureScore, string(v.ModelRecommendation))
		return err
	})
}

func stopAndTP(p shadow.Position) (float64, float64) {
	var tp float64
	if len(p.TakeProfits) > 0 {
		tp = p.TakeProfits[0]
	}
	return p.StopLoss, tp
}
