package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/titanops/titan/internal/shadow"
)

// TradeRow mirrors the trades table.
type TradeRow struct {
	TradeID            int64           `db:"trade_id" json:"trade_id"`
	SignalID           string          `db:"signal_id" json:"signal_id"`
	Symbol             string          `db:"symbol" json:"symbol"`
	Side               string          `db:"side" json:"side"`
	Size               float64         `db:"size" json:"size"`
	EntryPrice         float64         `db:"entry_price" json:"entry_price"`
	StopPrice          sql.NullFloat64 `db:"stop_price" json:"stop_price,omitempty"`
	TPPrice            sql.NullFloat64 `db:"tp_price" json:"tp_price,omitempty"`
	FillPrice          sql.NullFloat64 `db:"fill_price" json:"fill_price,omitempty"`
	SlippagePct        sql.NullFloat64 `db:"slippage_pct" json:"slippage_pct,omitempty"`
	ExecutionLatencyMs sql.NullInt64   `db:"execution_latency_ms" json:"execution_latency_ms,omitempty"`
	RegimeState        sql.NullInt64   `db:"regime_state" json:"regime_state,omitempty"`
	Phase              sql.NullInt64   `db:"phase" json:"phase,omitempty"`
	Timestamp          time.Time       `db:"timestamp" json:"timestamp"`
}

// PositionRow mirrors the positions table.
type PositionRow struct {
	PositionID    int64           `db:"position_id" json:"position_id"`
	Symbol        string          `db:"symbol" json:"symbol"`
	Side          string          `db:"side" json:"side"`
	Size          float64         `db:"size" json:"size"`
	AvgEntry      float64         `db:"avg_entry" json:"avg_entry"`
	CurrentStop   sql.NullFloat64 `db:"current_stop" json:"current_stop,omitempty"`
	CurrentTP     sql.NullFloat64 `db:"current_tp" json:"current_tp,omitempty"`
	UnrealizedPnL sql.NullFloat64 `db:"unrealized_pnl" json:"unrealized_pnl,omitempty"`
	RegimeAtEntry sql.NullInt64   `db:"regime_at_entry" json:"regime_at_entry,omitempty"`
	PhaseAtEntry  sql.NullInt64   `db:"phase_at_entry" json:"phase_at_entry,omitempty"`
	OpenedAt      time.Time       `db:"opened_at" json:"opened_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
	ClosedAt      sql.NullTime    `db:"closed_at" json:"closed_at,omitempty"`
	ClosePrice    sql.NullFloat64 `db:"close_price" json:"close_price,omitempty"`
	RealizedPnL   sql.NullFloat64 `db:"realized_pnl" json:"realized_pnl,omitempty"`
	CloseReason   sql.NullString  `db:"close_reason" json:"close_reason,omitempty"`
}

// TradeFilter narrows QueryTrades.
type TradeFilter struct {
	StartDate time.Time
	EndDate   time.Time
	Symbol    string
	Limit     int
}

// QueryTrades returns trades newest-first for /api/trades.
func (s *Store) QueryTrades(ctx context.Context, f TradeFilter) ([]TradeRow, error) {
	query := `SELECT * FROM trades WHERE 1=1`
	args := []any{}

	if !f.StartDate.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.StartDate)
	}
	if !f.EndDate.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, f.EndDate)
	}
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	query += ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []TradeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	return rows, nil
}

// ActivePositions returns the open position rows.
func (s *Store) ActivePositions(ctx context.Context) ([]PositionRow, error) {
	var rows []PositionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM positions WHERE closed_at IS NULL ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("query active positions: %w", err)
	}
	return rows, nil
}

// RecoverOpenPositions maps unclosed rows back to shadow positions for the
// startup crash-recovery path. Signal ids are left empty; the shadow state
// assigns its synthetic recovered_{symbol}_{unix} ids.
func (s *Store) RecoverOpenPositions(ctx context.Context) ([]shadow.Position, error) {
	rows, err := s.ActivePositions(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]shadow.Position, 0, len(rows))
	for _, row := range rows {
		pos := shadow.Position{
			Symbol:     row.Symbol,
			Side:       shadow.PositionSide(row.Side),
			Size:       row.Size,
			EntryPrice: row.AvgEntry,
			OpenedAt:   row.OpenedAt,
		}
		if row.CurrentStop.Valid {
			pos.StopLoss = row.CurrentStop.Float64
		}
		if row.CurrentTP.Valid && row.CurrentTP.Float64 > 0 {
			pos.TakeProfits = []float64{row.CurrentTP.Float64}
		}
		if row.RegimeAtEntry.Valid {
			pos.RegimeState = int(row.RegimeAtEntry.Int64)
		}
		if row.PhaseAtEntry.Valid {
			pos.Phase = int(row.PhaseAtEntry.Int64)
		}
		out = append(out, pos)
	}
	return out, nil
}

// Summary is the /api/performance/summary payload.
type Summary struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    float64 `json:"total_pnl"`
	AvgPnL      float64 `json:"avg_pnl"`
	BestTrade   float64 `json:"best_trade"`
	WorstTrade  float64 `json:"worst_trade"`
}

// PerformanceSummary aggregates closed positions into the win-rate summary.
func (s *Store) PerformanceSummary(ctx context.Context) (Summary, error) {
	var rows []struct {
		RealizedPnL sql.NullFloat64 `db:"realized_pnl"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT realized_pnl FROM positions WHERE closed_at IS NOT NULL`)
	if err != nil {
		return Summary{}, fmt.Errorf("query performance: %w", err)
	}

	var sum Summary
	for _, row := range rows {
		if !row.RealizedPnL.Valid {
			continue
		}
		pnl := row.RealizedPnL.Float64
		sum.TotalTrades++
		sum.TotalPnL += pnl
		if pnl > 0 {
			sum.Wins++
		} else if pnl < 0 {
			sum.Losses++
		}
		if pnl > sum.BestTrade {
			sum.BestTrade = pnl
		}
		if pnl < sum.WorstTrade {
			sum.WorstTrade = pnl
		}
	}
	if sum.TotalTrades > 0 {
		sum.WinRate = float64(sum.Wins) / float64(sum.TotalTrades) * 100
		sum.AvgPnL = sum.TotalPnL / float64(sum.TotalTrades)
	}
	return sum, nil
}
