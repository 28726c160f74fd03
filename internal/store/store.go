// Package store is the durable layer: trades, positions, regime snapshots
// and system events over sqlite (embedded) or postgres (networked). Writes
// from the hot path are fire-and-forget through a supervised retry queue, so
// a database outage never blocks order flow.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported engines.
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

// Config selects and tunes the storage engine.
type Config struct {
	Type string // sqlite | postgres
	URL  string // file path for sqlite, DSN for postgres
	// PoolMin and PoolMax size the connection pool; zero keeps the
	// per-engine defaults.
	PoolMin int
	PoolMax int
}

// Store wraps the database handle.
type Store struct {
	db      *sqlx.DB
	dialect string
	path    string // sqlite file path, empty for postgres
	log     zerolog.Logger
}

// Open connects to the configured engine and applies the schema. Unset pool
// sizes follow the engine: the embedded sqlite file gets 1-5 connections, a
// networked postgres 2-20.
func Open(cfg Config) (*Store, error) {
	var (
		db  *sqlx.DB
		err error
	)

	s := &Store{
		dialect: cfg.Type,
		log:     log.With().Str("component", "store").Logger(),
	}

	switch cfg.Type {
	case EngineSQLite:
		dsn := cfg.URL
		if dsn == "" {
			dsn = "titan.db"
		}
		s.path = dsn
		// modernc's driver name is not in sqlx's built-in bind table.
		sqlx.BindDriver("sqlite", sqlx.QUESTION)
		db, err = sqlx.Open("sqlite", dsn)
		if err == nil {
			applyPool(db, cfg, 1, 5)
		}
	case EnginePostgres:
		db, err = sqlx.Open("pgx", cfg.URL)
		if err == nil {
			applyPool(db, cfg, 2, 20)
			db.SetConnMaxLifetime(30 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Type, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	s.db = db
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.log.Info().Str("engine", cfg.Type).Msg("Durable store ready")
	return s, nil
}

// applyPool sets the connection pool bounds from config, falling back to the
// per-engine defaults for unset values.
func applyPool(db *sqlx.DB, cfg Config, defMin, defMax int) {
	minConns, maxConns := cfg.PoolMin, cfg.PoolMax
	if minConns <= 0 {
		minConns = defMin
	}
	if maxConns <= 0 {
		maxConns = defMax
	}
	if minConns > maxConns {
		minConns = maxConns
	}
	db.SetMaxIdleConns(minConns)
	db.SetMaxOpenConns(maxConns)
}

// requiredTables is also what a restore candidate must contain.
var requiredTables = []string{"trades", "positions", "regime_snapshots", "system_events"}

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w\nstatement: %s", err, strings.TrimSpace(stmt))
		}
	}
	return nil
}

func (s *Store) pk() string {
	if s.dialect == EnginePostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (s *Store) schema() []string {
	pk := s.pk()
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS trades (
			trade_id %s,
			signal_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			size DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			stop_price DOUBLE PRECISION,
			tp_price DOUBLE PRECISION,
			fill_price DOUBLE PRECISION,
			slippage_pct DOUBLE PRECISION,
			execution_latency_ms BIGINT,
			regime_state INTEGER,
			phase INTEGER,
			timestamp TIMESTAMP NOT NULL
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS positions (
			position_id %s,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			size DOUBLE PRECISION NOT NULL,
			avg_entry DOUBLE PRECISION NOT NULL,
			current_stop DOUBLE PRECISION,
			current_tp DOUBLE PRECISION,
			unrealized_pnl DOUBLE PRECISION,
			regime_at_entry INTEGER,
			phase_at_entry INTEGER,
			opened_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP,
			close_price DOUBLE PRECISION,
			realized_pnl DOUBLE PRECISION,
			close_reason TEXT
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS regime_snapshots (
			snapshot_id %s,
			timestamp TIMESTAMP NOT NULL,
			symbol TEXT NOT NULL,
			regime_state INTEGER,
			trend_state TEXT,
			vol_state TEXT,
			market_structure_score DOUBLE PRECISION,
			model_recommendation TEXT
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS system_events (
			event_id %s,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT,
			context_json TEXT,
			timestamp TIMESTAMP NOT NULL
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades (timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades (symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions (symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_opened_at ON positions (opened_at)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_closed_at ON positions (closed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_system_events_timestamp ON system_events (timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_system_events_event_type ON system_events (event_type)`,
	}
}

// DB exposes the handle for the query layer.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}
