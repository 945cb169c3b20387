package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"alpaca-trading-bot/config"
	"alpaca-trading-bot/internal/logging"
)

// DB wraps the pgx connection pool
type DB struct {
	Pool *pgxpool.Pool
	log  *logging.Logger

	defaultLimits *RiskLimits
}

// SetDefaultRiskLimits overrides the fallback limits served to users
// without a stored risk_limits row. A limit configured at zero or below
// disables that check for such users.
func (db *DB) SetDefaultRiskLimits(cfg config.RiskConfig) {
	db.defaultLimits = &RiskLimits{
		DailyLossEnabled: cfg.DailyLossLimitPercent > 0,
		DailyLossPercent: cfg.DailyLossLimitPercent,
		DrawdownEnabled:  cfg.DrawdownLimitPercent > 0,
		DrawdownPercent:  cfg.DrawdownLimitPercent,
		HaltOnDailyLoss:  cfg.HaltOnDailyLoss,
		HaltOnDrawdown:   cfg.HaltOnDrawdown,
	}
}

// fallbackRiskLimits returns the configured defaults, or the built-in ones
// when no configuration was applied.
func (db *DB) fallbackRiskLimits(userID string) *RiskLimits {
	if db.defaultLimits == nil {
		return DefaultRiskLimits(userID)
	}
	l := *db.defaultLimits
	l.UserID = userID
	return &l
}

// New creates a connection pool and verifies connectivity
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	poolCfg.MaxConns = 25
	poolCfg.MinConns = 5
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{
		Pool: pool,
		log:  logging.WithComponent("database"),
	}, nil
}

// Close shuts down the pool
func (db *DB) Close() {
	db.Pool.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS broker_accounts (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		api_key TEXT NOT NULL,
		secret_key TEXT NOT NULL,
		paper BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS trading_preferences (
		user_id UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		auto_trading_enabled BOOLEAN NOT NULL DEFAULT false,
		trading_status TEXT NOT NULL DEFAULT 'active',
		last_toggle_time TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS strategy_configs (
		user_id UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		config JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS signals (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		symbol TEXT NOT NULL,
		signal_type TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL DEFAULT 0,
		stop_loss DOUBLE PRECISION,
		take_profit DOUBLE PRECISION,
		atr DOUBLE PRECISION,
		ema_fast DOUBLE PRECISION,
		ema_slow DOUBLE PRECISION,
		position_size INT,
		risk_amount DOUBLE PRECISION,
		reason TEXT NOT NULL DEFAULT '',
		executed BOOLEAN NOT NULL DEFAULT false,
		executed_at TIMESTAMPTZ,
		order_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_unexecuted
		ON signals (user_id, created_at DESC) WHERE executed = false`,

	`CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		broker_order_id TEXT NOT NULL,
		client_order_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		order_type TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		limit_price DOUBLE PRECISION,
		stop_price DOUBLE PRECISION,
		status TEXT NOT NULL,
		filled_qty DOUBLE PRECISION NOT NULL DEFAULT 0,
		filled_avg_price DOUBLE PRECISION,
		submitted_at TIMESTAMPTZ NOT NULL,
		filled_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		UNIQUE (broker_order_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user_submitted
		ON orders (user_id, submitted_at DESC)`,

	`CREATE TABLE IF NOT EXISTS positions (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		symbol TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		current_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		market_value DOUBLE PRECISION NOT NULL DEFAULT 0,
		cost_basis DOUBLE PRECISION NOT NULL DEFAULT 0,
		unrealized_pl DOUBLE PRECISION NOT NULL DEFAULT 0,
		unrealized_pl_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
		side TEXT NOT NULL DEFAULT 'long',
		status TEXT NOT NULL DEFAULT 'open',
		stop_loss DOUBLE PRECISION,
		take_profit DOUBLE PRECISION,
		opened_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		closed_at TIMESTAMPTZ,
		close_price DOUBLE PRECISION,
		realized_pl DOUBLE PRECISION,
		closed_by TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open
		ON positions (user_id, symbol) WHERE status = 'open'`,

	`CREATE TABLE IF NOT EXISTS risk_limits (
		user_id UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		daily_loss_enabled BOOLEAN NOT NULL DEFAULT true,
		daily_loss_percent DOUBLE PRECISION NOT NULL DEFAULT 3,
		drawdown_enabled BOOLEAN NOT NULL DEFAULT true,
		drawdown_percent DOUBLE PRECISION NOT NULL DEFAULT 10,
		halt_on_daily_loss BOOLEAN NOT NULL DEFAULT true,
		halt_on_drawdown BOOLEAN NOT NULL DEFAULT true,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS risk_metrics (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		portfolio_value DOUBLE PRECISION NOT NULL,
		cash_available DOUBLE PRECISION NOT NULL,
		daily_pnl DOUBLE PRECISION NOT NULL,
		daily_pnl_percent DOUBLE PRECISION NOT NULL,
		peak_portfolio_value DOUBLE PRECISION NOT NULL,
		current_drawdown DOUBLE PRECISION NOT NULL,
		max_drawdown DOUBLE PRECISION NOT NULL,
		sector_concentration JSONB,
		position_concentration JSONB,
		volatility_index DOUBLE PRECISION NOT NULL DEFAULT 0,
		calculated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_metrics_user_time
		ON risk_metrics (user_id, calculated_at DESC)`,

	`CREATE TABLE IF NOT EXISTS activity_logs (
		id UUID PRIMARY KEY,
		user_id UUID,
		level TEXT NOT NULL,
		category TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_logs_user_time
		ON activity_logs (user_id, created_at DESC)`,
}

// RunMigrations applies the schema in order. Statements are idempotent so
// reruns on startup are safe.
func (db *DB) RunMigrations(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	db.log.Info("migrations applied", "count", len(migrations))
	return nil
}
