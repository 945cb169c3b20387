package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetRiskLimits returns the user's limits, or the defaults when none
// are stored. Callers always get a usable record.
func (db *DB) GetRiskLimits(ctx context.Context, userID string) (*RiskLimits, error) {
	var l RiskLimits
	err := db.Pool.QueryRow(ctx,
		`SELECT user_id, daily_loss_enabled, daily_loss_percent,
			drawdown_enabled, drawdown_percent,
			halt_on_daily_loss, halt_on_drawdown, updated_at
		 FROM risk_limits WHERE user_id = $1`,
		userID,
	).Scan(&l.UserID, &l.DailyLossEnabled, &l.DailyLossPercent,
		&l.DrawdownEnabled, &l.DrawdownPercent,
		&l.HaltOnDailyLoss, &l.HaltOnDrawdown, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return db.fallbackRiskLimits(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting risk limits: %w", err)
	}
	return &l, nil
}

// UpsertRiskLimits stores the user's thresholds
func (db *DB) UpsertRiskLimits(ctx context.Context, l *RiskLimits) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO risk_limits (
			user_id, daily_loss_enabled, daily_loss_percent,
			drawdown_enabled, drawdown_percent,
			halt_on_daily_loss, halt_on_drawdown, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (user_id) DO UPDATE SET
			daily_loss_enabled = EXCLUDED.daily_loss_enabled,
			daily_loss_percent = EXCLUDED.daily_loss_percent,
			drawdown_enabled = EXCLUDED.drawdown_enabled,
			drawdown_percent = EXCLUDED.drawdown_percent,
			halt_on_daily_loss = EXCLUDED.halt_on_daily_loss,
			halt_on_drawdown = EXCLUDED.halt_on_drawdown,
			updated_at = EXCLUDED.updated_at`,
		l.UserID, l.DailyLossEnabled, l.DailyLossPercent,
		l.DrawdownEnabled, l.DrawdownPercent,
		l.HaltOnDailyLoss, l.HaltOnDrawdown)
	if err != nil {
		return fmt.Errorf("upserting risk limits: %w", err)
	}
	return nil
}

// InsertRiskMetrics appends a snapshot to the user's metric history
func (db *DB) InsertRiskMetrics(ctx context.Context, m *RiskMetrics) error {
	sector, err := json.Marshal(m.SectorConcentration)
	if err != nil {
		return fmt.Errorf("encoding sector concentration: %w", err)
	}
	position, err := json.Marshal(m.PositionConcentration)
	if err != nil {
		return fmt.Errorf("encoding position concentration: %w", err)
	}

	_, err = db.Pool.Exec(ctx,
		`INSERT INTO risk_metrics (
			id, user_id, portfolio_value, cash_available, daily_pnl,
			daily_pnl_percent, peak_portfolio_value, current_drawdown,
			max_drawdown, sector_concentration, position_concentration,
			volatility_index, calculated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		m.ID, m.UserID, m.PortfolioValue, m.CashAvailable, m.DailyPnL,
		m.DailyPnLPercent, m.PeakPortfolioValue, m.CurrentDrawdown,
		m.MaxDrawdown, sector, position, m.VolatilityIndex, m.CalculatedAt)
	if err != nil {
		return fmt.Errorf("inserting risk metrics: %w", err)
	}
	return nil
}

// GetLatestRiskMetrics returns the newest snapshot, or (nil, nil) when
// the user has no history yet.
func (db *DB) GetLatestRiskMetrics(ctx context.Context, userID string) (*RiskMetrics, error) {
	var (
		m        RiskMetrics
		sector   []byte
		position []byte
	)
	err := db.Pool.QueryRow(ctx,
		`SELECT id, user_id, portfolio_value, cash_available, daily_pnl,
			daily_pnl_percent, peak_portfolio_value, current_drawdown,
			max_drawdown, sector_concentration, position_concentration,
			volatility_index, calculated_at
		 FROM risk_metrics
		 WHERE user_id = $1
		 ORDER BY calculated_at DESC
		 LIMIT 1`,
		userID,
	).Scan(&m.ID, &m.UserID, &m.PortfolioValue, &m.CashAvailable, &m.DailyPnL,
		&m.DailyPnLPercent, &m.PeakPortfolioValue, &m.CurrentDrawdown,
		&m.MaxDrawdown, &sector, &position, &m.VolatilityIndex, &m.CalculatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest risk metrics: %w", err)
	}

	if len(sector) > 0 {
		if err := json.Unmarshal(sector, &m.SectorConcentration); err != nil {
			return nil, fmt.Errorf("decoding sector concentration: %w", err)
		}
	}
	if len(position) > 0 {
		if err := json.Unmarshal(position, &m.PositionConcentration); err != nil {
			return nil, fmt.Errorf("decoding position concentration: %w", err)
		}
	}
	return &m, nil
}

// GetHistoricalPeaks returns the monotonic aggregates from the user's
// metric history. Zeroes mean no history.
func (db *DB) GetHistoricalPeaks(ctx context.Context, userID string) (peakValue, maxDrawdown float64, err error) {
	err = db.Pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(peak_portfolio_value), 0),
			COALESCE(MAX(max_drawdown), 0)
		 FROM risk_metrics WHERE user_id = $1`,
		userID,
	).Scan(&peakValue, &maxDrawdown)
	if err != nil {
		return 0, 0, fmt.Errorf("getting historical peaks: %w", err)
	}
	return peakValue, maxDrawdown, nil
}
