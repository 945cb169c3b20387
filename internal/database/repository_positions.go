package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetOpenPositions returns all open rows for the user
func (db *DB) GetOpenPositions(ctx context.Context, userID string) ([]*PositionRecord, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, user_id, symbol, quantity, entry_price, current_price,
			market_value, cost_basis, unrealized_pl, unrealized_pl_percent,
			side, status, stop_loss, take_profit, opened_at,
			closed_at, close_price, realized_pl, closed_by
		 FROM positions
		 WHERE user_id = $1 AND status = 'open'
		 ORDER BY symbol`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("querying open positions: %w", err)
	}
	defer rows.Close()

	var out []*PositionRecord
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetOpenPosition returns the single open row for (user, symbol), or
// (nil, nil) when the user holds nothing there.
func (db *DB) GetOpenPosition(ctx context.Context, userID, symbol string) (*PositionRecord, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT id, user_id, symbol, quantity, entry_price, current_price,
			market_value, cost_basis, unrealized_pl, unrealized_pl_percent,
			side, status, stop_loss, take_profit, opened_at,
			closed_at, close_price, realized_pl, closed_by
		 FROM positions
		 WHERE user_id = $1 AND symbol = $2 AND status = 'open'`,
		userID, symbol)

	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpsertOpenPosition inserts or updates the open row for (user, symbol).
// The partial unique index on open rows makes repeated syncs converge to
// one row instead of duplicating.
func (db *DB) UpsertOpenPosition(ctx context.Context, p *PositionRecord) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO positions (
			id, user_id, symbol, quantity, entry_price, current_price,
			market_value, cost_basis, unrealized_pl, unrealized_pl_percent,
			side, status, stop_loss, take_profit, opened_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,'open',$12,$13,$14)
		ON CONFLICT (user_id, symbol) WHERE status = 'open' DO UPDATE SET
			quantity = EXCLUDED.quantity,
			entry_price = EXCLUDED.entry_price,
			current_price = EXCLUDED.current_price,
			market_value = EXCLUDED.market_value,
			cost_basis = EXCLUDED.cost_basis,
			unrealized_pl = EXCLUDED.unrealized_pl,
			unrealized_pl_percent = EXCLUDED.unrealized_pl_percent,
			side = EXCLUDED.side,
			stop_loss = COALESCE(EXCLUDED.stop_loss, positions.stop_loss),
			take_profit = COALESCE(EXCLUDED.take_profit, positions.take_profit)`,
		p.ID, p.UserID, p.Symbol, p.Quantity, p.EntryPrice, p.CurrentPrice,
		p.MarketValue, p.CostBasis, p.UnrealizedPL, p.UnrealizedPLPercent,
		p.Side, p.StopLoss, p.TakeProfit, p.OpenedAt)
	if err != nil {
		return fmt.Errorf("upserting position: %w", err)
	}
	return nil
}

// ClosePosition marks the open row closed with the realized outcome
func (db *DB) ClosePosition(ctx context.Context, userID, symbol string, closePrice, realizedPL float64, closedBy string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE positions SET
			status = 'closed', closed_at = $3, close_price = $4,
			realized_pl = $5, closed_by = $6
		 WHERE user_id = $1 AND symbol = $2 AND status = 'open'`,
		userID, symbol, time.Now(), closePrice, realizedPL, closedBy)
	if err != nil {
		return fmt.Errorf("closing position: %w", err)
	}
	return nil
}

func scanPosition(row pgx.Row) (*PositionRecord, error) {
	var p PositionRecord
	err := row.Scan(
		&p.ID, &p.UserID, &p.Symbol, &p.Quantity, &p.EntryPrice,
		&p.CurrentPrice, &p.MarketValue, &p.CostBasis, &p.UnrealizedPL,
		&p.UnrealizedPLPercent, &p.Side, &p.Status, &p.StopLoss,
		&p.TakeProfit, &p.OpenedAt, &p.ClosedAt, &p.ClosePrice,
		&p.RealizedPL, &p.ClosedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pgx.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("scanning position: %w", err)
	}
	return &p, nil
}
