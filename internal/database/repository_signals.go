package database

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSignalAlreadyExecuted is returned when a signal's executed flag was
// already set. The conditional UPDATE makes marking race-safe.
var ErrSignalAlreadyExecuted = errors.New("signal already executed")

// CreateSignal persists a new signal row
func (db *DB) CreateSignal(ctx context.Context, s *SignalRecord) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO signals (
			id, user_id, symbol, signal_type, price, stop_loss, take_profit,
			atr, ema_fast, ema_slow, position_size, risk_amount, reason, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		s.ID, s.UserID, s.Symbol, s.SignalType, s.Price, s.StopLoss, s.TakeProfit,
		s.ATR, s.EMAFast, s.EMASlow, s.PositionSize, s.RiskAmount, s.Reason, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating signal: %w", err)
	}
	return nil
}

// GetUnexecutedSignals returns actionable signals that have never been
// submitted, oldest first so execution order matches generation order.
func (db *DB) GetUnexecutedSignals(ctx context.Context, userID string) ([]*SignalRecord, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, user_id, symbol, signal_type, price, stop_loss, take_profit,
			atr, ema_fast, ema_slow, position_size, risk_amount, reason,
			executed, executed_at, order_id, created_at
		 FROM signals
		 WHERE user_id = $1 AND executed = false AND signal_type IN ('buy', 'sell')
		 ORDER BY created_at ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("querying unexecuted signals: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

// GetRecentSignals returns the user's newest signals of any type
func (db *DB) GetRecentSignals(ctx context.Context, userID string, limit int) ([]*SignalRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT id, user_id, symbol, signal_type, price, stop_loss, take_profit,
			atr, ema_fast, ema_slow, position_size, risk_amount, reason,
			executed, executed_at, order_id, created_at
		 FROM signals
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent signals: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

// MarkSignalExecuted flips the executed flag exactly once, recording the
// resulting broker order id and the sizing that was actually submitted.
// A second call fails with ErrSignalAlreadyExecuted instead of silently
// resubmitting.
func (db *DB) MarkSignalExecuted(ctx context.Context, signalID, orderID string, positionSize int, riskAmount float64) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE signals
		 SET executed = true, executed_at = $2, order_id = $3,
			position_size = $4, risk_amount = $5
		 WHERE id = $1 AND executed = false`,
		signalID, time.Now(), orderID, positionSize, riskAmount)
	if err != nil {
		return fmt.Errorf("marking signal executed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSignalAlreadyExecuted
	}
	return nil
}

type signalRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSignals(rows signalRows) ([]*SignalRecord, error) {
	var out []*SignalRecord
	for rows.Next() {
		var s SignalRecord
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.Symbol, &s.SignalType, &s.Price, &s.StopLoss,
			&s.TakeProfit, &s.ATR, &s.EMAFast, &s.EMASlow, &s.PositionSize,
			&s.RiskAmount, &s.Reason, &s.Executed, &s.ExecutedAt, &s.OrderID,
			&s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning signal: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
