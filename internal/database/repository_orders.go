package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateOrder persists a new order row with the broker-reported status
func (db *DB) CreateOrder(ctx context.Context, o *OrderRecord) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO orders (
			id, user_id, broker_order_id, client_order_id, symbol, side,
			order_type, quantity, limit_price, stop_price, status,
			filled_qty, filled_avg_price, submitted_at, filled_at, cancelled_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		o.ID, o.UserID, o.BrokerOrderID, o.ClientOrderID, o.Symbol, o.Side,
		o.OrderType, o.Quantity, o.LimitPrice, o.StopPrice, o.Status,
		o.FilledQty, o.FilledAvgPrice, o.SubmittedAt, o.FilledAt, o.CancelledAt)
	if err != nil {
		return fmt.Errorf("creating order: %w", err)
	}
	return nil
}

// GetOrderByBrokerID returns the local copy, or (nil, nil) when unknown
func (db *DB) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*OrderRecord, error) {
	var o OrderRecord
	err := db.Pool.QueryRow(ctx,
		`SELECT id, user_id, broker_order_id, client_order_id, symbol, side,
			order_type, quantity, limit_price, stop_price, status,
			filled_qty, filled_avg_price, submitted_at, filled_at, cancelled_at
		 FROM orders WHERE broker_order_id = $1`,
		brokerOrderID,
	).Scan(&o.ID, &o.UserID, &o.BrokerOrderID, &o.ClientOrderID, &o.Symbol,
		&o.Side, &o.OrderType, &o.Quantity, &o.LimitPrice, &o.StopPrice,
		&o.Status, &o.FilledQty, &o.FilledAvgPrice, &o.SubmittedAt,
		&o.FilledAt, &o.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting order: %w", err)
	}
	return &o, nil
}

// UpdateOrderFromBroker refreshes the local cache with broker-authoritative
// state. The local copy never advances ahead of the broker.
func (db *DB) UpdateOrderFromBroker(ctx context.Context, o *OrderRecord) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE orders SET
			status = $2, filled_qty = $3, filled_avg_price = $4,
			filled_at = $5, cancelled_at = $6
		 WHERE broker_order_id = $1`,
		o.BrokerOrderID, o.Status, o.FilledQty, o.FilledAvgPrice,
		o.FilledAt, o.CancelledAt)
	if err != nil {
		return fmt.Errorf("updating order: %w", err)
	}
	return nil
}

// GetRecentOrders returns the user's newest orders
func (db *DB) GetRecentOrders(ctx context.Context, userID string, limit int) ([]*OrderRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT id, user_id, broker_order_id, client_order_id, symbol, side,
			order_type, quantity, limit_price, stop_price, status,
			filled_qty, filled_avg_price, submitted_at, filled_at, cancelled_at
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY submitted_at DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent orders: %w", err)
	}
	defer rows.Close()

	var out []*OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(
			&o.ID, &o.UserID, &o.BrokerOrderID, &o.ClientOrderID, &o.Symbol,
			&o.Side, &o.OrderType, &o.Quantity, &o.LimitPrice, &o.StopPrice,
			&o.Status, &o.FilledQty, &o.FilledAvgPrice, &o.SubmittedAt,
			&o.FilledAt, &o.CancelledAt,
		); err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// GetPendingOrders returns orders still awaiting a terminal broker status
func (db *DB) GetPendingOrders(ctx context.Context, userID string) ([]*OrderRecord, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, user_id, broker_order_id, client_order_id, symbol, side,
			order_type, quantity, limit_price, stop_price, status,
			filled_qty, filled_avg_price, submitted_at, filled_at, cancelled_at
		 FROM orders
		 WHERE user_id = $1 AND status IN ('pending', 'accepted', 'partially_filled')
		 ORDER BY submitted_at ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("querying pending orders: %w", err)
	}
	defer rows.Close()

	var out []*OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(
			&o.ID, &o.UserID, &o.BrokerOrderID, &o.ClientOrderID, &o.Symbol,
			&o.Side, &o.OrderType, &o.Quantity, &o.LimitPrice, &o.StopPrice,
			&o.Status, &o.FilledQty, &o.FilledAvgPrice, &o.SubmittedAt,
			&o.FilledAt, &o.CancelledAt,
		); err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}
