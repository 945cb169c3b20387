package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"alpaca-trading-bot/internal/alpaca"
)

// GetUserByID returns the user or (nil, nil) when not found
func (db *DB) GetUserByID(ctx context.Context, userID string) (*User, error) {
	var u User
	err := db.Pool.QueryRow(ctx,
		`SELECT id, email, created_at FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Email, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return &u, nil
}

// GetAutoTradingUserIDs returns users eligible for the next trading cycle
func (db *DB) GetAutoTradingUserIDs(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT user_id FROM trading_preferences
		 WHERE auto_trading_enabled = true
		 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("querying auto-trading users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetTradingPreferences returns stored preferences, or conservative
// defaults (auto-trading off) when the user has none yet.
func (db *DB) GetTradingPreferences(ctx context.Context, userID string) (*TradingPreferences, error) {
	var p TradingPreferences
	err := db.Pool.QueryRow(ctx,
		`SELECT user_id, auto_trading_enabled, trading_status, last_toggle_time, updated_at
		 FROM trading_preferences WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.AutoTradingEnabled, &p.TradingStatus, &p.LastToggleTime, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &TradingPreferences{
			UserID:             userID,
			AutoTradingEnabled: false,
			TradingStatus:      TradingStatusActive,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting trading preferences: %w", err)
	}
	return &p, nil
}

// SetAutoTradingEnabled flips the auto-trading gate and stamps the toggle time
func (db *DB) SetAutoTradingEnabled(ctx context.Context, userID string, enabled bool) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO trading_preferences (user_id, auto_trading_enabled, last_toggle_time, updated_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (user_id) DO UPDATE SET
			auto_trading_enabled = EXCLUDED.auto_trading_enabled,
			last_toggle_time = EXCLUDED.last_toggle_time,
			updated_at = EXCLUDED.updated_at`,
		userID, enabled, time.Now())
	if err != nil {
		return fmt.Errorf("updating auto-trading flag: %w", err)
	}
	return nil
}

// SetTradingStatus moves the user's halt state machine
func (db *DB) SetTradingStatus(ctx context.Context, userID, status string) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO trading_preferences (user_id, trading_status, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET
			trading_status = EXCLUDED.trading_status,
			updated_at = EXCLUDED.updated_at`,
		userID, status)
	if err != nil {
		return fmt.Errorf("updating trading status: %w", err)
	}
	return nil
}

// GetCredentials implements alpaca.CredentialSource from broker_accounts
func (db *DB) GetCredentials(ctx context.Context, userID string) (*alpaca.Credentials, error) {
	var creds alpaca.Credentials
	err := db.Pool.QueryRow(ctx,
		`SELECT api_key, secret_key, paper FROM broker_accounts WHERE user_id = $1`,
		userID,
	).Scan(&creds.APIKey, &creds.SecretKey, &creds.Paper)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, alpaca.ErrAccountNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("getting broker credentials: %w", err)
	}
	return &creds, nil
}

// UpsertBrokerAccount stores or replaces a user's brokerage credentials
func (db *DB) UpsertBrokerAccount(ctx context.Context, acct *BrokerAccount) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO broker_accounts (id, user_id, api_key, secret_key, paper)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE SET
			api_key = EXCLUDED.api_key,
			secret_key = EXCLUDED.secret_key,
			paper = EXCLUDED.paper`,
		acct.ID, acct.UserID, acct.APIKey, acct.SecretKey, acct.Paper)
	if err != nil {
		return fmt.Errorf("upserting broker account: %w", err)
	}
	return nil
}

var _ alpaca.CredentialSource = (*DB)(nil)
