package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"alpaca-trading-bot/internal/strategy"
)

// GetStrategyConfig returns the user's stored strategy configuration, or
// the defaults when none exists. The scheduler reads this once per cycle
// so a mid-cycle update never produces a mixed snapshot.
func (db *DB) GetStrategyConfig(ctx context.Context, userID string) (*strategy.Config, error) {
	var raw []byte
	err := db.Pool.QueryRow(ctx,
		`SELECT config FROM strategy_configs WHERE user_id = $1`,
		userID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return strategy.DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting strategy config: %w", err)
	}

	cfg := strategy.DefaultConfig()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decoding strategy config: %w", err)
	}
	return cfg, nil
}

// SaveStrategyConfig validates and upserts the user's configuration
func (db *DB) SaveStrategyConfig(ctx context.Context, userID string, cfg *strategy.Config) error {
	if err := strategy.ValidateConfig(cfg); err != nil {
		return err
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding strategy config: %w", err)
	}

	_, err = db.Pool.Exec(ctx,
		`INSERT INTO strategy_configs (user_id, config, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET
			config = EXCLUDED.config,
			updated_at = EXCLUDED.updated_at`,
		userID, raw)
	if err != nil {
		return fmt.Errorf("saving strategy config: %w", err)
	}
	return nil
}
