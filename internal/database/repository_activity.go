package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogActivity appends one audit trail entry. Errors here are reported but
// callers generally treat the audit trail as best-effort.
func (db *DB) LogActivity(ctx context.Context, userID, level, category, message string, metadata map[string]string) error {
	var raw []byte
	if len(metadata) > 0 {
		var err error
		raw, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encoding activity metadata: %w", err)
		}
	}

	var uid *string
	if userID != "" {
		uid = &userID
	}

	_, err := db.Pool.Exec(ctx,
		`INSERT INTO activity_logs (id, user_id, level, category, message, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), uid, level, category, message, raw, time.Now())
	if err != nil {
		return fmt.Errorf("logging activity: %w", err)
	}
	return nil
}

// GetRecentActivity returns the user's newest audit entries
func (db *DB) GetRecentActivity(ctx context.Context, userID string, limit int) ([]*ActivityLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT id, user_id, level, category, message, metadata, created_at
		 FROM activity_logs
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()

	var out []*ActivityLog
	for rows.Next() {
		var (
			a   ActivityLog
			uid *string
			raw []byte
		)
		if err := rows.Scan(&a.ID, &uid, &a.Level, &a.Category, &a.Message, &raw, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		if uid != nil {
			a.UserID = *uid
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &a.Metadata); err != nil {
				return nil, fmt.Errorf("decoding activity metadata: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
