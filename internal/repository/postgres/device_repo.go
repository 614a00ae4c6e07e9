package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iamasit07/souqchat/internal/domain"
)

type DeviceRepo struct {
	DB *sql.DB
}

func NewDeviceRepo(db *sql.DB) *DeviceRepo {
	return &DeviceRepo{DB: db}
}

// RegisterDeviceToken upserts the registration and evicts the oldest beyond limit
func (r *DeviceRepo) RegisterDeviceToken(ctx context.Context, d domain.DeviceToken, limit int) ([]string, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `
	INSERT INTO device_tokens (user_id, token, platform, locale, registered_at, last_validated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (user_id, token) DO UPDATE SET
		platform = EXCLUDED.platform,
		locale = EXCLUDED.locale,
		last_validated_at = EXCLUDED.last_validated_at;
	`
	if _, err := tx.ExecContext(ctx, upsert,
		d.UserID, d.Token, string(d.Platform), d.Locale, d.RegisteredAt, d.LastValidatedAt); err != nil {
		return nil, fmt.Errorf("failed to register device token: %w", err)
	}

	var evicted []string
	if limit > 0 {
		rows, err := tx.QueryContext(ctx, `
		SELECT token FROM device_tokens
		WHERE user_id = $1
		ORDER BY registered_at DESC, token DESC
		OFFSET $2
		FOR UPDATE;
		`, d.UserID, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list surplus device tokens: %w", err)
		}
		for rows.Next() {
			var token string
			if err := rows.Scan(&token); err != nil {
				rows.Close()
				return nil, err
			}
			evicted = append(evicted, token)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		for _, token := range evicted {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM device_tokens WHERE user_id = $1 AND token = $2;`, d.UserID, token); err != nil {
				return nil, fmt.Errorf("failed to evict device token: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit device registration: %w", err)
	}
	// oldest first, like ListDeviceTokens
	for i, j := 0, len(evicted)-1; i < j; i, j = i+1, j-1 {
		evicted[i], evicted[j] = evicted[j], evicted[i]
	}
	return evicted, nil
}

// ListDeviceTokens returns the user's registrations, oldest first
func (r *DeviceRepo) ListDeviceTokens(ctx context.Context, userID string) ([]domain.DeviceToken, error) {
	query := `
	SELECT user_id, token, platform, locale, registered_at, last_validated_at
	FROM device_tokens
	WHERE user_id = $1
	ORDER BY registered_at ASC, token ASC;
	`
	rows, err := r.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device tokens: %w", err)
	}
	defer rows.Close()

	var out []domain.DeviceToken
	for rows.Next() {
		var d domain.DeviceToken
		if err := rows.Scan(&d.UserID, &d.Token, &d.Platform, &d.Locale, &d.RegisteredAt, &d.LastValidatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device token: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RemoveDeviceToken deletes one registration; a missing row is not an error
func (r *DeviceRepo) RemoveDeviceToken(ctx context.Context, userID, token string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM device_tokens WHERE user_id = $1 AND token = $2;`, userID, token)
	if err != nil {
		return fmt.Errorf("failed to remove device token: %w", err)
	}
	return nil
}

// PruneDeviceTokens removes registrations not validated since cutoff
func (r *DeviceRepo) PruneDeviceTokens(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM device_tokens WHERE last_validated_at < $1;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune device tokens: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
