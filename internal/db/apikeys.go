package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rsclarke/sebcoord/internal/models"
)

// CreateAPIKey inserts a new API key for an institution and returns its ID.
func CreateAPIKey(ctx context.Context, d Querier, institutionID int64, prefix string, hash []byte) (int64, error) {
	result, err := d.ExecContext(ctx,
		"INSERT INTO api_keys (institution_id, key_prefix, key_hash, created_at) VALUES (?, ?, ?, ?)",
		institutionID, prefix, hash, time.Now().Unix(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetAPIKeyByPrefix retrieves an API key by its prefix.
func GetAPIKeyByPrefix(ctx context.Context, d Querier, prefix string) (*models.APIKey, error) {
	row := d.QueryRowContext(ctx,
		"SELECT id, institution_id, key_prefix, key_hash, created_at, revoked_at FROM api_keys WHERE key_prefix = ?",
		prefix,
	)
	var key models.APIKey
	err := row.Scan(&key.ID, &key.InstitutionID, &key.KeyPrefix, &key.KeyHash, &key.CreatedAt, &key.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// RevokeAPIKey marks a key as revoked. It returns false if the key was unknown or already revoked.
func RevokeAPIKey(ctx context.Context, d Querier, prefix string) (bool, error) {
	res, err := d.ExecContext(ctx,
		"UPDATE api_keys SET revoked_at = ? WHERE key_prefix = ? AND revoked_at IS NULL",
		time.Now().Unix(), prefix,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// CountAPIKeys returns the number of non-revoked API keys in the database.
func CountAPIKeys(ctx context.Context, d Querier) (int, error) {
	var count int
	err := d.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_keys WHERE revoked_at IS NULL").Scan(&count)
	return count, err
}
