package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rsclarke/sebcoord/internal/models"
	"github.com/rsclarke/sebcoord/internal/types"
)

const securityKeyColumns = `id, institution_id, key_type, key_value, exam_id, exam_template_id, tag, created_at, revoked_at`

func scanSecurityKey(s rowScanner) (*models.SecurityKey, error) {
	var k models.SecurityKey
	var keyType string
	if err := s.Scan(&k.ID, &k.InstitutionID, &keyType, &k.KeyValue, &k.ExamID, &k.TemplateID,
		&k.Tag, &k.CreatedAt, &k.RevokedAt); err != nil {
		return nil, err
	}
	k.KeyType = types.KeyType(keyType)
	return &k, nil
}

// InsertSecurityKey appends a key to the registry. A duplicate active key
// fails with a unique violation, returned unwrapped.
func InsertSecurityKey(ctx context.Context, d Querier, k models.SecurityKey, nowMs int64) (int64, error) {
	res, err := d.ExecContext(ctx, `
		INSERT INTO seb_security_keys
			(institution_id, key_type, key_value, exam_id, exam_template_id, tag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, k.InstitutionID, string(k.KeyType), k.KeyValue, k.ExamID, k.TemplateID, k.Tag, nowMs)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FindActiveSecurityKey returns the active key with exactly the given scope.
// Returns (nil, nil) when none exists.
func FindActiveSecurityKey(ctx context.Context, d Querier, institutionID int64, keyType types.KeyType, value string, examID, templateID *int64) (*models.SecurityKey, error) {
	k, err := scanSecurityKey(d.QueryRowContext(ctx, `
		SELECT `+securityKeyColumns+` FROM seb_security_keys
		WHERE institution_id = ? AND key_type = ? AND key_value = ? AND revoked_at IS NULL
		  AND exam_id IS ? AND exam_template_id IS ?
	`, institutionID, string(keyType), value, examID, templateID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query security key: %w", err)
	}
	return k, nil
}

// MatchSecurityKey returns the most specific active key matching the scope:
// exam-scoped first, then template-scoped, then institution-wide.
// Returns (nil, nil) when nothing matches.
func MatchSecurityKey(ctx context.Context, d Querier, institutionID int64, keyType types.KeyType, value string, examID, templateID *int64) (*models.SecurityKey, error) {
	k, err := scanSecurityKey(d.QueryRowContext(ctx, `
		SELECT `+securityKeyColumns+` FROM seb_security_keys
		WHERE institution_id = ? AND key_type = ? AND key_value = ? AND revoked_at IS NULL
		  AND (
			(exam_id IS NOT NULL AND exam_id = ?)
			OR (exam_template_id IS NOT NULL AND exam_template_id = ?)
			OR (exam_id IS NULL AND exam_template_id IS NULL)
		  )
		ORDER BY CASE
			WHEN exam_id IS NOT NULL THEN 0
			WHEN exam_template_id IS NOT NULL THEN 1
			ELSE 2
		END, id
		LIMIT 1
	`, institutionID, string(keyType), value, examID, templateID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match security key: %w", err)
	}
	return k, nil
}

// GetSecurityKey retrieves a key within an institution. Returns (nil, nil) when absent.
func GetSecurityKey(ctx context.Context, d Querier, institutionID, id int64) (*models.SecurityKey, error) {
	k, err := scanSecurityKey(d.QueryRowContext(ctx,
		"SELECT "+securityKeyColumns+" FROM seb_security_keys WHERE id = ? AND institution_id = ?",
		id, institutionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query security key: %w", err)
	}
	return k, nil
}

// RevokeSecurityKey sets revoked_at on an active key. It returns false if the
// key is unknown or already revoked.
func RevokeSecurityKey(ctx context.Context, d Querier, institutionID, id, nowMs int64) (bool, error) {
	res, err := d.ExecContext(ctx,
		"UPDATE seb_security_keys SET revoked_at = ? WHERE id = ? AND institution_id = ? AND revoked_at IS NULL",
		nowMs, id, institutionID)
	if err != nil {
		return false, fmt.Errorf("revoke security key: %w", err)
	}
	return affected(res)
}

// ListSecurityKeys lists an institution's keys ordered by ID.
func ListSecurityKeys(ctx context.Context, d Querier, institutionID int64, includeRevoked bool) ([]models.SecurityKey, error) {
	query := "SELECT " + securityKeyColumns + " FROM seb_security_keys WHERE institution_id = ?"
	if !includeRevoked {
		query += " AND revoked_at IS NULL"
	}
	query += " ORDER BY id"

	rows, err := d.QueryContext(ctx, query, institutionID)
	if err != nil {
		return nil, fmt.Errorf("query security keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.SecurityKey
	for rows.Next() {
		k, err := scanSecurityKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security key: %w", err)
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}
