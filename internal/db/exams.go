package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rsclarke/sebcoord/internal/models"
)

// CreateExam inserts a new exam and returns its ID.
func CreateExam(ctx context.Context, d Querier, institutionID int64, templateID *int64, name string) (int64, error) {
	res, err := d.ExecContext(ctx,
		"INSERT INTO exams (institution_id, template_id, name, created_at) VALUES (?, ?, ?, ?)",
		institutionID, templateID, name, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert exam: %w", err)
	}
	return res.LastInsertId()
}

// GetExam retrieves an exam within an institution. Returns (nil, nil) when absent.
func GetExam(ctx context.Context, d Querier, institutionID, examID int64) (*models.Exam, error) {
	var e models.Exam
	err := d.QueryRowContext(ctx,
		"SELECT id, institution_id, template_id, name, created_at FROM exams WHERE id = ? AND institution_id = ?",
		examID, institutionID,
	).Scan(&e.ID, &e.InstitutionID, &e.TemplateID, &e.Name, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query exam: %w", err)
	}
	return &e, nil
}

// DeleteExam removes an exam and, through cascades, its connections, rooms,
// settings and exam-scoped keys. It returns false if nothing was deleted.
func DeleteExam(ctx context.Context, d Querier, institutionID, examID int64) (bool, error) {
	res, err := d.ExecContext(ctx, "DELETE FROM exams WHERE id = ? AND institution_id = ?", examID, institutionID)
	if err != nil {
		return false, fmt.Errorf("delete exam: %w", err)
	}
	return affected(res)
}

// SetExamSetting stores a named setting for an exam.
// The value is JSON-encoded before storage.
func SetExamSetting(ctx context.Context, d Querier, examID int64, name string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting: %w", err)
	}

	_, err = d.ExecContext(ctx, `
		INSERT INTO exam_settings (exam_id, name, config)
		VALUES (?, ?, ?)
		ON CONFLICT (exam_id, name) DO UPDATE SET config = excluded.config
	`, examID, name, string(encoded))
	if err != nil {
		return fmt.Errorf("upsert exam setting: %w", err)
	}

	return nil
}

// GetExamSetting decodes a named exam setting into out.
// Returns (false, nil) if the setting does not exist.
func GetExamSetting(ctx context.Context, d Querier, examID int64, name string, out any) (bool, error) {
	var config string
	err := d.QueryRowContext(ctx,
		"SELECT config FROM exam_settings WHERE exam_id = ? AND name = ?",
		examID, name,
	).Scan(&config)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query exam setting: %w", err)
	}

	if err := json.Unmarshal([]byte(config), out); err != nil {
		return false, fmt.Errorf("decode setting: %w", err)
	}

	return true, nil
}

// DeleteExamSetting removes a named exam setting.
func DeleteExamSetting(ctx context.Context, d Querier, examID int64, name string) error {
	_, err := d.ExecContext(ctx,
		"DELETE FROM exam_settings WHERE exam_id = ? AND name = ?",
		examID, name,
	)
	if err != nil {
		return fmt.Errorf("delete exam setting: %w", err)
	}

	return nil
}
