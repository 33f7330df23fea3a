// Package deleteexam implements the DELETE_EXAM batch handler.
package deleteexam

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/rsclarke/sebcoord/internal/batch"
	"github.com/rsclarke/sebcoord/internal/db"
	"github.com/rsclarke/sebcoord/internal/logging"
	"github.com/rsclarke/sebcoord/internal/models"
	"github.com/rsclarke/sebcoord/internal/types"
)

// Handler deletes exams together with their connections, rooms, settings
// and exam-scoped keys.
type Handler struct {
	db  *sql.DB
	log *zap.Logger
}

// New returns a Handler.
func New(d *sql.DB, logger *zap.Logger) *Handler {
	return &Handler{db: d, log: logging.OrNop(logger).Named("deleteexam")}
}

// ActionType returns DELETE_EXAM.
func (h *Handler) ActionType() types.ActionType { return types.ActionDeleteExam }

// Apply deletes one exam. An exam that no longer exists counts as deleted.
func (h *Handler) Apply(ctx context.Context, action *models.BatchAction, targetID int64) error {
	deleted, err := db.DeleteExam(ctx, h.db, action.InstitutionID, targetID)
	if err != nil {
		return batch.Transient(err)
	}
	if deleted {
		h.log.Info("exam deleted",
			logging.ExamID(targetID),
			logging.InstitutionID(action.InstitutionID),
			logging.ActionID(action.ID))
	}
	return nil
}
