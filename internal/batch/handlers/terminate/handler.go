// Package terminate implements the TERMINATE_CONNECTION batch handler.
package terminate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rsclarke/sebcoord/internal/batch"
	"github.com/rsclarke/sebcoord/internal/logging"
	"github.com/rsclarke/sebcoord/internal/models"
	"github.com/rsclarke/sebcoord/internal/rooms"
	"github.com/rsclarke/sebcoord/internal/session"
	"github.com/rsclarke/sebcoord/internal/types"
)

// StatusAttribute optionally selects CLOSED or ABORTED as the final status.
const StatusAttribute = "status"

// Handler closes or aborts connections, identified by connection ID, and
// releases their proctoring rooms.
type Handler struct {
	sessions *session.Store
	rooms    *rooms.Allocator
	log      *zap.Logger
}

// New returns a Handler.
func New(sessions *session.Store, alloc *rooms.Allocator, logger *zap.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		rooms:    alloc,
		log:      logging.OrNop(logger).Named("terminate"),
	}
}

// ActionType returns TERMINATE_CONNECTION.
func (h *Handler) ActionType() types.ActionType { return types.ActionTerminateConnection }

// Apply terminates one connection. A connection that is already terminal
// counts as done, but its rooms are still released.
func (h *Handler) Apply(ctx context.Context, action *models.BatchAction, targetID int64) error {
	requested, err := requestedStatus(action)
	if err != nil {
		return err
	}

	conn, err := h.sessions.GetByID(ctx, action.InstitutionID, targetID)
	if errors.Is(err, session.ErrConnectionNotFound) {
		return err
	}
	if err != nil {
		return batch.Transient(err)
	}

	if !conn.Status.Terminal() {
		to := requested
		if to == "" {
			to = types.StatusAborted
			if session.CanTransition(conn.Status, types.StatusClosed) {
				to = types.StatusClosed
			}
		}

		err := h.sessions.Transition(ctx, conn.Token, to)
		var ite *session.InvalidTransitionError
		switch {
		case err == nil:
			h.log.Debug("connection terminated",
				logging.ConnectionToken(conn.Token),
				logging.ConnectionStatus(string(to)))
		case errors.As(err, &ite) && ite.From.Terminal():
			// Terminated concurrently.
		case errors.As(err, &ite):
			return err
		default:
			return batch.Transient(err)
		}
	}

	if err := h.rooms.Release(ctx, conn.Token); err != nil {
		return batch.Transient(err)
	}
	return nil
}

// OnFinish logs the action summary.
func (h *Handler) OnFinish(_ context.Context, action *models.BatchAction, p batch.Progress) error {
	h.log.Info("termination batch finished",
		logging.ActionID(action.ID),
		logging.InstitutionID(action.InstitutionID),
		zap.Int("succeeded", p.Succeeded),
		zap.Int("failed", p.Failed))
	return nil
}

func requestedStatus(action *models.BatchAction) (types.ConnectionStatus, error) {
	v := action.Attributes[StatusAttribute]
	switch types.ConnectionStatus(v) {
	case "":
		return "", nil
	case types.StatusClosed, types.StatusAborted:
		return types.ConnectionStatus(v), nil
	}
	return "", fmt.Errorf("%s attribute must be %s or %s, got %q",
		StatusAttribute, types.StatusClosed, types.StatusAborted, v)
}
