// Package revokekey implements the REVOKE_SECURITY_KEY batch handler.
package revokekey

import (
	"context"
	"errors"

	"github.com/rsclarke/sebcoord/internal/batch"
	"github.com/rsclarke/sebcoord/internal/keyregistry"
	"github.com/rsclarke/sebcoord/internal/models"
	"github.com/rsclarke/sebcoord/internal/types"
)

// Handler revokes registry keys by ID.
type Handler struct {
	registry *keyregistry.Registry
}

// New returns a Handler.
func New(r *keyregistry.Registry) *Handler {
	return &Handler{registry: r}
}

// ActionType returns REVOKE_SECURITY_KEY.
func (h *Handler) ActionType() types.ActionType { return types.ActionRevokeSecurityKey }

// Apply revokes one key. A key that is already revoked counts as done.
func (h *Handler) Apply(ctx context.Context, action *models.BatchAction, targetID int64) error {
	k, err := h.registry.Get(ctx, action.InstitutionID, targetID)
	if errors.Is(err, keyregistry.ErrKeyNotFound) {
		return err
	}
	if err != nil {
		return batch.Transient(err)
	}
	if k.RevokedAt != nil {
		return nil
	}

	err = h.registry.Revoke(ctx, action.InstitutionID, targetID)
	if errors.Is(err, keyregistry.ErrKeyNotFound) {
		// Revoked between Get and Revoke.
		return nil
	}
	if err != nil {
		return batch.Transient(err)
	}
	return nil
}
