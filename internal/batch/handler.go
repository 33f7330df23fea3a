package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rsclarke/sebcoord/internal/models"
	"github.com/rsclarke/sebcoord/internal/types"
)

// Handler applies one action type to a single target. A nil error records
// SUCCESS and any other error records FAILED, unless it is wrapped with
// Transient.
type Handler interface {
	ActionType() types.ActionType
	Apply(ctx context.Context, action *models.BatchAction, targetID int64) error
}

// Preparer is an optional capability called once per claim, before any
// target is applied.
type Preparer interface {
	Prepare(ctx context.Context, action *models.BatchAction) error
}

// Finisher is an optional capability called after the action is marked FINISHED.
type Finisher interface {
	OnFinish(ctx context.Context, action *models.BatchAction, p Progress) error
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as temporary. The target is left pending and the
// worker lets go of the action until its lease runs out and it is claimed again.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was wrapped with Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// HandlerInfo describes a registered handler.
type HandlerInfo struct {
	ActionType types.ActionType `json:"action_type"`
	Prepares   bool             `json:"prepares"`
	Finishes   bool             `json:"finishes"`
}

// Handlers maps action types to handlers.
type Handlers struct {
	byType map[types.ActionType]Handler
}

// NewHandlers returns an empty registry.
func NewHandlers() *Handlers {
	return &Handlers{byType: make(map[types.ActionType]Handler)}
}

// Register adds h. Each action type takes exactly one handler.
func (hs *Handlers) Register(h Handler) error {
	t := h.ActionType()
	if !t.Valid() {
		return fmt.Errorf("register handler: %w: %s", ErrInvalidActionType, t)
	}
	if _, exists := hs.byType[t]; exists {
		return fmt.Errorf("register handler: %s already has a handler", t)
	}
	hs.byType[t] = h
	return nil
}

// Lookup returns the handler for t.
func (hs *Handlers) Lookup(t types.ActionType) (Handler, bool) {
	h, ok := hs.byType[t]
	return h, ok
}

// List describes the registered handlers, ordered by action type.
func (hs *Handlers) List() []HandlerInfo {
	infos := make([]HandlerInfo, 0, len(hs.byType))
	for t, h := range hs.byType {
		_, prepares := h.(Preparer)
		_, finishes := h.(Finisher)
		infos = append(infos, HandlerInfo{ActionType: t, Prepares: prepares, Finishes: finishes})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ActionType < infos[j].ActionType })
	return infos
}
