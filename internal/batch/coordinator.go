// Package batch runs bulk administrative actions exactly once per target.
//
// Ownership of an action is a lease: the holder refreshes last_update and
// any processor may take over once the holder has been silent for longer
// than the lease. Per-target outcomes are write-once, so a processor that
// takes over skips everything already recorded.
package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/sebcoord/internal/db"
	"github.com/rsclarke/sebcoord/internal/logging"
	"github.com/rsclarke/sebcoord/internal/models"
	"github.com/rsclarke/sebcoord/internal/types"
)

var (
	ErrActionNotFound    = errors.New("batch action not found")
	ErrInvalidActionType = errors.New("unknown batch action type")
	ErrNoTargets         = errors.New("batch action has no targets")
	ErrUnknownTarget     = errors.New("target is not part of the batch action")
	ErrActionFinished    = errors.New("batch action already finished")
	ErrInvalidLease      = errors.New("lease must be positive")
)

// Progress summarises the recorded outcomes of an action.
type Progress struct {
	ActionID    int64             `json:"action_id"`
	ActionType  types.ActionType  `json:"action_type"`
	State       types.ActionState `json:"state"`
	ProcessorID string            `json:"processor_id,omitempty"`
	Total       int               `json:"total"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	Skipped     int               `json:"skipped"`
	Pending     int               `json:"pending"`
}

// Complete reports whether every target succeeded.
func (p Progress) Complete() bool {
	return p.Total > 0 && p.Succeeded == p.Total
}

type Coordinator struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source used for leases.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New returns a Coordinator backed by d.
func New(d *sql.DB, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{db: d, log: logging.OrNop(logger).Named("batch"), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit persists a new action. Duplicate target IDs are dropped, keeping
// the first occurrence.
func (c *Coordinator) Submit(ctx context.Context, institutionID int64, actionType types.ActionType, targetIDs []int64, attrs map[string]string) (int64, error) {
	if !actionType.Valid() {
		return 0, ErrInvalidActionType
	}
	targets := dedupe(targetIDs)
	if len(targets) == 0 {
		return 0, ErrNoTargets
	}

	id, err := db.InsertBatchAction(ctx, c.db, institutionID, actionType, targets, attrs, c.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	c.log.Info("batch action submitted",
		logging.ActionID(id),
		logging.ActionType(string(actionType)),
		logging.InstitutionID(institutionID),
		zap.Int("targets", len(targets)))
	return id, nil
}

// Claim gives processorID ownership of the action for lease. It returns
// false when another processor holds an unexpired claim or the action is
// finished or cancelled. Claiming an action already held renews the lease.
func (c *Coordinator) Claim(ctx context.Context, actionID int64, processorID string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, ErrInvalidLease
	}
	now := c.now()
	ok, err := db.ClaimBatchAction(ctx, c.db, actionID, processorID, now.UnixMilli(), now.Add(-lease).UnixMilli())
	if err != nil {
		return false, err
	}
	if ok {
		c.log.Debug("batch action claimed",
			logging.ActionID(actionID),
			logging.ProcessorID(processorID),
			logging.Lease(lease))
	}
	return ok, nil
}

// Renew refreshes the lease of the current holder. It returns false when
// processorID no longer holds the action.
func (c *Coordinator) Renew(ctx context.Context, actionID int64, processorID string) (bool, error) {
	return db.RenewBatchAction(ctx, c.db, actionID, processorID, c.now().UnixMilli())
}

// MarkDone records the outcome of one target. The first recorded outcome
// wins; later calls for the same target have no effect. Outcomes are
// accepted regardless of who holds the claim.
func (c *Coordinator) MarkDone(ctx context.Context, actionID, targetID int64, success bool) error {
	action, err := c.load(ctx, actionID)
	if err != nil {
		return err
	}
	if !slices.Contains(action.TargetIDs, targetID) {
		return ErrUnknownTarget
	}

	outcome := types.OutcomeFailed
	if success {
		outcome = types.OutcomeSuccess
	}
	inserted, err := db.InsertBatchResult(ctx, c.db, actionID, targetID, outcome, c.now().UnixMilli())
	if err != nil {
		return err
	}
	if !inserted {
		c.log.Debug("batch target already recorded",
			logging.ActionID(actionID),
			logging.TargetID(targetID))
	}
	return nil
}

// IsComplete reports whether every target of the action has succeeded.
func (c *Coordinator) IsComplete(ctx context.Context, actionID int64) (bool, error) {
	p, err := c.Progress(ctx, actionID)
	if err != nil {
		return false, err
	}
	return p.Complete(), nil
}

// Pending returns the targets without a recorded outcome, in submission order.
func (c *Coordinator) Pending(ctx context.Context, actionID int64) ([]int64, error) {
	action, err := c.load(ctx, actionID)
	if err != nil {
		return nil, err
	}
	return c.pending(ctx, c.db, action)
}

func (c *Coordinator) pending(ctx context.Context, q db.Querier, action *models.BatchAction) ([]int64, error) {
	results, err := db.ListBatchResults(ctx, q, action.ID)
	if err != nil {
		return nil, err
	}
	done := make(map[int64]struct{}, len(results))
	for _, r := range results {
		done[r.TargetID] = struct{}{}
	}
	var out []int64
	for _, id := range action.TargetIDs {
		if _, ok := done[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// Succeeded returns the targets recorded as successful, in submission order.
func (c *Coordinator) Succeeded(ctx context.Context, actionID int64) ([]int64, error) {
	action, err := c.load(ctx, actionID)
	if err != nil {
		return nil, err
	}
	results, err := db.ListBatchResults(ctx, c.db, actionID)
	if err != nil {
		return nil, err
	}
	ok := make(map[int64]bool, len(results))
	for _, r := range results {
		ok[r.TargetID] = r.Outcome == types.OutcomeSuccess
	}
	var out []int64
	for _, id := range action.TargetIDs {
		if ok[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// Progress reports how many targets have each outcome so far.
func (c *Coordinator) Progress(ctx context.Context, actionID int64) (Progress, error) {
	action, err := c.load(ctx, actionID)
	if err != nil {
		return Progress{}, err
	}
	counts, err := db.CountBatchResults(ctx, c.db, actionID)
	if err != nil {
		return Progress{}, err
	}

	p := Progress{
		ActionID:   action.ID,
		ActionType: action.ActionType,
		State:      action.State,
		Total:      len(action.TargetIDs),
		Succeeded:  counts[types.OutcomeSuccess],
		Failed:     counts[types.OutcomeFailed],
		Skipped:    counts[types.OutcomeSkipped],
	}
	if action.ProcessorID != nil {
		p.ProcessorID = *action.ProcessorID
	}
	p.Pending = p.Total - p.Succeeded - p.Failed - p.Skipped
	return p, nil
}

// Cancel marks every remaining target SKIPPED and the action CANCELLED in
// one write. Cancelling a cancelled action is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, institutionID, actionID int64) error {
	nowMs := c.now().UnixMilli()
	var skipped int

	err := db.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		action, err := db.GetBatchAction(ctx, tx, actionID)
		if err != nil {
			return err
		}
		if action == nil || action.InstitutionID != institutionID {
			return ErrActionNotFound
		}
		switch action.State {
		case types.ActionCancelled:
			return nil
		case types.ActionFinished:
			return ErrActionFinished
		}

		pending, err := c.pending(ctx, tx, action)
		if err != nil {
			return err
		}
		for _, id := range pending {
			if _, err := db.InsertBatchResult(ctx, tx, actionID, id, types.OutcomeSkipped, nowMs); err != nil {
				return err
			}
		}
		skipped = len(pending)

		_, err = db.SetBatchActionState(ctx, tx, actionID, types.ActionCancelled,
			[]types.ActionState{types.ActionReady, types.ActionProcessing}, nowMs)
		return err
	})
	if err != nil {
		return err
	}

	c.log.Info("batch action cancelled", logging.ActionID(actionID), zap.Int("skipped", skipped))
	return nil
}

// Finish marks the action FINISHED once every target has an outcome. Only
// the current holder may finish it.
func (c *Coordinator) Finish(ctx context.Context, actionID int64, processorID string) (bool, error) {
	ok, err := db.FinishBatchAction(ctx, c.db, actionID, processorID, c.now().UnixMilli())
	if err != nil {
		return false, err
	}
	if ok {
		c.log.Info("batch action finished", logging.ActionID(actionID), logging.ProcessorID(processorID))
	}
	return ok, nil
}

// Claimable lists actions that are ready or whose holder's lease expired.
func (c *Coordinator) Claimable(ctx context.Context, lease time.Duration, limit int) ([]int64, error) {
	if lease <= 0 {
		return nil, ErrInvalidLease
	}
	return db.ListClaimableBatchActions(ctx, c.db, c.now().Add(-lease).UnixMilli(), limit)
}

// Get returns an action of an institution.
func (c *Coordinator) Get(ctx context.Context, institutionID, actionID int64) (*models.BatchAction, error) {
	action, err := c.load(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.InstitutionID != institutionID {
		return nil, ErrActionNotFound
	}
	return action, nil
}

func (c *Coordinator) load(ctx context.Context, actionID int64) (*models.BatchAction, error) {
	action, err := db.GetBatchAction(ctx, c.db, actionID)
	if err != nil {
		return nil, fmt.Errorf("load batch action %d: %w", actionID, err)
	}
	if action == nil {
		return nil, ErrActionNotFound
	}
	return action, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
