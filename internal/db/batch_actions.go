package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rsclarke/sebcoord/internal/models"
	"github.com/rsclarke/sebcoord/internal/types"
)

// InsertBatchAction persists a new action in READY state and returns its ID.
func InsertBatchAction(ctx context.Context, d Querier, institutionID int64, actionType types.ActionType, targetIDs []int64, attrs map[string]string, nowMs int64) (int64, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return 0, fmt.Errorf("encode attributes: %w", err)
	}
	res, err := d.ExecContext(ctx, `
		INSERT INTO batch_actions
			(institution_id, action_type, source_ids, target_count, attributes, state, last_update, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, institutionID, string(actionType), EncodeIDs(targetIDs), len(targetIDs), string(encoded),
		string(types.ActionReady), nowMs, nowMs)
	if err != nil {
		return 0, fmt.Errorf("insert batch action: %w", err)
	}
	return res.LastInsertId()
}

// GetBatchAction retrieves a batch action by ID. Returns (nil, nil) when absent.
func GetBatchAction(ctx context.Context, d Querier, id int64) (*models.BatchAction, error) {
	var a models.BatchAction
	var actionType, sourceIDs, attrs, state string
	err := d.QueryRowContext(ctx, `
		SELECT id, institution_id, action_type, source_ids, attributes, state, processor_id, last_update, created_at
		FROM batch_actions WHERE id = ?
	`, id).Scan(&a.ID, &a.InstitutionID, &actionType, &sourceIDs, &attrs, &state, &a.ProcessorID, &a.LastUpdate, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query batch action: %w", err)
	}
	a.ActionType = types.ActionType(actionType)
	a.State = types.ActionState(state)
	if a.TargetIDs, err = DecodeIDs(sourceIDs); err != nil {
		return nil, fmt.Errorf("decode source ids: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &a.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	return &a, nil
}

// ClaimBatchAction gives processorID ownership of a READY or PROCESSING action
// when it is unowned, already owned by processorID, or its owner's last update
// is older than cutoffMs. It reports whether the claim was taken.
func ClaimBatchAction(ctx context.Context, d Querier, id int64, processorID string, nowMs, cutoffMs int64) (bool, error) {
	res, err := d.ExecContext(ctx, `
		UPDATE batch_actions
		SET processor_id = ?, last_update = ?, state = ?
		WHERE id = ?
		  AND state IN (?, ?)
		  AND (processor_id IS NULL OR processor_id = ? OR last_update < ?)
	`, processorID, nowMs, string(types.ActionProcessing),
		id, string(types.ActionReady), string(types.ActionProcessing),
		processorID, cutoffMs)
	if err != nil {
		return false, fmt.Errorf("claim batch action: %w", err)
	}
	return affected(res)
}

// RenewBatchAction refreshes last_update for the current holder of a PROCESSING action.
func RenewBatchAction(ctx context.Context, d Querier, id int64, processorID string, nowMs int64) (bool, error) {
	res, err := d.ExecContext(ctx, `
		UPDATE batch_actions SET last_update = ?
		WHERE id = ? AND processor_id = ? AND state = ?
	`, nowMs, id, processorID, string(types.ActionProcessing))
	if err != nil {
		return false, fmt.Errorf("renew batch action: %w", err)
	}
	return affected(res)
}

// InsertBatchResult records a target outcome unless one is already recorded.
// It reports whether a new row was written.
func InsertBatchResult(ctx context.Context, d Querier, actionID, targetID int64, outcome types.Outcome, nowMs int64) (bool, error) {
	res, err := d.ExecContext(ctx, `
		INSERT INTO batch_action_results (action_id, target_id, outcome, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (action_id, target_id) DO NOTHING
	`, actionID, targetID, string(outcome), nowMs)
	if err != nil {
		return false, fmt.Errorf("insert batch result: %w", err)
	}
	return affected(res)
}

// ListBatchResults returns every recorded outcome of an action.
func ListBatchResults(ctx context.Context, d Querier, actionID int64) ([]models.BatchResult, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT action_id, target_id, outcome, recorded_at
		FROM batch_action_results WHERE action_id = ?
		ORDER BY recorded_at, target_id
	`, actionID)
	if err != nil {
		return nil, fmt.Errorf("query batch results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.BatchResult
	for rows.Next() {
		var r models.BatchResult
		var outcome string
		if err := rows.Scan(&r.ActionID, &r.TargetID, &outcome, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan batch result: %w", err)
		}
		r.Outcome = types.Outcome(outcome)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountBatchResults returns the number of recorded outcomes per kind.
func CountBatchResults(ctx context.Context, d Querier, actionID int64) (map[types.Outcome]int, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT outcome, COUNT(*) FROM batch_action_results WHERE action_id = ? GROUP BY outcome
	`, actionID)
	if err != nil {
		return nil, fmt.Errorf("count batch results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan batch result count: %w", err)
		}
		counts[types.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

// SetBatchActionState moves an action to state to if it is currently in one of from.
func SetBatchActionState(ctx context.Context, d Querier, id int64, to types.ActionState, from []types.ActionState, nowMs int64) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{string(to), nowMs, id}
	for _, s := range from {
		args = append(args, string(s))
	}
	res, err := d.ExecContext(ctx,
		"UPDATE batch_actions SET state = ?, last_update = ? WHERE id = ? AND state IN ("+placeholders(len(from))+")",
		args...)
	if err != nil {
		return false, fmt.Errorf("update batch action state: %w", err)
	}
	return affected(res)
}

// FinishBatchAction marks a PROCESSING action FINISHED, provided processorID
// holds it and every target has a recorded outcome.
func FinishBatchAction(ctx context.Context, d Querier, id int64, processorID string, nowMs int64) (bool, error) {
	res, err := d.ExecContext(ctx, `
		UPDATE batch_actions SET state = ?, last_update = ?
		WHERE id = ? AND processor_id = ? AND state = ?
		  AND (SELECT COUNT(*) FROM batch_action_results WHERE action_id = batch_actions.id) >= target_count
	`, string(types.ActionFinished), nowMs, id, processorID, string(types.ActionProcessing))
	if err != nil {
		return false, fmt.Errorf("finish batch action: %w", err)
	}
	return affected(res)
}

// ListClaimableBatchActions returns IDs of READY actions and PROCESSING
// actions whose last update is older than cutoffMs, oldest first.
func ListClaimableBatchActions(ctx context.Context, d Querier, cutoffMs int64, limit int) ([]int64, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT id FROM batch_actions
		WHERE state = ? OR (state = ? AND last_update < ?)
		ORDER BY id
		LIMIT ?
	`, string(types.ActionReady), string(types.ActionProcessing), cutoffMs, limit)
	if err != nil {
		return nil, fmt.Errorf("query claimable batch actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch action id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
