package batch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsclarke/sebcoord/internal/db"
	"github.com/rsclarke/sebcoord/internal/types"
)

const lease = 30 * time.Second

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newCoordinator(t *testing.T) (*Coordinator, *clock) {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	clk := &clock{t: time.UnixMilli(1_700_000_000_000)}
	return New(d, nil, WithClock(clk.now)), clk
}

func TestSubmitValidates(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	_, err := c.Submit(ctx, 1, "DEACTIVATE_EVERYTHING", []int64{1}, nil)
	assert.ErrorIs(t, err, ErrInvalidActionType)

	_, err = c.Submit(ctx, 1, types.ActionDeleteExam, nil, nil)
	assert.ErrorIs(t, err, ErrNoTargets)

	id, err := c.Submit(ctx, 1, types.ActionDeleteExam, []int64{3, 1, 3, 2, 1}, map[string]string{"reason": "term over"})
	require.NoError(t, err)

	action, err := c.Get(ctx, 1, id)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1, 2}, action.TargetIDs)
	assert.Equal(t, types.ActionReady, action.State)
	assert.Equal(t, "term over", action.Attributes["reason"])

	_, err = c.Get(ctx, 2, id)
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestClaimExclusion(t *testing.T) {
	c, clk := newCoordinator(t)
	ctx := context.Background()

	id, err := c.Submit(ctx, 1, types.ActionTerminateConnection, []int64{1, 2}, nil)
	require.NoError(t, err)

	ok, err := c.Claim(ctx, id, "p1", lease)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Claim(ctx, id, "p2", lease)
	require.NoError(t, err)
	assert.False(t, ok, "second processor must not claim a live lease")

	// Exactly at the lease boundary the claim is still live.
	clk.advance(lease)
	ok, err = c.Claim(ctx, id, "p2", lease)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.advance(time.Millisecond)
	ok, err = c.Claim(ctx, id, "p2", lease)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	renewed, err := c.Renew(ctx, id, "p1")
	require.NoError(t, err)
	assert.False(t, renewed, "previous holder can no longer renew")

	p, err := c.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "p2", p.ProcessorID)
	assert.Equal(t, types.ActionProcessing, p.State)
}

func TestRenewKeepsLeaseAlive(t *testing.T) {
	c, clk := newCoordinator(t)
	ctx := context.Background()

	id, err := c.Submit(ctx, 1, types.ActionTerminateConnection, []int64{1}, nil)
	require.NoError(t, err)
	ok, err := c.Claim(ctx, id, "p1", lease)
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		clk.advance(lease / 2)
		renewed, err := c.Renew(ctx, id, "p1")
		require.NoError(t, err)
		require.True(t, renewed)
	}

	clk.advance(lease / 2)
	ok, err = c.Claim(ctx, id, "p2", lease)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkDoneIdempotent(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	id, err := c.Submit(ctx, 1, types.ActionRevokeSecurityKey, []int64{7, 8}, nil)
	require.NoError(t, err)

	require.NoError(t, c.MarkDone(ctx, id, 7, true))
	require.NoError(t, c.MarkDone(ctx, id, 7, true))

	succeeded, err := c.Succeeded(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, succeeded)

	// A recorded failure is immutable.
	require.NoError(t, c.MarkDone(ctx, id, 8, false))
	require.NoError(t, c.MarkDone(ctx, id, 8, true))

	p, err := c.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Succeeded)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 0, p.Pending)

	complete, err := c.IsComplete(ctx, id)
	require.NoError(t, err)
	assert.False(t, complete)

	assert.ErrorIs(t, c.MarkDone(ctx, id, 99, true), ErrUnknownTarget)
	assert.ErrorIs(t, c.MarkDone(ctx, 12345, 7, true), ErrActionNotFound)
}

func TestCancelSkipsRemaining(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	id, err := c.Submit(ctx, 1, types.ActionTerminateConnection, []int64{1, 2, 3}, nil)
	require.NoError(t, err)
	ok, err := c.Claim(ctx, id, "p1", lease)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.MarkDone(ctx, id, 1, true))

	assert.ErrorIs(t, c.Cancel(ctx, 2, id), ErrActionNotFound)
	require.NoError(t, c.Cancel(ctx, 1, id))
	require.NoError(t, c.Cancel(ctx, 1, id), "cancel is repeatable")

	p, err := c.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.ActionCancelled, p.State)
	assert.Equal(t, 1, p.Succeeded)
	assert.Equal(t, 2, p.Skipped)
	assert.Equal(t, 0, p.Pending)

	// A stale processor's late result is accepted but changes nothing.
	require.NoError(t, c.MarkDone(ctx, id, 2, true))
	p, err = c.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Succeeded)

	renewed, err := c.Renew(ctx, id, "p1")
	require.NoError(t, err)
	assert.False(t, renewed)

	ok, err = c.Claim(ctx, id, "p2", lease)
	require.NoError(t, err)
	assert.False(t, ok, "cancelled actions cannot be claimed")

	ids, err := c.Claimable(ctx, lease, 10)
	require.NoError(t, err)
	assert.NotContains(t, ids, id)
}

func TestFinish(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	id, err := c.Submit(ctx, 1, types.ActionDeleteExam, []int64{1, 2}, nil)
	require.NoError(t, err)
	ok, err := c.Claim(ctx, id, "p1", lease)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.MarkDone(ctx, id, 1, true))
	finished, err := c.Finish(ctx, id, "p1")
	require.NoError(t, err)
	assert.False(t, finished, "targets still pending")

	require.NoError(t, c.MarkDone(ctx, id, 2, false))
	finished, err = c.Finish(ctx, id, "p2")
	require.NoError(t, err)
	assert.False(t, finished, "only the holder can finish")

	finished, err = c.Finish(ctx, id, "p1")
	require.NoError(t, err)
	assert.True(t, finished)

	assert.ErrorIs(t, c.Cancel(ctx, 1, id), ErrActionFinished)
}

func TestClaimable(t *testing.T) {
	c, clk := newCoordinator(t)
	ctx := context.Background()

	ready, err := c.Submit(ctx, 1, types.ActionDeleteExam, []int64{1}, nil)
	require.NoError(t, err)
	held, err := c.Submit(ctx, 1, types.ActionDeleteExam, []int64{1}, nil)
	require.NoError(t, err)
	ok, err := c.Claim(ctx, held, "p1", lease)
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := c.Claimable(ctx, lease, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{ready}, ids)

	clk.advance(lease + time.Second)
	ids, err = c.Claimable(ctx, lease, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{ready, held}, ids)

	_, err = c.Claimable(ctx, 0, 10)
	assert.ErrorIs(t, err, ErrInvalidLease)
}

// Processor A claims, completes two of three targets and stalls. After its
// lease expires processor B takes over and only has the last target left.
func TestTakeoverAfterExpiredLease(t *testing.T) {
	c, clk := newCoordinator(t)
	ctx := context.Background()

	id, err := c.Submit(ctx, 1, types.ActionTerminateConnection, []int64{101, 102, 103}, nil)
	require.NoError(t, err)

	ok, err := c.Claim(ctx, id, "A", lease)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.MarkDone(ctx, id, 101, true))
	require.NoError(t, c.MarkDone(ctx, id, 102, true))

	ok, err = c.Claim(ctx, id, "B", lease)
	require.NoError(t, err)
	require.False(t, ok)

	clk.advance(lease + time.Second)

	ok, err = c.Claim(ctx, id, "B", lease)
	require.NoError(t, err)
	require.True(t, ok)

	succeeded, err := c.Succeeded(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 102}, succeeded)

	pending, err := c.Pending(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int64{103}, pending)

	complete, err := c.IsComplete(ctx, id)
	require.NoError(t, err)
	assert.False(t, complete)

	require.NoError(t, c.MarkDone(ctx, id, 103, true))

	complete, err = c.IsComplete(ctx, id)
	require.NoError(t, err)
	assert.True(t, complete)
}
