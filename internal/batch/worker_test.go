package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsclarke/sebcoord/internal/models"
	"github.com/rsclarke/sebcoord/internal/types"
)

// recordingHandler applies TERMINATE_CONNECTION by remembering targets. A
// target listed in fail fails permanently; one listed in flaky fails once
// transiently.
type recordingHandler struct {
	mu       sync.Mutex
	applied  []int64
	fail     map[int64]bool
	flaky    map[int64]bool
	finished []Progress
}

func (h *recordingHandler) ActionType() types.ActionType { return types.ActionTerminateConnection }

func (h *recordingHandler) Apply(_ context.Context, _ *models.BatchAction, target int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.flaky[target] {
		delete(h.flaky, target)
		return Transient(errors.New("database is locked"))
	}
	h.applied = append(h.applied, target)
	if h.fail[target] {
		return errors.New("connection not found")
	}
	return nil
}

func (h *recordingHandler) OnFinish(_ context.Context, _ *models.BatchAction, p Progress) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, p)
	return nil
}

func newWorker(c *Coordinator, h Handler, processor string) *Worker {
	hs := NewHandlers()
	if err := hs.Register(h); err != nil {
		panic(err)
	}
	return NewWorker(c, hs, WorkerConfig{ProcessorID: processor, Lease: lease, PollInterval: time.Second}, nil)
}

func TestWorkerProcessesAllTargets(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()
	h := &recordingHandler{fail: map[int64]bool{2: true}}
	w := newWorker(c, h, "w1")

	id, err := c.Submit(ctx, 1, types.ActionTerminateConnection, []int64{1, 2, 3}, nil)
	require.NoError(t, err)

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1, 2, 3}, h.applied)

	p, err := c.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.ActionFinished, p.State)
	assert.Equal(t, 2, p.Succeeded)
	assert.Equal(t, 1, p.Failed)
	require.Len(t, h.finished, 1)
	assert.Equal(t, 3, h.finished[0].Total)

	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "finished actions are not picked up again")
}

func TestWorkerTakeoverAfterStall(t *testing.T) {
	c, clk := newCoordinator(t)
	id, err := c.Submit(context.Background(), 1, types.ActionTerminateConnection, []int64{101, 102, 103}, nil)
	require.NoError(t, err)

	ctx := context.Background()

	// Processor A handles two targets and then stalls while still holding
	// the lease.
	hA := &recordingHandler{flaky: map[int64]bool{103: true}}
	finished, err := newWorker(c, hA, "A").Process(ctx, id)
	require.NoError(t, err)
	require.False(t, finished)
	assert.Equal(t, []int64{101, 102}, hA.applied)

	hB := &recordingHandler{}
	wB := newWorker(c, hB, "B")

	finished, err = wB.Process(ctx, id)
	require.NoError(t, err)
	assert.False(t, finished, "A's lease is still live")
	assert.Empty(t, hB.applied)

	clk.advance(lease + time.Second)

	finished, err = wB.Process(ctx, id)
	require.NoError(t, err)
	assert.True(t, finished)
	assert.Equal(t, []int64{103}, hB.applied, "B must only process what A left")

	complete, err := c.IsComplete(ctx, id)
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestWorkerTransientFailureLeavesTargetPending(t *testing.T) {
	c, clk := newCoordinator(t)
	ctx := context.Background()
	h := &recordingHandler{flaky: map[int64]bool{2: true}}
	w := newWorker(c, h, "w1")

	id, err := c.Submit(ctx, 1, types.ActionTerminateConnection, []int64{1, 2, 3}, nil)
	require.NoError(t, err)

	finished, err := w.Process(ctx, id)
	require.NoError(t, err)
	assert.False(t, finished)

	pending, err := c.Pending(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, pending)

	clk.advance(time.Second)
	finished, err = w.Process(ctx, id)
	require.NoError(t, err)
	assert.True(t, finished)
	assert.Equal(t, []int64{1, 2, 3}, h.applied)
}

func TestWorkerStopsWhenCancelled(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()
	h := &recordingHandler{}
	w := newWorker(c, h, "w1")

	id, err := c.Submit(ctx, 1, types.ActionTerminateConnection, []int64{1, 2}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx, 1, id))

	finished, err := w.Process(ctx, id)
	require.NoError(t, err)
	assert.False(t, finished)
	assert.Empty(t, h.applied)
}

func TestWorkerWithoutHandler(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()
	w := NewWorker(c, NewHandlers(), WorkerConfig{ProcessorID: "w1", Lease: lease}, nil)

	id, err := c.Submit(ctx, 1, types.ActionDeleteExam, []int64{1}, nil)
	require.NoError(t, err)

	finished, err := w.Process(ctx, id)
	require.NoError(t, err)
	assert.False(t, finished)

	p, err := c.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Pending)
}

func TestWorkerRunStopsOnContext(t *testing.T) {
	c, _ := newCoordinator(t)
	w := newWorker(c, &recordingHandler{}, "w1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestHandlersRegistry(t *testing.T) {
	hs := NewHandlers()
	require.NoError(t, hs.Register(&recordingHandler{}))
	assert.Error(t, hs.Register(&recordingHandler{}), "one handler per action type")

	_, ok := hs.Lookup(types.ActionDeleteExam)
	assert.False(t, ok)

	infos := hs.List()
	require.Len(t, infos, 1)
	assert.Equal(t, types.ActionTerminateConnection, infos[0].ActionType)
	assert.True(t, infos[0].Finishes)
	assert.False(t, infos[0].Prepares)
}
