package batch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/sebcoord/internal/logging"
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	ProcessorID  string
	Lease        time.Duration
	PollInterval time.Duration
	BatchSize    int
}

// Worker polls for claimable actions and applies their handlers.
type Worker struct {
	coord    *Coordinator
	handlers *Handlers
	cfg      WorkerConfig
	log      *zap.Logger
}

// NewWorker returns a worker that processes actions as cfg.ProcessorID.
func NewWorker(coord *Coordinator, handlers *Handlers, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Worker{
		coord:    coord,
		handlers: handlers,
		cfg:      cfg,
		log:      logging.OrNop(logger).Named("worker").With(logging.ProcessorID(cfg.ProcessorID)),
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("batch worker started",
		logging.Lease(w.cfg.Lease),
		zap.Duration("poll_interval", w.cfg.PollInterval))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("batch poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.log.Info("batch worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce processes every currently claimable action and returns how many
// it finished.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	ids, err := w.coord.Claimable(ctx, w.cfg.Lease, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	finished := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return finished, err
		}
		done, err := w.Process(ctx, id)
		if err != nil {
			w.log.Error("batch action failed", logging.ActionID(id), zap.Error(err))
			continue
		}
		if done {
			finished++
		}
	}
	return finished, nil
}

// Process claims one action and works through its pending targets. It
// returns true when the action was finished by this call.
func (w *Worker) Process(ctx context.Context, actionID int64) (bool, error) {
	claimed, err := w.coord.Claim(ctx, actionID, w.cfg.ProcessorID, w.cfg.Lease)
	if err != nil || !claimed {
		return false, err
	}

	action, err := w.coord.load(ctx, actionID)
	if err != nil {
		return false, err
	}
	log := w.log.With(logging.ActionID(actionID), logging.ActionType(string(action.ActionType)))

	h, ok := w.handlers.Lookup(action.ActionType)
	if !ok {
		log.Warn("no handler registered for action type")
		return false, nil
	}
	if p, ok := h.(Preparer); ok {
		if err := p.Prepare(ctx, action); err != nil {
			return false, err
		}
	}

	pending, err := w.coord.Pending(ctx, actionID)
	if err != nil {
		return false, err
	}

	for _, target := range pending {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		applyErr := h.Apply(ctx, action, target)
		if IsTransient(applyErr) {
			log.Warn("transient failure, leaving target pending",
				logging.TargetID(target), zap.Error(applyErr))
			return false, nil
		}
		if applyErr != nil {
			log.Info("target failed", logging.TargetID(target), zap.Error(applyErr))
		}
		if err := w.coord.MarkDone(ctx, actionID, target, applyErr == nil); err != nil {
			return false, err
		}

		renewed, err := w.coord.Renew(ctx, actionID, w.cfg.ProcessorID)
		if err != nil {
			return false, err
		}
		if !renewed {
			log.Warn("lease lost, stopping")
			return false, nil
		}
	}

	finished, err := w.coord.Finish(ctx, actionID, w.cfg.ProcessorID)
	if err != nil || !finished {
		return false, err
	}

	if f, ok := h.(Finisher); ok {
		p, err := w.coord.Progress(ctx, actionID)
		if err != nil {
			return true, err
		}
		if err := f.OnFinish(ctx, action, p); err != nil {
			log.Warn("finish hook error", zap.Error(err))
		}
	}
	return true, nil
}
