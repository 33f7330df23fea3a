package main

import (
	"database/sql"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/sebcoord/internal/batch"
	"github.com/rsclarke/sebcoord/internal/batch/handlers/deleteexam"
	"github.com/rsclarke/sebcoord/internal/batch/handlers/revokekey"
	"github.com/rsclarke/sebcoord/internal/batch/handlers/terminate"
	"github.com/rsclarke/sebcoord/internal/keyregistry"
	"github.com/rsclarke/sebcoord/internal/logging"
	"github.com/rsclarke/sebcoord/internal/rooms"
	"github.com/rsclarke/sebcoord/internal/session"
	"github.com/rsclarke/sebcoord/internal/token"
)

type services struct {
	sessions *session.Store
	batches  *batch.Coordinator
	rooms    *rooms.Allocator
	keys     *keyregistry.Registry
}

func newServices(database *sql.DB) *services {
	return &services{
		sessions: session.New(database, logger),
		batches:  batch.New(database, logger),
		rooms: rooms.New(database, logger, rooms.Limits{
			RoomSize: cfg.RoomSize,
			MaxRooms: cfg.MaxRooms,
		}),
		keys: keyregistry.New(database, logger),
	}
}

// newWorker registers every built-in action handler.
func (s *services) newWorker(database *sql.DB) (*batch.Worker, error) {
	handlers := batch.NewHandlers()
	for _, h := range []batch.Handler{
		terminate.New(s.sessions, s.rooms, logger),
		revokekey.New(s.keys),
		deleteexam.New(database, logger),
	} {
		if err := handlers.Register(h); err != nil {
			return nil, err
		}
	}
	for _, info := range handlers.List() {
		logger.Debug("batch handler registered",
			logging.ActionType(string(info.ActionType)),
			zap.Bool("prepares", info.Prepares),
			zap.Bool("finishes", info.Finishes))
	}

	processorID := cfg.ProcessorID
	if processorID == "" {
		host, _ := os.Hostname()
		processorID = token.ProcessorID(host)
	}
	return batch.NewWorker(s.batches, handlers, batch.WorkerConfig{
		ProcessorID:  processorID,
		Lease:        cfg.Lease,
		PollInterval: cfg.PollInterval,
	}, logger), nil
}

type workerFlags struct {
	processorID  string
	lease        string
	pollInterval string
}

func addWorkerFlags(cmd *cobra.Command, wf *workerFlags) {
	cmd.Flags().StringVar(&wf.processorID, "processor-id", "", "batch processor id (default <hostname>-<uuid>)")
	cmd.Flags().StringVar(&wf.lease, "lease", "", "batch claim lease, e.g. 2m (default $SEBCOORD_LEASE)")
	cmd.Flags().StringVar(&wf.pollInterval, "poll-interval", "", "batch poll interval (default $SEBCOORD_POLL_INTERVAL)")
}

// apply overrides the loaded config with flags given on the command line.
func (wf *workerFlags) apply() error {
	if wf.processorID != "" {
		cfg.ProcessorID = wf.processorID
	}
	if wf.lease != "" {
		if err := setDuration(&cfg.Lease, "lease", wf.lease); err != nil {
			return err
		}
	}
	if wf.pollInterval != "" {
		if err := setDuration(&cfg.PollInterval, "poll-interval", wf.pollInterval); err != nil {
			return err
		}
	}
	return cfg.Validate()
}
