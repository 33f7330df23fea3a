package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsclarke/sebcoord/internal/db"
)

var workerCmdFlags struct {
	workerFlags
	dbPath string
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a standalone batch action processor",
	Long: `Run a batch action processor against the shared database without
serving any API. Several workers may run at once; each action is held by one
processor at a time and is taken over when its lease expires.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	addWorkerFlags(workerCmd, &workerCmdFlags.workerFlags)
	workerCmd.Flags().StringVar(&workerCmdFlags.dbPath, "db", "", "database path (default $SEBCOORD_DB)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	if workerCmdFlags.dbPath != "" {
		cfg.DBPath = workerCmdFlags.dbPath
	}
	if err := workerCmdFlags.apply(); err != nil {
		return err
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = database.Close() }()

	worker, err := newServices(database).newWorker(database)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return worker.Run(ctx)
}

func setDuration(dst *time.Duration, name, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("--%s: %w", name, err)
	}
	*dst = d
	return nil
}
