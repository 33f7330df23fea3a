package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/sebcoord/internal/acme"
	"github.com/rsclarke/sebcoord/internal/auth"
	"github.com/rsclarke/sebcoord/internal/config"
	"github.com/rsclarke/sebcoord/internal/db"
	"github.com/rsclarke/sebcoord/internal/logging"
	"github.com/rsclarke/sebcoord/internal/server"
)

var serverFlags struct {
	workerFlags
	apiPort      int
	examPort     int
	dbPath       string
	domain       string
	examTLS      bool
	acmeEmail    string
	acmeStaging  bool
	acmeHTTPPort int
	noWorker     bool
	institution  int64
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the admin API, the exam client API and a batch worker",
	Long: `Start the sebcoord admin API and exam client API listeners together with
an embedded batch action processor.

TLS:
  The admin API is plain HTTP and is expected to sit behind an internal
  proxy. With --exam-tls the exam client API is served over HTTPS using a
  certificate for --domain obtained from Let's Encrypt. The HTTP-01 challenge
  is answered on --acme-http-port, TLS-ALPN-01 on the exam port.

  On first start, when no API key exists, one is created for --institution
  and printed once.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	def := config.Default()
	addWorkerFlags(serverCmd, &serverFlags.workerFlags)
	serverCmd.Flags().IntVar(&serverFlags.apiPort, "api-port", def.APIPort, "admin API port")
	serverCmd.Flags().IntVar(&serverFlags.examPort, "exam-port", def.ExamPort, "exam client API port")
	serverCmd.Flags().StringVar(&serverFlags.dbPath, "db", def.DBPath, "database path")
	serverCmd.Flags().StringVar(&serverFlags.domain, "domain", def.Domain, "public domain of the exam client API")
	serverCmd.Flags().BoolVar(&serverFlags.examTLS, "exam-tls", false, "serve the exam client API over ACME TLS")
	serverCmd.Flags().StringVar(&serverFlags.acmeEmail, "acme-email", "", "email for Let's Encrypt notifications")
	serverCmd.Flags().BoolVar(&serverFlags.acmeStaging, "acme-staging", false, "use Let's Encrypt staging CA")
	serverCmd.Flags().IntVar(&serverFlags.acmeHTTPPort, "acme-http-port", 80, "port for HTTP-01 challenges (0 disables)")
	serverCmd.Flags().BoolVar(&serverFlags.noWorker, "no-worker", false, "do not run the embedded batch worker")
	serverCmd.Flags().Int64Var(&serverFlags.institution, "institution", 1, "institution of the bootstrap API key")
}

// applyServerFlags lets explicit flags override values loaded from the
// environment.
func applyServerFlags(cmd *cobra.Command) error {
	f := cmd.Flags()
	if f.Changed("api-port") {
		cfg.APIPort = serverFlags.apiPort
	}
	if f.Changed("exam-port") {
		cfg.ExamPort = serverFlags.examPort
	}
	if f.Changed("db") {
		cfg.DBPath = serverFlags.dbPath
	}
	if f.Changed("domain") {
		cfg.Domain = serverFlags.domain
	}
	if f.Changed("exam-tls") {
		cfg.ExamTLS = serverFlags.examTLS
	}
	if f.Changed("acme-email") {
		cfg.ACMEEmail = serverFlags.acmeEmail
	}
	if f.Changed("acme-staging") {
		cfg.ACMEStaging = serverFlags.acmeStaging
	}
	return serverFlags.apply()
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := applyServerFlags(cmd); err != nil {
		return err
	}
	if os.Getenv("SEBCOORD_PEPPER") == "" {
		logger.Warn("SEBCOORD_PEPPER not set, API keys will not survive a restart")
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = database.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bootstrapAPIKey(ctx, cmd, database); err != nil {
		return err
	}

	svc := newServices(database)

	apiSrv := &server.APIServer{
		DB:            database,
		Pepper:        cfg.Pepper,
		Sessions:      svc.sessions,
		Batches:       svc.batches,
		Rooms:         svc.rooms,
		Keys:          svc.keys,
		Logger:        logger.Named("api"),
		WatchInterval: cfg.WatchInterval,
	}
	examSrv := &server.ExamServer{
		DB:       database,
		Sessions: svc.sessions,
		Rooms:    svc.rooms,
		Keys:     svc.keys,
		Tokens:   auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL),
		Logger:   logger.Named("exam"),
	}

	servers := []*server.ManagedServer{
		server.NewManagedServer("api", server.DefaultServerConfig(
			fmt.Sprintf(":%d", cfg.APIPort), apiSrv.Handler(), logger)),
	}

	examCfg := server.DefaultServerConfig(fmt.Sprintf(":%d", cfg.ExamPort), examSrv.Handler(), logger)
	if cfg.ExamTLS {
		manager := acme.NewManager(cfg.Domain, cfg.ACMEEmail, database, cfg.ACMEStaging, logger.Named("certmagic"))
		if err := manager.Prepare(); err != nil {
			return fmt.Errorf("prepare ACME: %w", err)
		}
		if serverFlags.acmeHTTPPort > 0 {
			challenge := server.NewManagedServer("acme-http", server.DefaultServerConfig(
				fmt.Sprintf(":%d", serverFlags.acmeHTTPPort),
				manager.HTTPChallengeHandler(http.NotFoundHandler()), logger))
			challenge.Start()
			if err := challenge.WaitForStartup(100 * time.Millisecond); err != nil {
				return err
			}
			servers = append(servers, challenge)
		}

		logger.Info("starting acme certificate acquisition", logging.Domain(cfg.Domain), zap.Bool("staging", cfg.ACMEStaging))
		if err := manager.Manage(ctx); err != nil {
			shutdownAll(servers)
			return fmt.Errorf("ACME certificate acquisition: %w", err)
		}
		logger.Info("acme certificate obtained", logging.Domain(cfg.Domain))
		examCfg.TLSConfig = manager.TLSConfig()
	}
	servers = append(servers, server.NewManagedServer("exam", examCfg))

	for _, s := range servers {
		if s.Name() == "acme-http" {
			continue
		}
		s.Start()
		if err := s.WaitForStartup(100 * time.Millisecond); err != nil {
			shutdownAll(servers)
			return err
		}
	}

	workerDone := make(chan error, 1)
	if serverFlags.noWorker {
		close(workerDone)
	} else {
		worker, err := svc.newWorker(database)
		if err != nil {
			shutdownAll(servers)
			return err
		}
		go func() { workerDone <- worker.Run(ctx) }()
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *server.ManagedServer) {
			if err := <-s.Err(); err != nil {
				errCh <- fmt.Errorf("%s server: %w", s.Name(), err)
			}
		}(s)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
		stop()
	}

	shutdownAll(servers)
	<-workerDone
	return runErr
}

func shutdownAll(servers []*server.ManagedServer) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, s := range servers {
		s.Shutdown(ctx)
	}
}

// bootstrapAPIKey creates the first API key so a fresh deployment can be
// administered at all.
func bootstrapAPIKey(ctx context.Context, cmd *cobra.Command, database db.Querier) error {
	count, err := db.CountAPIKeys(ctx, database)
	if err != nil {
		return fmt.Errorf("count API keys: %w", err)
	}
	if count > 0 {
		return nil
	}
	displayKey, prefix, hash, err := auth.GenerateAPIKey(cfg.Pepper)
	if err != nil {
		return fmt.Errorf("generate API key: %w", err)
	}
	if _, err := db.CreateAPIKey(ctx, database, serverFlags.institution, prefix, hash); err != nil {
		return fmt.Errorf("create API key: %w", err)
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, "=============================================================")
	_, _ = fmt.Fprintf(out, "API KEY CREATED for institution %d (save this, it will not be shown again):\n", serverFlags.institution)
	_, _ = fmt.Fprintln(out, displayKey)
	_, _ = fmt.Fprintln(out, "=============================================================")
	return nil
}
