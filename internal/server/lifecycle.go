package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rsclarke/sebcoord/internal/logging"
)

type ServerConfig struct {
	Addr              string
	Handler           http.Handler
	TLSConfig         *tls.Config
	Logger            *zap.Logger
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// DefaultServerConfig returns timeouts suited to short JSON requests.
// Websocket upgrades manage their own deadlines once hijacked.
func DefaultServerConfig(addr string, handler http.Handler, logger *zap.Logger) ServerConfig {
	return ServerConfig{
		Addr:              addr,
		Handler:           handler,
		Logger:            logger,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

// ManagedServer runs an http.Server in the background and reports whether
// it came up.
type ManagedServer struct {
	server   *http.Server
	logger   *zap.Logger
	name     string
	useTLS   bool
	errCh    chan error
	startErr error
}

func NewManagedServer(name string, cfg ServerConfig) *ManagedServer {
	logger := logging.OrNop(cfg.Logger)
	errLog, _ := zap.NewStdLogAt(logger.Named(name), zapcore.ErrorLevel)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           cfg.Handler,
		TLSConfig:         cfg.TLSConfig,
		ErrorLog:          errLog,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	return &ManagedServer{
		server: srv,
		logger: logger,
		name:   name,
		useTLS: cfg.TLSConfig != nil,
		errCh:  make(chan error, 1),
	}
}

// Name returns the server's name as used in logs.
func (m *ManagedServer) Name() string { return m.name }

func (m *ManagedServer) Start() {
	m.logger.Info("server listening",
		logging.Component(m.name),
		logging.Addr(m.server.Addr),
		logging.TLSMode(m.tlsMode()))

	go func() {
		var err error
		if m.useTLS {
			err = m.server.ListenAndServeTLS("", "")
		} else {
			err = m.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.errCh <- err
		}
		close(m.errCh)
	}()
}

// WaitForStartup returns the listen error if the server fails within timeout.
func (m *ManagedServer) WaitForStartup(timeout time.Duration) error {
	select {
	case err := <-m.errCh:
		if err != nil {
			m.startErr = err
			return fmt.Errorf("%s failed to start: %w", m.name, err)
		}
		return nil
	case <-time.After(timeout):
		return nil
	}
}

// Err delivers a serve error that happens after startup. It is closed when
// the server stops.
func (m *ManagedServer) Err() <-chan error { return m.errCh }

func (m *ManagedServer) Shutdown(ctx context.Context) {
	if m.startErr != nil {
		return
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Warn("shutdown error", logging.Component(m.name), zap.Error(err))
	}
}

func (m *ManagedServer) tlsMode() string {
	if m.useTLS {
		return "acme"
	}
	return "off"
}
