// Package acme obtains and renews the exam listener's TLS certificate via ACME.
package acme

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"net/http"
	"os"

	"github.com/caddyserver/certmagic"
	certmagicsqlite "github.com/rsclarke/certmagic-sqlite"
	"go.uber.org/zap"

	"github.com/rsclarke/sebcoord/internal/logging"
)

// Manager handles certificate acquisition and renewal for one domain using
// the HTTP-01 and TLS-ALPN-01 challenges. Certificates are stored in the
// service database.
type Manager struct {
	Domain  string
	Email   string
	Staging bool
	DB      *sql.DB
	Logger  *zap.Logger

	config *certmagic.Config
	issuer *certmagic.ACMEIssuer
}

// SetLogger configures the global certmagic loggers.
// Call this before starting any HTTP servers that handle ACME challenges.
func SetLogger(logger *zap.Logger) {
	logger = logging.OrNop(logger)
	certmagic.Default.Logger = logger
	certmagic.DefaultACME.Logger = logger
}

// NewManager creates a new ACME manager.
func NewManager(domain, email string, db *sql.DB, staging bool, logger *zap.Logger) *Manager {
	logger = logging.OrNop(logger).Named("acme")
	SetLogger(logger)

	return &Manager{
		Domain:  domain,
		Email:   email,
		Staging: staging,
		DB:      db,
		Logger:  logger,
	}
}

// Prepare sets up storage and the issuer without contacting the CA, so that
// HTTPChallengeHandler can be mounted before Manage runs.
func (m *Manager) Prepare() error {
	if m.config != nil {
		return nil
	}

	hostname, _ := os.Hostname()
	storage, err := certmagicsqlite.NewWithDB(m.DB, certmagicsqlite.WithOwnerID(hostname))
	if err != nil {
		return fmt.Errorf("create certmagic storage: %w", err)
	}

	cfg := certmagic.NewDefault()
	cfg.Storage = storage
	cfg.Logger = m.Logger

	caURL := certmagic.LetsEncryptProductionCA
	if m.Staging {
		caURL = certmagic.LetsEncryptStagingCA
	}
	m.issuer = certmagic.NewACMEIssuer(cfg, certmagic.ACMEIssuer{
		CA:     caURL,
		Email:  m.Email,
		Agreed: true,
		Logger: m.Logger,
	})
	cfg.Issuers = []certmagic.Issuer{m.issuer}
	m.config = cfg
	return nil
}

// Manage obtains the certificate for the domain and keeps it renewed.
func (m *Manager) Manage(ctx context.Context) error {
	if err := m.Prepare(); err != nil {
		return err
	}
	m.Logger.Info("obtaining certificate", logging.Domain(m.Domain))
	if err := m.config.ManageSync(ctx, []string{m.Domain}); err != nil {
		return fmt.Errorf("manage certificate for %s: %w", m.Domain, err)
	}
	return nil
}

// HTTPChallengeHandler answers HTTP-01 challenges and passes every other
// request to next.
func (m *Manager) HTTPChallengeHandler(next http.Handler) http.Handler {
	if m.issuer == nil {
		return next
	}
	return m.issuer.HTTPChallengeHandler(next)
}

// TLSConfig returns a TLS configuration that serves the managed certificate
// and answers TLS-ALPN-01 challenges.
func (m *Manager) TLSConfig() *tls.Config {
	if m.config == nil {
		return nil
	}
	cfg := m.config.TLSConfig()
	cfg.NextProtos = append([]string{"h2", "http/1.1"}, cfg.NextProtos...)
	return cfg
}
