// Package session tracks exam client connections and their lifecycle.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/sebcoord/internal/db"
	"github.com/rsclarke/sebcoord/internal/logging"
	"github.com/rsclarke/sebcoord/internal/models"
	"github.com/rsclarke/sebcoord/internal/token"
	"github.com/rsclarke/sebcoord/internal/types"
)

// ClientInfo carries the optional client metadata a heartbeat may update.
type ClientInfo = db.ConnectionPatch

// Store is the session store. It holds no state besides the database handle.
type Store struct {
	db       *sql.DB
	log      *zap.Logger
	now      func() time.Time
	newToken func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTokenGenerator overrides connection token generation.
func WithTokenGenerator(gen func() string) Option {
	return func(s *Store) { s.newToken = gen }
}

// New returns a Store backed by d.
func New(d *sql.DB, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		db:       d,
		log:      logging.OrNop(logger).Named("session"),
		now:      time.Now,
		newToken: token.Generate,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create registers a new connection in CONNECTION_REQUESTED status and
// returns its token. A token collision yields a *DuplicateTokenError.
func (s *Store) Create(ctx context.Context, institutionID, examID int64, clientAddress string) (string, error) {
	exam, err := db.GetExam(ctx, s.db, institutionID, examID)
	if err != nil {
		return "", err
	}
	if exam == nil {
		return "", ErrExamNotFound
	}

	tok := s.newToken()
	if _, err := db.InsertConnection(ctx, s.db, institutionID, examID, tok, clientAddress, s.now().UnixMilli()); err != nil {
		if db.IsUniqueViolation(err) {
			return "", &DuplicateTokenError{Token: tok}
		}
		return "", fmt.Errorf("insert connection: %w", err)
	}

	s.log.Debug("connection created",
		logging.ConnectionToken(tok),
		logging.InstitutionID(institutionID),
		logging.ExamID(examID),
		logging.RemoteIP(clientAddress))
	return tok, nil
}

// Transition moves a connection to newStatus. The status is left unchanged on error.
func (s *Store) Transition(ctx context.Context, tok string, newStatus types.ConnectionStatus) error {
	if !newStatus.Valid() {
		return ErrUnknownStatus
	}

	ok, err := db.TransitionConnection(ctx, s.db, tok, newStatus, predecessors[newStatus], s.now().UnixMilli())
	if err != nil {
		return err
	}
	if ok {
		s.log.Debug("connection transitioned",
			logging.ConnectionToken(tok),
			logging.ConnectionStatus(string(newStatus)))
		return nil
	}

	c, err := db.GetConnectionByToken(ctx, s.db, tok)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrConnectionNotFound
	}
	return &InvalidTransitionError{Token: tok, From: c.Status, To: newStatus}
}

// Heartbeat refreshes the connection's update timestamp and applies any
// provided client metadata. It never changes the status.
func (s *Store) Heartbeat(ctx context.Context, tok string, info ClientInfo) error {
	ok, err := db.TouchConnection(ctx, s.db, tok, info, s.now().UnixMilli())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	c, err := db.GetConnectionByToken(ctx, s.db, tok)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrConnectionNotFound
	}
	return ErrConnectionTerminated
}

// PairVDI links two connections of the same exam as one seat and returns the
// shared pair token. tokA becomes the primary.
func (s *Store) PairVDI(ctx context.Context, tokA, tokB string) (string, error) {
	if tokA == tokB {
		return "", ErrInvalidPairing
	}

	pairToken := token.Generate()
	nowMs := s.now().UnixMilli()

	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := db.GetConnectionByToken(ctx, tx, tokA)
		if err != nil {
			return err
		}
		b, err := db.GetConnectionByToken(ctx, tx, tokB)
		if err != nil {
			return err
		}
		if a == nil || b == nil {
			return ErrConnectionNotFound
		}
		if a.InstitutionID != b.InstitutionID || a.ExamID != b.ExamID {
			return ErrInvalidPairing
		}
		if a.Status.Terminal() || b.Status.Terminal() {
			return ErrConnectionTerminated
		}

		ok, err := db.SetVDIPair(ctx, tx, tokA, pairToken, tokB, true, nowMs)
		if err != nil {
			return err
		}
		if !ok {
			return &AlreadyPairedError{Token: tokA}
		}
		ok, err = db.SetVDIPair(ctx, tx, tokB, pairToken, tokA, false, nowMs)
		if err != nil {
			return err
		}
		if !ok {
			return &AlreadyPairedError{Token: tokB}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.log.Info("vdi pair established",
		logging.ConnectionToken(tokA),
		zap.String("peer_token", tokB))
	return pairToken, nil
}

// Get returns a connection by token.
func (s *Store) Get(ctx context.Context, tok string) (*models.ClientConnection, error) {
	c, err := db.GetConnectionByToken(ctx, s.db, tok)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrConnectionNotFound
	}
	return c, nil
}

// GetByID returns a connection of an institution by ID.
func (s *Store) GetByID(ctx context.Context, institutionID, id int64) (*models.ClientConnection, error) {
	c, err := db.GetConnectionByID(ctx, s.db, institutionID, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrConnectionNotFound
	}
	return c, nil
}

// ListByExam lists an exam's connections, optionally filtered by status.
func (s *Store) ListByExam(ctx context.Context, institutionID, examID int64, statuses ...types.ConnectionStatus) ([]models.ClientConnection, error) {
	return db.ListConnectionsByExam(ctx, s.db, institutionID, examID, statuses)
}
