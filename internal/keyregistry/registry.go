// Package keyregistry holds the scoped allow-list of trusted SEB key material.
//
// Trust is decided by the presence of an active row. Lookups always hit the
// database so that a committed revocation is visible to the next check.
package keyregistry

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/sebcoord/internal/db"
	"github.com/rsclarke/sebcoord/internal/logging"
	"github.com/rsclarke/sebcoord/internal/models"
	"github.com/rsclarke/sebcoord/internal/types"
)

var (
	ErrInvalidScope   = errors.New("a key is scoped to an exam or a template, not both")
	ErrInvalidKeyType = errors.New("unknown key type")
	ErrEmptyKeyValue  = errors.New("key value is empty")
	ErrKeyNotFound    = errors.New("security key not found")
)

// Scope names the level at which a key matched.
type Scope string

const (
	ScopeExam        Scope = "EXAM"
	ScopeTemplate    Scope = "TEMPLATE"
	ScopeInstitution Scope = "INSTITUTION"
)

// Key is a registration request.
type Key struct {
	InstitutionID int64
	KeyType       types.KeyType
	KeyValue      string
	ExamID        *int64
	TemplateID    *int64
	Tag           string
}

// Match is the registry row that granted trust.
type Match struct {
	KeyID int64
	Scope Scope
	Tag   string
}

type Registry struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// New returns a Registry backed by d.
func New(d *sql.DB, logger *zap.Logger) *Registry {
	return &Registry{db: d, log: logging.OrNop(logger).Named("keyregistry"), now: time.Now}
}

// Normalize canonicalises a key value for storage and comparison.
func Normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// IsTrusted reports whether the key is registered for the exam, its
// template, or the whole institution.
func (r *Registry) IsTrusted(ctx context.Context, institutionID int64, keyType types.KeyType, keyValue string, examID, templateID *int64) (bool, error) {
	_, ok, err := r.Lookup(ctx, institutionID, keyType, keyValue, examID, templateID)
	return ok, err
}

// Lookup returns the most specific active row matching the key: exam scope
// first, then template scope, then institution scope.
func (r *Registry) Lookup(ctx context.Context, institutionID int64, keyType types.KeyType, keyValue string, examID, templateID *int64) (Match, bool, error) {
	value := Normalize(keyValue)
	if value == "" {
		return Match{}, false, nil
	}
	k, err := db.MatchSecurityKey(ctx, r.db, institutionID, keyType, value, examID, templateID)
	if err != nil {
		return Match{}, false, err
	}
	if k == nil {
		return Match{}, false, nil
	}
	return Match{KeyID: k.ID, Scope: scopeOf(k), Tag: k.Tag}, true, nil
}

// Register adds a key. Registering a key that is already active with the
// same scope returns the existing ID.
func (r *Registry) Register(ctx context.Context, k Key) (int64, error) {
	if k.ExamID != nil && k.TemplateID != nil {
		return 0, ErrInvalidScope
	}
	if !k.KeyType.Valid() {
		return 0, ErrInvalidKeyType
	}
	value := Normalize(k.KeyValue)
	if value == "" {
		return 0, ErrEmptyKeyValue
	}
	if k.ExamID != nil {
		exam, err := db.GetExam(ctx, r.db, k.InstitutionID, *k.ExamID)
		if err != nil {
			return 0, err
		}
		if exam == nil {
			return 0, ErrInvalidScope
		}
	}

	id, err := db.InsertSecurityKey(ctx, r.db, models.SecurityKey{
		InstitutionID: k.InstitutionID,
		KeyType:       k.KeyType,
		KeyValue:      value,
		ExamID:        k.ExamID,
		TemplateID:    k.TemplateID,
		Tag:           k.Tag,
	}, r.now().UnixMilli())
	if err != nil {
		if !db.IsUniqueViolation(err) {
			return 0, err
		}
		existing, err := db.FindActiveSecurityKey(ctx, r.db, k.InstitutionID, k.KeyType, value, k.ExamID, k.TemplateID)
		if err != nil {
			return 0, err
		}
		if existing == nil {
			// Revoked between the insert and the lookup.
			return r.Register(ctx, k)
		}
		return existing.ID, nil
	}

	r.log.Info("security key registered",
		zap.Int64("key_id", id),
		logging.InstitutionID(k.InstitutionID),
		logging.KeyType(string(k.KeyType)))
	return id, nil
}

// Revoke retires a key. The next lookup no longer sees it.
func (r *Registry) Revoke(ctx context.Context, institutionID, id int64) error {
	ok, err := db.RevokeSecurityKey(ctx, r.db, institutionID, id, r.now().UnixMilli())
	if err != nil {
		return err
	}
	if !ok {
		return ErrKeyNotFound
	}
	r.log.Info("security key revoked", zap.Int64("key_id", id), logging.InstitutionID(institutionID))
	return nil
}

// Get returns a key of an institution, revoked or not.
func (r *Registry) Get(ctx context.Context, institutionID, id int64) (*models.SecurityKey, error) {
	k, err := db.GetSecurityKey(ctx, r.db, institutionID, id)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, ErrKeyNotFound
	}
	return k, nil
}

// List returns an institution's keys.
func (r *Registry) List(ctx context.Context, institutionID int64, includeRevoked bool) ([]models.SecurityKey, error) {
	return db.ListSecurityKeys(ctx, r.db, institutionID, includeRevoked)
}

func scopeOf(k *models.SecurityKey) Scope {
	switch {
	case k.ExamID != nil:
		return ScopeExam
	case k.TemplateID != nil:
		return ScopeTemplate
	default:
		return ScopeInstitution
	}
}
