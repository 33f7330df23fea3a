package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "sebcoord"

var ErrInvalidToken = errors.New("invalid access token")

// ConnectionClaims identify an exam client. The subject is the connection token.
type ConnectionClaims struct {
	InstitutionID int64 `json:"institution_id"`
	ExamID        int64 `json:"exam_id"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 access tokens for exam clients.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer returns an issuer for tokens that expire after ttl.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// TTL returns how long issued tokens stay valid.
func (ti *TokenIssuer) TTL() time.Duration { return ti.ttl }

// Issue creates a signed access token for a connection.
func (ti *TokenIssuer) Issue(connectionToken string, institutionID, examID int64) (string, error) {
	now := ti.now()
	claims := ConnectionClaims{
		InstitutionID: institutionID,
		ExamID:        examID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   connectionToken,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify parses tokenStr and returns its claims.
func (ti *TokenIssuer) Verify(tokenStr string) (*ConnectionClaims, error) {
	claims := &ConnectionClaims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return ti.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
