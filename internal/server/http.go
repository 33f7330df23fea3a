package server

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/rsclarke/sebcoord/internal/api"
	"github.com/rsclarke/sebcoord/internal/auth"
	"github.com/rsclarke/sebcoord/internal/db"
	"github.com/rsclarke/sebcoord/internal/keyregistry"
	"github.com/rsclarke/sebcoord/internal/logging"
	"github.com/rsclarke/sebcoord/internal/rooms"
	"github.com/rsclarke/sebcoord/internal/session"
	"github.com/rsclarke/sebcoord/internal/types"
)

const claimsContextKey contextKey = "claims"

// createAttempts bounds retries on connection token collisions.
const createAttempts = 3

func getClaims(r *http.Request) *auth.ConnectionClaims {
	c, _ := r.Context().Value(claimsContextKey).(*auth.ConnectionClaims)
	return c
}

// ExamServer serves the API used by exam clients. A client is admitted by
// presenting trusted key material and then authenticates with the access
// token it received.
type ExamServer struct {
	DB       *sql.DB
	Sessions *session.Store
	Rooms    *rooms.Allocator
	Keys     *keyregistry.Registry
	Tokens   *auth.TokenIssuer
	Logger   *zap.Logger
}

// Handler returns the HTTP handler for the exam client API.
func (s *ExamServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /exam-api/v1/handshake", s.handleHandshake)
	mux.Handle("POST /exam-api/v1/status", s.TokenMiddleware(http.HandlerFunc(s.handleStatus)))
	mux.Handle("POST /exam-api/v1/ping", s.TokenMiddleware(http.HandlerFunc(s.handlePing)))
	mux.Handle("POST /exam-api/v1/vdi-pair", s.TokenMiddleware(http.HandlerFunc(s.handleVDIPair)))
	return mux
}

// TokenMiddleware validates the bearer access token.
func (s *ExamServer) TokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeErrorMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.Tokens.Verify(raw)
		if err != nil {
			writeErrorMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *ExamServer) logger() *zap.Logger {
	return logging.OrNop(s.Logger)
}

func (s *ExamServer) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req api.HandshakeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	keyType := types.KeyType(req.KeyType)
	if !keyType.Valid() {
		writeError(w, s.logger(), r, keyregistry.ErrInvalidKeyType)
		return
	}

	ctx := r.Context()
	exam, err := db.GetExam(ctx, s.DB, req.InstitutionID, req.ExamID)
	if err != nil {
		writeError(w, s.logger(), r, err)
		return
	}
	if exam == nil {
		writeError(w, s.logger(), r, session.ErrExamNotFound)
		return
	}

	trusted, err := s.Keys.IsTrusted(ctx, exam.InstitutionID, keyType, req.KeyValue, &exam.ID, exam.TemplateID)
	if err != nil {
		writeError(w, s.logger(), r, err)
		return
	}
	if !trusted {
		s.logger().Info("handshake rejected: untrusted key",
			logging.ExamID(exam.ID),
			logging.KeyType(string(keyType)),
			logging.RemoteIP(clientIP(r)))
		writeErrorMessage(w, http.StatusForbidden, "security key not trusted")
		return
	}

	var tok string
	for range createAttempts {
		tok, err = s.Sessions.Create(ctx, exam.InstitutionID, exam.ID, clientIP(r))
		if !session.Retryable(err) {
			break
		}
	}
	if err != nil {
		writeError(w, s.logger(), r, err)
		return
	}

	access, err := s.Tokens.Issue(tok, exam.InstitutionID, exam.ID)
	if err != nil {
		writeError(w, s.logger(), r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.HandshakeResponse{
		ConnectionToken: tok,
		AccessToken:     access,
		TokenType:       "Bearer",
		ExpiresIn:       int64(s.Tokens.TTL().Seconds()),
	})
}

func (s *ExamServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	claims := getClaims(r)
	var req api.StatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status, err := types.ParseConnectionStatus(req.Status)
	if err != nil {
		writeError(w, s.logger(), r, session.ErrUnknownStatus)
		return
	}

	if err := s.Sessions.Transition(r.Context(), claims.Subject, status); err != nil {
		writeError(w, s.logger(), r, err)
		return
	}
	if status.Terminal() {
		if err := s.Rooms.Release(r.Context(), claims.Subject); err != nil {
			s.logger().Warn("release rooms failed",
				logging.ConnectionToken(claims.Subject),
				zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: string(status)})
}

func (s *ExamServer) handlePing(w http.ResponseWriter, r *http.Request) {
	claims := getClaims(r)
	var req api.PingRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	err := s.Sessions.Heartbeat(r.Context(), claims.Subject, session.ClientInfo{
		VirtualClientAddress: req.VirtualClientAddress,
		ClientOS:             req.ClientOS,
		ClientVersion:        req.ClientVersion,
		SecurityCheckGranted: req.SecurityCheckGranted,
		ClientVersionGranted: req.ClientVersionGranted,
	})
	if err != nil {
		writeError(w, s.logger(), r, err)
		return
	}
	conn, err := s.Sessions.Get(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, s.logger(), r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: string(conn.Status)})
}

func (s *ExamServer) handleVDIPair(w http.ResponseWriter, r *http.Request) {
	claims := getClaims(r)
	var req api.VDIPairRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PeerToken == "" {
		writeErrorMessage(w, http.StatusBadRequest, "peer_token required")
		return
	}
	pair, err := s.Sessions.PairVDI(r.Context(), claims.Subject, req.PeerToken)
	if err != nil {
		writeError(w, s.logger(), r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.VDIPairResponse{PairToken: pair})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
