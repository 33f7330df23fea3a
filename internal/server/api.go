// Package server implements the admin API and the exam client API.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/sebcoord/internal/api"
	"github.com/rsclarke/sebcoord/internal/auth"
	"github.com/rsclarke/sebcoord/internal/batch"
	"github.com/rsclarke/sebcoord/internal/db"
	"github.com/rsclarke/sebcoord/internal/keyregistry"
	"github.com/rsclarke/sebcoord/internal/logging"
	"github.com/rsclarke/sebcoord/internal/models"
	"github.com/rsclarke/sebcoord/internal/rooms"
	"github.com/rsclarke/sebcoord/internal/session"
	"github.com/rsclarke/sebcoord/internal/types"
)

type contextKey string

const institutionContextKey contextKey = "institutionID"

func getInstitutionID(r *http.Request) int64 {
	if id, ok := r.Context().Value(institutionContextKey).(int64); ok {
		return id
	}
	return 0
}

// APIServer serves the admin API. Every request acts on behalf of the
// institution its API key belongs to.
type APIServer struct {
	DB            *sql.DB
	Pepper        string
	Sessions      *session.Store
	Batches       *batch.Coordinator
	Rooms         *rooms.Allocator
	Keys          *keyregistry.Registry
	Logger        *zap.Logger
	WatchInterval time.Duration
}

// AuthMiddleware validates API key authentication for protected routes.
func (s *APIServer) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeErrorMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		prefix, _, err := auth.ParseAPIKey(apiKey)
		if err != nil {
			writeErrorMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		storedKey, err := db.GetAPIKeyByPrefix(r.Context(), s.DB, prefix)
		if err != nil {
			s.logger().Error("api key lookup failed", zap.Error(err))
			writeErrorMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if storedKey == nil || storedKey.RevokedAt != nil {
			writeErrorMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !auth.VerifyAPIKey(s.Pepper, apiKey, storedKey.KeyHash) {
			writeErrorMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), institutionContextKey, storedKey.InstitutionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Handler returns the HTTP handler for the admin API.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/exams", s.handleCreateExam)
	mux.HandleFunc("GET /v1/exams/{id}", s.handleGetExam)
	mux.HandleFunc("GET /v1/exams/{id}/connections", s.handleListConnections)
	mux.HandleFunc("GET /v1/exams/{id}/settings/proctoring", s.handleGetProctoringSettings)
	mux.HandleFunc("PUT /v1/exams/{id}/settings/proctoring", s.handlePutProctoringSettings)

	mux.HandleFunc("POST /v1/batch-actions", s.handleSubmitBatchAction)
	mux.HandleFunc("GET /v1/batch-actions/{id}", s.handleGetBatchAction)
	mux.HandleFunc("POST /v1/batch-actions/{id}/cancel", s.handleCancelBatchAction)

	mux.HandleFunc("POST /v1/security-keys", s.handleRegisterKey)
	mux.HandleFunc("GET /v1/security-keys", s.handleListKeys)
	mux.HandleFunc("DELETE /v1/security-keys/{id}", s.handleRevokeKey)

	mux.HandleFunc("GET /v1/exams/{id}/rooms", s.handleListRooms)
	mux.HandleFunc("GET /v1/exams/{id}/rooms/watch", s.handleWatchRooms)
	mux.HandleFunc("GET /v1/rooms/{id}/generation", s.handleRoomGeneration)
	mux.HandleFunc("PATCH /v1/rooms/{id}", s.handleUpdateRoom)
	mux.HandleFunc("GET /v1/exams/{id}/townhall", s.handleGetTownhall)
	mux.HandleFunc("POST /v1/exams/{id}/townhall", s.handleOpenTownhall)
	mux.HandleFunc("DELETE /v1/exams/{id}/townhall", s.handleCloseTownhall)

	mux.HandleFunc("POST /v1/connections/{token}/room", s.handleAssignRoom)
	mux.HandleFunc("DELETE /v1/connections/{token}/room", s.handleReleaseRoom)

	return s.AuthMiddleware(mux)
}

func (s *APIServer) logger() *zap.Logger {
	return logging.OrNop(s.Logger)
}

func (s *APIServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, s.logger(), r, err)
}

// exam resolves the {id} path value to an exam of the caller's institution.
func (s *APIServer) exam(r *http.Request) (*models.Exam, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return nil, err
	}
	exam, err := db.GetExam(r.Context(), s.DB, getInstitutionID(r), id)
	if err != nil {
		return nil, err
	}
	if exam == nil {
		return nil, session.ErrExamNotFound
	}
	return exam, nil
}

// room resolves the {id} path value to a room of the caller's institution.
func (s *APIServer) room(r *http.Request) (*models.ProctoringRoom, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return nil, err
	}
	room, err := s.Rooms.Room(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if room.InstitutionID != getInstitutionID(r) {
		return nil, rooms.ErrRoomNotFound
	}
	return room, nil
}

// connection resolves the {token} path value to a connection of the
// caller's institution.
func (s *APIServer) connection(r *http.Request) (*models.ClientConnection, error) {
	conn, err := s.Sessions.Get(r.Context(), r.PathValue("token"))
	if err != nil {
		return nil, err
	}
	if conn.InstitutionID != getInstitutionID(r) {
		return nil, session.ErrConnectionNotFound
	}
	return conn, nil
}

func (s *APIServer) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var req api.CreateExamRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeErrorMessage(w, http.StatusBadRequest, "name required")
		return
	}

	inst := getInstitutionID(r)
	id, err := db.CreateExam(r.Context(), s.DB, inst, req.TemplateID, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	exam, err := db.GetExam(r.Context(), s.DB, inst, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if exam == nil {
		s.fail(w, r, session.ErrExamNotFound)
		return
	}
	writeJSON(w, http.StatusOK, examResponse(exam))
}

func (s *APIServer) handleGetExam(w http.ResponseWriter, r *http.Request) {
	exam, err := s.exam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, examResponse(exam))
}

func (s *APIServer) handleListConnections(w http.ResponseWriter, r *http.Request) {
	exam, err := s.exam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var statuses []types.ConnectionStatus
	for _, v := range r.URL.Query()["status"] {
		st, err := types.ParseConnectionStatus(v)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		statuses = append(statuses, st)
	}

	conns, err := s.Sessions.ListByExam(r.Context(), exam.InstitutionID, exam.ID, statuses...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := api.ListConnectionsResponse{Connections: make([]api.ConnectionInfo, 0, len(conns))}
	for i := range conns {
		resp.Connections = append(resp.Connections, connectionInfo(&conns[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleGetProctoringSettings(w http.ResponseWriter, r *http.Request) {
	exam, err := s.exam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	l, err := s.Rooms.Limits(r.Context(), exam.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ProctoringSettings{RoomSize: l.RoomSize, MaxRooms: l.MaxRooms})
}

func (s *APIServer) handlePutProctoringSettings(w http.ResponseWriter, r *http.Request) {
	exam, err := s.exam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req api.ProctoringSettings
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Rooms.SetLimits(r.Context(), exam.ID, rooms.Limits{RoomSize: req.RoomSize, MaxRooms: req.MaxRooms}); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *APIServer) handleSubmitBatchAction(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitBatchActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.Batches.Submit(r.Context(), getInstitutionID(r), types.ActionType(req.ActionType), req.TargetIDs, req.Attributes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SubmitBatchActionResponse{ID: id})
}

func (s *APIServer) handleGetBatchAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.Batches.Get(r.Context(), getInstitutionID(r), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeProgress(w, r, id)
}

func (s *APIServer) handleCancelBatchAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Batches.Cancel(r.Context(), getInstitutionID(r), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeProgress(w, r, id)
}

func (s *APIServer) writeProgress(w http.ResponseWriter, r *http.Request, id int64) {
	p, err := s.Batches.Progress(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.BatchProgressResponse{
		ActionID:    p.ActionID,
		ActionType:  string(p.ActionType),
		State:       string(p.State),
		ProcessorID: p.ProcessorID,
		Total:       p.Total,
		Succeeded:   p.Succeeded,
		Failed:      p.Failed,
		Skipped:     p.Skipped,
		Pending:     p.Pending,
		Complete:    p.Complete(),
	})
}

func (s *APIServer) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.Keys.Register(r.Context(), keyregistry.Key{
		InstitutionID: getInstitutionID(r),
		KeyType:       types.KeyType(req.KeyType),
		KeyValue:      req.KeyValue,
		ExamID:        req.ExamID,
		TemplateID:    req.TemplateID,
		Tag:           req.Tag,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.RegisterKeyResponse{ID: id})
}

func (s *APIServer) handleListKeys(w http.ResponseWriter, r *http.Request) {
	includeRevoked := r.URL.Query().Get("include_revoked") == "true"
	keys, err := s.Keys.List(r.Context(), getInstitutionID(r), includeRevoked)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := api.ListSecurityKeysResponse{Keys: make([]api.SecurityKeyInfo, 0, len(keys))}
	for i := range keys {
		resp.Keys = append(resp.Keys, securityKeyInfo(&keys[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Keys.Revoke(r.Context(), getInstitutionID(r), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.DeletedResponse{Deleted: true})
}

func (s *APIServer) handleListRooms(w http.ResponseWriter, r *http.Request) {
	exam, err := s.exam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.Rooms.ListRooms(r.Context(), exam.ID, types.RoomKind(r.URL.Query().Get("kind")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ListRoomsResponse{Rooms: roomInfos(list)})
}

func (s *APIServer) handleRoomGeneration(w http.ResponseWriter, r *http.Request) {
	room, err := s.room(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	gen, err := s.Rooms.CurrentGeneration(r.Context(), room.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.GenerationResponse{RoomID: room.ID, Generation: gen})
}

func (s *APIServer) handleUpdateRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.room(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req api.UpdateRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	gen, err := s.Rooms.UpdateRoom(r.Context(), room.ID, req.ExpectedGeneration, rooms.RoomPatch{
		Name:     req.Name,
		Size:     req.Size,
		RoomData: req.RoomData,
		JoinKey:  req.JoinKey,
		BreakOut: req.BreakOut,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.GenerationResponse{RoomID: room.ID, Generation: gen})
}

func (s *APIServer) handleGetTownhall(w http.ResponseWriter, r *http.Request) {
	exam, err := s.exam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	room, err := s.Rooms.Townhall(r.Context(), exam.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roomInfo(room))
}

func (s *APIServer) handleOpenTownhall(w http.ResponseWriter, r *http.Request) {
	exam, err := s.exam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	room, err := s.Rooms.OpenTownhall(r.Context(), exam.InstitutionID, exam.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roomInfo(room))
}

func (s *APIServer) handleCloseTownhall(w http.ResponseWriter, r *http.Request) {
	exam, err := s.exam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Rooms.CloseTownhall(r.Context(), exam.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.DeletedResponse{Deleted: true})
}

func (s *APIServer) handleAssignRoom(w http.ResponseWriter, r *http.Request) {
	conn, err := s.connection(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req api.AssignRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	roomID, err := s.Rooms.Assign(r.Context(), conn.Token, conn.ExamID, types.RoomKind(req.Kind))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.AssignRoomResponse{RoomID: roomID})
}

func (s *APIServer) handleReleaseRoom(w http.ResponseWriter, r *http.Request) {
	conn, err := s.connection(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Rooms.Release(r.Context(), conn.Token); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.DeletedResponse{Deleted: true})
}

func examResponse(e *models.Exam) api.ExamResponse {
	return api.ExamResponse{
		ID:         e.ID,
		TemplateID: e.TemplateID,
		Name:       e.Name,
		CreatedAt:  formatMillis(e.CreatedAt),
	}
}

func connectionInfo(c *models.ClientConnection) api.ConnectionInfo {
	return api.ConnectionInfo{
		ID:                      c.ID,
		Token:                   c.Token,
		ExamID:                  c.ExamID,
		Status:                  string(c.Status),
		ClientAddress:           c.ClientAddress,
		VirtualClientAddress:    c.VirtualClientAddress,
		VDIPairToken:            c.VDIPairToken,
		VDIPrimary:              c.VDIPrimary,
		ClientOS:                c.ClientOS,
		ClientVersion:           c.ClientVersion,
		SecurityCheckGranted:    c.SecurityCheckGranted,
		ClientVersionGranted:    c.ClientVersionGranted,
		RemoteProctoringRoomID:  c.RemoteProctoringRoomID,
		ScreenProctoringGroupID: c.ScreenProctoringGroupID,
		Version:                 c.Version,
		CreatedAt:               formatMillis(c.CreatedAt),
		UpdatedAt:               formatMillis(c.UpdatedAt),
	}
}

func securityKeyInfo(k *models.SecurityKey) api.SecurityKeyInfo {
	info := api.SecurityKeyInfo{
		ID:         k.ID,
		KeyType:    string(k.KeyType),
		KeyValue:   k.KeyValue,
		ExamID:     k.ExamID,
		TemplateID: k.TemplateID,
		Tag:        k.Tag,
		CreatedAt:  formatMillis(k.CreatedAt),
	}
	if k.RevokedAt != nil {
		revoked := formatMillis(*k.RevokedAt)
		info.RevokedAt = &revoked
	}
	return info
}

func roomInfo(r *models.ProctoringRoom) api.RoomInfo {
	return api.RoomInfo{
		ID:         r.ID,
		ExamID:     r.ExamID,
		Kind:       string(r.Kind),
		Name:       r.Name,
		Size:       r.Size,
		Occupancy:  r.Occupancy,
		RoomData:   r.RoomData,
		JoinKey:    r.JoinKey,
		Townhall:   r.Townhall,
		BreakOut:   r.BreakOut,
		Generation: r.Generation,
	}
}

func roomInfos(list []models.ProctoringRoom) []api.RoomInfo {
	out := make([]api.RoomInfo, 0, len(list))
	for i := range list {
		out = append(out, roomInfo(&list[i]))
	}
	return out
}
