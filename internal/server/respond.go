package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/sebcoord/internal/api"
	"github.com/rsclarke/sebcoord/internal/batch"
	"github.com/rsclarke/sebcoord/internal/keyregistry"
	"github.com/rsclarke/sebcoord/internal/logging"
	"github.com/rsclarke/sebcoord/internal/rooms"
	"github.com/rsclarke/sebcoord/internal/session"
)

const maxBodyBytes = 1 << 16

var errInvalidID = errors.New("invalid id")

func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}

// decodeJSON reads a single JSON object from the request body. It writes the
// error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			writeErrorMessage(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeErrorMessage(w, http.StatusBadRequest, "request body required")
		default:
			writeErrorMessage(w, http.StatusBadRequest, "invalid JSON")
		}
		return false
	}
	if dec.Decode(&struct{}{}) != io.EOF {
		writeErrorMessage(w, http.StatusBadRequest, "unexpected trailing data")
		return false
	}
	return true
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidID
	}
	return id, nil
}

// statusFor maps a component error to an HTTP status.
func statusFor(err error) int {
	var (
		transition *session.InvalidTransitionError
		paired     *session.AlreadyPairedError
		duplicate  *session.DuplicateTokenError
		capacity   *rooms.RoomCapacityExceededError
	)
	switch {
	case errors.Is(err, errInvalidID),
		errors.Is(err, session.ErrUnknownStatus),
		errors.Is(err, session.ErrInvalidPairing),
		errors.Is(err, batch.ErrInvalidActionType),
		errors.Is(err, batch.ErrNoTargets),
		errors.Is(err, rooms.ErrInvalidKind),
		errors.Is(err, rooms.ErrInvalidLimits),
		errors.Is(err, rooms.ErrExamMismatch),
		errors.Is(err, rooms.ErrTownhallNotAssignable),
		errors.Is(err, keyregistry.ErrInvalidScope),
		errors.Is(err, keyregistry.ErrInvalidKeyType),
		errors.Is(err, keyregistry.ErrEmptyKeyValue):
		return http.StatusBadRequest

	case errors.Is(err, session.ErrConnectionNotFound),
		errors.Is(err, session.ErrExamNotFound),
		errors.Is(err, batch.ErrActionNotFound),
		errors.Is(err, rooms.ErrConnectionNotFound),
		errors.Is(err, rooms.ErrRoomNotFound),
		errors.Is(err, rooms.ErrExamNotFound),
		errors.Is(err, keyregistry.ErrKeyNotFound):
		return http.StatusNotFound

	case errors.As(err, &transition),
		errors.As(err, &paired),
		errors.As(err, &capacity),
		errors.Is(err, session.ErrConnectionTerminated),
		errors.Is(err, rooms.ErrConnectionTerminated),
		errors.Is(err, rooms.ErrStaleGeneration),
		errors.Is(err, rooms.ErrInvalidCapacity),
		errors.Is(err, rooms.ErrMembershipChanged),
		errors.Is(err, batch.ErrActionFinished),
		errors.Is(err, batch.ErrUnknownTarget):
		return http.StatusConflict

	case errors.As(err, &duplicate):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError writes err with the status statusFor picks. Internal errors
// are logged and never echoed to the client.
func writeError(w http.ResponseWriter, logger *zap.Logger, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			logging.Method(r.Method),
			logging.Path(r.URL.Path),
			zap.Error(err))
		writeErrorMessage(w, status, "internal error")
		return
	}
	writeErrorMessage(w, status, err.Error())
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
