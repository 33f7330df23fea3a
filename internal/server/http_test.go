package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/rsclarke/sebcoord/internal/api"
	"github.com/rsclarke/sebcoord/internal/keyregistry"
	"github.com/rsclarke/sebcoord/internal/types"
)

// admit registers an institution-wide key and performs a handshake.
func admit(t *testing.T, env *testEnv, h http.Handler, examID int64) api.HandshakeResponse {
	t.Helper()
	_, err := env.keys.Register(context.Background(), keyregistry.Key{
		InstitutionID: 1, KeyType: types.KeyAppSignature, KeyValue: "trusted-app",
	})
	if err != nil {
		t.Fatalf("register key: %v", err)
	}
	w := do(t, h, "POST", "/exam-api/v1/handshake", "", api.HandshakeRequest{
		InstitutionID: 1, ExamID: examID, KeyType: string(types.KeyAppSignature), KeyValue: "TRUSTED-APP",
	})
	expectStatus(t, w, http.StatusOK)
	return decode[api.HandshakeResponse](t, w)
}

func TestHandshakeAdmission(t *testing.T) {
	env := setupTestEnv(t)
	h := env.exam.Handler()
	examID := env.createExam(t, 1, nil)

	tests := []struct {
		name string
		req  api.HandshakeRequest
		want int
	}{
		{"untrusted key", api.HandshakeRequest{InstitutionID: 1, ExamID: examID, KeyType: string(types.KeyConfig), KeyValue: "nope"}, http.StatusForbidden},
		{"unknown key type", api.HandshakeRequest{InstitutionID: 1, ExamID: examID, KeyType: "PASSWORD", KeyValue: "x"}, http.StatusBadRequest},
		{"unknown exam", api.HandshakeRequest{InstitutionID: 1, ExamID: examID + 100, KeyType: string(types.KeyConfig), KeyValue: "x"}, http.StatusNotFound},
		{"exam of other institution", api.HandshakeRequest{InstitutionID: 2, ExamID: examID, KeyType: string(types.KeyConfig), KeyValue: "x"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, do(t, h, "POST", "/exam-api/v1/handshake", "", tt.req), tt.want)
		})
	}

	resp := admit(t, env, h, examID)
	if resp.ConnectionToken == "" || resp.AccessToken == "" || resp.ExpiresIn != 3600 {
		t.Fatalf("unexpected handshake response %+v", resp)
	}
	conn, err := env.sessions.Get(context.Background(), resp.ConnectionToken)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if conn.Status != types.StatusConnectionRequested || conn.ExamID != examID {
		t.Fatalf("unexpected connection %+v", conn)
	}
}

func TestHandshakeRevokedKey(t *testing.T) {
	env := setupTestEnv(t)
	h := env.exam.Handler()
	examID := env.createExam(t, 1, nil)

	id, err := env.keys.Register(context.Background(), keyregistry.Key{
		InstitutionID: 1, KeyType: types.KeyBrowserExam, KeyValue: "bek", ExamID: &examID,
	})
	if err != nil {
		t.Fatalf("register key: %v", err)
	}
	req := api.HandshakeRequest{InstitutionID: 1, ExamID: examID, KeyType: string(types.KeyBrowserExam), KeyValue: "bek"}
	expectStatus(t, do(t, h, "POST", "/exam-api/v1/handshake", "", req), http.StatusOK)

	if err := env.keys.Revoke(context.Background(), 1, id); err != nil {
		t.Fatalf("revoke key: %v", err)
	}
	expectStatus(t, do(t, h, "POST", "/exam-api/v1/handshake", "", req), http.StatusForbidden)
}

func TestTokenMiddleware(t *testing.T) {
	env := setupTestEnv(t)
	h := env.exam.Handler()

	expectStatus(t, do(t, h, "POST", "/exam-api/v1/ping", "", nil), http.StatusUnauthorized)
	expectStatus(t, do(t, h, "POST", "/exam-api/v1/ping", "not-a-jwt", nil), http.StatusUnauthorized)
}

func TestStatusTransitions(t *testing.T) {
	env := setupTestEnv(t)
	h := env.exam.Handler()
	examID := env.createExam(t, 1, nil)
	client := admit(t, env, h, examID)

	status := func(s string) int {
		return do(t, h, "POST", "/exam-api/v1/status", client.AccessToken, api.StatusRequest{Status: s}).Code
	}

	if got := status("ACTIVE"); got != http.StatusConflict {
		t.Fatalf("skipping ESTABLISHED should conflict, got %d", got)
	}
	if got := status("ESTABLISHED"); got != http.StatusOK {
		t.Fatalf("expected 200, got %d", got)
	}
	if got := status("WANDERING"); got != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", got)
	}

	roomID, err := env.rooms.Assign(context.Background(), client.ConnectionToken, examID, types.RoomRemoteProctoring)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got := status("CLOSED"); got != http.StatusOK {
		t.Fatalf("expected 200, got %d", got)
	}

	room, err := env.rooms.Room(context.Background(), roomID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room.Occupancy != 0 {
		t.Fatalf("closing should release the room, occupancy %d", room.Occupancy)
	}

	if got := status("ACTIVE"); got != http.StatusConflict {
		t.Fatalf("terminal connections cannot move, got %d", got)
	}
	expectStatus(t, do(t, h, "POST", "/exam-api/v1/ping", client.AccessToken, nil), http.StatusConflict)
}

func TestPingAppliesClientInfo(t *testing.T) {
	env := setupTestEnv(t)
	h := env.exam.Handler()
	examID := env.createExam(t, 1, nil)
	client := admit(t, env, h, examID)

	w := do(t, h, "POST", "/exam-api/v1/ping", client.AccessToken, map[string]any{
		"client_os":              "Windows 11",
		"security_check_granted": true,
	})
	expectStatus(t, w, http.StatusOK)
	if got := decode[api.StatusResponse](t, w).Status; got != string(types.StatusConnectionRequested) {
		t.Fatalf("ping must not change status, got %s", got)
	}

	expectStatus(t, do(t, h, "POST", "/exam-api/v1/ping", client.AccessToken, nil), http.StatusOK)

	conn, err := env.sessions.Get(context.Background(), client.ConnectionToken)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if conn.ClientOS == nil || *conn.ClientOS != "Windows 11" {
		t.Fatalf("expected client OS to be stored, got %v", conn.ClientOS)
	}
	if !conn.SecurityCheckGranted || conn.ClientVersion != nil {
		t.Fatalf("unexpected client info %+v", conn)
	}
}

func TestVDIPair(t *testing.T) {
	env := setupTestEnv(t)
	h := env.exam.Handler()
	examID := env.createExam(t, 1, nil)
	a := admit(t, env, h, examID)

	w := do(t, h, "POST", "/exam-api/v1/handshake", "", api.HandshakeRequest{
		InstitutionID: 1, ExamID: examID, KeyType: string(types.KeyAppSignature), KeyValue: "trusted-app",
	})
	expectStatus(t, w, http.StatusOK)
	b := decode[api.HandshakeResponse](t, w)

	w = do(t, h, "POST", "/exam-api/v1/vdi-pair", a.AccessToken, api.VDIPairRequest{PeerToken: b.ConnectionToken})
	expectStatus(t, w, http.StatusOK)
	if decode[api.VDIPairResponse](t, w).PairToken == "" {
		t.Fatal("expected a pair token")
	}

	expectStatus(t, do(t, h, "POST", "/exam-api/v1/vdi-pair", b.AccessToken, api.VDIPairRequest{PeerToken: a.ConnectionToken}), http.StatusConflict)
	expectStatus(t, do(t, h, "POST", "/exam-api/v1/vdi-pair", a.AccessToken, api.VDIPairRequest{PeerToken: a.ConnectionToken}), http.StatusBadRequest)
	expectStatus(t, do(t, h, "POST", "/exam-api/v1/vdi-pair", a.AccessToken, api.VDIPairRequest{}), http.StatusBadRequest)

	conn, err := env.sessions.Get(context.Background(), a.ConnectionToken)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if !conn.VDIPrimary || conn.VDIPeerToken == nil || *conn.VDIPeerToken != b.ConnectionToken {
		t.Fatalf("unexpected pairing %+v", conn)
	}
}
