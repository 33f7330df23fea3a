package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsclarke/sebcoord/internal/api"
)

type call struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]any
}

func fakeServer(t *testing.T, status int, reply any) (*Client, *call) {
	t.Helper()
	got := &call{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.auth = r.Header.Get("Authorization")
		if r.ContentLength > 0 {
			_ = json.NewDecoder(r.Body).Decode(&got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, "sk_test"), got
}

func TestSubmitBatch(t *testing.T) {
	c, got := fakeServer(t, http.StatusOK, api.SubmitBatchActionResponse{ID: 7})

	id, err := c.SubmitBatch(context.Background(), api.SubmitBatchActionRequest{
		ActionType: "TERMINATE_CONNECTION",
		TargetIDs:  []int64{1, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, "POST", got.method)
	assert.Equal(t, "/v1/batch-actions", got.path)
	assert.Equal(t, "Bearer sk_test", got.auth)
	assert.Equal(t, "TERMINATE_CONNECTION", got.body["action_type"])
}

func TestProgressAndCancel(t *testing.T) {
	c, got := fakeServer(t, http.StatusOK, api.BatchProgressResponse{ActionID: 3, State: "FINISHED", Total: 2, Succeeded: 2, Complete: true})

	p, err := c.Progress(context.Background(), 3)
	require.NoError(t, err)
	assert.True(t, p.Complete)
	assert.Equal(t, "/v1/batch-actions/3", got.path)

	_, err = c.Cancel(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "/v1/batch-actions/3/cancel", got.path)
	assert.Equal(t, "POST", got.method)
}

func TestListKeysQuery(t *testing.T) {
	c, got := fakeServer(t, http.StatusOK, api.ListSecurityKeysResponse{Keys: []api.SecurityKeyInfo{{ID: 1, KeyType: "APP_SIGNATURE_KEY"}}})

	resp, err := c.ListKeys(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, resp.Keys, 1)
	assert.Equal(t, "include_revoked=true", got.query)

	_, err = c.ListKeys(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, got.query)
}

func TestListRoomsAndGeneration(t *testing.T) {
	c, got := fakeServer(t, http.StatusOK, api.ListRoomsResponse{Rooms: []api.RoomInfo{{ID: 4, Generation: 2}}})

	rooms, err := c.ListRooms(context.Background(), 9, "REMOTE_PROCTORING")
	require.NoError(t, err)
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, "/v1/exams/9/rooms", got.path)
	assert.Equal(t, "kind=REMOTE_PROCTORING", got.query)

	c, got = fakeServer(t, http.StatusOK, api.GenerationResponse{RoomID: 4, Generation: 5})
	gen, err := c.Generation(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), gen)
	assert.Equal(t, "/v1/rooms/4/generation", got.path)
}

func TestErrorResponses(t *testing.T) {
	c, _ := fakeServer(t, http.StatusNotFound, api.ErrorResponse{Error: "batch action not found"})
	_, err := c.Progress(context.Background(), 1)
	require.EqualError(t, err, "batch action not found")

	c, _ = fakeServer(t, http.StatusInternalServerError, "boom")
	err = c.RevokeKey(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
