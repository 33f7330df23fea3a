// Package api defines the JSON bodies of the admin and exam client APIs.
package api

import "github.com/rsclarke/sebcoord/internal/patch"

type CreateExamRequest struct {
	Name       string `json:"name"`
	TemplateID *int64 `json:"template_id,omitempty"`
}

type ExamResponse struct {
	ID         int64  `json:"id"`
	TemplateID *int64 `json:"template_id,omitempty"`
	Name       string `json:"name"`
	CreatedAt  string `json:"created_at"`
}

type ConnectionInfo struct {
	ID                      int64   `json:"id"`
	Token                   string  `json:"token"`
	ExamID                  int64   `json:"exam_id"`
	Status                  string  `json:"status"`
	ClientAddress           string  `json:"client_address"`
	VirtualClientAddress    *string `json:"virtual_client_address,omitempty"`
	VDIPairToken            *string `json:"vdi_pair_token,omitempty"`
	VDIPrimary              bool    `json:"vdi_primary"`
	ClientOS                *string `json:"client_os,omitempty"`
	ClientVersion           *string `json:"client_version,omitempty"`
	SecurityCheckGranted    bool    `json:"security_check_granted"`
	ClientVersionGranted    bool    `json:"client_version_granted"`
	RemoteProctoringRoomID  *int64  `json:"remote_proctoring_room_id,omitempty"`
	ScreenProctoringGroupID *int64  `json:"screen_proctoring_group_id,omitempty"`
	Version                 int64   `json:"version"`
	CreatedAt               string  `json:"created_at"`
	UpdatedAt               string  `json:"updated_at"`
}

type ListConnectionsResponse struct {
	Connections []ConnectionInfo `json:"connections"`
}

// ProctoringSettings bounds how many connections an exam's rooms hold.
type ProctoringSettings struct {
	RoomSize int `json:"room_size"`
	MaxRooms int `json:"max_rooms"`
}

type SubmitBatchActionRequest struct {
	ActionType string            `json:"action_type"`
	TargetIDs  []int64           `json:"target_ids"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type SubmitBatchActionResponse struct {
	ID int64 `json:"id"`
}

type BatchProgressResponse struct {
	ActionID    int64  `json:"action_id"`
	ActionType  string `json:"action_type"`
	State       string `json:"state"`
	ProcessorID string `json:"processor_id,omitempty"`
	Total       int    `json:"total"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Pending     int    `json:"pending"`
	Complete    bool   `json:"complete"`
}

type RegisterKeyRequest struct {
	KeyType    string `json:"key_type"`
	KeyValue   string `json:"key_value"`
	ExamID     *int64 `json:"exam_id,omitempty"`
	TemplateID *int64 `json:"template_id,omitempty"`
	Tag        string `json:"tag,omitempty"`
}

type RegisterKeyResponse struct {
	ID int64 `json:"id"`
}

type SecurityKeyInfo struct {
	ID         int64   `json:"id"`
	KeyType    string  `json:"key_type"`
	KeyValue   string  `json:"key_value"`
	ExamID     *int64  `json:"exam_id,omitempty"`
	TemplateID *int64  `json:"template_id,omitempty"`
	Tag        string  `json:"tag,omitempty"`
	CreatedAt  string  `json:"created_at"`
	RevokedAt  *string `json:"revoked_at,omitempty"`
}

type ListSecurityKeysResponse struct {
	Keys []SecurityKeyInfo `json:"keys"`
}

type RoomInfo struct {
	ID         int64   `json:"id"`
	ExamID     int64   `json:"exam_id"`
	Kind       string  `json:"kind"`
	Name       string  `json:"name"`
	Size       int     `json:"size"`
	Occupancy  int     `json:"occupancy"`
	RoomData   string  `json:"room_data,omitempty"`
	JoinKey    string  `json:"join_key,omitempty"`
	Townhall   bool    `json:"townhall"`
	BreakOut   []int64 `json:"break_out_connections,omitempty"`
	Generation int64   `json:"generation"`
}

type ListRoomsResponse struct {
	Rooms []RoomInfo `json:"rooms"`
}

// RoomsSnapshot is pushed to room watchers whenever a generation changes.
type RoomsSnapshot struct {
	ExamID int64      `json:"exam_id"`
	Rooms  []RoomInfo `json:"rooms"`
}

type GenerationResponse struct {
	RoomID     int64 `json:"room_id"`
	Generation int64 `json:"generation"`
}

// UpdateRoomRequest changes room metadata if the room is still at
// ExpectedGeneration. Fields left out are not changed.
type UpdateRoomRequest struct {
	ExpectedGeneration int64                 `json:"expected_generation"`
	Name               patch.Field[string]  `json:"name,omitzero"`
	Size               patch.Field[int]     `json:"size,omitzero"`
	RoomData           patch.Field[string]  `json:"room_data,omitzero"`
	JoinKey            patch.Field[string]  `json:"join_key,omitzero"`
	BreakOut           patch.Field[[]int64] `json:"break_out_connections,omitzero"`
}

type AssignRoomRequest struct {
	Kind string `json:"kind"`
}

type AssignRoomResponse struct {
	RoomID int64 `json:"room_id"`
}

type HandshakeRequest struct {
	InstitutionID int64  `json:"institution_id"`
	ExamID        int64  `json:"exam_id"`
	KeyType       string `json:"key_type"`
	KeyValue      string `json:"key_value"`
}

type HandshakeResponse struct {
	ConnectionToken string `json:"connection_token"`
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

// PingRequest is a client heartbeat carrying optional metadata updates.
type PingRequest struct {
	VirtualClientAddress patch.Field[string] `json:"virtual_client_address,omitzero"`
	ClientOS             patch.Field[string] `json:"client_os,omitzero"`
	ClientVersion        patch.Field[string] `json:"client_version,omitzero"`
	SecurityCheckGranted patch.Field[bool]   `json:"security_check_granted,omitzero"`
	ClientVersionGranted patch.Field[bool]   `json:"client_version_granted,omitzero"`
}

type VDIPairRequest struct {
	PeerToken string `json:"peer_token"`
}

type VDIPairResponse struct {
	PairToken string `json:"pair_token"`
}

type DeletedResponse struct {
	Deleted bool `json:"deleted"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
