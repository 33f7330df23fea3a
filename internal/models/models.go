// Package models defines the database entity types.
package models

import "github.com/rsclarke/sebcoord/internal/types"

// APIKey represents an admin API key bound to one institution.
type APIKey struct {
	ID            int64
	InstitutionID int64
	KeyPrefix     string
	KeyHash       []byte
	CreatedAt     int64
	RevokedAt     *int64
}

// Exam represents an exam that client connections belong to.
type Exam struct {
	ID            int64
	InstitutionID int64
	TemplateID    *int64
	Name          string
	CreatedAt     int64
}

// ClientConnection represents one exam client's session.
// Timestamps are unix milliseconds.
type ClientConnection struct {
	ID                   int64
	InstitutionID        int64
	ExamID               int64
	Token                string
	Status               types.ConnectionStatus
	ClientAddress        string
	VirtualClientAddress *string
	VDIPairToken         *string
	VDIPeerToken         *string
	VDIPrimary           bool
	ClientOS             *string
	ClientVersion        *string
	SecurityCheckGranted bool
	ClientVersionGranted bool

	RemoteProctoringRoomID  *int64
	RemoteProctoringUpdate  int64
	ScreenProctoringGroupID *int64
	ScreenProctoringUpdate  int64

	Version   int64
	CreatedAt int64
	UpdatedAt int64
}

// RoomID returns the connection's room of the given kind, if any.
func (c *ClientConnection) RoomID(kind types.RoomKind) *int64 {
	if kind == types.RoomScreenProctoring {
		return c.ScreenProctoringGroupID
	}
	return c.RemoteProctoringRoomID
}

// ProctoringRoom represents a remote-proctoring room or a screen-proctoring group.
type ProctoringRoom struct {
	ID            int64
	InstitutionID int64
	ExamID        int64
	Kind          types.RoomKind
	Name          string
	Size          int
	Occupancy     int
	RoomData      string
	JoinKey       string
	Townhall      bool
	BreakOut      []int64
	Generation    int64
	CreatedAt     int64
	UpdatedAt     int64
}

// BatchAction represents a bulk administrative operation.
type BatchAction struct {
	ID            int64
	InstitutionID int64
	ActionType    types.ActionType
	TargetIDs     []int64
	Attributes    map[string]string
	State         types.ActionState
	ProcessorID   *string
	LastUpdate    int64
	CreatedAt     int64
}

// BatchResult is the immutable outcome recorded for one target of a batch action.
type BatchResult struct {
	ActionID   int64
	TargetID   int64
	Outcome    types.Outcome
	RecordedAt int64
}

// SecurityKey represents one row of the security key registry.
// ExamID and TemplateID are never both set; both nil means institution-wide.
type SecurityKey struct {
	ID            int64
	InstitutionID int64
	KeyType       types.KeyType
	KeyValue      string
	ExamID        *int64
	TemplateID    *int64
	Tag           string
	CreatedAt     int64
	RevokedAt     *int64
}
