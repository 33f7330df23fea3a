// Package types defines the domain enumerations shared by the coordination components.
package types

import "fmt"

// ConnectionStatus is the lifecycle status of an exam client connection.
type ConnectionStatus string

// Connection statuses.
const (
	StatusConnectionRequested ConnectionStatus = "CONNECTION_REQUESTED"
	StatusEstablished         ConnectionStatus = "ESTABLISHED"
	StatusActive              ConnectionStatus = "ACTIVE"
	StatusClosed              ConnectionStatus = "CLOSED"
	StatusAborted             ConnectionStatus = "ABORTED"
)

// Terminal reports whether no transition may leave s.
func (s ConnectionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusAborted
}

// Valid reports whether s is a known status.
func (s ConnectionStatus) Valid() bool {
	switch s {
	case StatusConnectionRequested, StatusEstablished, StatusActive, StatusClosed, StatusAborted:
		return true
	}
	return false
}

// ParseConnectionStatus converts a wire value into a ConnectionStatus.
func ParseConnectionStatus(v string) (ConnectionStatus, error) {
	s := ConnectionStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown connection status %q", v)
	}
	return s, nil
}

// TerminalStatuses lists the statuses a connection never leaves.
var TerminalStatuses = []ConnectionStatus{StatusClosed, StatusAborted}

// ActionType identifies the kind of bulk operation a batch action performs.
type ActionType string

// Batch action types.
const (
	ActionTerminateConnection ActionType = "TERMINATE_CONNECTION"
	ActionRevokeSecurityKey   ActionType = "REVOKE_SECURITY_KEY"
	ActionDeleteExam          ActionType = "DELETE_EXAM"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionTerminateConnection, ActionRevokeSecurityKey, ActionDeleteExam:
		return true
	}
	return false
}

// ActionState is the coarse state of a batch action.
type ActionState string

// Batch action states.
const (
	ActionReady      ActionState = "READY"
	ActionProcessing ActionState = "PROCESSING"
	ActionFinished   ActionState = "FINISHED"
	ActionCancelled  ActionState = "CANCELLED"
)

// Terminal reports whether the action will not be processed any further.
func (s ActionState) Terminal() bool {
	return s == ActionFinished || s == ActionCancelled
}

// Outcome is the recorded result for one target of a batch action.
type Outcome string

// Target outcomes.
const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
	OutcomeSkipped Outcome = "SKIPPED"
)

// RoomKind distinguishes remote-proctoring rooms from screen-proctoring groups.
type RoomKind string

// Room kinds.
const (
	RoomRemoteProctoring RoomKind = "REMOTE_PROCTORING"
	RoomScreenProctoring RoomKind = "SCREEN_PROCTORING"
)

// Valid reports whether k is a known room kind.
func (k RoomKind) Valid() bool {
	return k == RoomRemoteProctoring || k == RoomScreenProctoring
}

// RoomKinds lists every room kind a connection can be a member of.
var RoomKinds = []RoomKind{RoomRemoteProctoring, RoomScreenProctoring}

// KeyType is the type of key material held in the security key registry.
type KeyType string

// Security key types.
const (
	KeyAppSignature KeyType = "APP_SIGNATURE_KEY"
	KeyBrowserExam  KeyType = "BROWSER_EXAM_KEY"
	KeyConfig       KeyType = "CONFIG_KEY"
)

// Valid reports whether t is a known key type.
func (t KeyType) Valid() bool {
	switch t {
	case KeyAppSignature, KeyBrowserExam, KeyConfig:
		return true
	}
	return false
}
