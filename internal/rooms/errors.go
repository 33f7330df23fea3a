package rooms

import (
	"errors"
	"fmt"

	"github.com/rsclarke/sebcoord/internal/types"
)

var (
	ErrConnectionNotFound    = errors.New("connection not found")
	ErrConnectionTerminated  = errors.New("connection is terminated")
	ErrRoomNotFound          = errors.New("room not found")
	ErrExamNotFound          = errors.New("exam not found")
	ErrExamMismatch          = errors.New("connection and room belong to different exams")
	ErrInvalidKind           = errors.New("unknown room kind")
	ErrTownhallNotAssignable = errors.New("townhall rooms take no assignments")
	ErrStaleGeneration       = errors.New("room generation has changed")
	ErrInvalidCapacity       = errors.New("room size below current occupancy")
	ErrInvalidLimits         = errors.New("room size and max rooms must be positive")
	// ErrMembershipChanged reports that a concurrent writer changed the
	// connection's room while a move was in flight. Callers may retry.
	ErrMembershipChanged = errors.New("connection room membership changed concurrently")
)

// RoomCapacityExceededError reports that every room of the exam is full and
// no further room may be created.
type RoomCapacityExceededError struct {
	ExamID   int64
	Kind     types.RoomKind
	RoomSize int
	MaxRooms int
}

func (e *RoomCapacityExceededError) Error() string {
	return fmt.Sprintf("exam %d: all %d %s rooms of size %d are full", e.ExamID, e.MaxRooms, e.Kind, e.RoomSize)
}
