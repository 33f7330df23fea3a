package session

import (
	"errors"
	"fmt"

	"github.com/rsclarke/sebcoord/internal/types"
)

var (
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrExamNotFound         = errors.New("exam not found")
	ErrConnectionTerminated = errors.New("connection is terminated")
	ErrInvalidPairing       = errors.New("connections cannot be paired")
	ErrUnknownStatus        = errors.New("unknown connection status")
)

// InvalidTransitionError reports a status change the lattice does not allow.
type InvalidTransitionError struct {
	Token string
	From  types.ConnectionStatus
	To    types.ConnectionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("connection %s: invalid transition %s -> %s", e.Token, e.From, e.To)
}

// AlreadyPairedError reports that a connection already has a VDI pairing.
type AlreadyPairedError struct {
	Token string
}

func (e *AlreadyPairedError) Error() string {
	return fmt.Sprintf("connection %s is already paired", e.Token)
}

// DuplicateTokenError reports a connection token collision. Callers retry
// with a fresh token.
type DuplicateTokenError struct {
	Token string
}

func (e *DuplicateTokenError) Error() string {
	return fmt.Sprintf("connection token %s already exists", e.Token)
}

// Retryable reports whether err is a DuplicateTokenError.
func Retryable(err error) bool {
	var dup *DuplicateTokenError
	return errors.As(err, &dup)
}
