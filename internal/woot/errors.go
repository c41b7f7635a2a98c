package woot

import (
	"errors"
	"fmt"
)

var (
	ErrStructural      = errors.New("malformed operation")
	ErrNotReady        = errors.New("causal dependency missing")
	ErrDuplicate       = errors.New("duplicate operation")
	ErrStateTransfer   = errors.New("state transfer failed")
	ErrUnknownContent  = errors.New("unknown content id")
	ErrInvalidPosition = errors.New("invalid position")
	ErrAlreadyDeleted  = errors.New("row already deleted")
	ErrContentExists   = errors.New("content id already exists")
	ErrInvalidInput    = errors.New("invalid input")
)

// StructuralError rejects a single operation. Other operations of the same
// patch keep processing.
type StructuralError struct {
	OpID   ID
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("malformed operation %s: %s", e.OpID, e.Reason)
}

func (e *StructuralError) Is(target error) bool {
	return target == ErrStructural
}

func structural(opID ID, format string, args ...any) error {
	return &StructuralError{OpID: opID, Reason: fmt.Sprintf(format, args...)}
}

type PositionError struct {
	ContentID ContentID
	Position  int
	Size      int
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("invalid position %d for %s (visible size %d)", e.Position, e.ContentID, e.Size)
}

func (e *PositionError) Is(target error) bool {
	return target == ErrInvalidPosition
}
