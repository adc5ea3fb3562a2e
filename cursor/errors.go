package cursor

import (
	"errors"
	"fmt"
)

var (
	// ErrCursorReused is returned when a cursor that already advanced is
	// stepped again. Branch with Jump instead.
	ErrCursorReused = errors.New("cursor already advanced")

	// ErrAmbiguousDestination is returned when both endpoints of a candidate
	// edge match the requested destination.
	ErrAmbiguousDestination = errors.New("ambiguous destination")

	// ErrInvalidPath is returned when the edge and node type lists of a walk differ in length.
	ErrInvalidPath = errors.New("invalid path")

	// ErrDeadEnd is returned when stepping from a cursor with no position.
	ErrDeadEnd = errors.New("cursor is at a dead end")

	// ErrNotFound is returned when a named cursor is not registered.
	ErrNotFound = errors.New("cursor not found")

	// ErrUnbound is returned when moving a cursor that has no graph view.
	ErrUnbound = errors.New("cursor not bound to a graph")
)

// Error is a failed cursor movement.
type Error struct {
	Cursor   string
	Movement MovementType
	Err      error
}

func (e *Error) Error() string {
	if e.Movement == "" {
		return fmt.Sprintf("cursor %s: %v", e.Cursor, e.Err)
	}
	return fmt.Sprintf("cursor %s: %s: %v", e.Cursor, e.Movement, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func errAmbiguous(edgeID string) error {
	return fmt.Errorf("%w: both endpoints of edge %s match", ErrAmbiguousDestination, edgeID)
}

func pathErr(edges, nodes int) error {
	return fmt.Errorf("%w: %d edge types for %d node types", ErrInvalidPath, edges, nodes)
}
