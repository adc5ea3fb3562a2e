package player

import (
	"errors"
	"fmt"
	"strings"

	"revgraph/ops"
)

var (
	ErrUnsupportedOp = errors.New("unsupported operation type")
	ErrHangingEdge   = errors.New("edge endpoint does not exist")
	ErrNodeNotFound  = errors.New("node not found")
	ErrImportCycle   = errors.New("branch import cycle")
	ErrValidation    = errors.New("operation validation failed")
	ErrDigest        = errors.New("container digest mismatch")
)

// Error describes the item a replay pass failed on.
type Error struct {
	GraphID     string
	BranchID    string
	ContainerID string
	ItemIndex   int
	OpType      ops.OpType
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "replay %s/%s", e.GraphID, e.BranchID)
	if e.ContainerID != "" {
		fmt.Fprintf(&b, " container=%s item=%d", e.ContainerID, e.ItemIndex)
	}
	if e.OpType != "" {
		fmt.Fprintf(&b, " op=%s", e.OpType)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Decision tells a replay pass what to do after a failed item.
type Decision int

const (
	// Abort stops the pass and returns the error.
	Abort Decision = iota
	// Skip logs the error and continues with the next item.
	Skip
)

// SkipAll is an error handler that skips every failed item.
func SkipAll(*Error) Decision { return Skip }
