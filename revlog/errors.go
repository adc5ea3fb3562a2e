package revlog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBoundaryInBatch is returned when a batch contains a transaction
	// boundary operation. Boundaries must be submitted alone.
	ErrBoundaryInBatch = errors.New("transaction boundary operation in batch")
	// ErrValidation wraps an operation that failed validation. Nothing was
	// written.
	ErrValidation = errors.New("revision validation failed")
	// ErrRollbackIncomplete is returned when a rollback sweep left containers
	// of the transaction behind. The transaction is inconsistent and must not
	// be retried blindly.
	ErrRollbackIncomplete = errors.New("rollback incomplete")
	// ErrStorage wraps backend failures.
	ErrStorage = errors.New("revision storage failure")
	// ErrTxnDone is returned by Txn methods after Commit or Rollback.
	ErrTxnDone = errors.New("transaction already finished")
)

// Error carries the context of a failed revision log operation.
type Error struct {
	Op       string
	TxnID    string
	GraphID  string
	BranchID string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("revlog ")
	b.WriteString(e.Op)
	if e.GraphID != "" {
		fmt.Fprintf(&b, " graph=%s/%s", e.GraphID, e.BranchID)
	}
	if e.TxnID != "" {
		fmt.Fprintf(&b, " txn=%s", e.TxnID)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
