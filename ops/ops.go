// Package ops defines the graph operations recorded in the revision log.
//
// Operations form a closed set. Each variant implements Operation; the
// unexported marker method keeps the set closed to this package, and Item
// encodes an operation with an explicit type discriminant.
package ops

import (
	"errors"
	"fmt"

	"revgraph/keys"
	"revgraph/merge"
)

// OpType is the discriminant of an encoded operation.
type OpType string

const (
	OpNodeModification    OpType = "NodeModification"
	OpEdgeModification    OpType = "EdgeModification"
	OpTransactionBegin    OpType = "TransactionBegin"
	OpTransactionCommit   OpType = "TransactionCommit"
	OpTransactionRollback OpType = "TransactionRollback"
	OpBranchImport        OpType = "BranchImport"
	OpSetNodeProperty     OpType = "SetNodeProperty"
)

// Types lists every known operation type.
var Types = []OpType{
	OpNodeModification,
	OpEdgeModification,
	OpTransactionBegin,
	OpTransactionCommit,
	OpTransactionRollback,
	OpBranchImport,
	OpSetNodeProperty,
}

var (
	ErrInvalidOp   = errors.New("invalid operation")
	ErrUnknownType = errors.New("unknown operation type")
)

// Operation is one mutation intent. Values are never modified after they
// are submitted.
type Operation interface {
	Type() OpType
	Validate() error
	isOperation()
}

// NodeModification creates a node or merges into the node its keys refer to.
type NodeModification struct {
	Keys    keys.EntityKeys        `json:"keys"`
	Content map[string]interface{} `json:"content,omitempty"`
	Policy  merge.Policy           `json:"policy,omitempty"`
}

// EdgeModification creates an edge or merges into the edge its keys refer
// to. Endpoints that resolve to no stored node are accepted unless
// AllowHanging is explicitly false.
type EdgeModification struct {
	Keys         keys.EntityKeys        `json:"keys"`
	From         keys.EntityKeys        `json:"from"`
	To           keys.EntityKeys        `json:"to"`
	Content      map[string]interface{} `json:"content,omitempty"`
	Policy       merge.Policy           `json:"policy,omitempty"`
	AllowHanging *bool                  `json:"allowHanging,omitempty"`
}

// HangingAllowed reports whether missing endpoints are tolerated.
func (m *EdgeModification) HangingAllowed() bool {
	return m.AllowHanging == nil || *m.AllowHanging
}

// TransactionBegin marks the start of a transaction. It has no storage effect.
type TransactionBegin struct {
	TxnID string `json:"txnId"`
}

// TransactionCommit marks every container of the transaction committed.
type TransactionCommit struct {
	TxnID string `json:"txnId"`
}

// TransactionRollback deletes every container of the transaction.
type TransactionRollback struct {
	TxnID string `json:"txnId"`
}

// BranchImport replays the full committed history of a source branch into
// the branch being replayed.
type BranchImport struct {
	SourceGraph  string `json:"sourceGraph"`
	SourceBranch string `json:"sourceBranch"`
}

// SetNodeProperty sets one content property of the node carrying UID.
type SetNodeProperty struct {
	UID      string      `json:"uid"`
	Property string      `json:"property"`
	Value    interface{} `json:"value"`
}

func (*NodeModification) Type() OpType    { return OpNodeModification }
func (*EdgeModification) Type() OpType    { return OpEdgeModification }
func (*TransactionBegin) Type() OpType    { return OpTransactionBegin }
func (*TransactionCommit) Type() OpType   { return OpTransactionCommit }
func (*TransactionRollback) Type() OpType { return OpTransactionRollback }
func (*BranchImport) Type() OpType        { return OpBranchImport }
func (*SetNodeProperty) Type() OpType     { return OpSetNodeProperty }

func (*NodeModification) isOperation()    {}
func (*EdgeModification) isOperation()    {}
func (*TransactionBegin) isOperation()    {}
func (*TransactionCommit) isOperation()   {}
func (*TransactionRollback) isOperation() {}
func (*BranchImport) isOperation()        {}
func (*SetNodeProperty) isOperation()     {}

func (m *NodeModification) Validate() error {
	if err := m.Keys.Normalize().Validate(); err != nil {
		return fmt.Errorf("%w: node keys: %w", ErrInvalidOp, err)
	}
	return validPolicy(m.Policy)
}

func (m *EdgeModification) Validate() error {
	if err := m.Keys.Normalize().Validate(); err != nil {
		return fmt.Errorf("%w: edge keys: %w", ErrInvalidOp, err)
	}
	if err := m.From.Normalize().Validate(); err != nil {
		return fmt.Errorf("%w: edge from: %w", ErrInvalidOp, err)
	}
	if err := m.To.Normalize().Validate(); err != nil {
		return fmt.Errorf("%w: edge to: %w", ErrInvalidOp, err)
	}
	return validPolicy(m.Policy)
}

func (m *TransactionBegin) Validate() error    { return validTxn(m.TxnID) }
func (m *TransactionCommit) Validate() error   { return validTxn(m.TxnID) }
func (m *TransactionRollback) Validate() error { return validTxn(m.TxnID) }

func (m *BranchImport) Validate() error {
	if m.SourceGraph == "" || m.SourceBranch == "" {
		return fmt.Errorf("%w: branch import needs a source graph and branch", ErrInvalidOp)
	}
	return nil
}

func (m *SetNodeProperty) Validate() error {
	if m.UID == "" {
		return fmt.Errorf("%w: set property needs a uid", ErrInvalidOp)
	}
	if m.Property == "" {
		return fmt.Errorf("%w: set property needs a property name", ErrInvalidOp)
	}
	return nil
}

// IsBoundary reports whether op is a transaction boundary operation.
func IsBoundary(op Operation) bool {
	switch op.(type) {
	case *TransactionBegin, *TransactionCommit, *TransactionRollback:
		return true
	}
	return false
}

// BoundaryTxn returns the transaction id named by a boundary operation.
func BoundaryTxn(op Operation) (string, bool) {
	switch o := op.(type) {
	case *TransactionBegin:
		return o.TxnID, true
	case *TransactionCommit:
		return o.TxnID, true
	case *TransactionRollback:
		return o.TxnID, true
	}
	return "", false
}

func validTxn(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty transaction id", ErrInvalidOp)
	}
	return nil
}

func validPolicy(p merge.Policy) error {
	if p != "" && !p.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidOp, merge.ErrUnknownPolicy, p)
	}
	return nil
}
