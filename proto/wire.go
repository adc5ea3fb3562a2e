// Package proto defines wire format DTOs for the revgraph HTTP API.
package proto

import (
	"revgraph/cursor"
	"revgraph/graph"
	"revgraph/keys"
	"revgraph/ops"
	"revgraph/revlog"
)

// BeginResponse is returned when a transaction is opened on the server.
type BeginResponse struct {
	TxnID string `json:"txnId"`
	// Next is the first free submit id (0 is taken by TransactionBegin).
	Next int64 `json:"next"`
}

// SubmitRequest submits one item, or several as a batch sharing a container.
type SubmitRequest struct {
	TxnID    string     `json:"txnId"`
	SubmitID int64      `json:"txnSubmitId"`
	Items    []ops.Item `json:"items"`
}

// SubmitResponse acknowledges a submission.
type SubmitResponse struct {
	TxnID    string `json:"txnId"`
	SubmitID int64  `json:"txnSubmitId"`
	Items    int    `json:"items"`
}

// RevisionsResponse lists revision containers.
type RevisionsResponse struct {
	Containers []*revlog.Container `json:"containers"`
}

// ReplayResponse summarizes a replay pass.
type ReplayResponse struct {
	Full       bool            `json:"full"`
	Containers int             `json:"containers"`
	Items      int             `json:"items"`
	Skipped    int             `json:"skipped"`
	Last       revlog.Position `json:"last"`
	Rebuilt    bool            `json:"rebuilt,omitempty"`
}

// NodesResponse lists materialized nodes.
type NodesResponse struct {
	Nodes []*graph.Node `json:"nodes"`
}

// ResolveResponse returns a node and the complete keyset known for it.
type ResolveResponse struct {
	Node *graph.Node     `json:"node"`
	Keys keys.EntityKeys `json:"keys"`
}

// HangingEntry flags an edge with a missing endpoint.
type HangingEntry struct {
	EdgeID      string `json:"edgeId"`
	FromMissing bool   `json:"fromMissing,omitempty"`
	ToMissing   bool   `json:"toMissing,omitempty"`
}

// EdgesResponse lists materialized edges.
type EdgesResponse struct {
	Edges   []*graph.Edge  `json:"edges"`
	Hanging []HangingEntry `json:"hanging,omitempty"`
}

// DigestResponse carries the state digest of a branch.
type DigestResponse struct {
	Digest string `json:"digest"`
}

// BranchesResponse lists the branches of a graph.
type BranchesResponse struct {
	Graph    string   `json:"graph"`
	Branches []string `json:"branches"`
}

// GraphsResponse lists graphs.
type GraphsResponse struct {
	Graphs []string `json:"graphs"`
}

// CursorStartRequest places a named cursor.
type CursorStartRequest struct {
	Node keys.EntityKeys `json:"node"`
}

// CursorMoveRequest moves a named cursor. Node is used by JUMP and
// STEP_TO_NODE, Type by the type-driven steps, and EdgeTypes/NodeTypes by a
// walk (Movement "WALK").
type CursorMoveRequest struct {
	Movement  cursor.MovementType `json:"movement"`
	Node      *keys.EntityKeys    `json:"node,omitempty"`
	Type      string              `json:"type,omitempty"`
	EdgeTypes []string            `json:"edgeTypes,omitempty"`
	NodeTypes []string            `json:"nodeTypes,omitempty"`
}

// MovementWalk is the pseudo movement requesting Cursor.Walk.
const MovementWalk cursor.MovementType = "WALK"

// CursorsResponse lists cursors of a branch.
type CursorsResponse struct {
	Cursors []cursor.Snapshot `json:"cursors"`
}

// PackHeader describes the containers in a revision pack.
type PackHeader struct {
	Version    int         `json:"version"`
	Graph      string      `json:"graph"`
	Branch     string      `json:"branch"`
	Created    int64       `json:"created"`
	Containers []PackEntry `json:"containers"`
}

// PackEntry describes a single container in a pack.
type PackEntry struct {
	UniqueID string `json:"uniqueId"`
	Digest   []byte `json:"digest"`
	Offset   int64  `json:"offset"`
	Length   int64  `json:"length"`
}

// PackImportResponse is returned after importing a pack.
type PackImportResponse struct {
	Imported int `json:"imported"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
