package revlog

import (
	"sort"

	"revgraph/cas"
	"revgraph/graph"
	"revgraph/ops"
)

// Container is the persisted unit of the revision log: one or more items
// submitted together under a transaction.
type Container struct {
	UniqueID      string `json:"uniqueId"`
	GraphID       string `json:"graphId"`
	BranchID      string `json:"branchId"`
	TxnID         string `json:"transactionId"`
	TxnSubmitID   int64  `json:"txnSubmitId"`
	Timestamp     int64  `json:"timestamp"`
	Committed     bool   `json:"committed"`
	DateCommitted int64  `json:"dateCommitted,omitempty"`
	// CommitSeq orders containers by the time they became visible to
	// replay. It is assigned by the log and never carried across logs.
	CommitSeq int64      `json:"commitSeq,omitempty"`
	Items     []ops.Item `json:"items"`
	// Digest is the hex BLAKE3 of the canonical JSON of Items.
	Digest string `json:"digest,omitempty"`
}

// Scope returns the graph branch the container belongs to.
func (c *Container) Scope() graph.Scope {
	return graph.Scope{Graph: c.GraphID, Branch: c.BranchID}
}

// Position returns the container's place in replay order.
func (c *Container) Position() Position {
	return Position{DateCommitted: c.DateCommitted, TxnSubmitID: c.TxnSubmitID, UniqueID: c.UniqueID}
}

// ItemsDigest computes the digest of a list of items.
func ItemsDigest(items []ops.Item) (string, error) {
	data, err := ops.EncodeItems(items)
	if err != nil {
		return "", err
	}
	canon, err := cas.CanonicalJSON(rawJSON(data))
	if err != nil {
		return "", err
	}
	return cas.Blake3HashHex(canon), nil
}

// rawJSON lets already-encoded JSON pass through CanonicalJSON unchanged in
// meaning.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) { return r, nil }

// Position is a point in replay order. The zero Position sorts before every
// committed container.
type Position struct {
	DateCommitted int64  `json:"dateCommitted"`
	TxnSubmitID   int64  `json:"txnSubmitId"`
	UniqueID      string `json:"uniqueId"`
}

// IsZero reports whether p is the start of the log.
func (p Position) IsZero() bool {
	return p == Position{}
}

// Before reports whether p sorts strictly before o in replay order.
func (p Position) Before(o Position) bool {
	if p.DateCommitted != o.DateCommitted {
		return p.DateCommitted < o.DateCommitted
	}
	if p.TxnSubmitID != o.TxnSubmitID {
		return p.TxnSubmitID < o.TxnSubmitID
	}
	return p.UniqueID < o.UniqueID
}

// CommitCounter names the sequence that numbers the commits of a graph.
func CommitCounter(graphID string) string {
	return "commit@" + graphID
}

// Checkpoint is the replay progress of a target scope.
type Checkpoint struct {
	// Last is the position of the last applied container.
	Last Position `json:"last"`
	// Seq is the highest commit sequence whose containers are all applied.
	Seq int64 `json:"seq"`
	// Pending is the highest commit sequence of an unfinished pass.
	// Containers up to Pending that sort at or before Last were applied.
	Pending int64 `json:"pending"`
}

// IsZero reports whether nothing was replayed.
func (c Checkpoint) IsZero() bool {
	return c == Checkpoint{}
}

// SortReplayOrder sorts committed containers by commit time, then submit id,
// then unique id.
func SortReplayOrder(cs []*Container) {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].Position().Before(cs[j].Position())
	})
}

// SortSubmitOrder sorts containers of one transaction by submit id, then
// unique id.
func SortSubmitOrder(cs []*Container) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].TxnSubmitID != cs[j].TxnSubmitID {
			return cs[i].TxnSubmitID < cs[j].TxnSubmitID
		}
		return cs[i].UniqueID < cs[j].UniqueID
	})
}
