package cursor

import (
	"sync"

	"revgraph/keys"
)

// MovementType names a cursor transition.
type MovementType string

const (
	StartPosition          MovementType = "START_POSITION"
	Jump                   MovementType = "JUMP"
	StepToNode             MovementType = "STEP_TO_NODE"
	StepToFirstNodeOfType  MovementType = "STEP_TO_FIRST_NODE_OF_TYPE"
	StepViaFirstEdgeOfType MovementType = "STEP_VIA_FIRST_EDGE_OF_TYPE"
)

// DestinationType tells whether a movement reached a node.
type DestinationType string

const (
	DestinationNode DestinationType = "NODE"
	DeadEnd         DestinationType = "DEAD_END"
)

// HistoryItem records one movement.
type HistoryItem struct {
	Movement        MovementType      `json:"movementType"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	Via             *keys.EntityKeys  `json:"via,omitempty"`
	Destination     *keys.EntityKeys  `json:"destination,omitempty"`
	DestinationType DestinationType   `json:"destinationType"`
}

// History is the append-only movement log shared by every cursor snapshot
// derived from one start.
type History struct {
	mu    sync.RWMutex
	items []HistoryItem
}

// Len returns the number of recorded movements.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}

// At returns the i-th movement.
func (h *History) At(i int) HistoryItem {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.items[i]
}

// Items returns a copy of the first n movements.
func (h *History) Items(n int) []HistoryItem {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n > len(h.items) {
		n = len(h.items)
	}
	out := make([]HistoryItem, n)
	copy(out, h.items[:n])
	return out
}

// appendAfter appends item only if the history currently ends at index.
// It returns the index of the new item.
func (h *History) appendAfter(index int, item HistoryItem) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.items) != index+1 {
		return 0, false
	}
	h.items = append(h.items, item)
	return len(h.items) - 1, true
}

// fork returns a new history holding the first n movements.
func (h *History) fork(n int) *History {
	return &History{items: h.Items(n)}
}
