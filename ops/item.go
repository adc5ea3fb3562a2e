package ops

import (
	"encoding/json"
	"fmt"
)

// Item is the encoded form of an operation in a revision container:
// {"type": "<OpType>", "op": {...}}.
type Item struct {
	Op Operation
}

// Wrap returns an Item for op.
func Wrap(op Operation) Item {
	return Item{Op: op}
}

// Type returns the operation type, or "" for an empty item.
func (it Item) Type() OpType {
	if it.Op == nil {
		return ""
	}
	return it.Op.Type()
}

type itemJSON struct {
	Type OpType          `json:"type"`
	Op   json.RawMessage `json:"op"`
}

func (it Item) MarshalJSON() ([]byte, error) {
	if it.Op == nil {
		return nil, fmt.Errorf("%w: empty item", ErrInvalidOp)
	}
	op, err := json.Marshal(it.Op)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", it.Op.Type(), err)
	}
	return json.Marshal(itemJSON{Type: it.Op.Type(), Op: op})
}

func (it *Item) UnmarshalJSON(data []byte) error {
	var raw itemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	op, err := New(raw.Type)
	if err != nil {
		return err
	}
	if len(raw.Op) > 0 && string(raw.Op) != "null" {
		if err := json.Unmarshal(raw.Op, op); err != nil {
			return fmt.Errorf("decoding %s: %w", raw.Type, err)
		}
	}
	it.Op = op
	return nil
}

// New returns a zero operation of the given type.
func New(t OpType) (Operation, error) {
	switch t {
	case OpNodeModification:
		return &NodeModification{}, nil
	case OpEdgeModification:
		return &EdgeModification{}, nil
	case OpTransactionBegin:
		return &TransactionBegin{}, nil
	case OpTransactionCommit:
		return &TransactionCommit{}, nil
	case OpTransactionRollback:
		return &TransactionRollback{}, nil
	case OpBranchImport:
		return &BranchImport{}, nil
	case OpSetNodeProperty:
		return &SetNodeProperty{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// EncodeItems encodes a list of items as a JSON array.
func EncodeItems(items []Item) ([]byte, error) {
	if items == nil {
		items = []Item{}
	}
	return json.Marshal(items)
}

// DecodeItems decodes a JSON array of items.
func DecodeItems(data []byte) ([]Item, error) {
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decoding items: %w", err)
	}
	return items, nil
}
