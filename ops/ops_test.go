package ops

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"revgraph/keys"
	"revgraph/merge"
)

func TestItemRoundTrip(t *testing.T) {
	no := false
	items := []Item{
		Wrap(&NodeModification{Keys: keys.UID("n1"), Content: map[string]interface{}{"age": 30}, Policy: merge.PolicyUnion}),
		Wrap(&EdgeModification{Keys: keys.UID("e1"), From: keys.UID("n1"), To: keys.UID("n2"), AllowHanging: &no}),
		Wrap(&TransactionCommit{TxnID: "t1"}),
		Wrap(&BranchImport{SourceGraph: "g", SourceBranch: "main"}),
		Wrap(&SetNodeProperty{UID: "n1", Property: "age", Value: "31"}),
	}

	data, err := EncodeItems(items)
	if err != nil {
		t.Fatalf("EncodeItems failed: %v", err)
	}
	if !strings.Contains(string(data), `"type":"EdgeModification"`) {
		t.Errorf("expected type discriminant in %s", data)
	}

	got, err := DecodeItems(data)
	if err != nil {
		t.Fatalf("DecodeItems failed: %v", err)
	}
	if len(got) != len(items) {
		t.Fatalf("expected %d items, got %d", len(items), len(got))
	}
	for i := range items {
		if got[i].Type() != items[i].Type() {
			t.Errorf("item %d: expected %s, got %s", i, items[i].Type(), got[i].Type())
		}
	}

	nm := got[0].Op.(*NodeModification)
	if nm.Policy != merge.PolicyUnion || nm.Content["age"] != float64(30) {
		t.Errorf("node modification not decoded: %+v", nm)
	}
	em := got[1].Op.(*EdgeModification)
	if em.HangingAllowed() {
		t.Error("allowHanging=false not decoded")
	}
	if !em.To.Equal(keys.UID("n2")) {
		t.Errorf("expected to=n2, got %s", em.To)
	}
}

func TestUnknownType(t *testing.T) {
	var it Item
	err := json.Unmarshal([]byte(`{"type":"NodeDelete","op":{}}`), &it)
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
		ok   bool
	}{
		{"node with uid", &NodeModification{Keys: keys.UID("n1")}, true},
		{"node empty keys", &NodeModification{}, false},
		{"node names without type", &NodeModification{Keys: keys.EntityKeys{Names: []string{"Alice"}}}, false},
		{"node bad policy", &NodeModification{Keys: keys.UID("n1"), Policy: "clobber"}, false},
		{"edge", &EdgeModification{Keys: keys.UID("e1"), From: keys.UID("a"), To: keys.Named("Person", "Bob")}, true},
		{"edge without to", &EdgeModification{Keys: keys.UID("e1"), From: keys.UID("a")}, false},
		{"commit", &TransactionCommit{TxnID: "t"}, true},
		{"commit without id", &TransactionCommit{}, false},
		{"import", &BranchImport{SourceGraph: "g"}, false},
		{"set property", &SetNodeProperty{UID: "n1", Property: "p"}, true},
		{"set property without name", &SetNodeProperty{UID: "n1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidOp) {
				t.Errorf("expected ErrInvalidOp, got %v", err)
			}
		})
	}
}

func TestIsBoundary(t *testing.T) {
	if !IsBoundary(&TransactionRollback{TxnID: "t"}) {
		t.Error("rollback is a boundary")
	}
	if IsBoundary(&NodeModification{}) {
		t.Error("node modification is not a boundary")
	}
	if id, ok := BoundaryTxn(&TransactionBegin{TxnID: "t9"}); !ok || id != "t9" {
		t.Errorf("BoundaryTxn = %q, %v", id, ok)
	}
}
