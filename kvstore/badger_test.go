package kvstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"revgraph/graph"
	"revgraph/storetest"
)

func TestOpenGraphDB(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "revgraph-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	db, err := OpenGraphDB(tmpDir, "people")
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
	db.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, "people", DirName)); os.IsNotExist(err) {
		t.Errorf("expected badger directory")
	}
	if err := db.Ping(context.Background()); err == nil {
		t.Errorf("expected ping to fail after close")
	}
}

func TestOrderedKeys(t *testing.T) {
	vals := []int64{-5, -1, 0, 1, 2, 1 << 40}
	for i := 1; i < len(vals); i++ {
		if bytes.Compare(ordered(vals[i-1]), ordered(vals[i])) >= 0 {
			t.Errorf("ordered(%d) does not sort before ordered(%d)", vals[i-1], vals[i])
		}
	}
}

func TestScopePrefixesDoNotOverlap(t *testing.T) {
	a := graph.Scope{Graph: "g", Branch: "main"}
	b := graph.Scope{Graph: "g", Branch: "mainline"}
	if bytes.HasPrefix(entityKey("n", b, "node/1"), prefix([]byte("n"), []byte(a.String()))) {
		t.Error("scope prefix matches a longer branch name")
	}
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		db, err := Open(t.TempDir())
		if err != nil {
			t.Fatalf("failed to open db: %v", err)
		}
		return db
	})
}
