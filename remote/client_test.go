package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"revgraph/api"
	"revgraph/config"
	"revgraph/keys"
	"revgraph/ops"
	"revgraph/proto"
	"revgraph/repo"
)

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:7450", "people", "main")
	if client == nil {
		t.Fatal("NewClient returned nil")
	}
	if client.BaseURL != "http://localhost:7450" {
		t.Errorf("expected BaseURL 'http://localhost:7450', got %q", client.BaseURL)
	}
	if client.branchPath() != "/v1/graphs/people/branches/main" {
		t.Errorf("unexpected branch path %q", client.branchPath())
	}
	if client.HTTPClient == nil {
		t.Error("HTTPClient not initialized")
	}
}

func TestClient_SendsToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/graphs/g/branches/b/digest" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		json.NewEncoder(w).Encode(proto.DigestResponse{Digest: "abcd"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "g", "b")
	client.AuthToken = "tok"
	d, err := client.Digest(context.Background())
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if d != "abcd" {
		t.Errorf("expected digest abcd, got %q", d)
	}
}

func TestClient_ParseError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(proto.ErrorResponse{Error: "Not Found", Code: "not_found", Details: "graph not found"})
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "g", "b").Nodes(context.Background(), "")
	if !IsNotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if err.Error() != "Not Found: graph not found" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := repo.NewRegistry(repo.RegistryConfig{DataDir: t.TempDir()})
	t.Cleanup(func() { reg.Close() })
	cfg := &config.Config{Version: "test", MaxPackSize: 1 << 20}
	srv := httptest.NewServer(api.NewRouter(reg, cfg, nil))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_AgainstServer(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	client := NewClient(srv.URL, "people", "main")

	if err := client.Health(ctx); err != nil {
		t.Fatalf("Health failed: %v", err)
	}

	txn, err := client.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	err = txn.SubmitBatch(ctx, []ops.Operation{
		&ops.NodeModification{Keys: keys.New("Person", []string{"p1"}, []string{"alice"})},
		&ops.NodeModification{Keys: keys.New("Person", []string{"p2"}, []string{"bob"})},
	})
	if err != nil {
		t.Fatalf("SubmitBatch failed: %v", err)
	}
	if err := txn.Submit(ctx, &ops.EdgeModification{Keys: keys.UID("e1"), From: keys.UID("p1"), To: keys.UID("p3")}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	pending, err := client.Transaction(ctx, txn.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 uncommitted containers, got %d", len(pending))
	}

	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	stats, err := client.Replay(ctx, false)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if stats.Containers != 4 {
		t.Errorf("expected 4 replayed containers, got %d", stats.Containers)
	}

	nodes, err := client.Nodes(ctx, "Person")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Errorf("expected 2 nodes, got %d", len(nodes))
	}

	res, err := client.Resolve(ctx, keys.Named("Person", "alice"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !res.Keys.HasUID("p1") {
		t.Errorf("resolved keys missing uid: %v", res.Keys)
	}

	edges, err := client.Edges(ctx, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(edges.Hanging) != 1 || !edges.Hanging[0].ToMissing {
		t.Errorf("expected one hanging edge, got %+v", edges.Hanging)
	}

	branches, err := client.Branches(ctx)
	if err != nil || len(branches) != 1 {
		t.Errorf("Branches = %v, %v", branches, err)
	}
	graphs, err := client.Graphs(ctx)
	if err != nil || len(graphs) != 1 || graphs[0] != "people" {
		t.Errorf("Graphs = %v, %v", graphs, err)
	}

	data, err := client.ExportPack(ctx)
	if err != nil {
		t.Fatalf("ExportPack failed: %v", err)
	}
	copyClient := NewClient(srv.URL, "people", "copy")
	n, err := copyClient.ImportPack(ctx, data)
	if err != nil {
		t.Fatalf("ImportPack failed: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 imported containers, got %d", n)
	}
	if _, err := copyClient.Replay(ctx, true); err != nil {
		t.Fatal(err)
	}
	d1, _ := client.Digest(ctx)
	d2, _ := copyClient.Digest(ctx)
	if d1 == "" || d1 != d2 {
		t.Errorf("digests differ: %q vs %q", d1, d2)
	}

	if _, err := NewClient(srv.URL, "missing", "main").Nodes(ctx, ""); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestTxnRollback(t *testing.T) {
	ctx := context.Background()
	client := NewClient(newServer(t).URL, "people", "main")

	txn, err := client.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Submit(ctx, &ops.NodeModification{Keys: keys.UID("x")}); err != nil {
		t.Fatal(err)
	}
	if err := txn.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	cs, err := client.Transaction(ctx, txn.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 0 {
		t.Errorf("expected rolled back transaction to be empty, got %d containers", len(cs))
	}
}
