package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"revgraph/auth"
	"revgraph/config"
	"revgraph/cursor"
	"revgraph/keys"
	"revgraph/ops"
	"revgraph/proto"
	"revgraph/repo"
)

func newServer(t *testing.T, cfg *config.Config) (*httptest.Server, *Handler) {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	if cfg.MaxPackSize == 0 {
		cfg.MaxPackSize = 1 << 20
	}
	reg := repo.NewRegistry(repo.RegistryConfig{DataDir: cfg.DataDir})
	t.Cleanup(func() { reg.Close() })
	h := NewHandler(reg, cfg, nil)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, h
}

// call sends a JSON request and decodes a JSON response into out.
func call(t *testing.T, method, url, token string, body, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding request: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

type client struct {
	t     *testing.T
	base  string
	token string
}

func (c *client) submit(txn string, id int64, list ...ops.Operation) int {
	req := proto.SubmitRequest{TxnID: txn, SubmitID: id}
	for _, op := range list {
		req.Items = append(req.Items, ops.Wrap(op))
	}
	return call(c.t, "POST", c.base+"/revisions", c.token, req, nil)
}

// commitPeople writes alice, bob, an edge between them and an edge to a
// missing node in one transaction.
func (c *client) commitPeople() {
	c.t.Helper()
	var begin proto.BeginResponse
	if code := call(c.t, "POST", c.base+"/transactions", c.token, nil, &begin); code != http.StatusCreated {
		c.t.Fatalf("begin: expected 201, got %d", code)
	}
	if begin.TxnID == "" || begin.Next != 1 {
		c.t.Fatalf("unexpected begin response: %+v", begin)
	}

	code := c.submit(begin.TxnID, 1,
		&ops.NodeModification{Keys: keys.New("Person", []string{"p1"}, []string{"alice"}), Content: map[string]interface{}{"age": 30}},
		&ops.NodeModification{Keys: keys.New("Person", []string{"p2"}, []string{"bob"})},
	)
	if code != http.StatusCreated {
		c.t.Fatalf("submit batch: expected 201, got %d", code)
	}
	code = c.submit(begin.TxnID, 2,
		&ops.EdgeModification{Keys: keys.Named("KNOWS", "e1"), From: keys.UID("p1"), To: keys.UID("p2")},
	)
	if code != http.StatusCreated {
		c.t.Fatalf("submit edge: expected 201, got %d", code)
	}
	code = c.submit(begin.TxnID, 3,
		&ops.EdgeModification{Keys: keys.Named("KNOWS", "e2"), From: keys.UID("p2"), To: keys.UID("ghost")},
	)
	if code != http.StatusCreated {
		c.t.Fatalf("submit hanging edge: expected 201, got %d", code)
	}
	if code := c.submit(begin.TxnID, 4, &ops.TransactionCommit{TxnID: begin.TxnID}); code != http.StatusCreated {
		c.t.Fatalf("commit: expected 201, got %d", code)
	}
	if code := call(c.t, "POST", c.base+"/replay", c.token, nil, nil); code != http.StatusOK {
		c.t.Fatalf("replay: expected 200, got %d", code)
	}
}

func TestHealth(t *testing.T) {
	cfg := &config.Config{Version: "1.0.0"}
	h := NewHandler(nil, cfg, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	h.Health(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp proto.HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", resp.Status)
	}
	if resp.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %q", resp.Version)
	}
}

func TestReady(t *testing.T) {
	srv, _ := newServer(t, &config.Config{Version: "1.0.0"})

	var resp proto.HealthResponse
	if code := call(t, "GET", srv.URL+"/readyz", "", nil, &resp); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if resp.Status != "ready" {
		t.Errorf("expected status 'ready', got %q", resp.Status)
	}
}

func TestSubmitAndQuery(t *testing.T) {
	srv, _ := newServer(t, &config.Config{})
	c := &client{t: t, base: srv.URL + "/v1/graphs/people/branches/main"}
	c.commitPeople()

	var nodes proto.NodesResponse
	if code := call(t, "GET", c.base+"/nodes?type=Person", "", nil, &nodes); code != http.StatusOK {
		t.Fatalf("nodes: expected 200, got %d", code)
	}
	if len(nodes.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes.Nodes))
	}
	if nodes.Nodes[0].Content["age"] != float64(30) {
		t.Errorf("unexpected content: %v", nodes.Nodes[0].Content)
	}

	var resolved proto.ResolveResponse
	if code := call(t, "GET", c.base+"/nodes/resolve?type=Person&name=bob", "", nil, &resolved); code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d", code)
	}
	if !resolved.Keys.HasUID("p2") {
		t.Errorf("resolved keys missing uid: %v", resolved.Keys)
	}
	if code := call(t, "GET", c.base+"/nodes/resolve?uid=nobody", "", nil, nil); code != http.StatusNotFound {
		t.Errorf("resolve missing: expected 404, got %d", code)
	}

	var edges proto.EdgesResponse
	if code := call(t, "GET", c.base+"/edges?hanging=true", "", nil, &edges); code != http.StatusOK {
		t.Fatalf("edges: expected 200, got %d", code)
	}
	if len(edges.Edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges.Edges))
	}
	if len(edges.Hanging) != 1 || !edges.Hanging[0].ToMissing || edges.Hanging[0].FromMissing {
		t.Errorf("unexpected hanging report: %+v", edges.Hanging)
	}

	var revs proto.RevisionsResponse
	if code := call(t, "GET", c.base+"/revisions", "", nil, &revs); code != http.StatusOK {
		t.Fatalf("revisions: expected 200, got %d", code)
	}
	if len(revs.Containers) != 5 {
		t.Fatalf("expected 5 committed containers, got %d", len(revs.Containers))
	}
	txn := revs.Containers[0].TxnID
	var pending proto.RevisionsResponse
	call(t, "GET", srv.URL+"/v1/graphs/people/transactions/"+txn+"/revisions?uncommitted=true", "", nil, &pending)
	if len(pending.Containers) != 0 {
		t.Errorf("expected no uncommitted containers, got %d", len(pending.Containers))
	}

	var d1, d2 proto.DigestResponse
	call(t, "GET", c.base+"/digest", "", nil, &d1)
	if code := call(t, "POST", c.base+"/replay?full=true", "", nil, nil); code != http.StatusOK {
		t.Fatalf("full replay: expected 200, got %d", code)
	}
	call(t, "GET", c.base+"/digest", "", nil, &d2)
	if d1.Digest == "" || d1.Digest != d2.Digest {
		t.Errorf("digest changed across replays: %q vs %q", d1.Digest, d2.Digest)
	}

	var branches proto.BranchesResponse
	call(t, "GET", srv.URL+"/v1/graphs/people/branches", "", nil, &branches)
	if len(branches.Branches) != 1 || branches.Branches[0] != "main" {
		t.Errorf("unexpected branches: %v", branches.Branches)
	}
}

func TestSubmitErrors(t *testing.T) {
	srv, _ := newServer(t, &config.Config{})
	base := srv.URL + "/v1/graphs/people/branches/main"

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"no txn", proto.SubmitRequest{Items: []ops.Item{ops.Wrap(&ops.NodeModification{Keys: keys.UID("a")})}}, http.StatusBadRequest},
		{"no items", proto.SubmitRequest{TxnID: "t1"}, http.StatusBadRequest},
		{"invalid keys", proto.SubmitRequest{TxnID: "t1", Items: []ops.Item{ops.Wrap(&ops.NodeModification{Keys: keys.Named("", "x")})}}, http.StatusBadRequest},
		{"boundary in batch", proto.SubmitRequest{TxnID: "t1", Items: []ops.Item{
			ops.Wrap(&ops.NodeModification{Keys: keys.UID("a")}),
			ops.Wrap(&ops.TransactionCommit{TxnID: "t1"}),
		}}, http.StatusBadRequest},
		{"malformed", "not json", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := call(t, "POST", base+"/revisions", "", tt.body, nil); code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, code)
			}
		})
	}

	if code := call(t, "GET", srv.URL+"/v1/graphs/missing/branches/main/nodes", "", nil, nil); code != http.StatusNotFound {
		t.Errorf("missing graph: expected 404, got %d", code)
	}
}

func TestGraphAdmin(t *testing.T) {
	srv, _ := newServer(t, &config.Config{})

	if code := call(t, "PUT", srv.URL+"/v1/graphs/alpha", "", nil, nil); code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", code)
	}
	if code := call(t, "PUT", srv.URL+"/v1/graphs/alpha", "", nil, nil); code != http.StatusConflict {
		t.Errorf("create twice: expected 409, got %d", code)
	}
	var list proto.GraphsResponse
	call(t, "GET", srv.URL+"/v1/graphs", "", nil, &list)
	if len(list.Graphs) != 1 || list.Graphs[0] != "alpha" {
		t.Errorf("unexpected graphs: %v", list.Graphs)
	}
	if code := call(t, "DELETE", srv.URL+"/v1/graphs/alpha", "", nil, nil); code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", code)
	}
	if code := call(t, "DELETE", srv.URL+"/v1/graphs/alpha", "", nil, nil); code != http.StatusNotFound {
		t.Errorf("delete twice: expected 404, got %d", code)
	}
}

func TestCursors(t *testing.T) {
	srv, _ := newServer(t, &config.Config{})
	c := &client{t: t, base: srv.URL + "/v1/graphs/people/branches/main"}
	c.commitPeople()

	var snap cursor.Snapshot
	start := proto.CursorStartRequest{Node: keys.UID("p1")}
	if code := call(t, "PUT", c.base+"/cursors/walker", "", start, &snap); code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d", code)
	}
	if snap.Current == nil || !snap.Current.HasUID("p1") {
		t.Fatalf("unexpected start position: %+v", snap)
	}

	move := proto.CursorMoveRequest{Movement: cursor.StepViaFirstEdgeOfType, Type: "KNOWS"}
	if code := call(t, "POST", c.base+"/cursors/walker/moves", "", move, &snap); code != http.StatusOK {
		t.Fatalf("step: expected 200, got %d", code)
	}
	if snap.Current == nil || !snap.Current.HasUID("p2") || snap.Index != 1 {
		t.Fatalf("unexpected position after step: %+v", snap)
	}

	ghost := keys.UID("ghost")
	move = proto.CursorMoveRequest{Movement: cursor.Jump, Node: &ghost}
	var dead cursor.Snapshot
	if code := call(t, "POST", c.base+"/cursors/walker/moves", "", move, &dead); code != http.StatusOK {
		t.Fatalf("jump: expected 200, got %d", code)
	}
	if dead.Current != nil {
		t.Fatalf("expected dead end, got %+v", dead.Current)
	}
	move = proto.CursorMoveRequest{Movement: cursor.StepToFirstNodeOfType, Type: "Person"}
	if code := call(t, "POST", c.base+"/cursors/walker/moves", "", move, nil); code != http.StatusConflict {
		t.Errorf("step from dead end: expected 409, got %d", code)
	}

	move = proto.CursorMoveRequest{Movement: proto.MovementWalk, EdgeTypes: []string{"A", "B"}, NodeTypes: []string{"C"}}
	if code := call(t, "POST", c.base+"/cursors/walker/moves", "", move, nil); code != http.StatusBadRequest {
		t.Errorf("mismatched walk: expected 400, got %d", code)
	}

	var got cursor.Snapshot
	if code := call(t, "GET", c.base+"/cursors/walker", "", nil, &got); code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", code)
	}
	if len(got.History) != 3 {
		t.Errorf("expected 3 history items, got %d", len(got.History))
	}

	var list proto.CursorsResponse
	call(t, "GET", c.base+"/cursors", "", nil, &list)
	if len(list.Cursors) != 1 {
		t.Errorf("expected 1 cursor, got %d", len(list.Cursors))
	}
	if code := call(t, "DELETE", c.base+"/cursors/walker", "", nil, nil); code != http.StatusNoContent {
		t.Errorf("remove: expected 204, got %d", code)
	}
	if code := call(t, "GET", c.base+"/cursors/walker", "", nil, nil); code != http.StatusNotFound {
		t.Errorf("get removed: expected 404, got %d", code)
	}
}

func TestWatchCursors(t *testing.T) {
	srv, _ := newServer(t, &config.Config{})
	c := &client{t: t, base: srv.URL + "/v1/graphs/people/branches/main"}
	c.commitPeople()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/cursors/watch?graph=people"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// An update for another graph must be filtered out.
	other := &client{t: t, base: srv.URL + "/v1/graphs/other/branches/main"}
	other.commitPeople()
	call(t, "PUT", other.base+"/cursors/x", "", proto.CursorStartRequest{Node: keys.UID("p1")}, nil)

	call(t, "PUT", c.base+"/cursors/watched", "", proto.CursorStartRequest{Node: keys.UID("p2")}, nil)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var u cursor.Update
	if err := conn.ReadJSON(&u); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if u.Snapshot.Name != "watched" || u.Snapshot.Scope.Graph != "people" {
		t.Errorf("unexpected update: %+v", u.Snapshot)
	}
}

func TestPackRoundTripOverHTTP(t *testing.T) {
	srv, _ := newServer(t, &config.Config{})
	c := &client{t: t, base: srv.URL + "/v1/graphs/people/branches/main"}
	c.commitPeople()

	resp, err := http.Get(c.base + "/pack")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export: expected 200, got %d", resp.StatusCode)
	}

	target := srv.URL + "/v1/graphs/copy/branches/main"
	resp, err = http.Post(target+"/pack", "application/octet-stream", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	var imported proto.PackImportResponse
	json.NewDecoder(resp.Body).Decode(&imported)
	resp.Body.Close()
	if imported.Imported != 5 {
		t.Fatalf("expected 5 imported containers, got %d", imported.Imported)
	}

	call(t, "POST", target+"/replay", "", nil, nil)
	var d1, d2 proto.DigestResponse
	call(t, "GET", c.base+"/digest", "", nil, &d1)
	call(t, "GET", target+"/digest", "", nil, &d2)
	if d1.Digest != d2.Digest {
		t.Errorf("imported graph differs: %s vs %s", d1.Digest, d2.Digest)
	}

	resp, err = http.Post(target+"/pack", "application/octet-stream", strings.NewReader("garbage"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("garbage pack: expected 400, got %d", resp.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	cfg := &config.Config{AuthSecret: "s3cret", TokenTTL: time.Hour}
	srv, _ := newServer(t, cfg)
	tokens := auth.NewTokenService([]byte("s3cret"), "test", time.Hour)
	reader, _ := tokens.GenerateToken("viewer", nil, []string{auth.ScopeRead})
	writer, _ := tokens.GenerateToken("ci", []string{"people"}, []string{auth.ScopeWrite})

	base := srv.URL + "/v1/graphs/people/branches/main"
	if code := call(t, "GET", srv.URL+"/health", "", nil, nil); code != http.StatusOK {
		t.Errorf("health must not require auth, got %d", code)
	}
	if code := call(t, "POST", base+"/transactions", "", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", code)
	}
	if code := call(t, "POST", base+"/transactions", "bogus", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", code)
	}
	if code := call(t, "POST", base+"/transactions", reader, nil, nil); code != http.StatusForbidden {
		t.Errorf("read token writing: expected 403, got %d", code)
	}
	if code := call(t, "POST", base+"/transactions", writer, nil, nil); code != http.StatusCreated {
		t.Errorf("write token: expected 201, got %d", code)
	}
	if code := call(t, "POST", srv.URL+"/v1/graphs/other/branches/main/transactions", writer, nil, nil); code != http.StatusForbidden {
		t.Errorf("graph outside token: expected 403, got %d", code)
	}
	if code := call(t, "GET", base+"/nodes", reader, nil, nil); code != http.StatusOK {
		t.Errorf("read token reading: expected 200, got %d", code)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{repo.ErrGraphNotFound, http.StatusNotFound},
		{repo.ErrGraphExists, http.StatusConflict},
		{cursor.ErrCursorReused, http.StatusConflict},
		{keys.ErrInvalidKeys, http.StatusBadRequest},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
