// Package remote provides a client for the revgraph HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"revgraph/graph"
	"revgraph/keys"
	"revgraph/ops"
	"revgraph/proto"
	"revgraph/revlog"
)

// DefaultServer is used when no server is configured. It can be overridden
// via the REVGRAPH_SERVER environment variable.
const DefaultServer = "http://localhost:7450"

// Client talks to one branch of one graph on a revgraph server.
type Client struct {
	BaseURL    string
	Graph      string
	Branch     string
	HTTPClient *http.Client
	AuthToken  string
}

// NewClient creates a new client.
// baseURL should be the server base (e.g., http://localhost:7450).
func NewClient(baseURL, graphID, branch string) *Client {
	return &Client{
		BaseURL: baseURL,
		Graph:   graphID,
		Branch:  branch,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("server error: %d", e.StatusCode)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	e, ok := err.(*APIError)
	return ok && e.StatusCode == http.StatusNotFound
}

func (c *Client) graphPath() string {
	return "/v1/graphs/" + url.PathEscape(c.Graph)
}

func (c *Client) branchPath() string {
	return c.graphPath() + "/branches/" + url.PathEscape(c.Branch)
}

// --- Transactions ---

// Txn is a transaction opened on the server. Not safe for concurrent use.
type Txn struct {
	c    *Client
	ID   string
	next int64
}

// Begin opens a transaction with a server-generated id.
func (c *Client) Begin(ctx context.Context) (*Txn, error) {
	var resp proto.BeginResponse
	if err := c.do(ctx, "POST", c.branchPath()+"/transactions", nil, &resp); err != nil {
		return nil, err
	}
	return &Txn{c: c, ID: resp.TxnID, next: resp.Next}, nil
}

// Resume returns a handle on an open transaction whose next submit id is
// next.
func (c *Client) Resume(txnID string, next int64) *Txn {
	return &Txn{c: c, ID: txnID, next: next}
}

// Submit stores one operation.
func (t *Txn) Submit(ctx context.Context, op ops.Operation) error {
	return t.SubmitBatch(ctx, []ops.Operation{op})
}

// SubmitBatch stores several operations as one container.
func (t *Txn) SubmitBatch(ctx context.Context, list []ops.Operation) error {
	if len(list) == 0 {
		return nil
	}
	if err := t.c.Submit(ctx, t.ID, t.next, list...); err != nil {
		return err
	}
	t.next++
	return nil
}

// Commit submits TransactionCommit.
func (t *Txn) Commit(ctx context.Context) error {
	return t.Submit(ctx, &ops.TransactionCommit{TxnID: t.ID})
}

// Rollback submits TransactionRollback.
func (t *Txn) Rollback(ctx context.Context) error {
	return t.Submit(ctx, &ops.TransactionRollback{TxnID: t.ID})
}

// Submit sends one or more operations with an explicit transaction and
// submit id.
func (c *Client) Submit(ctx context.Context, txnID string, submitID int64, list ...ops.Operation) error {
	req := proto.SubmitRequest{TxnID: txnID, SubmitID: submitID}
	for _, op := range list {
		req.Items = append(req.Items, ops.Wrap(op))
	}
	return c.do(ctx, "POST", c.branchPath()+"/revisions", req, nil)
}

// --- Revisions ---

// Committed returns the committed containers of the branch in replay order.
func (c *Client) Committed(ctx context.Context) ([]*revlog.Container, error) {
	var resp proto.RevisionsResponse
	if err := c.do(ctx, "GET", c.branchPath()+"/revisions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Containers, nil
}

// Transaction returns the containers of a transaction in submit order.
func (c *Client) Transaction(ctx context.Context, txnID string, uncommittedOnly bool) ([]*revlog.Container, error) {
	path := c.graphPath() + "/transactions/" + url.PathEscape(txnID) + "/revisions"
	if uncommittedOnly {
		path += "?uncommitted=true"
	}
	var resp proto.RevisionsResponse
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Containers, nil
}

// Replay materializes the branch on the server.
func (c *Client) Replay(ctx context.Context, full bool) (*proto.ReplayResponse, error) {
	path := c.branchPath() + "/replay"
	if full {
		path += "?full=true"
	}
	var resp proto.ReplayResponse
	if err := c.do(ctx, "POST", path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Queries ---

// Nodes lists nodes whose type matches the glob pattern.
func (c *Client) Nodes(ctx context.Context, typePattern string) ([]*graph.Node, error) {
	var resp proto.NodesResponse
	if err := c.do(ctx, "GET", c.branchPath()+"/nodes"+query("type", typePattern), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// Resolve returns the node referenced by k and its complete keyset.
func (c *Client) Resolve(ctx context.Context, k keys.EntityKeys) (*proto.ResolveResponse, error) {
	v := url.Values{}
	if k.Type != "" {
		v.Set("type", k.Type)
	}
	for _, u := range k.UIDs {
		v.Add("uid", u)
	}
	for _, n := range k.Names {
		v.Add("name", n)
	}
	var resp proto.ResolveResponse
	if err := c.do(ctx, "GET", c.branchPath()+"/nodes/resolve?"+v.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Edges lists edges whose type matches the glob pattern, with a report of
// hanging edges when requested.
func (c *Client) Edges(ctx context.Context, typePattern string, hanging bool) (*proto.EdgesResponse, error) {
	v := url.Values{}
	if typePattern != "" {
		v.Set("type", typePattern)
	}
	if hanging {
		v.Set("hanging", "true")
	}
	path := c.branchPath() + "/edges"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var resp proto.EdgesResponse
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Digest returns the hex state digest of the branch.
func (c *Client) Digest(ctx context.Context) (string, error) {
	var resp proto.DigestResponse
	if err := c.do(ctx, "GET", c.branchPath()+"/digest", nil, &resp); err != nil {
		return "", err
	}
	return resp.Digest, nil
}

// Branches lists the branches of the graph.
func (c *Client) Branches(ctx context.Context) ([]string, error) {
	var resp proto.BranchesResponse
	if err := c.do(ctx, "GET", c.graphPath()+"/branches", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Branches, nil
}

// Graphs lists the graphs on the server.
func (c *Client) Graphs(ctx context.Context) ([]string, error) {
	var resp proto.GraphsResponse
	if err := c.do(ctx, "GET", "/v1/graphs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Graphs, nil
}

// --- Packs ---

// ExportPack downloads the committed history of the branch as a pack.
func (c *Client) ExportPack(ctx context.Context) ([]byte, error) {
	resp, err := c.send(ctx, "GET", c.branchPath()+"/pack", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}
	return io.ReadAll(resp.Body)
}

// ImportPack uploads a pack into the branch.
func (c *Client) ImportPack(ctx context.Context, data []byte) (int, error) {
	resp, err := c.send(ctx, "POST", c.branchPath()+"/pack", bytes.NewReader(data), "application/octet-stream")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, parseError(resp)
	}
	var result proto.PackImportResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decoding response: %w", err)
	}
	return result.Imported, nil
}

// Health checks if the server is healthy.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.send(ctx, "GET", "/health", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// --- Helper methods ---

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.send(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return resp, nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	e := &APIError{StatusCode: resp.StatusCode}
	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		e.Code = errResp.Code
		e.Message = errResp.Error
		e.Details = errResp.Details
		return e
	}
	e.Message = "server error: " + strconv.Itoa(resp.StatusCode) + " " + string(bytes.TrimSpace(body))
	return e
}

func query(name, value string) string {
	if value == "" {
		return ""
	}
	return "?" + url.Values{name: {value}}.Encode()
}
