// Package api provides the HTTP API for revgraph.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/websocket"

	"revgraph/auth"
	"revgraph/config"
	"revgraph/cursor"
	"revgraph/graph"
	"revgraph/keys"
	"revgraph/merge"
	"revgraph/ops"
	"revgraph/pack"
	"revgraph/player"
	"revgraph/proto"
	"revgraph/repo"
	"revgraph/revlog"
)

// Handler wraps the registry and config for HTTP handlers.
type Handler struct {
	reg      *repo.Registry
	cfg      *config.Config
	cursors  *cursor.Registry
	tokens   *auth.TokenService
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new API handler. Authentication is enabled when the
// config carries an auth secret.
func NewHandler(reg *repo.Registry, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{
		reg:     reg,
		cfg:     cfg,
		cursors: cursor.NewRegistry(logger),
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	if cfg.AuthSecret != "" {
		h.tokens = auth.NewTokenService([]byte(cfg.AuthSecret), "revgraphd", cfg.TokenTTL)
	}
	return h
}

// Cursors returns the cursor registry served by the handler.
func (h *Handler) Cursors() *cursor.Registry {
	return h.cursors
}

// NewRouter creates the HTTP router with all routes registered.
func NewRouter(reg *repo.Registry, cfg *config.Config, logger *slog.Logger) http.Handler {
	return NewHandler(reg, cfg, logger).Routes()
}

// Routes registers every route. The websocket stream bypasses the timeout
// and gzip middleware, which cannot hijack connections.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	read := func(create bool, fn http.HandlerFunc) http.Handler {
		return WithAuth(h.tokens, auth.ScopeRead)(WithGraph(h.reg, create, h.logger)(fn))
	}
	write := func(create bool, fn http.HandlerFunc) http.Handler {
		return WithAuth(h.tokens, auth.ScopeWrite)(WithGraph(h.reg, create, h.logger)(fn))
	}

	// Health (no graph needed)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)

	// Graphs
	mux.Handle("GET /v1/graphs", WithAuth(h.tokens, auth.ScopeRead)(http.HandlerFunc(h.ListGraphs)))
	mux.Handle("PUT /v1/graphs/{graph}", WithAuth(h.tokens, auth.ScopeWrite)(http.HandlerFunc(h.CreateGraph)))
	mux.Handle("DELETE /v1/graphs/{graph}", WithAuth(h.tokens, auth.ScopeWrite)(http.HandlerFunc(h.DeleteGraph)))
	mux.Handle("GET /v1/graphs/{graph}/branches", read(false, h.ListBranches))

	// Revision log
	mux.Handle("POST /v1/graphs/{graph}/branches/{branch}/transactions", write(true, h.BeginTransaction))
	mux.Handle("POST /v1/graphs/{graph}/branches/{branch}/revisions", write(true, h.Submit))
	mux.Handle("GET /v1/graphs/{graph}/branches/{branch}/revisions", read(false, h.CommittedRevisions))
	mux.Handle("GET /v1/graphs/{graph}/transactions/{txn}/revisions", read(false, h.TransactionRevisions))
	mux.Handle("POST /v1/graphs/{graph}/branches/{branch}/replay", write(false, h.Replay))

	// Packs
	mux.Handle("GET /v1/graphs/{graph}/branches/{branch}/pack", read(false, h.ExportPack))
	mux.Handle("POST /v1/graphs/{graph}/branches/{branch}/pack", write(true, h.ImportPack))

	// Materialized graph
	mux.Handle("GET /v1/graphs/{graph}/branches/{branch}/nodes", read(false, h.ListNodes))
	mux.Handle("GET /v1/graphs/{graph}/branches/{branch}/nodes/resolve", read(false, h.ResolveNode))
	mux.Handle("GET /v1/graphs/{graph}/branches/{branch}/edges", read(false, h.ListEdges))
	mux.Handle("GET /v1/graphs/{graph}/branches/{branch}/digest", read(false, h.Digest))

	// Cursors
	mux.Handle("GET /v1/graphs/{graph}/branches/{branch}/cursors", read(false, h.ListCursors))
	mux.Handle("PUT /v1/graphs/{graph}/branches/{branch}/cursors/{name}", read(false, h.StartCursor))
	mux.Handle("GET /v1/graphs/{graph}/branches/{branch}/cursors/{name}", read(false, h.GetCursor))
	mux.Handle("DELETE /v1/graphs/{graph}/branches/{branch}/cursors/{name}", read(false, h.RemoveCursor))
	mux.Handle("POST /v1/graphs/{graph}/branches/{branch}/cursors/{name}/moves", read(false, h.MoveCursor))

	root := http.NewServeMux()
	root.Handle("GET /v1/cursors/watch", LoggingMiddleware(h.logger)(
		WithAuth(h.tokens, auth.ScopeRead)(http.HandlerFunc(h.WatchCursors))))
	root.Handle("/", WithDefaults(mux, h.logger))
	return root
}

// ----- Health -----

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:  "ok",
		Version: h.cfg.Version,
	})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, err := os.Stat(h.cfg.DataDir); err != nil && !os.IsNotExist(err) {
		writeError(w, http.StatusServiceUnavailable, "data dir unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:  "ready",
		Version: h.cfg.Version,
	})
}

// ----- Graphs -----

func (h *Handler) ListGraphs(w http.ResponseWriter, r *http.Request) {
	names, err := h.reg.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list graphs", err)
		return
	}
	claims := ClaimsFrom(r.Context())
	out := make([]string, 0, len(names))
	for _, n := range names {
		if claims == nil || claims.AllowsGraph(n) {
			out = append(out, n)
		}
	}
	writeJSON(w, http.StatusOK, proto.GraphsResponse{Graphs: out})
}

func (h *Handler) CreateGraph(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("graph")
	if _, err := h.reg.Create(r.Context(), name); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proto.GraphsResponse{Graphs: []string{name}})
}

func (h *Handler) DeleteGraph(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Delete(r.Context(), r.PathValue("graph")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListBranches(w http.ResponseWriter, r *http.Request) {
	gh := GraphFrom(r.Context())
	branches, err := gh.Backend.Branches(r.Context(), gh.Graph)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list branches", err)
		return
	}
	if branches == nil {
		branches = []string{}
	}
	writeJSON(w, http.StatusOK, proto.BranchesResponse{Graph: gh.Graph, Branches: branches})
}

// scopeOf returns the graph branch addressed by the request.
func scopeOf(r *http.Request) graph.Scope {
	return graph.Scope{Graph: r.PathValue("graph"), Branch: r.PathValue("branch")}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := proto.ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// writeErr maps a domain error to a status code and error code.
func writeErr(w http.ResponseWriter, err error) {
	status, code := classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(status),
		Code:    code,
		Details: err.Error(),
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, repo.ErrGraphNotFound),
		errors.Is(err, graph.ErrNotFound),
		errors.Is(err, cursor.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, repo.ErrGraphExists):
		return http.StatusConflict, "exists"
	case errors.Is(err, cursor.ErrCursorReused):
		return http.StatusConflict, "cursor_reused"
	case errors.Is(err, cursor.ErrAmbiguousDestination):
		return http.StatusConflict, "ambiguous_destination"
	case errors.Is(err, cursor.ErrDeadEnd):
		return http.StatusConflict, "dead_end"
	case errors.Is(err, pack.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, repo.ErrInvalidName),
		errors.Is(err, graph.ErrInvalidScope),
		errors.Is(err, keys.ErrInvalidKeys),
		errors.Is(err, ops.ErrInvalidOp),
		errors.Is(err, ops.ErrUnknownType),
		errors.Is(err, merge.ErrUnknownPolicy),
		errors.Is(err, revlog.ErrValidation),
		errors.Is(err, revlog.ErrBoundaryInBatch),
		errors.Is(err, cursor.ErrInvalidPath),
		errors.Is(err, pack.ErrFormat),
		errors.Is(err, pack.ErrDigestMismatch):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, player.ErrHangingEdge),
		errors.Is(err, player.ErrNodeNotFound),
		errors.Is(err, player.ErrImportCycle),
		errors.Is(err, merge.ErrModel):
		return http.StatusUnprocessableEntity, "replay_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// parseBool reads a boolean query parameter; anything but "true" or "1" is
// false.
func parseBool(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	return v == "true" || v == "1"
}
