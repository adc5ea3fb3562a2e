package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"revgraph/ops"
	"revgraph/pack"
	"revgraph/proto"
	"revgraph/revlog"
)

// ----- Transactions -----

// BeginTransaction opens a transaction with a server-generated id.
func (h *Handler) BeginTransaction(w http.ResponseWriter, r *http.Request) {
	gh := GraphFrom(r.Context())
	txn, err := gh.Log.Begin(r.Context(), gh.Graph, r.PathValue("branch"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proto.BeginResponse{TxnID: txn.ID, Next: txn.NextSubmitID()})
}

// Submit stores one item, or several items as a batch container.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	gh := GraphFrom(r.Context())
	branch := r.PathValue("branch")

	var req proto.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.TxnID == "" {
		writeError(w, http.StatusBadRequest, "txnId required", nil)
		return
	}

	var err error
	switch len(req.Items) {
	case 0:
		writeError(w, http.StatusBadRequest, "no items", nil)
		return
	case 1:
		err = gh.Log.Submit(r.Context(), gh.Graph, branch, req.TxnID, req.SubmitID, req.Items[0].Op)
	default:
		list := make([]ops.Operation, len(req.Items))
		for i, it := range req.Items {
			list[i] = it.Op
		}
		err = gh.Log.SubmitBatch(r.Context(), gh.Graph, branch, req.TxnID, req.SubmitID, list)
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, proto.SubmitResponse{
		TxnID:    req.TxnID,
		SubmitID: req.SubmitID,
		Items:    len(req.Items),
	})
}

// CommittedRevisions lists committed containers in replay order, optionally
// after the position given by after_date, after_submit and after_id.
func (h *Handler) CommittedRevisions(w http.ResponseWriter, r *http.Request) {
	gh := GraphFrom(r.Context())
	scope := scopeOf(r)

	q := r.URL.Query()
	var pos revlog.Position
	if v := q.Get("after_date"); v != "" {
		var err error
		if pos.DateCommitted, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_date", err)
			return
		}
		if v := q.Get("after_submit"); v != "" {
			if pos.TxnSubmitID, err = strconv.ParseInt(v, 10, 64); err != nil {
				writeError(w, http.StatusBadRequest, "invalid after_submit", err)
				return
			}
		}
		pos.UniqueID = q.Get("after_id")
	}

	cs, err := gh.Log.CommittedAfter(r.Context(), scope.Graph, scope.Branch, pos)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeContainers(w, cs)
}

// TransactionRevisions lists the containers of a transaction in submit order.
func (h *Handler) TransactionRevisions(w http.ResponseWriter, r *http.Request) {
	gh := GraphFrom(r.Context())
	txn := r.PathValue("txn")

	var (
		cs  []*revlog.Container
		err error
	)
	if parseBool(r, "uncommitted") {
		cs, err = gh.Log.Uncommitted(r.Context(), txn)
	} else {
		cs, err = gh.Log.ForTransaction(r.Context(), txn)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeContainers(w, cs)
}

func writeContainers(w http.ResponseWriter, cs []*revlog.Container) {
	if cs == nil {
		cs = []*revlog.Container{}
	}
	writeJSON(w, http.StatusOK, proto.RevisionsResponse{Containers: cs})
}

// ----- Replay -----

// Replay materializes a branch. Without full=true only containers after the
// checkpoint are applied.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	gh := GraphFrom(r.Context())
	scope := scopeOf(r)
	full := parseBool(r, "full")

	resp := proto.ReplayResponse{Full: full}
	stats, err := replay(r, gh.Player, scope, full)
	if err != nil {
		h.logger.Error("replay failed", "scope", scope.String(), "error", err)
		writeErr(w, err)
		return
	}
	resp.Containers = stats.Containers
	resp.Items = stats.Items
	resp.Rebuilt = stats.Rebuilt
	resp.Skipped = stats.Skipped
	resp.Last = stats.Last
	writeJSON(w, http.StatusOK, resp)
}

// ----- Packs -----

// ExportPack streams the committed history of a branch as a revision pack.
func (h *Handler) ExportPack(w http.ResponseWriter, r *http.Request) {
	gh := GraphFrom(r.Context())
	scope := scopeOf(r)

	data, n, err := pack.Export(r.Context(), gh.Log, scope)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", scope.Graph+"-"+scope.Branch+".pack"))
	w.Header().Set("X-Pack-Containers", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ImportPack inserts the containers of an uploaded pack into the branch.
func (h *Handler) ImportPack(w http.ResponseWriter, r *http.Request) {
	gh := GraphFrom(r.Context())
	scope := scopeOf(r)

	n, err := pack.Import(r.Context(), gh.Log, scope, r.Body, h.cfg.MaxPackSize)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.logger.Info("pack imported", "scope", scope.String(), "containers", n)
	writeJSON(w, http.StatusOK, proto.PackImportResponse{Imported: n})
}
