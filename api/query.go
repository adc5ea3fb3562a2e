package api

import (
	"context"
	"net/http"

	"revgraph/cas"
	"revgraph/graph"
	"revgraph/keys"
	"revgraph/player"
	"revgraph/proto"
)

func replay(r *http.Request, p *player.Player, scope graph.Scope, full bool) (player.Stats, error) {
	if full {
		return p.Replay(r.Context(), scope)
	}
	return p.ReplayIncremental(r.Context(), scope)
}

func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	gh := GraphFrom(r.Context())
	nodes, err := gh.View(r.PathValue("branch")).Nodes(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if nodes == nil {
		nodes = []*graph.Node{}
	}
	writeJSON(w, http.StatusOK, proto.NodesResponse{Nodes: nodes})
}

// ResolveNode finds the node referenced by uid, type and name parameters
// and returns it with its complete keyset.
func (h *Handler) ResolveNode(w http.ResponseWriter, r *http.Request) {
	gh := GraphFrom(r.Context())
	q := r.URL.Query()
	k := keys.New(q.Get("type"), q["uid"], q["name"])
	if err := k.Validate(); err != nil {
		writeErr(w, err)
		return
	}

	view := gh.View(r.PathValue("branch"))
	n, err := view.FindNode(r.Context(), k)
	if err != nil {
		writeErr(w, err)
		return
	}
	full, err := view.ResolveNode(r.Context(), k)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.ResolveResponse{Node: n, Keys: full})
}

// ListEdges lists edges. With hanging=true every edge with a missing
// endpoint is reported.
func (h *Handler) ListEdges(w http.ResponseWriter, r *http.Request) {
	gh := GraphFrom(r.Context())
	view := gh.View(r.PathValue("branch"))
	edges, err := view.Edges(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if edges == nil {
		edges = []*graph.Edge{}
	}

	resp := proto.EdgesResponse{Edges: edges}
	if parseBool(r, "hanging") {
		resp.Hanging, err = hangingOf(r.Context(), view, edges)
		if err != nil {
			writeErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func hangingOf(ctx context.Context, view *graph.View, edges []*graph.Edge) ([]proto.HangingEntry, error) {
	var out []proto.HangingEntry
	for _, e := range edges {
		hg, err := view.CheckHanging(ctx, e)
		if err != nil {
			return nil, err
		}
		if hg.FromMissing || hg.ToMissing {
			out = append(out, proto.HangingEntry{EdgeID: e.ID, FromMissing: hg.FromMissing, ToMissing: hg.ToMissing})
		}
	}
	return out, nil
}

func (h *Handler) Digest(w http.ResponseWriter, r *http.Request) {
	gh := GraphFrom(r.Context())
	sum, err := gh.View(r.PathValue("branch")).StateDigest(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.DigestResponse{Digest: cas.BytesToHex(sum)})
}
