// Package export renders a materialized graph branch for people and tools.
// Exporters only read; hanging edges are flagged in every format.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"revgraph/graph"
	"revgraph/keys"
	"revgraph/proto"
)

// Format specifies how to render a graph.
type Format int

const (
	// FormatASCII lists nodes with their outgoing edges
	FormatASCII Format = iota
	// FormatJSON outputs structured JSON
	FormatJSON
	// FormatGDF outputs the GUESS graph format read by Gephi
	FormatGDF
)

// ParseFormat maps a format name to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "", "ascii", "text":
		return FormatASCII, nil
	case "json":
		return FormatJSON, nil
	case "gdf":
		return FormatGDF, nil
	default:
		return 0, fmt.Errorf("unknown export format %q", name)
	}
}

// Graph is the exported state of one branch.
type Graph struct {
	Scope   graph.Scope          `json:"scope"`
	Nodes   []*graph.Node        `json:"nodes"`
	Edges   []*graph.Edge        `json:"edges"`
	Hanging []proto.HangingEntry `json:"hanging,omitempty"`
}

// Load reads nodes and edges of a branch whose types match the glob
// patterns and checks every edge for missing endpoints.
func Load(ctx context.Context, v *graph.View, nodeType, edgeType string) (*Graph, error) {
	nodes, err := v.Nodes(ctx, nodeType)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	edges, err := v.Edges(ctx, edgeType)
	if err != nil {
		return nil, fmt.Errorf("listing edges: %w", err)
	}
	g := &Graph{Scope: v.Scope(), Nodes: nodes, Edges: edges}
	for _, e := range edges {
		h, err := v.CheckHanging(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("checking edge %s: %w", e.ID, err)
		}
		if h.FromMissing || h.ToMissing {
			g.Hanging = append(g.Hanging, proto.HangingEntry{EdgeID: e.ID, FromMissing: h.FromMissing, ToMissing: h.ToMissing})
		}
	}
	return g, nil
}

// Write renders g to w.
func Write(w io.Writer, g *Graph, format Format) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, g)
	case FormatGDF:
		return writeGDF(w, g)
	default:
		return writeASCII(w, g)
	}
}

func (g *Graph) hanging(edgeID string) (proto.HangingEntry, bool) {
	for _, h := range g.Hanging {
		if h.EdgeID == edgeID {
			return h, true
		}
	}
	return proto.HangingEntry{}, false
}

// nodeFor returns the oldest exported node referring to k.
func (g *Graph) nodeFor(k keys.EntityKeys) *graph.Node {
	var best *graph.Node
	for _, n := range g.Nodes {
		if keys.SameEntity(n.Keys, k) && (best == nil || n.Seq < best.Seq) {
			best = n
		}
	}
	return best
}

// label picks a short human name for a keyset.
func label(k keys.EntityKeys) string {
	if len(k.Names) > 0 {
		return k.Names[0]
	}
	if len(k.UIDs) > 0 {
		return k.UIDs[0]
	}
	return "?"
}

func writeJSON(w io.Writer, g *Graph) error {
	out := *g
	if out.Nodes == nil {
		out.Nodes = []*graph.Node{}
	}
	if out.Edges == nil {
		out.Edges = []*graph.Edge{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeASCII(w io.Writer, g *Graph) error {
	fmt.Fprintf(w, "%s: %d nodes, %d edges", g.Scope, len(g.Nodes), len(g.Edges))
	if len(g.Hanging) > 0 {
		fmt.Fprintf(w, " (%d hanging)", len(g.Hanging))
	}
	fmt.Fprintln(w)

	outgoing := make(map[string][]*graph.Edge)
	var orphans []*graph.Edge
	for _, e := range g.Edges {
		if n := g.nodeFor(e.From); n != nil {
			outgoing[n.ID] = append(outgoing[n.ID], e)
		} else {
			orphans = append(orphans, e)
		}
	}

	for _, n := range g.Nodes {
		fmt.Fprintf(w, "\n[%s] %s %s", n.Keys.Type, label(n.Keys), n.Keys)
		if len(n.Content) > 0 {
			fmt.Fprintf(w, " %s", content(n.Content))
		}
		fmt.Fprintln(w)
		edges := outgoing[n.ID]
		for i, e := range edges {
			branch := "├─"
			if i == len(edges)-1 {
				branch = "└─"
			}
			fmt.Fprintf(w, "  %s%s─> %s%s\n", branch, e.Keys.Type, g.target(e), g.flag(e))
		}
	}

	if len(orphans) > 0 {
		fmt.Fprintln(w, "\nedges from missing nodes:")
		for _, e := range orphans {
			fmt.Fprintf(w, "  %s ─%s─> %s%s\n", e.From, e.Keys.Type, g.target(e), g.flag(e))
		}
	}
	return nil
}

func (g *Graph) target(e *graph.Edge) string {
	if n := g.nodeFor(e.To); n != nil {
		return label(n.Keys)
	}
	return e.To.String()
}

func (g *Graph) flag(e *graph.Edge) string {
	h, ok := g.hanging(e.ID)
	if !ok {
		return ""
	}
	switch {
	case h.FromMissing && h.ToMissing:
		return "  [hanging: both ends missing]"
	case h.FromMissing:
		return "  [hanging: from missing]"
	default:
		return "  [hanging: to missing]"
	}
}

// content renders node content with sorted keys.
func content(c map[string]interface{}) string {
	names := make([]string, 0, len(c))
	for k := range c {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s=%v", k, c[k])
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// writeGDF writes nodes and edges as GDF tables. Endpoints that are not
// exported nodes become placeholder nodes typed HANGING or EXTERNAL.
func writeGDF(w io.Writer, g *Graph) error {
	type row struct{ id, label, typ string }
	var rows []row
	for _, n := range g.Nodes {
		rows = append(rows, row{n.ID, label(n.Keys), n.Keys.Type})
	}

	placeholders := make(map[string]bool)
	endpoint := func(k keys.EntityKeys, missing bool) string {
		if n := g.nodeFor(k); n != nil {
			return n.ID
		}
		id := k.String()
		if !placeholders[id] {
			placeholders[id] = true
			typ := "EXTERNAL"
			if missing {
				typ = "HANGING"
			}
			rows = append(rows, row{id, label(k), typ})
		}
		return id
	}

	type edgeRow struct{ from, to, id, typ string }
	var edges []edgeRow
	for _, e := range g.Edges {
		h, _ := g.hanging(e.ID)
		edges = append(edges, edgeRow{endpoint(e.From, h.FromMissing), endpoint(e.To, h.ToMissing), e.ID, e.Keys.Type})
	}

	fmt.Fprintln(w, "nodedef>name VARCHAR,label VARCHAR,type VARCHAR")
	for _, r := range rows {
		fmt.Fprintf(w, "%s,%s,%s\n", gdfQuote(r.id), gdfQuote(r.label), gdfQuote(r.typ))
	}
	fmt.Fprintln(w, "edgedef>node1 VARCHAR,node2 VARCHAR,name VARCHAR,type VARCHAR,directed BOOLEAN")
	for _, e := range edges {
		fmt.Fprintf(w, "%s,%s,%s,%s,true\n", gdfQuote(e.from), gdfQuote(e.to), gdfQuote(e.id), gdfQuote(e.typ))
	}
	return nil
}

func gdfQuote(s string) string {
	if strings.ContainsAny(s, ",'\"\n ") || s == "" {
		return "'" + strings.ReplaceAll(s, "'", "\\'") + "'"
	}
	return s
}
