package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"revgraph/auth"
	"revgraph/config"
	"revgraph/export"
	"revgraph/graph"
	"revgraph/keys"
	"revgraph/ops"
	"revgraph/remote"
	"revgraph/repo"
	"revgraph/revlog"
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput reads a file, or stdin for "-".
func readInput(o *options, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(o.in)
	}
	return os.ReadFile(name)
}

// parseItems decodes a JSON or YAML list of {type, op} items.
func parseItems(data []byte) ([]ops.Operation, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no items")
	}
	if data[0] != '[' {
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("converting yaml: %w", err)
		}
		data = converted
	}
	var items []ops.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parsing items: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no items")
	}
	list := make([]ops.Operation, 0, len(items))
	for _, it := range items {
		list = append(list, it.Op)
	}
	return list, nil
}

// withSession opens a session for the duration of fn.
func withSession(cmd *cobra.Command, o *options, create bool, fn func(ctx context.Context, s session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := o.open(ctx, create)
	if err != nil {
		return err
	}
	if err := fn(ctx, s); err != nil {
		s.Close()
		return err
	}
	return s.Close()
}

func newSubmitCmd(o *options) *cobra.Command {
	var (
		txnID    string
		noCommit bool
		replay   bool
	)
	cmd := &cobra.Command{
		Use:   "submit FILE|-",
		Short: "Submit a list of operations as one transaction",
		Long: `Submit reads a JSON or YAML list of items and submits them as one
batch. Each item is {"type": "<operation>", "op": {...}}.

A new transaction is begun and committed unless --txn names an open
transaction or --no-commit is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(o, args[0])
			if err != nil {
				return err
			}
			list, err := parseItems(data)
			if err != nil {
				return err
			}
			return withSession(cmd, o, true, func(ctx context.Context, s session) error {
				var t txn
				id := txnID
				if id != "" {
					t, err = s.Resume(ctx, id)
				} else {
					t, id, err = s.Begin(ctx)
				}
				if err != nil {
					return err
				}
				if err := t.SubmitBatch(ctx, list); err != nil {
					return err
				}
				committed := !noCommit && txnID == ""
				if committed {
					if err := t.Commit(ctx); err != nil {
						return err
					}
				}
				if replay && committed {
					if _, err := s.Replay(ctx, false); err != nil {
						return err
					}
				}
				if o.json {
					return printJSON(o.out, map[string]interface{}{
						"txnId":     id,
						"items":     len(list),
						"committed": committed,
					})
				}
				state := "open"
				if committed {
					state = "committed"
				}
				fmt.Fprintf(o.out, "%s: %d items (%s)\n", id, len(list), state)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "Submit into an open transaction instead of a new one")
	cmd.Flags().BoolVar(&noCommit, "no-commit", false, "Leave the new transaction open")
	cmd.Flags().BoolVar(&replay, "replay", false, "Replay the branch after committing")
	return cmd
}

func newCommitCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "commit TXN",
		Short: "Commit an open transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, o, false, func(ctx context.Context, s session) error {
				t, err := s.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				if err := t.Commit(ctx); err != nil {
					return err
				}
				fmt.Fprintf(o.out, "committed %s\n", args[0])
				return nil
			})
		},
	}
}

func newRollbackCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback TXN",
		Short: "Discard every revision of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, o, false, func(ctx context.Context, s session) error {
				t, err := s.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				if err := t.Rollback(ctx); err != nil {
					return err
				}
				fmt.Fprintf(o.out, "rolled back %s\n", args[0])
				return nil
			})
		},
	}
}

func newLogCmd(o *options) *cobra.Command {
	var (
		txnID       string
		uncommitted bool
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "List revision containers",
		Long:  "Log lists the committed revisions of the branch in replay order, or the revisions of one transaction with --txn.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if uncommitted && txnID == "" {
				return fmt.Errorf("--uncommitted requires --txn")
			}
			return withSession(cmd, o, false, func(ctx context.Context, s session) error {
				var (
					cs  []*revlog.Container
					err error
				)
				if txnID != "" {
					cs, err = s.Transaction(ctx, txnID, uncommitted)
				} else {
					cs, err = s.Committed(ctx)
				}
				if err != nil {
					return err
				}
				if o.json {
					if cs == nil {
						cs = []*revlog.Container{}
					}
					return printJSON(o.out, cs)
				}
				for _, c := range cs {
					types := make([]string, 0, len(c.Items))
					for _, it := range c.Items {
						types = append(types, string(it.Type()))
					}
					state := "pending"
					if c.Committed {
						state = time.UnixMilli(c.DateCommitted).UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(o.out, "%s  %s#%d  %s  %s\n", c.UniqueID, c.TxnID, c.TxnSubmitID, state, strings.Join(types, ","))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "Show the revisions of one transaction")
	cmd.Flags().BoolVar(&uncommitted, "uncommitted", false, "Only show revisions not yet committed")
	return cmd
}

func newReplayCmd(o *options) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Apply committed revisions to the materialized graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, o, false, func(ctx context.Context, s session) error {
				st, err := s.Replay(ctx, full)
				if err != nil {
					return err
				}
				if o.json {
					return printJSON(o.out, map[string]interface{}{
						"full":       full,
						"containers": st.Containers,
						"items":      st.Items,
						"skipped":    st.Skipped,
					})
				}
				fmt.Fprintf(o.out, "replayed %d containers, %d items", st.Containers, st.Items)
				if st.Skipped > 0 {
					fmt.Fprintf(o.out, " (%d skipped)", st.Skipped)
				}
				fmt.Fprintln(o.out)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Rebuild the branch from the start of the log")
	return cmd
}

func newNodesCmd(o *options) *cobra.Command {
	var typePattern string
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List materialized nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, o, false, func(ctx context.Context, s session) error {
				g, err := s.Graph(ctx, typePattern, "")
				if err != nil {
					return err
				}
				if o.json {
					return printJSON(o.out, g.Nodes)
				}
				for _, n := range g.Nodes {
					fmt.Fprintf(o.out, "%s  %s\n", n.ID, n.Keys)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typePattern, "type", "", "Glob pattern on node types")
	return cmd
}

func newEdgesCmd(o *options) *cobra.Command {
	var (
		typePattern string
		hanging     bool
	)
	cmd := &cobra.Command{
		Use:   "edges",
		Short: "List materialized edges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, o, false, func(ctx context.Context, s session) error {
				g, err := s.Graph(ctx, "", typePattern)
				if err != nil {
					return err
				}
				edges := g.Edges
				if hanging {
					ids := make(map[string]bool, len(g.Hanging))
					for _, h := range g.Hanging {
						ids[h.EdgeID] = true
					}
					edges = []*graph.Edge{}
					for _, e := range g.Edges {
						if ids[e.ID] {
							edges = append(edges, e)
						}
					}
				}
				if o.json {
					return printJSON(o.out, edges)
				}
				for _, e := range edges {
					fmt.Fprintf(o.out, "%s  %s  %s -> %s\n", e.ID, e.Keys, e.From, e.To)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typePattern, "type", "", "Glob pattern on edge types")
	cmd.Flags().BoolVar(&hanging, "hanging", false, "Only show edges with a missing endpoint")
	return cmd
}

func newResolveCmd(o *options) *cobra.Command {
	var (
		typ   string
		uids  []string
		names []string
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Find a node by any of its aliases and print its full keyset",
		RunE: func(cmd *cobra.Command, args []string) error {
			k := keys.New(typ, uids, names)
			if err := k.Validate(); err != nil {
				return err
			}
			return withSession(cmd, o, false, func(ctx context.Context, s session) error {
				n, full, err := s.Resolve(ctx, k)
				if err != nil {
					return err
				}
				if o.json {
					return printJSON(o.out, map[string]interface{}{"node": n, "keys": full})
				}
				fmt.Fprintf(o.out, "%s  %s\n", n.ID, full)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "Node type")
	cmd.Flags().StringSliceVar(&uids, "uid", nil, "UID alias (repeatable)")
	cmd.Flags().StringSliceVar(&names, "name", nil, "Name alias (repeatable, needs --type)")
	return cmd
}

func newDigestCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "digest",
		Short: "Print the state digest of the branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, o, false, func(ctx context.Context, s session) error {
				d, err := s.Digest(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(o.out, d)
				return nil
			})
		},
	}
}

func newExportCmd(o *options) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the committed revisions of the branch as a pack",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, o, false, func(ctx context.Context, s session) error {
				data, err := s.ExportPack(ctx)
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err = o.out.Write(data)
					return err
				}
				if err := os.WriteFile(out, data, 0644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", len(data), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default: stdout)")
	return cmd
}

func newImportCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE|-",
		Short: "Insert the revisions of a pack into the branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(o, args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, o, true, func(ctx context.Context, s session) error {
				n, err := s.ImportPack(ctx, data)
				if err != nil {
					return err
				}
				if o.json {
					return printJSON(o.out, map[string]int{"imported": n})
				}
				fmt.Fprintf(o.out, "imported %d containers\n", n)
				return nil
			})
		},
	}
}

func newASCIICmd(o *options) *cobra.Command {
	var (
		format   string
		nodeType string
		edgeType string
	)
	cmd := &cobra.Command{
		Use:     "ascii",
		Aliases: []string{"show"},
		Short:   "Render the materialized branch",
		Long:    "Render nodes and edges as an ASCII tree, JSON, or GDF for Gephi. Hanging edges are flagged in every format.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			if o.json {
				f = export.FormatJSON
			}
			return withSession(cmd, o, false, func(ctx context.Context, s session) error {
				g, err := s.Graph(ctx, nodeType, edgeType)
				if err != nil {
					return err
				}
				return export.Write(o.out, g, f)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "ascii", "Output format: ascii, json or gdf")
	cmd.Flags().StringVar(&nodeType, "node-type", "", "Glob pattern on node types")
	cmd.Flags().StringVar(&edgeType, "edge-type", "", "Glob pattern on edge types")
	return cmd
}

func newGraphsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "graphs",
		Short: "List graphs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			var (
				names []string
				err   error
			)
			if o.server != "" {
				c := remote.NewClient(o.server, o.graph, o.branch)
				c.AuthToken = o.token
				names, err = c.Graphs(ctx)
			} else {
				reg := repo.NewRegistry(repo.RegistryConfig{DataDir: o.dataDir, Logger: o.logger})
				names, err = reg.List(ctx)
				reg.Close()
			}
			if err != nil {
				return err
			}
			sort.Strings(names)
			if o.json {
				if names == nil {
					names = []string{}
				}
				return printJSON(o.out, names)
			}
			for _, n := range names {
				fmt.Fprintln(o.out, n)
			}
			return nil
		},
	}
}

func newTokenCmd(o *options) *cobra.Command {
	var (
		secret  string
		subject string
		graphs  []string
		scopes  []string
		ttl     time.Duration
	)
	cfg := config.FromEnv()
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for revgraphd",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret or REVGRAPH_AUTH_SECRET is required")
			}
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			for _, s := range scopes {
				if s != auth.ScopeRead && s != auth.ScopeWrite {
					return fmt.Errorf("unknown scope %q", s)
				}
			}
			tokens := auth.NewTokenService([]byte(secret), "revgraph", ttl)
			tok, err := tokens.GenerateToken(subject, graphs, scopes)
			if err != nil {
				return err
			}
			fmt.Fprintln(o.out, tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", cfg.AuthSecret, "HMAC signing secret shared with the server")
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject")
	cmd.Flags().StringSliceVar(&graphs, "allow", nil, "Graphs the token may access (default: all)")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeRead}, "Scopes: read, write")
	cmd.Flags().DurationVar(&ttl, "ttl", cfg.TokenTTL, "Token lifetime")
	return cmd
}
