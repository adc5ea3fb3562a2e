// Package main provides the revgraph CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"revgraph/config"
)

// Version is the current revgraph CLI version
var Version = "0.1.0"

// options holds the global flags shared by every command.
type options struct {
	dataDir string
	backend string
	server  string
	token   string
	graph   string
	branch  string
	json    bool
	maxPack int64

	logger *slog.Logger
	out    io.Writer
	in     io.Reader
}

// open returns a session on the selected graph branch. Local sessions
// create the graph when create is set.
func (o *options) open(ctx context.Context, create bool) (session, error) {
	if o.server != "" {
		return openRemote(o), nil
	}
	s, err := openLocal(ctx, o, create)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newRootCmd(out io.Writer, in io.Reader) *cobra.Command {
	cfg := config.FromEnv()
	o := &options{out: out, in: in, maxPack: cfg.MaxPackSize}

	root := &cobra.Command{
		Use:           "revgraph",
		Short:         "revgraph - a versioned graph database",
		Long:          "revgraph records graph mutations in an append-only revision log and replays committed revisions into a queryable graph.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg.DataDir = o.dataDir
			cfg.Backend = o.backend
			if err := cfg.Validate(); err != nil {
				return err
			}
			o.logger = cfg.NewLogger(cmd.ErrOrStderr())
			return nil
		},
	}
	root.SetOut(out)
	root.SetIn(in)

	pf := root.PersistentFlags()
	pf.StringVar(&o.dataDir, "data", cfg.DataDir, "Data directory for local graphs")
	pf.StringVar(&o.backend, "backend", cfg.Backend, "Store for new local graphs: sqlite or badger")
	pf.StringVar(&o.server, "server", os.Getenv("REVGRAPH_SERVER"), "revgraphd URL (uses the local data directory when empty)")
	pf.StringVar(&o.token, "token", os.Getenv("REVGRAPH_TOKEN"), "Bearer token for the server")
	pf.StringVarP(&o.graph, "graph", "g", "default", "Graph name")
	pf.StringVarP(&o.branch, "branch", "b", "main", "Branch name")
	pf.BoolVar(&o.json, "json", false, "Output as JSON")

	root.AddCommand(
		newSubmitCmd(o),
		newCommitCmd(o),
		newRollbackCmd(o),
		newLogCmd(o),
		newReplayCmd(o),
		newNodesCmd(o),
		newEdgesCmd(o),
		newResolveCmd(o),
		newDigestCmd(o),
		newExportCmd(o),
		newImportCmd(o),
		newASCIICmd(o),
		newGraphsCmd(o),
		newTokenCmd(o),
	)
	return root
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stdin).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
