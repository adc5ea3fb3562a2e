package main

import (
	"bytes"
	"context"
	"errors"

	"revgraph/cas"
	"revgraph/export"
	"revgraph/graph"
	"revgraph/keys"
	"revgraph/ops"
	"revgraph/pack"
	"revgraph/player"
	"revgraph/remote"
	"revgraph/repo"
	"revgraph/revlog"
)

// txn is an open transaction, local or remote.
type txn interface {
	SubmitBatch(ctx context.Context, list []ops.Operation) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// session is one graph branch, opened from a data dir or on a server.
type session interface {
	Begin(ctx context.Context) (txn, string, error)
	Resume(ctx context.Context, txnID string) (txn, error)
	Committed(ctx context.Context) ([]*revlog.Container, error)
	Transaction(ctx context.Context, txnID string, uncommittedOnly bool) ([]*revlog.Container, error)
	Replay(ctx context.Context, full bool) (player.Stats, error)
	Graph(ctx context.Context, nodeType, edgeType string) (*export.Graph, error)
	Resolve(ctx context.Context, k keys.EntityKeys) (*graph.Node, keys.EntityKeys, error)
	Digest(ctx context.Context) (string, error)
	ExportPack(ctx context.Context) ([]byte, error)
	ImportPack(ctx context.Context, data []byte) (int, error)
	Close() error
}

// nextSubmitID returns the submit id following the highest one stored.
func nextSubmitID(cs []*revlog.Container) int64 {
	var next int64
	for _, c := range cs {
		if c.TxnSubmitID >= next {
			next = c.TxnSubmitID + 1
		}
	}
	return next
}

// ----- Local -----

type localSession struct {
	reg     *repo.Registry
	h       *repo.Handle
	branch  string
	maxPack int64
}

func openLocal(ctx context.Context, o *options, create bool) (*localSession, error) {
	reg := repo.NewRegistry(repo.RegistryConfig{
		DataDir: o.dataDir,
		Backend: o.backend,
		MaxOpen: 4,
		Logger:  o.logger,
	})
	var (
		h   *repo.Handle
		err error
	)
	if create {
		h, err = reg.GetOrCreate(ctx, o.graph)
	} else {
		h, err = reg.Get(ctx, o.graph)
	}
	if err != nil {
		reg.Close()
		return nil, err
	}
	reg.Acquire(h)
	return &localSession{reg: reg, h: h, branch: o.branch, maxPack: o.maxPack}, nil
}

func (s *localSession) scope() graph.Scope {
	return graph.Scope{Graph: s.h.Graph, Branch: s.branch}
}

func (s *localSession) Begin(ctx context.Context) (txn, string, error) {
	t, err := s.h.Log.Begin(ctx, s.h.Graph, s.branch)
	if err != nil {
		return nil, "", err
	}
	return t, t.ID, nil
}

func (s *localSession) Resume(ctx context.Context, txnID string) (txn, error) {
	cs, err := s.h.Log.ForTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, errors.New("transaction not found: " + txnID)
	}
	return s.h.Log.Resume(s.h.Graph, s.branch, txnID, nextSubmitID(cs)), nil
}

func (s *localSession) Committed(ctx context.Context) ([]*revlog.Container, error) {
	return s.h.Log.Committed(ctx, s.h.Graph, s.branch)
}

func (s *localSession) Transaction(ctx context.Context, txnID string, uncommittedOnly bool) ([]*revlog.Container, error) {
	if uncommittedOnly {
		return s.h.Log.Uncommitted(ctx, txnID)
	}
	return s.h.Log.ForTransaction(ctx, txnID)
}

func (s *localSession) Replay(ctx context.Context, full bool) (player.Stats, error) {
	if full {
		return s.h.Player.Replay(ctx, s.scope())
	}
	return s.h.Player.ReplayIncremental(ctx, s.scope())
}

func (s *localSession) Graph(ctx context.Context, nodeType, edgeType string) (*export.Graph, error) {
	return export.Load(ctx, s.h.View(s.branch), nodeType, edgeType)
}

func (s *localSession) Resolve(ctx context.Context, k keys.EntityKeys) (*graph.Node, keys.EntityKeys, error) {
	v := s.h.View(s.branch)
	n, err := v.FindNode(ctx, k)
	if err != nil {
		return nil, keys.EntityKeys{}, err
	}
	full, err := v.ResolveNode(ctx, k)
	return n, full, err
}

func (s *localSession) Digest(ctx context.Context) (string, error) {
	sum, err := s.h.View(s.branch).StateDigest(ctx)
	if err != nil {
		return "", err
	}
	return cas.BytesToHex(sum), nil
}

func (s *localSession) ExportPack(ctx context.Context) ([]byte, error) {
	data, _, err := pack.Export(ctx, s.h.Log, s.scope())
	return data, err
}

func (s *localSession) ImportPack(ctx context.Context, data []byte) (int, error) {
	return pack.Import(ctx, s.h.Log, s.scope(), bytes.NewReader(data), s.maxPack)
}

func (s *localSession) Close() error {
	s.reg.Release(s.h)
	return s.reg.Close()
}

// ----- Remote -----

type remoteSession struct {
	c *remote.Client
}

func openRemote(o *options) *remoteSession {
	c := remote.NewClient(o.server, o.graph, o.branch)
	c.AuthToken = o.token
	return &remoteSession{c: c}
}

func (s *remoteSession) Begin(ctx context.Context) (txn, string, error) {
	t, err := s.c.Begin(ctx)
	if err != nil {
		return nil, "", err
	}
	return t, t.ID, nil
}

func (s *remoteSession) Resume(ctx context.Context, txnID string) (txn, error) {
	cs, err := s.c.Transaction(ctx, txnID, false)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, errors.New("transaction not found: " + txnID)
	}
	return s.c.Resume(txnID, nextSubmitID(cs)), nil
}

func (s *remoteSession) Committed(ctx context.Context) ([]*revlog.Container, error) {
	return s.c.Committed(ctx)
}

func (s *remoteSession) Transaction(ctx context.Context, txnID string, uncommittedOnly bool) ([]*revlog.Container, error) {
	return s.c.Transaction(ctx, txnID, uncommittedOnly)
}

func (s *remoteSession) Replay(ctx context.Context, full bool) (player.Stats, error) {
	resp, err := s.c.Replay(ctx, full)
	if err != nil {
		return player.Stats{}, err
	}
	return player.Stats{Containers: resp.Containers, Items: resp.Items, Skipped: resp.Skipped, Last: resp.Last, Rebuilt: resp.Rebuilt}, nil
}

func (s *remoteSession) Graph(ctx context.Context, nodeType, edgeType string) (*export.Graph, error) {
	nodes, err := s.c.Nodes(ctx, nodeType)
	if err != nil {
		return nil, err
	}
	edges, err := s.c.Edges(ctx, edgeType, true)
	if err != nil {
		return nil, err
	}
	return &export.Graph{
		Scope:   graph.Scope{Graph: s.c.Graph, Branch: s.c.Branch},
		Nodes:   nodes,
		Edges:   edges.Edges,
		Hanging: edges.Hanging,
	}, nil
}

func (s *remoteSession) Resolve(ctx context.Context, k keys.EntityKeys) (*graph.Node, keys.EntityKeys, error) {
	resp, err := s.c.Resolve(ctx, k)
	if err != nil {
		return nil, keys.EntityKeys{}, err
	}
	return resp.Node, resp.Keys, nil
}

func (s *remoteSession) Digest(ctx context.Context) (string, error) {
	return s.c.Digest(ctx)
}

func (s *remoteSession) ExportPack(ctx context.Context) ([]byte, error) {
	return s.c.ExportPack(ctx)
}

func (s *remoteSession) ImportPack(ctx context.Context, data []byte) (int, error) {
	return s.c.ImportPack(ctx, data)
}

func (s *remoteSession) Close() error { return nil }
