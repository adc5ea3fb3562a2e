package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"revgraph/graph"
	"revgraph/keys"
	"revgraph/merge"
	"revgraph/ops"
)

// Env is what a handler may touch while applying one operation.
type Env struct {
	Target Target
	Scope  graph.Scope
	Logger *slog.Logger

	// importer replays another branch's history into Scope.
	importer func(ctx context.Context, env *Env, src graph.Scope) error
	// importing holds the source scopes of the imports in progress.
	importing map[graph.Scope]bool
}

// Handler applies one operation to the target scope.
type Handler func(ctx context.Context, env *Env, op ops.Operation) error

func defaultHandlers() map[ops.OpType]Handler {
	return map[ops.OpType]Handler{
		ops.OpNodeModification:    playNode,
		ops.OpEdgeModification:    playEdge,
		ops.OpSetNodeProperty:     playSetProperty,
		ops.OpBranchImport:        playImport,
		ops.OpTransactionBegin:    playBoundary,
		ops.OpTransactionCommit:   playBoundary,
		ops.OpTransactionRollback: playBoundary,
	}
}

// playBoundary acknowledges a transaction marker. Commit and rollback took
// effect when they were submitted.
func playBoundary(ctx context.Context, env *Env, op ops.Operation) error {
	return nil
}

func playNode(ctx context.Context, env *Env, op ops.Operation) error {
	m := op.(*ops.NodeModification)
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	incoming := &graph.Node{Keys: m.Keys.Normalize(), Content: m.Content}

	matches, err := env.Target.FindNodes(ctx, env.Scope, incoming.Keys)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		seq, err := env.Target.NextSequence(ctx, graph.NodeCounter(env.Scope))
		if err != nil {
			return err
		}
		incoming.ID = fmt.Sprintf("node/%d", seq)
		incoming.Seq = seq
		return env.Target.PutNode(ctx, env.Scope, incoming)
	}

	// Several stored nodes may have been created under disjoint aliases that
	// this keyset now links. Fold them into the oldest one.
	result := matches[0]
	for _, other := range matches[1:] {
		if result, err = merge.Nodes(merge.PolicyMerge, result, other); err != nil {
			return err
		}
		if err := env.Target.DeleteNode(ctx, env.Scope, other.ID); err != nil {
			return err
		}
		env.Logger.Debug("coalesced node", "scope", env.Scope.String(), "into", result.ID, "removed", other.ID)
	}
	if result, err = merge.Nodes(m.Policy, result, incoming); err != nil {
		return err
	}
	return env.Target.PutNode(ctx, env.Scope, result)
}

func playEdge(ctx context.Context, env *Env, op ops.Operation) error {
	m := op.(*ops.EdgeModification)
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	incoming := &graph.Edge{
		Keys:    m.Keys.Normalize(),
		From:    m.From.Normalize(),
		To:      m.To.Normalize(),
		Content: m.Content,
	}

	view := graph.NewView(env.Target, env.Scope)
	h, err := view.CheckHanging(ctx, incoming)
	if err != nil {
		return err
	}
	if h.FromMissing || h.ToMissing {
		if !m.HangingAllowed() {
			return fmt.Errorf("%w: edge %s from=%s missing=%v to=%s missing=%v",
				ErrHangingEdge, incoming.Keys, incoming.From, h.FromMissing, incoming.To, h.ToMissing)
		}
		env.Logger.Debug("hanging edge",
			"scope", env.Scope.String(), "edge", incoming.Keys.String(),
			"from_missing", h.FromMissing, "to_missing", h.ToMissing)
	}

	matches, err := env.Target.FindEdges(ctx, env.Scope, incoming.Keys)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		seq, err := env.Target.NextSequence(ctx, graph.EdgeCounter(env.Scope))
		if err != nil {
			return err
		}
		incoming.ID = fmt.Sprintf("edge/%d", seq)
		incoming.Seq = seq
		return env.Target.PutEdge(ctx, env.Scope, incoming)
	}

	result := matches[0]
	for _, other := range matches[1:] {
		if result, err = merge.Edges(merge.PolicyMerge, result, other); err != nil {
			return err
		}
		if err := env.Target.DeleteEdge(ctx, env.Scope, other.ID); err != nil {
			return err
		}
	}
	if result, err = merge.Edges(m.Policy, result, incoming); err != nil {
		return err
	}
	return env.Target.PutEdge(ctx, env.Scope, result)
}

func playSetProperty(ctx context.Context, env *Env, op ops.Operation) error {
	m := op.(*ops.SetNodeProperty)
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	matches, err := env.Target.FindNodes(ctx, env.Scope, keys.UID(m.UID))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("%w: uid %s", ErrNodeNotFound, m.UID)
	}
	err = env.Target.SetNodeProperty(ctx, env.Scope, matches[0].ID, m.Property, m.Value)
	if errors.Is(err, graph.ErrNotFound) {
		return fmt.Errorf("%w: uid %s", ErrNodeNotFound, m.UID)
	}
	return err
}

func playImport(ctx context.Context, env *Env, op ops.Operation) error {
	m := op.(*ops.BranchImport)
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	src := graph.Scope{Graph: m.SourceGraph, Branch: m.SourceBranch}
	if src == env.Scope || env.importing[src] {
		return fmt.Errorf("%w: %s", ErrImportCycle, src)
	}
	if env.importer == nil {
		return fmt.Errorf("%w: branch import not available", ErrUnsupportedOp)
	}
	return env.importer(ctx, env, src)
}
