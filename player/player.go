// Package player replays the committed revision stream of a graph branch
// into materialized node and edge storage.
//
// Each operation type is applied by a Handler from a dispatch table. Items
// are applied container by container in replay order, and in list order
// within a container. Replays of one target scope are serialized.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"revgraph/graph"
	"revgraph/ops"
	"revgraph/revlog"
)

// Target is the materialized storage a replay writes to.
type Target interface {
	graph.Store

	// LoadCheckpoint returns the replay progress of a scope, or the zero
	// checkpoint.
	LoadCheckpoint(ctx context.Context, scope graph.Scope) (revlog.Checkpoint, error)

	// SaveCheckpoint records the replay progress of a scope.
	SaveCheckpoint(ctx context.Context, scope graph.Scope, cp revlog.Checkpoint) error

	// ResetScope deletes the materialized state and checkpoint of a scope.
	ResetScope(ctx context.Context, scope graph.Scope) error
}

// Opener gives access to the revision log of another graph. The returned
// release func must be called when done.
type Opener interface {
	OpenLog(ctx context.Context, graphID string) (*revlog.Log, func(), error)
}

// Options configures a Player.
type Options struct {
	Logger *slog.Logger
	// Opener resolves the source graph of a branch import. Without it only
	// branches of the player's own graph can be imported.
	Opener Opener
	// OnError decides whether a failed item aborts the pass. Nil aborts.
	OnError func(*Error) Decision
}

// Stats summarizes a replay pass.
type Stats struct {
	Containers int
	Items      int
	Skipped    int
	Last       revlog.Position
	// Rebuilt is set when an incremental pass fell back to a full replay.
	Rebuilt bool
}

// Player replays revisions of one graph.
type Player struct {
	log      *revlog.Log
	target   Target
	opener   Opener
	logger   *slog.Logger
	onError  func(*Error) Decision
	handlers map[ops.OpType]Handler

	mu    sync.Mutex
	locks map[graph.Scope]*sync.Mutex
}

// New creates a player reading from log and writing to target.
func New(log *revlog.Log, target Target, opts Options) *Player {
	p := &Player{
		log:      log,
		target:   target,
		opener:   opts.Opener,
		logger:   opts.Logger,
		onError:  opts.OnError,
		handlers: defaultHandlers(),
		locks:    make(map[graph.Scope]*sync.Mutex),
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	if p.onError == nil {
		p.onError = func(*Error) Decision { return Abort }
	}
	return p
}

// Handle replaces the handler for an operation type.
func (p *Player) Handle(t ops.OpType, h Handler) {
	p.handlers[t] = h
}

// Replay rebuilds the materialized state of scope from its full committed
// history.
func (p *Player) Replay(ctx context.Context, scope graph.Scope) (Stats, error) {
	unlock := p.lock(scope)
	defer unlock()

	return p.rebuild(ctx, scope)
}

// ReplayIncremental applies the committed containers of scope that became
// visible since its checkpoint. When one of them sorts at or before the last
// applied container, as after a pack import or a commit stamped with the
// same time, the scope is rebuilt with a full replay.
func (p *Player) ReplayIncremental(ctx context.Context, scope graph.Scope) (Stats, error) {
	unlock := p.lock(scope)
	defer unlock()

	cp, err := p.target.LoadCheckpoint(ctx, scope)
	if err != nil {
		return Stats{}, &Error{GraphID: scope.Graph, BranchID: scope.Branch, Err: err}
	}
	cs, err := p.log.CommittedSince(ctx, scope.Graph, scope.Branch, cp.Seq)
	if err != nil {
		return Stats{Last: cp.Last}, &Error{GraphID: scope.Graph, BranchID: scope.Branch, Err: err}
	}

	fresh := cs[:0:0]
	for _, c := range cs {
		if cp.Last.Before(c.Position()) {
			fresh = append(fresh, c)
			continue
		}
		if c.CommitSeq <= cp.Pending {
			// applied by an unfinished pass
			continue
		}
		p.logger.Info("revisions committed before the replay checkpoint, rebuilding",
			"scope", scope.String(), "container", c.UniqueID)
		stats, err := p.rebuild(ctx, scope)
		stats.Rebuilt = true
		return stats, err
	}
	return p.applyAll(ctx, scope, cp, fresh)
}

// rebuild resets scope and replays its whole committed history. The caller
// holds the scope lock.
func (p *Player) rebuild(ctx context.Context, scope graph.Scope) (Stats, error) {
	if err := p.target.ResetScope(ctx, scope); err != nil {
		return Stats{}, &Error{GraphID: scope.Graph, BranchID: scope.Branch, Err: err}
	}
	cs, err := p.log.Committed(ctx, scope.Graph, scope.Branch)
	if err != nil {
		return Stats{}, &Error{GraphID: scope.Graph, BranchID: scope.Branch, Err: err}
	}
	return p.applyAll(ctx, scope, revlog.Checkpoint{}, cs)
}

func (p *Player) lock(scope graph.Scope) func() {
	p.mu.Lock()
	m, ok := p.locks[scope]
	if !ok {
		m = &sync.Mutex{}
		p.locks[scope] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// applyAll replays cs, which sort after cp.Last, in order and advances the
// checkpoint after every container.
func (p *Player) applyAll(ctx context.Context, scope graph.Scope, cp revlog.Checkpoint, cs []*revlog.Container) (Stats, error) {
	stats := Stats{Last: cp.Last}
	high := max(cp.Seq, cp.Pending)
	for _, c := range cs {
		high = max(high, c.CommitSeq)
	}

	env := p.env(scope)
	for _, c := range cs {
		if err := p.applyContainer(ctx, env, scope, c, &stats); err != nil {
			return stats, err
		}
		stats.Containers++
		stats.Last = c.Position()
		progress := revlog.Checkpoint{Last: stats.Last, Seq: cp.Seq, Pending: high}
		if err := p.target.SaveCheckpoint(ctx, scope, progress); err != nil {
			return stats, &Error{GraphID: scope.Graph, BranchID: scope.Branch, ContainerID: c.UniqueID, Err: err}
		}
	}
	if high != cp.Seq {
		done := revlog.Checkpoint{Last: stats.Last, Seq: high, Pending: high}
		if err := p.target.SaveCheckpoint(ctx, scope, done); err != nil {
			return stats, &Error{GraphID: scope.Graph, BranchID: scope.Branch, Err: err}
		}
	}

	if stats.Containers > 0 {
		p.logger.Info("replayed", "scope", scope.String(),
			"containers", stats.Containers, "items", stats.Items, "skipped", stats.Skipped)
	}
	return stats, nil
}

func (p *Player) env(scope graph.Scope) *Env {
	return &Env{
		Target:    p.target,
		Scope:     scope,
		Logger:    p.logger,
		importer:  p.importBranch,
		importing: make(map[graph.Scope]bool),
	}
}

// applyContainer applies the items of one container in order. src is the
// scope the container was read from, which differs from env.Scope during a
// branch import.
func (p *Player) applyContainer(ctx context.Context, env *Env, src graph.Scope, c *revlog.Container, stats *Stats) error {
	if c.Digest != "" {
		d, err := revlog.ItemsDigest(c.Items)
		if err != nil || d != c.Digest {
			perr := &Error{GraphID: src.Graph, BranchID: src.Branch, ContainerID: c.UniqueID,
				Err: fmt.Errorf("%w: stored %s", ErrDigest, c.Digest)}
			if p.decide(perr) == Abort {
				return perr
			}
			stats.Skipped += len(c.Items)
			return nil
		}
	}

	for i, item := range c.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := p.apply(ctx, env, item.Op)
		if err == nil {
			stats.Items++
			continue
		}
		perr, ok := err.(*Error)
		if !ok {
			perr = &Error{GraphID: src.Graph, BranchID: src.Branch, ContainerID: c.UniqueID,
				ItemIndex: i, OpType: item.Type(), Err: err}
		}
		if p.decide(perr) == Abort {
			return perr
		}
		stats.Skipped++
	}
	return nil
}

func (p *Player) decide(err *Error) Decision {
	d := p.onError(err)
	if d == Skip {
		p.logger.Warn("skipping failed revision item", "error", err.Error())
	} else {
		p.logger.Error("replay aborted", "graph", err.GraphID, "branch", err.BranchID,
			"container", err.ContainerID, "item", err.ItemIndex, "error", err.Err)
	}
	return d
}

func (p *Player) apply(ctx context.Context, env *Env, op ops.Operation) error {
	if op == nil {
		return fmt.Errorf("%w: empty item", ErrUnsupportedOp)
	}
	h, ok := p.handlers[op.Type()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedOp, op.Type())
	}
	return h(ctx, env, op)
}

// importBranch replays the whole committed history of src into env.Scope
// with a nested pass.
func (p *Player) importBranch(ctx context.Context, env *Env, src graph.Scope) error {
	log := p.log
	if src.Graph != env.Scope.Graph {
		if p.opener == nil {
			return fmt.Errorf("%w: no access to graph %s", ErrUnsupportedOp, src.Graph)
		}
		l, release, err := p.opener.OpenLog(ctx, src.Graph)
		if err != nil {
			return fmt.Errorf("opening source graph %s: %w", src.Graph, err)
		}
		defer release()
		log = l
	}

	cs, err := log.Committed(ctx, src.Graph, src.Branch)
	if err != nil {
		return err
	}

	env.importing[src] = true
	defer delete(env.importing, src)

	var stats Stats
	for _, c := range cs {
		if err := p.applyContainer(ctx, env, src, c, &stats); err != nil {
			return err
		}
	}
	p.logger.Info("imported branch", "source", src.String(), "target", env.Scope.String(),
		"containers", len(cs), "items", stats.Items)
	return nil
}
