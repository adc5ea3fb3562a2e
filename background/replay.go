// Package background runs replay passes off the request path.
package background

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"revgraph/graph"
	"revgraph/player"
	"revgraph/revlog"
)

// Target runs an incremental replay of one scope.
type Target interface {
	ReplayIncremental(ctx context.Context, scope graph.Scope) (player.Stats, error)
}

// Replayer queues the scopes touched by commits and replays them on a
// ticker. It is a revlog.Listener.
type Replayer struct {
	target   Target
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	pending map[graph.Scope]bool

	// serializes passes between the loop and ProcessAll
	run sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewReplayer creates a replayer. A nil logger discards; a non-positive
// interval defaults to one second.
func NewReplayer(target Target, interval time.Duration, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if interval <= 0 {
		interval = 1 * time.Second
	}
	return &Replayer{
		target:   target,
		logger:   logger,
		interval: interval,
		pending:  make(map[graph.Scope]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Committed enqueues the scopes of a commit. It never blocks on replay.
func (r *Replayer) Committed(ctx context.Context, ev revlog.CommitEvent) {
	r.Enqueue(ev.Scopes...)
}

// Enqueue marks scopes for replay.
func (r *Replayer) Enqueue(scopes ...graph.Scope) {
	r.mu.Lock()
	for _, s := range scopes {
		r.pending[s] = true
	}
	r.mu.Unlock()
}

// Pending returns the number of queued scopes.
func (r *Replayer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Start begins the background processing loop.
func (r *Replayer) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Stop signals the loop to stop and waits for an in-flight pass. It must
// only be called after Start.
func (r *Replayer) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Replayer) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.processPending(ctx)
		}
	}
}

// take removes and returns the queued scopes in a stable order.
func (r *Replayer) take() []graph.Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]graph.Scope, 0, len(r.pending))
	for s := range r.pending {
		out = append(out, s)
	}
	r.pending = make(map[graph.Scope]bool)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (r *Replayer) processPending(ctx context.Context) {
	r.run.Lock()
	defer r.run.Unlock()

	for _, s := range r.take() {
		stats, err := r.target.ReplayIncremental(ctx, s)
		if err != nil {
			// Left off the queue; the next commit or an explicit replay retries.
			r.logger.Error("background replay failed", "scope", s.String(), "error", err)
			continue
		}
		if stats.Containers > 0 {
			r.logger.Debug("background replay", "scope", s.String(), "containers", stats.Containers)
		}
	}
}

// ProcessAll replays every queued scope synchronously and returns the first
// error. Useful for testing.
func (r *Replayer) ProcessAll(ctx context.Context) error {
	r.run.Lock()
	defer r.run.Unlock()

	var first error
	for _, s := range r.take() {
		if _, err := r.target.ReplayIncremental(ctx, s); err != nil && first == nil {
			first = err
		}
	}
	return first
}
