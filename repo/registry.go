// Package repo manages the graphs of a data directory with LRU caching.
//
// Each graph lives in its own directory under the data dir and is backed by
// one document store (SQLite or Badger). An open graph carries its revision
// log, its player and, when enabled, a background replayer.
package repo

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"revgraph/background"
	"revgraph/graph"
	"revgraph/kvstore"
	"revgraph/player"
	"revgraph/revlog"
	"revgraph/store"
)

var (
	ErrGraphNotFound = errors.New("graph not found")
	ErrGraphExists   = errors.New("graph already exists")
	ErrInvalidName   = errors.New("invalid graph name")
	ErrClosed        = errors.New("registry closed")
)

// Backend names.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Backend is the document store behind one graph.
type Backend interface {
	revlog.Backend
	player.Target
	Branches(ctx context.Context, graphID string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Handle represents an open graph with its store and services.
type Handle struct {
	Graph    string
	Path     string
	Backend  Backend
	Log      *revlog.Log
	Player   *player.Player
	Replayer *background.Replayer

	lastUsed time.Time
	active   int32 // number of active users
	mu       sync.Mutex
	element  *list.Element // position in LRU list
}

// View returns a read view of one branch.
func (h *Handle) View(branch string) *graph.View {
	return graph.NewView(h.Backend, graph.Scope{Graph: h.Graph, Branch: branch})
}

// RegistryConfig configures the graph registry.
type RegistryConfig struct {
	DataDir string        // Base directory for all graphs
	Backend string        // Store for new graphs: sqlite or badger
	MaxOpen int           // Maximum number of open graphs (LRU capacity)
	IdleTTL time.Duration // Close graphs idle longer than this

	// AutoReplay starts a background replayer per open graph.
	AutoReplay     bool
	ReplayInterval time.Duration

	Logger *slog.Logger
}

// Registry manages multiple graphs with LRU caching.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger
	mu     sync.RWMutex
	graphs map[string]*Handle
	lru    *list.List // LRU list of graph names
	closed bool
	stop   chan struct{}
}

// NewRegistry creates a new graph registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 64
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendSQLite
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	r := &Registry{
		cfg:    cfg,
		logger: logger,
		graphs: make(map[string]*Handle),
		lru:    list.New(),
		stop:   make(chan struct{}),
	}

	go r.reapLoop()

	return r
}

// ValidName reports whether name can be used as a graph name.
func ValidName(name string) error {
	if err := (graph.Scope{Graph: name, Branch: "x"}).Validate(); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Get returns a handle to the named graph, opening it if needed.
func (r *Registry) Get(ctx context.Context, name string) (*Handle, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}

	// Fast path: already open
	r.mu.RLock()
	h, ok := r.graphs[name]
	r.mu.RUnlock()
	if ok {
		r.touch(h)
		return h, nil
	}

	backend, ok := r.detect(name)
	if !ok {
		return nil, ErrGraphNotFound
	}
	return r.open(name, backend)
}

// Create creates a new graph using the configured backend.
func (r *Registry) Create(ctx context.Context, name string) (*Handle, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	if _, ok := r.detect(name); ok {
		return nil, ErrGraphExists
	}
	if err := os.MkdirAll(filepath.Join(r.cfg.DataDir, name), 0755); err != nil {
		return nil, fmt.Errorf("creating graph directory: %w", err)
	}
	return r.open(name, r.cfg.Backend)
}

// GetOrCreate returns the named graph, creating it when missing.
func (r *Registry) GetOrCreate(ctx context.Context, name string) (*Handle, error) {
	h, err := r.Get(ctx, name)
	if errors.Is(err, ErrGraphNotFound) {
		h, err = r.Create(ctx, name)
		if errors.Is(err, ErrGraphExists) {
			return r.Get(ctx, name)
		}
	}
	return h, err
}

// Exists checks if a graph exists.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	if err := ValidName(name); err != nil {
		return false, err
	}
	_, ok := r.detect(name)
	return ok, nil
}

// List returns all graphs in the data directory.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.cfg.DataDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := r.detect(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete soft-deletes a graph (renames its directory).
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	if _, ok := r.detect(name); !ok {
		return ErrGraphNotFound
	}

	r.mu.Lock()
	h, ok := r.graphs[name]
	if ok {
		r.detachLocked(h)
	}
	r.mu.Unlock()
	if ok {
		r.shutdown(h)
	}

	path := filepath.Join(r.cfg.DataDir, name)
	deletedPath := path + ".deleted." + fmt.Sprintf("%d", time.Now().Unix())
	if err := os.Rename(path, deletedPath); err != nil {
		return fmt.Errorf("deleting graph: %w", err)
	}
	return nil
}

// Acquire marks a handle as in-use (prevents eviction).
func (r *Registry) Acquire(h *Handle) {
	h.mu.Lock()
	h.active++
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// Release marks a handle as no longer in-use.
func (r *Registry) Release(h *Handle) {
	h.mu.Lock()
	h.active--
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// OpenLog gives access to the revision log of another graph, for branch
// imports. The handle stays acquired until release is called.
func (r *Registry) OpenLog(ctx context.Context, graphID string) (*revlog.Log, func(), error) {
	h, err := r.Get(ctx, graphID)
	if err != nil {
		return nil, nil, err
	}
	r.Acquire(h)
	return h.Log, func() { r.Release(h) }, nil
}

// Close shuts down the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stop)
	handles := make([]*Handle, 0, len(r.graphs))
	for _, h := range r.graphs {
		handles = append(handles, h)
	}
	for _, h := range handles {
		r.detachLocked(h)
	}
	r.mu.Unlock()

	var first error
	for _, h := range handles {
		if err := r.shutdown(h); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// detect reports which backend holds a graph on disk.
func (r *Registry) detect(name string) (string, bool) {
	dir := filepath.Join(r.cfg.DataDir, name)
	if _, err := os.Stat(filepath.Join(dir, store.FileName)); err == nil {
		return BackendSQLite, true
	}
	if _, err := os.Stat(filepath.Join(dir, kvstore.DirName)); err == nil {
		return BackendBadger, true
	}
	return "", false
}

func (r *Registry) open(name, backend string) (*Handle, error) {
	var evicted []*Handle
	defer func() {
		for _, h := range evicted {
			r.shutdown(h)
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	// Double-check after acquiring write lock
	if h, ok := r.graphs[name]; ok {
		r.touchLocked(h)
		return h, nil
	}

	// Evict if at capacity
	for len(r.graphs) >= r.cfg.MaxOpen {
		h := r.evictOneLocked()
		if h == nil {
			break // Can't evict any (all active)
		}
		evicted = append(evicted, h)
	}

	b, err := openBackend(r.cfg.DataDir, name, backend)
	if err != nil {
		return nil, err
	}

	log := revlog.New(b, revlog.WithLogger(r.logger.With("graph", name)))
	h := &Handle{
		Graph:    name,
		Path:     filepath.Join(r.cfg.DataDir, name),
		Backend:  b,
		Log:      log,
		lastUsed: time.Now(),
	}
	h.Player = player.New(log, b, player.Options{
		Logger: r.logger.With("graph", name),
		Opener: r,
	})
	if r.cfg.AutoReplay {
		h.Replayer = background.NewReplayer(&guarded{reg: r, h: h},
			r.cfg.ReplayInterval, r.logger.With("graph", name))
		log.AddListener(h.Replayer)
		h.Replayer.Start(context.Background())
	}

	h.element = r.lru.PushFront(name)
	r.graphs[name] = h
	r.logger.Debug("graph opened", "graph", name, "backend", backend)
	return h, nil
}

func openBackend(dataDir, name, backend string) (Backend, error) {
	switch backend {
	case BackendSQLite:
		return store.OpenGraphDB(dataDir, name)
	case BackendBadger:
		return kvstore.OpenGraphDB(dataDir, name)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// detachLocked removes a handle from the registry (must hold write lock).
func (r *Registry) detachLocked(h *Handle) {
	if h.element != nil {
		r.lru.Remove(h.element)
		h.element = nil
	}
	delete(r.graphs, h.Graph)
}

// shutdown stops the services of a detached handle and closes its store.
// It runs without the registry lock so in-flight replays can finish.
func (r *Registry) shutdown(h *Handle) error {
	if h.Replayer != nil {
		h.Log.RemoveListener(h.Replayer)
		h.Replayer.Stop()
	}
	r.logger.Debug("graph closed", "graph", h.Graph)
	return h.Backend.Close()
}

// touch updates LRU position (acquires write lock).
func (r *Registry) touch(h *Handle) {
	r.mu.Lock()
	r.touchLocked(h)
	r.mu.Unlock()
}

// touchLocked updates LRU position (must hold write lock).
func (r *Registry) touchLocked(h *Handle) {
	h.mu.Lock()
	h.lastUsed = time.Now()
	h.mu.Unlock()
	if h.element != nil {
		r.lru.MoveToFront(h.element)
	}
}

// evictOneLocked detaches the least recently used inactive graph.
func (r *Registry) evictOneLocked() *Handle {
	for e := r.lru.Back(); e != nil; e = e.Prev() {
		h := r.graphs[e.Value.(string)]
		h.mu.Lock()
		idle := h.active == 0
		h.mu.Unlock()
		if idle {
			r.detachLocked(h)
			return h
		}
	}
	return nil
}

// reapLoop periodically closes idle graphs.
func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.cfg.IdleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

// reapIdle closes graphs that have been idle too long.
func (r *Registry) reapIdle() {
	cutoff := time.Now().Add(-r.cfg.IdleTTL)

	r.mu.Lock()
	var idle []*Handle
	for e := r.lru.Back(); e != nil; {
		h := r.graphs[e.Value.(string)]
		prev := e.Prev()

		h.mu.Lock()
		stale := h.active == 0 && h.lastUsed.Before(cutoff)
		h.mu.Unlock()

		if stale {
			r.detachLocked(h)
			idle = append(idle, h)
		}
		e = prev
	}
	r.mu.Unlock()

	for _, h := range idle {
		r.shutdown(h)
	}
}

// guarded keeps a handle acquired while its background replay runs.
type guarded struct {
	reg *Registry
	h   *Handle
}

func (g *guarded) ReplayIncremental(ctx context.Context, scope graph.Scope) (player.Stats, error) {
	g.reg.Acquire(g.h)
	defer g.reg.Release(g.h)
	return g.h.Player.ReplayIncremental(ctx, scope)
}
