package cursor

import (
	"log/slog"
	"sort"
	"sync"

	"revgraph/graph"
	"revgraph/keys"
)

// Snapshot is the serializable state of a cursor.
type Snapshot struct {
	Name    string           `json:"name"`
	Scope   graph.Scope      `json:"scope"`
	Current *keys.EntityKeys `json:"current,omitempty"`
	Index   int              `json:"index"`
	History []HistoryItem    `json:"history"`
}

// Snapshot captures the cursor state.
func (c *Cursor) Snapshot() Snapshot {
	s := Snapshot{Name: c.name, Scope: c.scope, Index: c.index, History: c.History()}
	if k, ok := c.Current(); ok {
		s.Current = &k
	}
	return s
}

// Update is delivered to subscribers when a cursor is published or removed.
type Update struct {
	Snapshot Snapshot `json:"cursor"`
	Removed  bool     `json:"removed,omitempty"`
}

type registryKey struct {
	scope graph.Scope
	name  string
}

// Registry holds named cursors per graph branch. Publishing a name that is
// already registered replaces it. Subscribers receive updates over
// buffered channels; updates to a full channel are dropped.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	cursors map[registryKey]*Cursor
	subs    map[int]chan Update
	nextSub int
}

// NewRegistry creates an empty registry. A nil logger discards.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		logger:  logger,
		cursors: make(map[registryKey]*Cursor),
		subs:    make(map[int]chan Update),
	}
}

// Publish registers c under its scope and name.
func (r *Registry) Publish(c *Cursor) {
	r.mu.Lock()
	r.cursors[registryKey{c.scope, c.name}] = c
	r.mu.Unlock()
	r.notify(Update{Snapshot: c.Snapshot()})
}

// Get returns the cursor registered under scope and name.
func (r *Registry) Get(scope graph.Scope, name string) (*Cursor, error) {
	r.mu.RLock()
	c, ok := r.cursors[registryKey{scope, name}]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{Cursor: name, Err: ErrNotFound}
	}
	return c, nil
}

// Remove unregisters a cursor. It reports whether one was registered.
func (r *Registry) Remove(scope graph.Scope, name string) bool {
	r.mu.Lock()
	c, ok := r.cursors[registryKey{scope, name}]
	delete(r.cursors, registryKey{scope, name})
	r.mu.Unlock()
	if ok {
		r.notify(Update{Snapshot: c.Snapshot(), Removed: true})
	}
	return ok
}

// List returns the cursors of a scope ordered by name.
func (r *Registry) List(scope graph.Scope) []*Cursor {
	r.mu.RLock()
	var out []*Cursor
	for k, c := range r.cursors {
		if k.scope == scope {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Subscribe returns a channel of updates and a cancel func that closes it.
func (r *Registry) Subscribe(buffer int) (<-chan Update, func()) {
	ch := make(chan Update, buffer)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) notify(u Update) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, ch := range r.subs {
		select {
		case ch <- u:
		default:
			r.logger.Debug("dropping cursor update", "subscriber", id, "cursor", u.Snapshot.Name)
		}
	}
}
