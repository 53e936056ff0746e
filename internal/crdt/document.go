package crdt

import (
	"sort"
	"sync"

	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/google/uuid"
)

// Document is a set of named maps sharing one replica id. It is the unit a
// sync session binds to a room and the unit a room server keeps
// authoritative state in.
type Document struct {
	replica string
	logger  logging.Logger
	events  *broker

	mu    sync.RWMutex
	maps  map[string]*Map
	hooks map[int]func(Update)
	hookN int
}

// NewDocument creates an empty document with a fresh random replica id.
func NewDocument(l logging.Logger) *Document {
	return NewDocumentWithReplica(uuid.NewString(), l)
}

// NewDocumentWithReplica creates an empty document with a fixed replica id.
func NewDocumentWithReplica(replica string, l logging.Logger) *Document {
	return &Document{
		replica: replica,
		logger:  logging.OrNop(l).With("module", "crdt", "replica", replica),
		events:  newBroker(),
		maps:    map[string]*Map{},
		hooks:   map[int]func(Update){},
	}
}

func (d *Document) Replica() string { return d.replica }

// Map returns the named map, creating it on first use.
func (d *Document) Map(name string) *Map {
	d.mu.RLock()
	m, ok := d.maps[name]
	d.mu.RUnlock()
	if ok {
		return m
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.maps[name]; ok {
		return m
	}
	m = newMap(name, d.replica, d.events)
	m.onLocal = func(delta Delta) { d.emitLocal(name, delta) }
	d.maps[name] = m
	return m
}

// Names returns the names of all maps created so far, sorted.
func (d *Document) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.maps))
	for n := range d.maps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OnUpdate registers fn to receive every local mutation as an Update,
// synchronously and in the caller's goroutine. The returned func removes it.
func (d *Document) OnUpdate(fn func(Update)) func() {
	d.mu.Lock()
	id := d.hookN
	d.hookN++
	d.hooks[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.hooks, id)
		d.mu.Unlock()
	}
}

func (d *Document) emitLocal(name string, delta Delta) {
	d.mu.RLock()
	hooks := make([]func(Update), 0, len(d.hooks))
	for _, h := range d.hooks {
		hooks = append(hooks, h)
	}
	d.mu.RUnlock()

	u := Update{Version: DeltaVersion, Maps: map[string]Delta{name: delta}}
	for _, h := range hooks {
		h(u)
	}
}

// Apply merges a remote update. Maps unknown to this document are created.
// Application stops at the first invalid map delta; maps merged before it
// stay merged, which is harmless since merges are idempotent.
func (d *Document) Apply(u Update) error {
	names := make([]string, 0, len(u.Maps))
	for n := range u.Maps {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := d.Map(n).Merge(u.Maps[n]); err != nil {
			return err
		}
	}
	return nil
}

// Summary returns the causal context of every map.
func (d *Document) Summary() map[string]DotSet {
	d.mu.RLock()
	maps := make(map[string]*Map, len(d.maps))
	for n, m := range d.maps {
		maps[n] = m
	}
	d.mu.RUnlock()

	out := make(map[string]DotSet, len(maps))
	for n, m := range maps {
		out[n] = m.Context()
	}
	return out
}

// Diff returns the update a peer with the given summary is missing. Maps
// the peer already has in full are omitted.
func (d *Document) Diff(summary map[string]DotSet) Update {
	d.mu.RLock()
	maps := make(map[string]*Map, len(d.maps))
	for n, m := range d.maps {
		maps[n] = m
	}
	d.mu.RUnlock()

	u := Update{Version: DeltaVersion, Maps: map[string]Delta{}}
	for n, m := range maps {
		delta := m.Diff(summary[n])
		if !delta.IsEmpty() {
			u.Maps[n] = delta
		}
	}
	return u
}

// State returns the full document state as one update.
func (d *Document) State() Update {
	return d.Diff(nil)
}

// Subscribe returns a channel receiving an Event for every visible change
// in any map of the document.
func (d *Document) Subscribe() (<-chan Event, func()) {
	return d.events.subscribe()
}

// Observe calls fn for every visible change on a dedicated goroutine. A
// failing or panicking fn is logged and does not affect merges or other
// observers.
func (d *Document) Observe(fn func(Event) error) func() {
	return d.events.observe(d.logger, fn)
}
