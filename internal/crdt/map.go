// Package crdt implements the replicated map behind the signature and user
// collections: a delta-state observed-remove map whose merge is idempotent,
// commutative and associative, so replicas converge regardless of delivery
// order or duplication.
package crdt

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/dmitrijs2005/crdtsign/internal/codec"
	"github.com/dmitrijs2005/crdtsign/internal/common"
)

// Map is one replica of a replicated string-keyed map with opaque CBOR
// values.
//
// Every Put mints a new dot and supersedes the dots it observed for the
// key. Delete removes exactly the dots it observed, so a concurrent Put
// survives it (add-wins). Concurrent Puts to one key both stay live and the
// visible value is the entry with the greatest (Lamport, Replica) pair,
// which every replica picks identically.
type Map struct {
	name    string
	replica string

	mu      sync.RWMutex
	entries map[string][]Entry
	ctx     DotSet
	clock   uint64

	events  *broker
	onLocal func(Delta)
}

// NewMap returns an empty map replica. replica must be unique among all
// writers of the map.
func NewMap(name, replica string) *Map {
	return newMap(name, replica, newBroker())
}

func newMap(name, replica string, b *broker) *Map {
	return &Map{
		name:    name,
		replica: replica,
		entries: map[string][]Entry{},
		ctx:     DotSet{},
		events:  b,
	}
}

func (m *Map) Name() string    { return m.name }
func (m *Map) Replica() string { return m.replica }

// Put sets key to value and returns the delta to ship to other replicas.
func (m *Map) Put(key string, value []byte) Delta {
	m.mu.Lock()
	dot := Dot{Replica: m.replica, Counter: m.ctx.Max(m.replica) + 1}
	m.clock++
	e := Entry{Dot: dot, Lamport: m.clock, Value: append(codec.RawMessage(nil), value...)}

	var covered DotSet
	for _, old := range m.entries[key] {
		covered.Add(old.Dot)
	}
	covered.Add(dot)

	m.entries[key] = []Entry{e}
	m.ctx.Add(dot)
	m.mu.Unlock()

	d := Delta{Entries: map[string][]Entry{key: {e}}, Context: covered}
	m.localChange(d, Event{Map: m.name, Key: key, Kind: EventPut, Origin: OriginLocal})
	return d
}

// Delete removes key. Deleting a key that is not present locally is a no-op
// and returns an empty delta and false.
func (m *Map) Delete(key string) (Delta, bool) {
	m.mu.Lock()
	old, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return Delta{}, false
	}
	var covered DotSet
	for _, e := range old {
		covered.Add(e.Dot)
	}
	delete(m.entries, key)
	m.mu.Unlock()

	d := Delta{Context: covered}
	m.localChange(d, Event{Map: m.name, Key: key, Kind: EventDelete, Origin: OriginLocal})
	return d, true
}

func (m *Map) localChange(d Delta, ev Event) {
	m.mu.RLock()
	hook := m.onLocal
	m.mu.RUnlock()
	if hook != nil {
		hook(d)
	}
	m.events.publish([]Event{ev})
}

// Get returns the visible value for key.
func (m *Map) Get(key string) (codec.RawMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := winner(m.entries[key])
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Keys returns the present keys in ascending order.
func (m *Map) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of present keys.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Snapshot returns the visible value of every key, ordered by key.
func (m *Map) Snapshot() []codec.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]codec.RawMessage, 0, len(keys))
	for _, k := range keys {
		if e, ok := winner(m.entries[k]); ok {
			out = append(out, e.Value)
		}
	}
	return out
}

// Context returns a copy of the causal context, the compact summary a peer
// needs to compute what this replica is missing.
func (m *Map) Context() DotSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ctx.Clone()
}

// Merge joins d into the map. It is safe to merge the same delta any number
// of times and in any order relative to other deltas.
func (m *Map) Merge(d Delta) error {
	for key, es := range d.Entries {
		for _, e := range es {
			if e.Dot.Counter == 0 || e.Dot.Replica == "" {
				return fmt.Errorf("%w: invalid dot for key %q", common.ErrDecode, key)
			}
			if !d.Context.Contains(e.Dot) {
				return fmt.Errorf("%w: dot %s:%d outside delta context", common.ErrDecode, e.Dot.Replica, e.Dot.Counter)
			}
		}
	}

	m.mu.Lock()
	var evs []Event
	touched := make(map[string]struct{}, len(d.Entries))
	for k := range d.Entries {
		touched[k] = struct{}{}
	}
	if !d.Context.IsEmpty() {
		for k, es := range m.entries {
			for _, e := range es {
				if d.Context.Contains(e.Dot) {
					touched[k] = struct{}{}
					break
				}
			}
		}
	}

	for key := range touched {
		before, hadBefore := winner(m.entries[key])
		merged := joinEntries(m.entries[key], m.ctx, d.Entries[key], d.Context)
		if len(merged) == 0 {
			delete(m.entries, key)
		} else {
			m.entries[key] = merged
		}
		for _, e := range merged {
			if e.Lamport > m.clock {
				m.clock = e.Lamport
			}
		}
		after, hasAfter := winner(merged)
		switch {
		case hadBefore && !hasAfter:
			evs = append(evs, Event{Map: m.name, Key: key, Kind: EventDelete, Origin: OriginRemote})
		case hasAfter && (!hadBefore || before.Dot != after.Dot):
			evs = append(evs, Event{Map: m.name, Key: key, Kind: EventPut, Origin: OriginRemote})
		}
	}
	m.ctx.Merge(d.Context)
	m.mu.Unlock()

	sort.Slice(evs, func(i, j int) bool { return evs[i].Key < evs[j].Key })
	m.events.publish(evs)
	return nil
}

// Diff returns everything a replica whose causal context is summary lacks:
// live entries it has not seen, plus every dot this replica knows to be
// dead so the peer drops them too.
func (m *Map) Diff(summary DotSet) Delta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var alive DotSet
	for _, es := range m.entries {
		for _, e := range es {
			alive.Add(e.Dot)
		}
	}
	unseen := m.ctx.Subtract(summary)
	cover := m.ctx.Subtract(alive)
	cover.Merge(unseen)

	d := Delta{Context: cover}
	for key, es := range m.entries {
		for _, e := range es {
			if unseen.Contains(e.Dot) {
				if d.Entries == nil {
					d.Entries = map[string][]Entry{}
				}
				d.Entries[key] = append(d.Entries[key], e)
			}
		}
	}
	return d
}

// State returns the full state as a delta; merging it into an empty map
// reproduces this one.
func (m *Map) State() Delta {
	return m.Diff(nil)
}

// Subscribe returns a channel that receives an Event for every visible
// change made after the call. Call cancel to stop and close the channel.
func (m *Map) Subscribe() (<-chan Event, func()) {
	return m.events.subscribe()
}

// joinEntries keeps an entry when both sides hold it, or when one side
// holds it and the other side has never observed its dot.
func joinEntries(local []Entry, localCtx DotSet, remote []Entry, remoteCtx DotSet) []Entry {
	out := make([]Entry, 0, len(local)+len(remote))
	inLocal := make(map[Dot]struct{}, len(local))
	for _, e := range local {
		inLocal[e.Dot] = struct{}{}
	}
	inRemote := make(map[Dot]struct{}, len(remote))
	for _, e := range remote {
		inRemote[e.Dot] = struct{}{}
	}
	for _, e := range local {
		if _, ok := inRemote[e.Dot]; ok || !remoteCtx.Contains(e.Dot) {
			out = append(out, e)
		}
	}
	for _, e := range remote {
		if _, ok := inLocal[e.Dot]; ok {
			continue
		}
		if !localCtx.Contains(e.Dot) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func less(a, b Entry) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport < b.Lamport
	}
	if a.Dot.Replica != b.Dot.Replica {
		return a.Dot.Replica < b.Dot.Replica
	}
	if a.Dot.Counter != b.Dot.Counter {
		return a.Dot.Counter < b.Dot.Counter
	}
	return bytes.Compare(a.Value, b.Value) < 0
}

// winner picks the visible entry: greatest (Lamport, Replica, Counter).
func winner(es []Entry) (Entry, bool) {
	if len(es) == 0 {
		return Entry{}, false
	}
	best := es[0]
	for _, e := range es[1:] {
		if less(best, e) {
			best = e
		}
	}
	return best, true
}
