package crdt

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/crdtsign/internal/logging"
)

type EventKind uint8

const (
	EventPut EventKind = iota + 1
	EventDelete
)

func (k EventKind) String() string {
	switch k {
	case EventPut:
		return "put"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Origin tells whether a change came from a local call or a merged delta.
type Origin uint8

const (
	OriginLocal Origin = iota + 1
	OriginRemote
)

// Event describes a change of the visible value of one key.
type Event struct {
	Map    string
	Key    string
	Kind   EventKind
	Origin Origin
}

// broker fans events out to subscribers. Each subscriber owns an unbounded
// mailbox drained by its own goroutine, so publishing never blocks a merge
// and no event is dropped.
type broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*mailbox
}

type mailbox struct {
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newBroker() *broker {
	return &broker{subs: map[int]*mailbox{}}
}

func (b *broker) publish(evs []Event) {
	if len(evs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, mb := range b.subs {
		mb.mu.Lock()
		if !mb.closed {
			mb.queue = append(mb.queue, evs...)
		}
		mb.mu.Unlock()
		select {
		case mb.wake <- struct{}{}:
		default:
		}
	}
}

// subscribe returns a channel receiving every event published after the
// call, and a cancel func that closes it.
func (b *broker) subscribe() (<-chan Event, func()) {
	mb := &mailbox{wake: make(chan struct{}, 1), done: make(chan struct{})}
	out := make(chan Event)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = mb
	b.mu.Unlock()

	go func() {
		defer close(out)
		for {
			mb.mu.Lock()
			batch := mb.queue
			mb.queue = nil
			mb.mu.Unlock()

			for _, ev := range batch {
				select {
				case out <- ev:
				case <-mb.done:
					return
				}
			}
			if len(batch) > 0 {
				continue
			}
			select {
			case <-mb.wake:
			case <-mb.done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			mb.mu.Lock()
			mb.closed = true
			mb.queue = nil
			mb.mu.Unlock()
			close(mb.done)
		})
	}
	return out, cancel
}

// observe runs fn for every event on its own goroutine. Errors and panics
// from fn are logged and never reach the publisher.
func (b *broker) observe(l logging.Logger, fn func(Event) error) func() {
	ch, cancel := b.subscribe()
	go func() {
		for ev := range ch {
			if err := safeCall(fn, ev); err != nil {
				l.Error(context.Background(), "observer failed", "map", ev.Map, "key", ev.Key, "error", err)
			}
		}
	}()
	return cancel
}

func safeCall(fn func(Event) error, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ev)
}
