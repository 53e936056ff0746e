// Package rooms is the room server core: a hub of named rooms, each with
// an authoritative replicated document, its connected clients and a
// durable update log.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/dmitrijs2005/crdtsign/internal/protocol"
	"github.com/dmitrijs2005/crdtsign/internal/storage/roomlog"
)

const (
	DefaultQueueSize = 256
	minQueueSize     = 4
)

type Options struct {
	// QueueSize is the per-client send queue length.
	QueueSize int
	// CompactThreshold triggers log compaction on room load when the log
	// holds more records. Zero disables compaction.
	CompactThreshold int
}

// Hub owns the room table. Its lock only guards the table; rooms lock
// independently so they never block each other.
type Hub struct {
	opener roomlog.Opener
	opts   Options
	logger logging.Logger

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool

	nextID atomic.Uint64
}

func NewHub(opener roomlog.Opener, opts Options, l logging.Logger) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.QueueSize < minQueueSize {
		opts.QueueSize = minQueueSize
	}
	return &Hub{
		opener: opener,
		opts:   opts,
		logger: logging.OrNop(l).With("module", "rooms"),
		rooms:  map[string]*Room{},
	}
}

// Room returns the named room, creating and loading it on first use.
// Concurrent callers for a room that is still initializing wait for it.
// A room whose load failed is forgotten so the next call retries.
func (h *Hub) Room(ctx context.Context, name string) (*Room, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrShuttingDown
	}
	r, ok := h.rooms[name]
	if !ok {
		r = newRoom(name, h.logger)
		h.rooms[name] = r
	}
	h.mu.Unlock()

	if ok {
		select {
		case <-r.ready:
			return r, r.initErr
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	err := r.init(context.WithoutCancel(ctx), h.opener, h.opts.CompactThreshold)
	if err != nil {
		r.initErr = fmt.Errorf("room %q: %w", name, err)
		h.mu.Lock()
		if h.rooms[name] == r {
			delete(h.rooms, name)
		}
		h.mu.Unlock()
		h.logger.Error(ctx, "room load failed", "room", name, "error", err)
	}
	close(r.ready)
	return r, r.initErr
}

// Join registers a client in room after queueing its catch-up: a
// SyncStep2 with everything summary lacks, then the room's own SyncStep1.
func (h *Hub) Join(ctx context.Context, room, replica string, summary protocol.Summary) (*Conn, error) {
	r, err := h.Room(ctx, room)
	if err != nil {
		return nil, err
	}
	c, err := r.join(h.nextID.Add(1), replica, summary, h.opts.QueueSize)
	if err != nil {
		return nil, err
	}
	h.logger.Info(ctx, "client joined", "room", room, "replica", replica, "conn", c.id)
	return c, nil
}

// Rooms lists the names of loaded rooms.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.rooms))
	for n := range h.rooms {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Close disconnects all clients and closes every room log. A failing room
// is logged and does not stop the others; all failures are returned
// joined.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	var errs []error
	for _, r := range rooms {
		select {
		case <-r.ready:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("room %q: %w", r.name, ctx.Err()))
			continue
		}
		if r.initErr != nil {
			continue
		}
		if err := r.close(ctx); err != nil {
			h.logger.Error(ctx, "room close failed", "room", r.name, "error", err)
			errs = append(errs, err)
		}
	}
	if err := h.opener.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log backend: %w", err))
	}
	return errors.Join(errs...)
}
