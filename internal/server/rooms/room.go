package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/crdt"
	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/dmitrijs2005/crdtsign/internal/protocol"
	"github.com/dmitrijs2005/crdtsign/internal/storage/roomlog"
)

type State int

const (
	StateAbsent State = iota
	StateInitializing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Room holds the authoritative document of one room, its members and its
// log writer. All membership changes and merges happen under mu, which is
// what orders catch-up before live traffic for a joining client.
type Room struct {
	name   string
	logger logging.Logger

	ready   chan struct{}
	initErr error

	mu      sync.Mutex
	state   State
	doc     *crdt.Document
	writer  *logWriter
	clients map[uint64]*Conn
}

func newRoom(name string, l logging.Logger) *Room {
	return &Room{
		name:    name,
		logger:  l.With("room", name),
		ready:   make(chan struct{}),
		state:   StateInitializing,
		doc:     crdt.NewDocumentWithReplica("server:"+name, l),
		clients: map[uint64]*Conn{},
	}
}

func (r *Room) Name() string { return r.name }

func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Document is the room's authoritative state. Callers must treat it as
// read-only.
func (r *Room) Document() *crdt.Document { return r.doc }

// Members returns the number of connected clients.
func (r *Room) Members() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// init opens the log, replays it and compacts it when it has grown past
// compactAt records.
func (r *Room) init(ctx context.Context, opener roomlog.Opener, compactAt int) error {
	l, err := opener.Open(ctx, r.name)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}

	records, skipped := 0, 0
	err = l.Replay(ctx, func(b []byte) error {
		records++
		u, err := crdt.DecodeUpdate(b)
		if err != nil {
			skipped++
			r.logger.Warn(ctx, "skipping undecodable log record", "index", records-1, "error", err)
			return nil
		}
		if err := r.doc.Apply(u); err != nil {
			skipped++
			r.logger.Warn(ctx, "skipping invalid log record", "index", records-1, "error", err)
		}
		return nil
	})
	if err != nil {
		_ = l.Close()
		return fmt.Errorf("replay log: %w", err)
	}
	r.logger.Info(ctx, "room loaded", "records", records, "skipped", skipped)

	if compactAt > 0 && records > compactAt {
		r.compact(ctx, l, records)
	}

	r.mu.Lock()
	r.writer = newLogWriter(l, r.logger)
	r.state = StateActive
	r.mu.Unlock()
	return nil
}

func (r *Room) compact(ctx context.Context, l roomlog.Log, records int) {
	state, err := r.doc.State().Encode()
	if err != nil {
		r.logger.Error(ctx, "compaction skipped", "error", err)
		return
	}
	if err := l.Compact(ctx, state); err != nil {
		r.logger.Error(ctx, "compaction failed", "error", err)
		return
	}
	r.logger.Info(ctx, "log compacted", "records", records, "bytes", len(state))
}

func (r *Room) join(id uint64, replica string, summary protocol.Summary, queue int) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateActive {
		return nil, fmt.Errorf("room %q is %s: %w", r.name, r.state, ErrShuttingDown)
	}

	step2, err := protocol.Step2(r.doc.Diff(summary))
	if err != nil {
		return nil, err
	}
	step1, err := protocol.Step1(r.doc.Summary())
	if err != nil {
		return nil, err
	}
	catchUp, err := step2.Encode()
	if err != nil {
		return nil, err
	}
	hello, err := step1.Encode()
	if err != nil {
		return nil, err
	}

	c := newConn(id, replica, r, queue)
	c.out <- catchUp
	c.out <- hello
	r.clients[id] = c
	return c, nil
}

func (r *Room) submit(from *Conn, update []byte, seq uint64) error {
	u, err := crdt.DecodeUpdate(update)
	if err != nil {
		return err
	}
	fwd, err := protocol.UpdateFrame(0, update).Encode()
	if err != nil {
		return err
	}
	ack, err := protocol.Ack(seq).Encode()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[from.id]; !ok {
		return fmt.Errorf("%w: connection %d is not a member of %q", common.ErrConnection, from.id, r.name)
	}
	if err := r.doc.Apply(u); err != nil {
		return err
	}

	var slow []*Conn
	for id, c := range r.clients {
		if id == from.id {
			continue
		}
		if !c.enqueue(fwd) {
			slow = append(slow, c)
		}
	}
	r.writer.enqueue(update)
	if !from.enqueue(ack) {
		slow = append(slow, from)
	}
	for _, c := range slow {
		r.dropLocked(c, ErrSlowConsumer)
	}
	return nil
}

func (r *Room) ack(c *Conn, seq uint64) {
	b, err := protocol.Ack(seq).Encode()
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.id]; !ok {
		return
	}
	if !c.enqueue(b) {
		r.dropLocked(c, ErrSlowConsumer)
	}
}

func (r *Room) remove(c *Conn, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(c, reason)
}

func (r *Room) dropLocked(c *Conn, reason error) {
	if _, ok := r.clients[c.id]; !ok {
		c.finish(reason)
		return
	}
	delete(r.clients, c.id)
	c.finish(reason)
	if errors.Is(reason, ErrSlowConsumer) {
		r.logger.Warn(context.Background(), "disconnecting slow consumer", "conn", c.id, "replica", c.replica)
	}
}

// close disconnects every member, drains the log writer and closes the
// log.
func (r *Room) close(ctx context.Context) error {
	r.mu.Lock()
	r.state = StateClosed
	for _, c := range r.clients {
		r.dropLocked(c, ErrShuttingDown)
	}
	w := r.writer
	r.mu.Unlock()

	if w == nil {
		return nil
	}
	if err := w.close(ctx); err != nil {
		return fmt.Errorf("room %q: %w", r.name, err)
	}
	return nil
}
