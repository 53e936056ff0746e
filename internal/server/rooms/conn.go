package rooms

import (
	"errors"
	"sync"
)

var (
	// ErrSlowConsumer ends a connection whose send queue overflowed.
	ErrSlowConsumer = errors.New("send queue overflow")
	// ErrShuttingDown ends connections when the hub closes.
	ErrShuttingDown = errors.New("room server shutting down")
)

// Conn is one client's membership in a room. The transport drains Out
// and stops when Done is closed.
type Conn struct {
	id      uint64
	replica string
	room    *Room

	out  chan []byte
	done chan struct{}
	once sync.Once
	err  error
}

func newConn(id uint64, replica string, r *Room, queue int) *Conn {
	return &Conn{
		id:      id,
		replica: replica,
		room:    r,
		out:     make(chan []byte, queue),
		done:    make(chan struct{}),
	}
}

func (c *Conn) ID() uint64      { return c.id }
func (c *Conn) Replica() string { return c.replica }
func (c *Conn) Room() *Room     { return c.room }

// Out yields encoded frames in the order they were queued.
func (c *Conn) Out() <-chan []byte { return c.out }

// Done is closed once the connection has been removed from its room.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err tells why the connection was removed: nil after Leave,
// ErrSlowConsumer or ErrShuttingDown otherwise.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// enqueue must be called with the room lock held.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Submit merges an encoded update from this connection into the room,
// forwards it to the other members and acknowledges seq.
func (c *Conn) Submit(update []byte, seq uint64) error {
	return c.room.submit(c, update, seq)
}

// Ack queues an acknowledgement of seq without touching room state.
func (c *Conn) Ack(seq uint64) {
	c.room.ack(c, seq)
}

// Leave removes the connection from its room. It is safe to call more
// than once.
func (c *Conn) Leave() {
	c.room.remove(c, nil)
}
