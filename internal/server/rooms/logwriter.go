package rooms

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/dmitrijs2005/crdtsign/internal/storage/roomlog"
)

// logWriter appends updates to a room log on its own goroutine. Its queue
// is unbounded so the broadcast path never waits on disk or database.
type logWriter struct {
	log    roomlog.Log
	logger logging.Logger

	mu      sync.Mutex
	pending [][]byte
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

func newLogWriter(l roomlog.Log, logger logging.Logger) *logWriter {
	w := &logWriter{
		log:     l,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *logWriter) enqueue(update []byte) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.pending = append(w.pending, update)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *logWriter) run() {
	defer close(w.stopped)
	ctx := context.Background()
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		closed := w.closed
		w.mu.Unlock()

		for _, u := range batch {
			if err := w.log.Append(ctx, u); err != nil {
				w.logger.Error(ctx, "log append failed", "error", err, "bytes", len(u))
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-w.wake
	}
}

// close stops accepting updates, waits for the queue to drain and closes
// the log.
func (w *logWriter) close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	select {
	case <-w.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.log.Close()
}
