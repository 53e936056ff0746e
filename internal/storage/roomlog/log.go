// Package roomlog is the room server's durable, append-only record of
// accepted updates, one log per room. Replaying a log into an empty
// document rebuilds the room.
package roomlog

import (
	"context"
	"fmt"
	"net/url"

	"github.com/dmitrijs2005/crdtsign/internal/common"
)

// Log is one room's update log. Implementations are safe for concurrent
// use, though the room server appends from a single goroutine.
type Log interface {
	// Append durably records one encoded update.
	Append(ctx context.Context, update []byte) error
	// Replay calls fn with every recorded update in append order. An error
	// from fn stops the replay and is returned.
	Replay(ctx context.Context, fn func(update []byte) error) error
	// Len returns the number of records.
	Len(ctx context.Context) (int, error)
	// Compact replaces all records with the single given state update.
	Compact(ctx context.Context, state []byte) error
	// Close flushes and releases the log.
	Close() error
}

// Opener creates or opens the log of a named room.
type Opener interface {
	Open(ctx context.Context, room string) (Log, error)
	Close() error
}

// FileName returns the log file name for room: <room>_store.bin with the
// room name path-escaped.
func FileName(room string) (string, error) {
	if room == "" {
		return "", fmt.Errorf("%w: empty room name", common.ErrInvalidArgument)
	}
	esc := url.PathEscape(room)
	if esc == "." || esc == ".." {
		return "", fmt.Errorf("%w: bad room name %q", common.ErrInvalidArgument, room)
	}
	return esc + "_store.bin", nil
}
