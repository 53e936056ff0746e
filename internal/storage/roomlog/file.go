package roomlog

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/filex"
	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/dmitrijs2005/crdtsign/internal/storage/compress"
)

// maxRecordSize bounds a single framed record.
const maxRecordSize = 64 << 20

var errTornRecord = errors.New("torn record")

// FileOpener opens file-backed logs under one store directory.
type FileOpener struct {
	dir    string
	tag    compress.Tag
	logger logging.Logger
}

// NewFileOpener creates dir if needed.
func NewFileOpener(dir string, tag compress.Tag, l logging.Logger) (*FileOpener, error) {
	abs, err := filex.EnsureDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrPersistence, err)
	}
	return &FileOpener{dir: abs, tag: tag, logger: logging.OrNop(l).With("module", "roomlog")}, nil
}

func (o *FileOpener) Dir() string { return o.dir }

func (o *FileOpener) Open(ctx context.Context, room string) (Log, error) {
	name, err := FileName(room)
	if err != nil {
		return nil, err
	}
	return OpenFile(ctx, filepath.Join(o.dir, name), o.tag, o.logger.With("room", room))
}

func (o *FileOpener) Close() error { return nil }

// FileLog stores records as uvarint(len) | packed update | crc32 in one
// file. A torn or corrupt tail left by a crash is cut off on open.
type FileLog struct {
	path   string
	tag    compress.Tag
	logger logging.Logger

	mu    sync.Mutex
	f     *os.File
	count int
	size  int64
}

// OpenFile opens or creates the log at path.
func OpenFile(ctx context.Context, path string, tag compress.Tag, l logging.Logger) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", common.ErrPersistence, path, err)
	}
	lg := &FileLog{path: path, tag: tag, logger: logging.OrNop(l), f: f}

	count, good, err := scan(f, nil)
	if err != nil && !errors.Is(err, errTornRecord) {
		_ = f.Close()
		return nil, fmt.Errorf("%w: scan %s: %w", common.ErrPersistence, path, err)
	}
	if errors.Is(err, errTornRecord) {
		lg.logger.Warn(ctx, "truncating torn log tail", "path", path, "valid_bytes", good, "records", count)
		if err := f.Truncate(good); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: truncate %s: %w", common.ErrPersistence, path, err)
		}
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: seek %s: %w", common.ErrPersistence, path, err)
	}
	lg.count, lg.size = count, good
	return lg, nil
}

func (l *FileLog) Path() string { return l.path }

func (l *FileLog) Append(_ context.Context, update []byte) error {
	rec, err := frame(update, l.tag)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("%w: log %s is closed", common.ErrPersistence, l.path)
	}
	if _, err := l.f.Write(rec); err != nil {
		return fmt.Errorf("%w: append %s: %w", common.ErrPersistence, l.path, err)
	}
	l.count++
	l.size += int64(len(rec))
	return nil
}

func (l *FileLog) Replay(_ context.Context, fn func([]byte) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("%w: log %s is closed", common.ErrPersistence, l.path)
	}
	r := io.NewSectionReader(l.f, 0, l.size)
	_, _, err := scan(r, fn)
	if errors.Is(err, errTornRecord) {
		return fmt.Errorf("%w: %s: %w", common.ErrPersistence, l.path, err)
	}
	return err
}

func (l *FileLog) Len(context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count, nil
}

// Compact atomically replaces the file with one record holding state.
func (l *FileLog) Compact(_ context.Context, state []byte) error {
	rec, err := frame(state, l.tag)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("%w: log %s is closed", common.ErrPersistence, l.path)
	}
	if err := filex.WriteFile(l.path, rec, 0o600); err != nil {
		return fmt.Errorf("%w: compact %s: %w", common.ErrPersistence, l.path, err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("%w: reopen %s: %w", common.ErrPersistence, l.path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: seek %s: %w", common.ErrPersistence, l.path, err)
	}
	_ = l.f.Close()
	l.f = f
	l.count = 1
	l.size = int64(len(rec))
	return nil
}

// Close syncs and closes the file. Closing twice is a no-op.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	syncErr := l.f.Sync()
	closeErr := l.f.Close()
	l.f = nil
	if err := errors.Join(syncErr, closeErr); err != nil {
		return fmt.Errorf("%w: close %s: %w", common.ErrPersistence, l.path, err)
	}
	return nil
}

func frame(update []byte, tag compress.Tag) ([]byte, error) {
	packed, err := compress.Pack(update, tag)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, binary.MaxVarintLen64+len(packed)+4)
	out = binary.AppendUvarint(out, uint64(len(packed)))
	out = append(out, packed...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(packed)), nil
}

// scan walks the records of r, calling fn (if non-nil) with each
// unpacked update. It returns the record count and the byte offset just
// past the last intact record. A damaged tail yields errTornRecord.
func scan(r io.Reader, fn func([]byte) error) (count int, good int64, err error) {
	br := bufio.NewReader(r)
	for {
		n, err := binary.ReadUvarint(br)
		if errors.Is(err, io.EOF) {
			return count, good, nil
		}
		if err != nil {
			return count, good, errTornRecord
		}
		if n == 0 || n > maxRecordSize {
			return count, good, errTornRecord
		}
		buf := make([]byte, n+4)
		if _, err := io.ReadFull(br, buf); err != nil {
			return count, good, errTornRecord
		}
		packed, sum := buf[:n], binary.BigEndian.Uint32(buf[n:])
		if crc32.ChecksumIEEE(packed) != sum {
			return count, good, errTornRecord
		}
		if fn != nil {
			update, err := compress.Unpack(packed)
			if err != nil {
				return count, good, fmt.Errorf("%w: record %d: %v", common.ErrDecode, count, err)
			}
			if err := fn(update); err != nil {
				return count, good, err
			}
		}
		count++
		good += int64(uvarintLen(n)) + int64(n) + 4
	}
}

func uvarintLen(x uint64) int {
	var b [binary.MaxVarintLen64]byte
	return binary.PutUvarint(b[:], x)
}
