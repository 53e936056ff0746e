// Package blob stores named opaque blobs, either as files in a directory or
// as objects in an S3-compatible bucket. Client snapshots go through it.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/filex"
)

// Store reads and replaces whole blobs. Get of an unknown name returns an
// error wrapping common.ErrNotFound.
type Store interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
	// Location describes where name lives, for log messages.
	Location(name string) string
}

// FileStore keeps each blob as a file under a directory. Writes are atomic.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filex.EnsureDir(dir)
	if err != nil {
		return nil, err
	}
	return &FileStore{dir: abs}, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: bad blob name %q", common.ErrInvalidArgument, name)
	}
	return filepath.Join(s.dir, name), nil
}

func (s *FileStore) Get(_ context.Context, name string) ([]byte, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	b, err := filex.ReadFile(p)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%s: %w", p, common.ErrNotFound)
	}
	return b, nil
}

func (s *FileStore) Put(_ context.Context, name string, data []byte) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	return filex.WriteFile(p, data, os.FileMode(0o600))
}

func (s *FileStore) Location(name string) string {
	return filepath.Join(s.dir, name)
}
