// Package snapshot persists the full state of replicated maps as opaque,
// re-appliable blobs (one per collection) and restores them by merging.
package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/crdt"
	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/dmitrijs2005/crdtsign/internal/storage/blob"
	"github.com/dmitrijs2005/crdtsign/internal/storage/compress"
)

// Blob names of the two client collections.
const (
	SignaturesBlob = "signatures.bin"
	UsersBlob      = "users.bin"
)

type Store struct {
	blobs  blob.Store
	tag    compress.Tag
	logger logging.Logger
}

func New(blobs blob.Store, tag compress.Tag, l logging.Logger) *Store {
	return &Store{blobs: blobs, tag: tag, logger: logging.OrNop(l).With("module", "snapshot")}
}

// Save writes the full state of m under name. On failure the previously
// stored blob is left as it was.
func (s *Store) Save(ctx context.Context, name string, m *crdt.Map) error {
	raw, err := crdt.EncodeDelta(m.Name(), m.State())
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	packed, err := compress.Pack(raw, s.tag)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	if err := s.blobs.Put(ctx, name, packed); err != nil {
		return fmt.Errorf("%w: %w", common.ErrPersistence, err)
	}
	s.logger.Debug(ctx, "snapshot saved", "location", s.blobs.Location(name), "records", m.Len(), "bytes", len(packed))
	return nil
}

// Load merges the blob stored under name into m. A missing blob is not an
// error: m stays as it is and found is false.
func (s *Store) Load(ctx context.Context, name string, m *crdt.Map) (found bool, err error) {
	packed, err := s.blobs.Get(ctx, name)
	if errors.Is(err, common.ErrNotFound) {
		s.logger.Info(ctx, "no snapshot found, starting empty", "location", s.blobs.Location(name))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", common.ErrPersistence, err)
	}
	raw, err := compress.Unpack(packed)
	if err != nil {
		return true, fmt.Errorf("%w: %s: %v", common.ErrDecode, s.blobs.Location(name), err)
	}
	u, err := crdt.DecodeUpdate(raw)
	if err != nil {
		return true, err
	}
	delta, ok := u.Maps[m.Name()]
	if !ok {
		s.logger.Warn(ctx, "snapshot holds no state for map", "location", s.blobs.Location(name), "map", m.Name())
		return true, nil
	}
	if err := m.Merge(delta); err != nil {
		return true, err
	}
	s.logger.Info(ctx, "snapshot loaded", "location", s.blobs.Location(name), "records", m.Len())
	return true, nil
}
