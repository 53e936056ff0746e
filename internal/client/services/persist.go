package services

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/crdtsign/internal/storage/snapshot"
)

// Persist writes both collections to their snapshots. A failed write
// leaves that collection's previous snapshot in place and keeps the
// service dirty so the next flush retries.
func (s *signatureService) Persist(ctx context.Context) error {
	s.dirty.Store(false)
	err := errors.Join(
		s.snapshots.Save(ctx, snapshot.SignaturesBlob, s.signatures.Map()),
		s.snapshots.Save(ctx, snapshot.UsersBlob, s.users.Map()),
	)
	if err != nil {
		s.dirty.Store(true)
		s.logger.Error(ctx, "persist failed", "error", err)
		return err
	}
	return nil
}

func (s *signatureService) flushLoop(every time.Duration) {
	defer close(s.flushDone)
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-s.stopFlush:
			return
		case <-t.C:
			if !s.dirty.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), every)
			_ = s.Persist(ctx)
			cancel()
		}
	}
}

func (s *signatureService) Connect(ctx context.Context, addr string) error {
	return s.session.Connect(ctx, addr)
}

func (s *signatureService) Disconnect(ctx context.Context) error {
	return s.session.Disconnect(ctx)
}

func (s *signatureService) Connected() bool { return s.session.Connected() }

func (s *signatureService) Synced() <-chan struct{} { return s.session.Synced() }

func (s *signatureService) Flush(ctx context.Context) error { return s.session.Flush(ctx) }

// Close stops the periodic flush, disconnects and persists a final time.
// Later calls return nil.
func (s *signatureService) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.stopFlush != nil {
			close(s.stopFlush)
			<-s.flushDone
		}
		if s.unobserve != nil {
			s.unobserve()
		}
		err = errors.Join(s.session.Disconnect(ctx), s.Persist(ctx))
	})
	return err
}
