// Package services contains the application service of the crdtsign
// client. SignatureService ties the replicated document, the sync session,
// snapshots, signing keys and the retention policy together behind one
// facade used by the CLI.
package services

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/crdtsign/internal/client/client"
	"github.com/dmitrijs2005/crdtsign/internal/client/models"
	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/crdt"
	"github.com/dmitrijs2005/crdtsign/internal/cryptox"
	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/dmitrijs2005/crdtsign/internal/retention"
	"github.com/dmitrijs2005/crdtsign/internal/storage/snapshot"
	"google.golang.org/grpc"
)

// SignatureService defines the operations the CLI performs on the shared
// signature and user collections.
//
// Contract:
//   - Record and user lookups read the local document and never block on
//     the network.
//   - Mutations apply locally first and are pushed to the room while
//     connected; offline edits are exchanged on the next Connect.
//   - Nothing is written to disk until Persist (or the periodic flush).
type SignatureService interface {
	AddRecord(ctx context.Context, ns NewSignature) (string, error)
	RemoveRecord(ctx context.Context, id string) error
	ListRecords() []models.SignatureRecord
	GetRecord(id string) (models.SignatureRecord, error)
	ListUsers() []models.UserRecord
	GetPublicKey(userID string) (string, error)

	Sign(data []byte, priv ed25519.PrivateKey) (string, error)
	Verify(digest []byte, signatureHex, publicKeyHex string) (bool, error)
	VerifyFile(path, signatureHex, publicKeyHex string) (bool, error)
	EvaluateRetention(r models.SignatureRecord, p retention.Policy, now time.Time) retention.Result
	Policy() retention.Policy

	RegisterUser(ctx context.Context, username string, passphrase []byte) (models.Profile, error)
	Unlock(passphrase []byte) error
	Profile() (models.Profile, bool)
	SignFile(ctx context.Context, path string, expiration *time.Time) (models.SignatureRecord, error)
	ValidateRecord(id string) (Validation, error)

	Persist(ctx context.Context) error
	Connect(ctx context.Context, addr string) error
	Disconnect(ctx context.Context) error
	Connected() bool
	Synced() <-chan struct{}
	Flush(ctx context.Context) error
	Events() (<-chan crdt.Event, func())
	Close(ctx context.Context) error
}

// NewSignature is the caller-supplied part of a signature record. The id
// is assigned by AddRecord; a zero SignedOn means now.
type NewSignature struct {
	FileName       string
	FileHash       string
	Signature      string
	UserID         string
	Username       string
	SignedOn       time.Time
	ExpirationDate *time.Time
}

// Options configures a SignatureService.
type Options struct {
	// StorageDir holds the key artifacts and the profile cache, and the
	// snapshots when Snapshots is nil.
	StorageDir string
	Room       string
	Snapshots  *snapshot.Store
	Policy     retention.Policy
	// PersistInterval enables the periodic flush; zero disables it.
	PersistInterval time.Duration
	DialOptions     []grpc.DialOption
	Clock           func() time.Time
}

type signatureService struct {
	dir        string
	doc        *crdt.Document
	signatures crdt.Typed[models.SignatureRecord]
	users      crdt.Typed[models.UserRecord]
	session    *client.Session
	snapshots  *snapshot.Store
	policy     retention.Policy
	now        func() time.Time
	logger     logging.Logger

	mu      sync.RWMutex
	profile *models.Profile
	keys    *cryptox.KeyPair

	dirty     atomic.Bool
	unobserve func()
	stopFlush chan struct{}
	flushDone chan struct{}
	closeOnce sync.Once
}

// NewSignatureService loads both collections from their snapshots, picks
// up a cached identity if one exists and starts the periodic flush.
func NewSignatureService(ctx context.Context, o Options, l logging.Logger) (SignatureService, error) {
	if o.StorageDir == "" {
		return nil, fmt.Errorf("%w: storage dir is required", common.ErrInvalidArgument)
	}
	logger := logging.OrNop(l).With("module", "services")

	snaps := o.Snapshots
	if snaps == nil {
		var err error
		if snaps, err = fileSnapshots(o.StorageDir, defaultCompression, l); err != nil {
			return nil, err
		}
	}
	clock := o.Clock
	if clock == nil {
		clock = time.Now
	}

	doc := crdt.NewDocument(l)
	s := &signatureService{
		dir:        o.StorageDir,
		doc:        doc,
		signatures: crdt.NewTyped[models.SignatureRecord](doc.Map(common.SignaturesMap)),
		users:      crdt.NewTyped[models.UserRecord](doc.Map(common.UsersMap)),
		session:    client.NewSession(doc, o.Room, l, o.DialOptions...),
		snapshots:  snaps,
		policy:     o.Policy,
		now:        clock,
		logger:     logger,
	}

	if err := s.loadSnapshots(ctx); err != nil {
		return nil, err
	}
	if err := s.loadIdentity(ctx); err != nil {
		return nil, err
	}

	s.unobserve = doc.Observe(func(crdt.Event) error {
		s.dirty.Store(true)
		return nil
	})
	if o.PersistInterval > 0 {
		s.stopFlush = make(chan struct{})
		s.flushDone = make(chan struct{})
		go s.flushLoop(o.PersistInterval)
	}
	return s, nil
}

func (s *signatureService) loadSnapshots(ctx context.Context) error {
	for _, p := range []struct {
		blob string
		m    *crdt.Map
	}{
		{snapshot.SignaturesBlob, s.signatures.Map()},
		{snapshot.UsersBlob, s.users.Map()},
	} {
		_, err := s.snapshots.Load(ctx, p.blob, p.m)
		switch {
		case errors.Is(err, common.ErrDecode):
			s.logger.Error(ctx, "snapshot unreadable, starting collection empty", "blob", p.blob, "error", err)
		case err != nil:
			return fmt.Errorf("load %s: %w", p.blob, err)
		}
	}
	return nil
}

func (s *signatureService) AddRecord(ctx context.Context, ns NewSignature) (string, error) {
	if ns.SignedOn.IsZero() {
		ns.SignedOn = s.now()
	}
	r := models.SignatureRecord{
		ID:             models.NewRecordID(),
		FileName:       strings.TrimSpace(ns.FileName),
		FileHash:       strings.ToLower(strings.TrimSpace(ns.FileHash)),
		Signature:      strings.ToLower(strings.TrimSpace(ns.Signature)),
		UserID:         ns.UserID,
		Username:       ns.Username,
		SignedOn:       ns.SignedOn,
		ExpirationDate: ns.ExpirationDate,
	}
	if err := r.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrInvalidArgument, err)
	}
	if digest, err := hex.DecodeString(r.FileHash); err != nil || len(digest) != cryptox.DigestSize {
		return "", fmt.Errorf("%w: file hash must be a hex SHA-256 digest", common.ErrInvalidArgument)
	}

	if _, err := s.signatures.Put(r.ID, r); err != nil {
		return "", err
	}
	s.logger.Info(ctx, "record added", "id", r.ID, "file", r.FileName)
	return r.ID, nil
}

func (s *signatureService) RemoveRecord(ctx context.Context, id string) error {
	if _, ok := s.signatures.Delete(id); !ok {
		return fmt.Errorf("record %s: %w", id, common.ErrNotFound)
	}
	s.logger.Info(ctx, "record removed", "id", id)
	return nil
}

// ListRecords returns every visible record ordered by signing time, with
// RetentionExpiration set where the policy overrides the user's choice.
func (s *signatureService) ListRecords() []models.SignatureRecord {
	rs, bad := s.signatures.Snapshot()
	if bad > 0 {
		s.logger.Warn(context.Background(), "skipped undecodable records", "count", bad)
	}
	for i := range rs {
		s.deriveRetention(&rs[i])
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].SignedOn.Equal(rs[j].SignedOn) {
			return rs[i].SignedOn.Before(rs[j].SignedOn)
		}
		return rs[i].ID < rs[j].ID
	})
	return rs
}

func (s *signatureService) GetRecord(id string) (models.SignatureRecord, error) {
	r, ok, err := s.signatures.Get(id)
	if err != nil {
		return models.SignatureRecord{}, err
	}
	if !ok {
		return models.SignatureRecord{}, fmt.Errorf("record %s: %w", id, common.ErrNotFound)
	}
	s.deriveRetention(&r)
	return r, nil
}

func (s *signatureService) deriveRetention(r *models.SignatureRecord) {
	res := s.policy.Evaluate(r.SignedOn, r.ExpirationDate, s.now())
	r.RetentionExpiration = nil
	if res.Overridden {
		r.RetentionExpiration = res.Effective
	}
}

// ListUsers returns every published identity ordered by name.
func (s *signatureService) ListUsers() []models.UserRecord {
	us, bad := s.users.Snapshot()
	if bad > 0 {
		s.logger.Warn(context.Background(), "skipped undecodable users", "count", bad)
	}
	sort.SliceStable(us, func(i, j int) bool {
		if us[i].Name != us[j].Name {
			return us[i].Name < us[j].Name
		}
		return us[i].ID < us[j].ID
	})
	return us
}

func (s *signatureService) GetPublicKey(userID string) (string, error) {
	u, ok, err := s.users.Get(userID)
	if err != nil {
		return "", err
	}
	if !ok || u.PublicKey == "" {
		return "", fmt.Errorf("public key of %s: %w", userID, common.ErrNotFound)
	}
	return u.PublicKey, nil
}

func (s *signatureService) Sign(data []byte, priv ed25519.PrivateKey) (string, error) {
	return cryptox.Sign(data, priv)
}

func (s *signatureService) Verify(digest []byte, signatureHex, publicKeyHex string) (bool, error) {
	return cryptox.Verify(digest, signatureHex, publicKeyHex)
}

// VerifyFile checks signatureHex against the SHA-256 digest of the file at
// path. The file does not have to belong to any record.
func (s *signatureService) VerifyFile(path, signatureHex, publicKeyHex string) (bool, error) {
	digest, err := cryptox.HashFile(path)
	if err != nil {
		return false, fmt.Errorf("hash %s: %w", path, err)
	}
	return cryptox.Verify(digest, signatureHex, publicKeyHex)
}

func (s *signatureService) EvaluateRetention(r models.SignatureRecord, p retention.Policy, now time.Time) retention.Result {
	return p.Evaluate(r.SignedOn, r.ExpirationDate, now)
}

func (s *signatureService) Policy() retention.Policy { return s.policy }

func (s *signatureService) Events() (<-chan crdt.Event, func()) {
	return s.doc.Subscribe()
}
