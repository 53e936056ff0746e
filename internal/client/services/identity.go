package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dmitrijs2005/crdtsign/internal/client/models"
	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/cryptox"
	"github.com/dmitrijs2005/crdtsign/internal/filex"
	"github.com/dmitrijs2005/crdtsign/internal/retention"
)

const cacheDir = "cache"

// dateLayout renders dates in validation messages.
const dateLayout = "January 2, 2006 (15:04:05)"

var (
	ErrAlreadyRegistered = errors.New("identity already registered")
	ErrNoIdentity        = errors.New("no identity registered")
	ErrLocked            = errors.New("signing key is locked")
)

// Validation is the outcome of ValidateRecord.
type Validation struct {
	Record models.SignatureRecord
	// Verified reports whether the signature matches the signer's key.
	Verified bool
	Expired  bool
	// Valid is Verified && !Expired.
	Valid     bool
	Effective *time.Time
	Message   string
}

func profilePath(dir, userID string) string {
	return filepath.Join(dir, cacheDir, "user_"+userID+".json")
}

// loadIdentity picks up the cached profile, if any, and tries to load an
// unsealed key. A sealed key leaves the service locked until Unlock.
func (s *signatureService) loadIdentity(ctx context.Context) error {
	matches, err := filepath.Glob(filepath.Join(s.dir, cacheDir, "user_*.json"))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Strings(matches)
	if len(matches) > 1 {
		s.logger.Warn(ctx, "several cached profiles, using the first", "path", matches[0])
	}

	var p models.Profile
	if _, err := filex.ReadJSON(matches[0], &p); err != nil {
		return fmt.Errorf("%w: read profile: %v", common.ErrPersistence, err)
	}
	s.mu.Lock()
	s.profile = &p
	s.mu.Unlock()

	switch err := s.Unlock(nil); {
	case err == nil:
	case errors.Is(err, cryptox.ErrPassphraseRequired):
		s.logger.Info(ctx, "signing key is sealed", "user_id", p.UserID)
	default:
		s.logger.Warn(ctx, "signing key unavailable", "user_id", p.UserID, "error", err)
	}
	return nil
}

// RegisterUser creates the local identity: a new keypair written to the
// storage dir (sealed when passphrase is non-empty), the profile cache and
// the published user record.
func (s *signatureService) RegisterUser(ctx context.Context, username string, passphrase []byte) (models.Profile, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return models.Profile{}, fmt.Errorf("%w: username is required", common.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile != nil && s.profile.Username != "" {
		return models.Profile{}, fmt.Errorf("%w as %s", ErrAlreadyRegistered, s.profile.Username)
	}

	kp, err := cryptox.GenerateKeyPair()
	if err != nil {
		return models.Profile{}, err
	}
	if _, err := filex.EnsureDir(filepath.Join(s.dir, cacheDir)); err != nil {
		return models.Profile{}, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	if err := cryptox.SaveKeyPair(s.dir, kp, passphrase); err != nil {
		return models.Profile{}, fmt.Errorf("%w: %w", common.ErrPersistence, err)
	}

	p := models.Profile{UserID: models.NewUserID(), Username: username, RegistrationDate: s.now()}
	if s.profile != nil && s.profile.UserID != "" {
		p.UserID = s.profile.UserID
	}
	if err := filex.WriteJSON(profilePath(s.dir, p.UserID), p, 0o600); err != nil {
		return models.Profile{}, fmt.Errorf("%w: write profile: %v", common.ErrPersistence, err)
	}

	u := models.UserRecord{ID: p.UserID, Name: p.Username, PublicKey: kp.PublicKeyHex(), CreatedOn: p.RegistrationDate}
	if _, err := s.users.Put(u.ID, u); err != nil {
		return models.Profile{}, err
	}

	s.profile, s.keys = &p, kp
	s.logger.Info(ctx, "user registered", "user_id", p.UserID, "fingerprint", cryptox.Fingerprint(kp.Public))
	return p, nil
}

// Unlock loads the signing key from the storage dir.
func (s *signatureService) Unlock(passphrase []byte) error {
	kp, err := cryptox.LoadKeyPair(s.dir, passphrase)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile != nil {
		if pub, err := s.GetPublicKey(s.profile.UserID); err == nil && pub != kp.PublicKeyHex() {
			s.logger.Warn(context.Background(), "local key differs from published key", "user_id", s.profile.UserID)
		}
	}
	s.keys = kp
	return nil
}

func (s *signatureService) Profile() (models.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return models.Profile{}, false
	}
	return *s.profile, true
}

func (s *signatureService) identity() (models.Profile, *cryptox.KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil || s.profile.Username == "" {
		return models.Profile{}, nil, ErrNoIdentity
	}
	if s.keys == nil {
		return models.Profile{}, nil, ErrLocked
	}
	return *s.profile, s.keys, nil
}

// SignFile hashes the file at path, signs the digest with the local key
// and adds the resulting record.
func (s *signatureService) SignFile(ctx context.Context, path string, expiration *time.Time) (models.SignatureRecord, error) {
	p, kp, err := s.identity()
	if err != nil {
		return models.SignatureRecord{}, err
	}
	digest, err := cryptox.HashFile(path)
	if err != nil {
		return models.SignatureRecord{}, fmt.Errorf("hash %s: %w", path, err)
	}
	sig, err := cryptox.SignDigest(digest, kp.Private)
	if err != nil {
		return models.SignatureRecord{}, err
	}

	id, err := s.AddRecord(ctx, NewSignature{
		FileName:       filepath.Base(path),
		FileHash:       hex.EncodeToString(digest),
		Signature:      sig,
		UserID:         p.UserID,
		Username:       p.Username,
		ExpirationDate: expiration,
	})
	if err != nil {
		return models.SignatureRecord{}, err
	}
	return s.GetRecord(id)
}

// ValidateRecord checks the record's signature against the signer's
// published key and its effective expiration.
func (s *signatureService) ValidateRecord(id string) (Validation, error) {
	r, err := s.GetRecord(id)
	if err != nil {
		return Validation{}, err
	}
	pub, err := s.GetPublicKey(r.UserID)
	if err != nil {
		return Validation{}, err
	}
	digest, err := hex.DecodeString(r.FileHash)
	if err != nil {
		return Validation{}, fmt.Errorf("%w: file hash is not hex: %v", common.ErrCrypto, err)
	}
	ok, err := s.Verify(digest, r.Signature, pub)
	if err != nil {
		return Validation{}, err
	}

	now := s.now()
	res := s.EvaluateRetention(r, s.policy, now)
	v := Validation{
		Record:    r,
		Verified:  ok,
		Expired:   res.Expired,
		Valid:     ok && !res.Expired,
		Effective: res.Effective,
	}
	v.Message = validationMessage(v, now)
	return v, nil
}

func validationMessage(v Validation, now time.Time) string {
	switch {
	case v.Expired:
		return "Signature expired on " + v.Effective.Local().Format(dateLayout)
	case !v.Verified:
		return "Signature does not match the signer's public key"
	case v.Effective != nil:
		return fmt.Sprintf("Signature valid until %s (%s)",
			v.Effective.Local().Format(dateLayout), retention.Humanize(*v.Effective, now))
	default:
		return "No expiration date set"
	}
}
