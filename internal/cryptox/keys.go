package cryptox

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/filex"
)

// Artifact names inside the storage directory.
const (
	PrivateKeyFile = "id_key"
	PublicKeyFile  = "id_key.pub"
)

// sealedPrefix marks a passphrase-protected private key artifact.
const sealedPrefix = "sealed:"

var ErrPassphraseRequired = errors.New("private key is sealed, passphrase required")

// KeyPair is an identity's signing key.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a new random Ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", common.ErrCrypto, err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

func (k *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(k.Public)
}

// KeysExist reports which of the two artifacts are present in dir.
func KeysExist(dir string) (priv, pub bool) {
	_, errPriv := os.Stat(filepath.Join(dir, PrivateKeyFile))
	_, errPub := os.Stat(filepath.Join(dir, PublicKeyFile))
	return errPriv == nil, errPub == nil
}

// SaveKeyPair writes both artifacts into dir as hex. With a non-empty
// passphrase the private seed is sealed first.
func SaveKeyPair(dir string, kp *KeyPair, passphrase []byte) error {
	privText := hex.EncodeToString(kp.Private.Seed())
	if len(passphrase) > 0 {
		sealed, err := Seal(kp.Private.Seed(), passphrase)
		if err != nil {
			return err
		}
		privText = sealedPrefix + hex.EncodeToString(sealed)
	}
	if err := filex.WriteFile(filepath.Join(dir, PrivateKeyFile), []byte(privText), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", PrivateKeyFile, err)
	}
	if err := filex.WriteFile(filepath.Join(dir, PublicKeyFile), []byte(kp.PublicKeyHex()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", PublicKeyFile, err)
	}
	return nil
}

// LoadKeyPair reads both artifacts from dir. Either artifact missing is an
// error wrapping both common.ErrCrypto and fs.ErrNotExist; keys are never
// regenerated here.
func LoadKeyPair(dir string, passphrase []byte) (*KeyPair, error) {
	privRaw, err := os.ReadFile(filepath.Join(dir, PrivateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", common.ErrCrypto, PrivateKeyFile, err)
	}
	pubRaw, err := os.ReadFile(filepath.Join(dir, PublicKeyFile))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", common.ErrCrypto, PublicKeyFile, err)
	}

	seed, err := decodePrivate(strings.TrimSpace(string(privRaw)), passphrase)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: bad private key size %d", common.ErrCrypto, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)

	pub, err := ParsePublicKey(string(pubRaw))
	if err != nil {
		return nil, err
	}
	if !pub.Equal(priv.Public()) {
		return nil, fmt.Errorf("%w: %s does not match %s", common.ErrCrypto, PublicKeyFile, PrivateKeyFile)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

func decodePrivate(text string, passphrase []byte) ([]byte, error) {
	if hexPart, ok := strings.CutPrefix(text, sealedPrefix); ok {
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("%w: %w", common.ErrCrypto, ErrPassphraseRequired)
		}
		sealed, err := hex.DecodeString(hexPart)
		if err != nil {
			return nil, fmt.Errorf("%w: private key is not hex: %v", common.ErrCrypto, err)
		}
		return Open(sealed, passphrase)
	}
	seed, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: private key is not hex: %v", common.ErrCrypto, err)
	}
	return seed, nil
}
