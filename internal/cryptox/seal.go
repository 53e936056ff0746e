package cryptox

import (
	"crypto/rand"
	"fmt"

	"github.com/dmitrijs2005/crdtsign/internal/common"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealVersion = 1
	saltSize    = 16
)

// DeriveKey stretches a passphrase into a 32-byte key with Argon2id.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
}

// Seal encrypts plaintext under a passphrase-derived key with
// XChaCha20-Poly1305. Layout: version | salt | nonce | ciphertext.
func Seal(plaintext, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: salt: %v", common.ErrCrypto, err)
	}
	aead, err := chacha20poly1305.NewX(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCrypto, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", common.ErrCrypto, err)
	}

	out := make([]byte, 0, 1+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, sealVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, []byte{sealVersion}), nil
}

// Open reverses Seal. A wrong passphrase or tampered blob is a
// common.ErrCrypto error.
func Open(sealed, passphrase []byte) ([]byte, error) {
	if len(sealed) < 1+saltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: sealed blob too short", common.ErrCrypto)
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("%w: unsupported seal version %d", common.ErrCrypto, sealed[0])
	}
	salt := sealed[1 : 1+saltSize]
	nonce := sealed[1+saltSize : 1+saltSize+chacha20poly1305.NonceSizeX]
	ct := sealed[1+saltSize+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCrypto, err)
	}
	pt, err := aead.Open(nil, nonce, ct, sealed[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or corrupted key", common.ErrCrypto)
	}
	return pt, nil
}
