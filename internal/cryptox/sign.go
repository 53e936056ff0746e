// Package cryptox implements the signing side of crdtsign: Ed25519 identity
// keys persisted as hex artifacts, SHA-256 file digests, and detached
// signatures over those digests.
package cryptox

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dmitrijs2005/crdtsign/internal/common"
)

// DigestSize is the length of a SHA-256 digest in bytes.
const DigestSize = sha256.Size

// Digest returns the SHA-256 digest of data.
func Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HashReader streams r through SHA-256.
func HashReader(r io.Reader) ([]byte, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// HashFile returns the SHA-256 digest of the file at path without loading
// it into memory.
func HashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return HashReader(f)
}

// SignDigest signs a 32-byte digest and returns the hex signature.
func SignDigest(digest []byte, priv ed25519.PrivateKey) (string, error) {
	if len(digest) != DigestSize {
		return "", fmt.Errorf("%w: digest must be %d bytes, got %d", common.ErrCrypto, DigestSize, len(digest))
	}
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("%w: bad private key size %d", common.ErrCrypto, len(priv))
	}
	return hex.EncodeToString(ed25519.Sign(priv, digest)), nil
}

// Sign hashes data and signs the digest.
func Sign(data []byte, priv ed25519.PrivateKey) (string, error) {
	return SignDigest(Digest(data), priv)
}

// Verify checks a hex signature over digest against a hex public key. A
// well-formed signature that does not match returns (false, nil); malformed
// key or signature bytes return an error wrapping common.ErrCrypto.
func Verify(digest []byte, signatureHex, publicKeyHex string) (bool, error) {
	if len(digest) != DigestSize {
		return false, fmt.Errorf("%w: digest must be %d bytes, got %d", common.ErrCrypto, DigestSize, len(digest))
	}
	pub, err := ParsePublicKey(publicKeyHex)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil {
		return false, fmt.Errorf("%w: signature is not hex: %v", common.ErrCrypto, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: bad signature size %d", common.ErrCrypto, len(sig))
	}
	return ed25519.Verify(pub, digest, sig), nil
}

// ParsePublicKey decodes a hex Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not hex: %v", common.ErrCrypto, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad public key size %d", common.ErrCrypto, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// Fingerprint returns a short hex id of a public key: the first 10 bytes of
// its SHA-256.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}
