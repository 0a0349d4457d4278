// Package keyring implements per-conversation key agreement and
// authenticated encryption for the Meridian client core.
//
// Private conversations derive their symmetric key on demand from the local
// identity key and the peer's public key (X25519 + HKDF-SHA256). Group
// conversations use a random group key that is wrapped individually for each
// member under the member's derived shared key.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of all symmetric and asymmetric key material.
	KeySize = 32

	// sharedKeyInfo binds derived keys to this application.
	sharedKeyInfo = "meridian-shared-key-v1"
)

var (
	// ErrKeyDerivation indicates malformed key material was supplied to a
	// derivation operation.
	ErrKeyDerivation = errors.New("key derivation failed")

	// ErrDecryption indicates a ciphertext could not be authenticated or
	// decrypted with the supplied key.
	ErrDecryption = errors.New("decryption failed")
)

// PublicKey is an exportable X25519 public key.
type PublicKey []byte

// PrivateKey is an X25519 private key. It is held only on-device and is
// never written unencrypted to remote storage.
type PrivateKey []byte

// Key is a 32-byte symmetric key handle.
type Key []byte

// Identity is a user's long-term asymmetric key pair.
type Identity struct {
	UserID  string
	Public  PublicKey
	Private PrivateKey
}

// GenerateIdentityKeys generates a fresh X25519 identity key pair for userID.
// The private key is clamped per RFC 7748.
func GenerateIdentityKeys(userID string) (*Identity, error) {
	priv := make([]byte, KeySize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute public key: %w", err)
	}

	return &Identity{UserID: userID, Public: pub, Private: priv}, nil
}

// DeriveSharedKey performs X25519 key agreement followed by HKDF-SHA256 and
// returns a symmetric key. The derivation is symmetric:
// DeriveSharedKey(a.priv, b.pub) equals DeriveSharedKey(b.priv, a.pub).
func DeriveSharedKey(priv PrivateKey, pub PublicKey) (Key, error) {
	if len(priv) != KeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrKeyDerivation, KeySize)
	}
	if len(pub) != KeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", ErrKeyDerivation, KeySize)
	}

	secret, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	defer zeroBytes(secret)

	// Nil salt keeps the derivation order-independent for the two parties.
	reader := hkdf.New(sha256.New, secret, nil, []byte(sharedKeyInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}

	return key, nil
}

// Encrypt seals plaintext with XChaCha20-Poly1305. The random nonce is
// prefixed to the returned ciphertext, so the result is self-contained.
// Encrypting the same plaintext twice yields different ciphertexts.
func Encrypt(plaintext []byte, key Key) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func Decrypt(ciphertext []byte, key Key) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	nonce := ciphertext[:nonceSize]
	plaintext, err := aead.Open(nil, nonce, ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	return plaintext, nil
}

// IssueGroupKey generates a fresh random group key, independent of any
// participant's identity key.
func IssueGroupKey() (Key, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate group key: %w", err)
	}
	return key, nil
}

// WrapGroupKey encrypts a group key under a member's derived shared key and
// returns the base64 text form stored in conversation documents.
func WrapGroupKey(group Key, shared Key) (string, error) {
	sealed, err := Encrypt(group, shared)
	if err != nil {
		return "", fmt.Errorf("failed to wrap group key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// UnwrapGroupKey recovers a group key from its wrapped entry. A wrong shared
// key, or an entry wrapped under a rotated group key, fails with ErrDecryption.
func UnwrapGroupKey(wrapped string, shared Key) (Key, error) {
	sealed, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid wrapped entry encoding", ErrDecryption)
	}

	key, err := Decrypt(sealed, shared)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: unwrapped key has wrong size", ErrDecryption)
	}

	return key, nil
}

// Fingerprint returns a short hex fingerprint of public key material. Cache
// entries derived from a public key are valid only while the fingerprint of
// the currently known key matches.
func Fingerprint(pub PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
