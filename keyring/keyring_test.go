package keyring

import (
	"bytes"
	"errors"
	"testing"
)

func TestDeriveSharedKey_Symmetry(t *testing.T) {
	alice, err := GenerateIdentityKeys("alice")
	if err != nil {
		t.Fatalf("Failed to generate alice keys: %v", err)
	}
	bob, err := GenerateIdentityKeys("bob")
	if err != nil {
		t.Fatalf("Failed to generate bob keys: %v", err)
	}

	ab, err := DeriveSharedKey(alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("Failed to derive alice->bob key: %v", err)
	}
	ba, err := DeriveSharedKey(bob.Private, alice.Public)
	if err != nil {
		t.Fatalf("Failed to derive bob->alice key: %v", err)
	}

	if !bytes.Equal(ab, ba) {
		t.Error("Shared key derivation is not symmetric")
	}
	if len(ab) != KeySize {
		t.Errorf("Expected %d-byte key, got %d", KeySize, len(ab))
	}
}

func TestDeriveSharedKey_Deterministic(t *testing.T) {
	alice, _ := GenerateIdentityKeys("alice")
	bob, _ := GenerateIdentityKeys("bob")

	k1, err := DeriveSharedKey(alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	k2, err := DeriveSharedKey(alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("Failed to derive key again: %v", err)
	}

	if !bytes.Equal(k1, k2) {
		t.Error("Same key pair must always yield the same derived key")
	}
}

func TestDeriveSharedKey_MalformedKeys(t *testing.T) {
	alice, _ := GenerateIdentityKeys("alice")

	if _, err := DeriveSharedKey(alice.Private[:16], alice.Public); !errors.Is(err, ErrKeyDerivation) {
		t.Errorf("Expected ErrKeyDerivation for short private key, got %v", err)
	}
	if _, err := DeriveSharedKey(alice.Private, nil); !errors.Is(err, ErrKeyDerivation) {
		t.Errorf("Expected ErrKeyDerivation for nil public key, got %v", err)
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key, err := IssueGroupKey()
	if err != nil {
		t.Fatalf("Failed to issue key: %v", err)
	}

	plaintext := []byte("hello, meridian")
	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	decrypted, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Failed to decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Round trip mismatch: got %q, want %q", decrypted, plaintext)
	}
}

func TestEncrypt_NonceUniqueness(t *testing.T) {
	key, _ := IssueGroupKey()
	plaintext := []byte("same message")

	c1, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	c2, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Failed to encrypt again: %v", err)
	}

	if bytes.Equal(c1, c2) {
		t.Error("Two encryptions of identical plaintext must differ")
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	key1, _ := IssueGroupKey()
	key2, _ := IssueGroupKey()

	ciphertext, _ := Encrypt([]byte("secret"), key1)
	if _, err := Decrypt(ciphertext, key2); !errors.Is(err, ErrDecryption) {
		t.Errorf("Expected ErrDecryption with wrong key, got %v", err)
	}
}

func TestDecrypt_Truncated(t *testing.T) {
	key, _ := IssueGroupKey()
	if _, err := Decrypt([]byte{0x01, 0x02}, key); !errors.Is(err, ErrDecryption) {
		t.Errorf("Expected ErrDecryption for truncated ciphertext, got %v", err)
	}
}

func TestGroupKeyWrapUnwrap(t *testing.T) {
	alice, _ := GenerateIdentityKeys("alice")
	bob, _ := GenerateIdentityKeys("bob")

	shared, err := DeriveSharedKey(alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("Failed to derive shared key: %v", err)
	}

	group, err := IssueGroupKey()
	if err != nil {
		t.Fatalf("Failed to issue group key: %v", err)
	}

	wrapped, err := WrapGroupKey(group, shared)
	if err != nil {
		t.Fatalf("Failed to wrap group key: %v", err)
	}

	unwrapped, err := UnwrapGroupKey(wrapped, shared)
	if err != nil {
		t.Fatalf("Failed to unwrap group key: %v", err)
	}
	if !bytes.Equal(unwrapped, group) {
		t.Error("Unwrapped key does not match issued group key")
	}
}

func TestUnwrapGroupKey_WrongSharedKey(t *testing.T) {
	alice, _ := GenerateIdentityKeys("alice")
	bob, _ := GenerateIdentityKeys("bob")
	eve, _ := GenerateIdentityKeys("eve")

	shared, _ := DeriveSharedKey(alice.Private, bob.Public)
	evesShared, _ := DeriveSharedKey(eve.Private, alice.Public)

	group, _ := IssueGroupKey()
	wrapped, _ := WrapGroupKey(group, shared)

	if _, err := UnwrapGroupKey(wrapped, evesShared); !errors.Is(err, ErrDecryption) {
		t.Errorf("Expected ErrDecryption for wrong shared key, got %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	alice, _ := GenerateIdentityKeys("alice")
	bob, _ := GenerateIdentityKeys("bob")

	fa := Fingerprint(alice.Public)
	if fa != Fingerprint(alice.Public) {
		t.Error("Fingerprint must be deterministic")
	}
	if fa == Fingerprint(bob.Public) {
		t.Error("Different keys must have different fingerprints")
	}
	if len(fa) != 20 {
		t.Errorf("Expected 20 hex chars, got %d", len(fa))
	}
}
