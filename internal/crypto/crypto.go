// Package crypto provides the cryptographic primitives for VeilChat messaging.
//
// This package implements:
//   - X25519 identity keypairs for the NaCl box construction
//   - Authenticated public-key encryption (curve25519-xsalsa20-poly1305)
//   - Random 24-byte nonce generation
//   - Detached Ed25519 signatures for authenticity without confidentiality
//   - BLAKE3 public-key fingerprints for display and logging
package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	// KeySize is the byte length of X25519 public and secret keys.
	KeySize = 32

	// NonceSize is the byte length of a box nonce.
	NonceSize = 24
)

var (
	// ErrInvalidKeyLength is returned when a key is missing, malformed or
	// does not decode to exactly KeySize bytes.
	ErrInvalidKeyLength = errors.New("key must be exactly 32 bytes")

	// ErrInvalidNonceLength is returned when a nonce does not decode to
	// exactly NonceSize bytes.
	ErrInvalidNonceLength = errors.New("nonce must be exactly 24 bytes")

	// ErrDecryptFailed is returned when an envelope cannot be opened: wrong
	// keys, tampered ciphertext or a malformed payload. Callers must treat
	// it as a per-message failure, never a fatal condition.
	ErrDecryptFailed = errors.New("decryption failed")
)

// KeyPair is a long-lived X25519 identity keypair. Exactly one exists per
// installation; the identity store owns its lifecycle.
type KeyPair struct {
	PublicKey [32]byte
	SecretKey [32]byte
}

// SealedBox is the output of one Encrypt call: the authenticated ciphertext
// and the fresh nonce it was sealed under.
type SealedBox struct {
	CipherText []byte
	Nonce      [24]byte
}

// EncodeKey returns the base64 wire encoding of a key.
func EncodeKey(key [32]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// DecodeKey parses a base64-encoded key from the wire. Any malformed input,
// bad encoding or wrong decoded length, is reported as ErrInvalidKeyLength.
func DecodeKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("%w: invalid base64", ErrInvalidKeyLength)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// EncodeNonce returns the base64 wire encoding of a nonce.
func EncodeNonce(nonce [24]byte) string {
	return base64.StdEncoding.EncodeToString(nonce[:])
}

// DecodeNonce parses a base64-encoded nonce from the wire.
func DecodeNonce(s string) ([24]byte, error) {
	var nonce [24]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nonce, fmt.Errorf("%w: invalid base64", ErrInvalidNonceLength)
	}
	if len(raw) != NonceSize {
		return nonce, fmt.Errorf("%w: got %d bytes", ErrInvalidNonceLength, len(raw))
	}
	copy(nonce[:], raw)
	return nonce, nil
}

// Fingerprint computes a BLAKE3 fingerprint of a public key for display.
// It carries no trust semantics; it exists so operators and logs can refer
// to a key without printing the key itself.
func Fingerprint(publicKey [32]byte) string {
	sum := blake3.Sum256(publicKey[:])
	return "BLAKE3:" + hex.EncodeToString(sum[:])
}

// ShortFingerprint returns the first 8 bytes of the fingerprint digest as
// hex, compact enough for structured log fields.
func ShortFingerprint(publicKey [32]byte) string {
	sum := blake3.Sum256(publicKey[:])
	return hex.EncodeToString(sum[:8])
}
