package crypto

import (
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// Encrypt seals plaintext for a recipient using the NaCl box construction.
//
// The function:
//  1. Validates both keys
//  2. Generates a fresh random nonce
//  3. Derives the shared secret from (mySecret, theirPublic) via X25519
//  4. Encrypts and authenticates with XSalsa20-Poly1305
//
// Key symmetry: the box shared secret satisfies
// DH(secretA, publicB) == DH(secretB, publicA), so ciphertext produced with
// (secretA, publicB) opens with either (secretB, publicA) or the sender's own
// (secretA, publicB). The chat transcript relies on this to re-read sent
// messages from history without ever storing plaintext.
//
// Parameters:
//   - plaintext: Message bytes to seal (empty is valid)
//   - mySecret: Sender's X25519 secret key
//   - theirPublic: Recipient's X25519 public key
//
// Returns:
//   - SealedBox with the authenticated ciphertext and the nonce used
//   - error if keys are malformed or the random source fails
func Encrypt(plaintext []byte, mySecret, theirPublic *[32]byte) (*SealedBox, error) {
	if mySecret == nil || theirPublic == nil {
		return nil, fmt.Errorf("%w: missing key", ErrInvalidKeyLength)
	}
	if isZeroKey(*mySecret) || isZeroKey(*theirPublic) {
		return nil, fmt.Errorf("%w: zero key", ErrInvalidKeyLength)
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	cipherText := box.Seal(nil, plaintext, &nonce, theirPublic, mySecret)

	return &SealedBox{
		CipherText: cipherText,
		Nonce:      nonce,
	}, nil
}

// Decrypt opens an authenticated box ciphertext.
//
// theirPublic is the public key of the other side of the shared secret: the
// sender's key when opening a received envelope, or the recipient's key when
// the original sender re-opens its own envelope (see the symmetry note on
// Encrypt).
//
// Decrypt never panics on malformed input and never returns partial
// plaintext. Every failure mode (wrong key, tampered ciphertext or nonce,
// truncated payload) is normalized to ErrDecryptFailed so a single bad
// envelope stays a per-message condition.
//
// Parameters:
//   - cipherText: Authenticated ciphertext (Poly1305 tag included)
//   - nonce: The 24-byte nonce the box was sealed under
//   - theirPublic: Counterpart X25519 public key
//   - mySecret: Local X25519 secret key
//
// Returns:
//   - plaintext if authentication succeeds
//   - ErrDecryptFailed otherwise
func Decrypt(cipherText []byte, nonce [24]byte, theirPublic, mySecret *[32]byte) ([]byte, error) {
	if mySecret == nil || theirPublic == nil {
		return nil, fmt.Errorf("%w: missing key", ErrInvalidKeyLength)
	}
	if len(cipherText) < box.Overhead {
		return nil, fmt.Errorf("%w: ciphertext shorter than overhead", ErrDecryptFailed)
	}

	plaintext, ok := box.Open(nil, cipherText, &nonce, theirPublic, mySecret)
	if !ok {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}
