package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// GenerateKeyPair generates a fresh X25519 keypair for the box construction.
// The random source is crypto/rand; if it fails the error is returned and the
// caller must treat identity setup as failed. There is no fallback source.
//
// Returns:
//   - KeyPair containing the public and secret keys
//   - error if the system random source is unavailable
func GenerateKeyPair() (*KeyPair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	return &KeyPair{
		PublicKey: *pub,
		SecretKey: *sec,
	}, nil
}

// Validate checks that neither half of the keypair is the zero value. A
// persisted keypair failing this check must be discarded and regenerated,
// never used.
func (kp *KeyPair) Validate() error {
	if kp == nil {
		return fmt.Errorf("%w: nil keypair", ErrInvalidKeyLength)
	}
	if isZeroKey(kp.PublicKey) {
		return fmt.Errorf("%w: zero public key", ErrInvalidKeyLength)
	}
	if isZeroKey(kp.SecretKey) {
		return fmt.Errorf("%w: zero secret key", ErrInvalidKeyLength)
	}
	return nil
}

func isZeroKey(key [32]byte) bool {
	var zero [32]byte
	return key == zero
}
