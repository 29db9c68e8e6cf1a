package crypto

import (
	"crypto/rand"
	"fmt"
)

// GenerateNonce produces a fresh random 24-byte nonce.
//
// Every encryption call must use a nonce from this function. Reusing a nonce
// under the same key pair for different plaintexts breaks the box
// construction, so nonces are never derived, counted or cached; each one is
// drawn from crypto/rand and a failing random source is a hard error.
func GenerateNonce() ([24]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}
