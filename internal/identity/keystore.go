package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/veilchat/messenger/internal/crypto"
)

const (
	// Argon2id parameters (recommended values for interactive use)
	argon2Time    = 3     // Number of iterations
	argon2Memory  = 65536 // Memory in KiB (64 MiB)
	argon2Threads = 4     // Parallelism factor
	argon2KeyLen  = 32    // Output key length (AES-256)
	saltSize      = 32    // Salt size in bytes
	gcmNonceSize  = 12    // AES-GCM nonce size in bytes

	keystoreVersion = 1 // Keystore format version

	kdfArgon2id = "argon2id"
	kdfNone     = "none"

	// The sealed payload is the 64-byte concatenation publicKey || secretKey.
	keypairBlobSize = 2 * crypto.KeySize
)

var (
	// ErrInvalidPassphrase is returned when the passphrase fails to open a
	// sealed keystore entry. It is NOT a corruption signal: the entry may be
	// perfectly valid under the right passphrase, so callers must never
	// respond by regenerating the identity.
	ErrInvalidPassphrase = errors.New("invalid passphrase")

	// ErrCorruptKeystore is returned for blobs that no passphrase could ever
	// open: bad JSON, unsupported versions, malformed payloads. The store
	// treats these as absent and regenerates.
	ErrCorruptKeystore = errors.New("corrupt keystore entry")

	// ErrPassphraseRequired is returned when a sealed entry is opened with an
	// empty passphrase.
	ErrPassphraseRequired = errors.New("keystore is sealed, passphrase required")
)

// Entry is the persisted keystore blob. With KDF "none" the keypair bytes are
// stored as-is in Ciphertext; with "argon2id" they are sealed under
// AES-256-GCM with a key derived from the passphrase.
type Entry struct {
	Version       int    `json:"version"`                  // Format version (currently 1)
	KDF           string `json:"kdf"`                      // "argon2id" or "none"
	Argon2Time    int    `json:"argon2_time,omitempty"`    // Argon2 time parameter
	Argon2Memory  int    `json:"argon2_memory,omitempty"`  // Argon2 memory in KiB
	Argon2Threads int    `json:"argon2_threads,omitempty"` // Argon2 parallelism
	Salt          []byte `json:"salt,omitempty"`           // Random salt for KDF
	Nonce         []byte `json:"nonce,omitempty"`          // Random nonce for AES-GCM
	Ciphertext    []byte `json:"ciphertext"`               // Keypair bytes, sealed or plain
}

// Seal serializes a keypair into a keystore blob.
//
// With an empty passphrase the keypair is stored unencrypted (acceptable only
// when the backing store itself is protected); otherwise it is encrypted with
// AES-256-GCM under an Argon2id-derived key.
func Seal(kp *crypto.KeyPair, passphrase string) ([]byte, error) {
	if err := kp.Validate(); err != nil {
		return nil, err
	}

	payload := make([]byte, 0, keypairBlobSize)
	payload = append(payload, kp.PublicKey[:]...)
	payload = append(payload, kp.SecretKey[:]...)

	var entry *Entry
	if passphrase == "" {
		entry = &Entry{
			Version:    keystoreVersion,
			KDF:        kdfNone,
			Ciphertext: payload,
		}
	} else {
		sealed, err := sealWithPassphrase(payload, passphrase)
		if err != nil {
			return nil, err
		}
		entry = sealed
	}

	blob, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal keystore entry: %w", err)
	}
	return blob, nil
}

// Unseal parses a keystore blob back into a keypair.
//
// Error contract: ErrPassphraseRequired and ErrInvalidPassphrase mean the
// blob is sealed and the caller's passphrase is missing or wrong;
// ErrCorruptKeystore means the blob is unrecoverable regardless of
// passphrase. Callers branch on this distinction (see Store).
func Unseal(blob []byte, passphrase string) (*crypto.KeyPair, error) {
	var entry Entry
	if err := json.Unmarshal(blob, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
	}
	if entry.Version != keystoreVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptKeystore, entry.Version)
	}

	var payload []byte
	switch entry.KDF {
	case kdfNone:
		payload = entry.Ciphertext

	case kdfArgon2id:
		if passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		opened, err := openWithPassphrase(&entry, passphrase)
		if err != nil {
			return nil, err
		}
		payload = opened

	default:
		return nil, fmt.Errorf("%w: unsupported KDF %q", ErrCorruptKeystore, entry.KDF)
	}

	if len(payload) != keypairBlobSize {
		return nil, fmt.Errorf("%w: keypair payload is %d bytes", ErrCorruptKeystore, len(payload))
	}

	kp := &crypto.KeyPair{}
	copy(kp.PublicKey[:], payload[:crypto.KeySize])
	copy(kp.SecretKey[:], payload[crypto.KeySize:])

	if err := kp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
	}
	return kp, nil
}

// IsSealed reports whether the blob requires a passphrase to open. Malformed
// blobs report false; Unseal surfaces the real error.
func IsSealed(blob []byte) bool {
	var entry Entry
	if err := json.Unmarshal(blob, &entry); err != nil {
		return false
	}
	return entry.KDF == kdfArgon2id
}

// sealWithPassphrase encrypts the keypair payload using Argon2id + AES-256-GCM.
func sealWithPassphrase(payload []byte, passphrase string) (*Entry, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	derivedKey := argon2.IDKey(
		[]byte(passphrase),
		salt,
		argon2Time,
		argon2Memory,
		argon2Threads,
		argon2KeyLen,
	)

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := newGCM(derivedKey)
	if err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, payload, nil)

	return &Entry{
		Version:       keystoreVersion,
		KDF:           kdfArgon2id,
		Argon2Time:    argon2Time,
		Argon2Memory:  argon2Memory,
		Argon2Threads: argon2Threads,
		Salt:          salt,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
	}, nil
}

// openWithPassphrase decrypts a sealed entry using the stored Argon2id
// parameters, so entries written under older tunings keep opening.
func openWithPassphrase(entry *Entry, passphrase string) ([]byte, error) {
	if len(entry.Nonce) != gcmNonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrCorruptKeystore, len(entry.Nonce))
	}
	if len(entry.Salt) == 0 {
		return nil, fmt.Errorf("%w: missing salt", ErrCorruptKeystore)
	}
	// Reject parameters the KDF would panic on.
	if entry.Argon2Time < 1 || entry.Argon2Memory < 1 || entry.Argon2Threads < 1 || entry.Argon2Threads > 255 {
		return nil, fmt.Errorf("%w: bad KDF parameters", ErrCorruptKeystore)
	}

	derivedKey := argon2.IDKey(
		[]byte(passphrase),
		entry.Salt,
		uint32(entry.Argon2Time),
		uint32(entry.Argon2Memory),
		uint8(entry.Argon2Threads),
		argon2KeyLen,
	)

	gcm, err := newGCM(derivedKey)
	if err != nil {
		return nil, err
	}

	// GCM cannot distinguish a wrong passphrase from tampering; report the
	// recoverable interpretation and let the operator retry.
	payload, err := gcm.Open(nil, entry.Nonce, entry.Ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return payload, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
