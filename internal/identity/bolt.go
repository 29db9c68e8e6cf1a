package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var (
	bucketIdentity = []byte("identity")
	keyKeypair     = []byte("keypair")
)

// BoltBackend stores the keystore blob in a bolt database under a single
// well-known key. The file carries owner-only permissions; confidentiality
// beyond that comes from sealing the blob with a passphrase.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the identity database at path.
func OpenBolt(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open identity database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketIdentity)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create identity bucket: %w", err)
	}

	return &BoltBackend{db: db}, nil
}

// Load returns the stored keystore blob, or found=false when none exists.
func (b *BoltBackend) Load() ([]byte, bool, error) {
	var blob []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIdentity).Get(keyKeypair)
		if v != nil {
			// Bolt values are only valid inside the transaction.
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to load keystore blob: %w", err)
	}
	return blob, blob != nil, nil
}

// Save overwrites the stored keystore blob.
func (b *BoltBackend) Save(blob []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put(keyKeypair, blob)
	})
	if err != nil {
		return fmt.Errorf("failed to save keystore blob: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
