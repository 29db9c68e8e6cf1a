// Package identity owns the local long-lived keypair: load-or-generate on
// activation, sealed persistence, directory upload and explicit
// regeneration.
//
// Exactly one keypair exists per installation. Activation is single-flight:
// concurrent callers await one result, so there is no generation race. The
// keypair is immutable once Ready and may be read by any number of
// concurrent encrypt/decrypt calls.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veilchat/messenger/internal/crypto"
	"github.com/veilchat/messenger/internal/observability"
)

// State tracks the identity lifecycle.
type State int

const (
	StateUninitialized State = iota + 1
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateLoading:
		return "LOADING"
	case StateReady:
		return "READY"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ErrNotInitialized is returned by Keys before activation has reached Ready.
var ErrNotInitialized = errors.New("identity keys not initialized")

// Backend persists the keystore blob. Load reports found=false when no blob
// exists yet.
type Backend interface {
	Load() ([]byte, bool, error)
	Save(blob []byte) error
}

// Uploader publishes the public key to the directory service. The directory
// client satisfies it; a nil Uploader disables publication.
type Uploader interface {
	PublishKey(ctx context.Context, publicKey [32]byte) error
}

const uploadTimeout = 15 * time.Second

// Store manages the local identity keypair.
type Store struct {
	backend    Backend
	uploader   Uploader
	passphrase string
	log        *observability.Logger
	metrics    *observability.Metrics

	mu       sync.Mutex
	state    State
	keys     *crypto.KeyPair
	inflight chan struct{} // closed when the running activation settles
	lastErr  error
}

// NewStore creates an identity store over the given backend. The passphrase
// seals the persisted blob; empty stores it unsealed.
func NewStore(backend Backend, uploader Uploader, passphrase string, log *observability.Logger, metrics *observability.Metrics) *Store {
	return &Store{
		backend:    backend,
		uploader:   uploader,
		passphrase: passphrase,
		log:        log,
		metrics:    metrics,
		state:      StateUninitialized,
	}
}

// Activate drives the store to Ready: load the persisted keypair, or
// generate and persist a fresh one when none exists. A structurally corrupt
// or invalid stored keypair is treated as absent and overwritten; a sealed
// blob that the passphrase cannot open fails activation instead, so a typo
// cannot destroy the identity.
//
// Concurrent callers share one activation and receive its result. A Failed
// store may be activated again later.
//
// After Ready the public key is uploaded to the directory in the
// background; upload failure is logged and non-fatal.
func (s *Store) Activate(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil

	case StateLoading:
		done := s.inflight
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateReady {
			return nil
		}
		return s.lastErr
	}

	s.state = StateLoading
	done := make(chan struct{})
	s.inflight = done
	s.mu.Unlock()

	keys, generated, err := s.loadOrGenerate()
	s.settle(keys, err, done)
	if err != nil {
		return err
	}

	s.log.IdentityReady(crypto.ShortFingerprint(keys.PublicKey), generated)
	s.uploadAsync(keys.PublicKey)
	return nil
}

// Keys returns the keypair, or ErrNotInitialized before Ready.
func (s *Store) Keys() (*crypto.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return nil, ErrNotInitialized
	}
	return s.keys, nil
}

// PublicKey returns the public half of the keypair.
func (s *Store) PublicKey() ([32]byte, error) {
	kp, err := s.Keys()
	if err != nil {
		return [32]byte{}, err
	}
	return kp.PublicKey, nil
}

// State returns the current lifecycle state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the keypair is available.
func (s *Store) Ready() bool {
	return s.State() == StateReady
}

// Regenerate discards the current keypair, generates and persists a new one
// and re-uploads it. Ciphertexts sealed to the old key become permanently
// undecryptable by this identity; no migration is attempted.
func (s *Store) Regenerate(ctx context.Context) (*crypto.KeyPair, error) {
	s.mu.Lock()
	if s.state == StateLoading {
		done := s.inflight
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}

	s.state = StateLoading
	done := make(chan struct{})
	s.inflight = done
	s.mu.Unlock()

	keys, _, err := s.generate()
	s.settle(keys, err, done)
	if err != nil {
		return nil, err
	}

	s.log.IdentityReady(crypto.ShortFingerprint(keys.PublicKey), true)
	s.uploadAsync(keys.PublicKey)
	return keys, nil
}

// settle records the outcome of an activation and releases waiters.
func (s *Store) settle(keys *crypto.KeyPair, err error, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.state = StateFailed
		s.lastErr = err
		s.metrics.RecordIdentityActivation(false)
	} else {
		s.state = StateReady
		s.keys = keys
		s.lastErr = nil
		s.metrics.RecordIdentityActivation(true)
	}
	close(done)
}

func (s *Store) loadOrGenerate() (*crypto.KeyPair, bool, error) {
	blob, found, err := s.backend.Load()
	if err != nil {
		return nil, false, fmt.Errorf("keystore read failed: %w", err)
	}

	if found {
		kp, err := Unseal(blob, s.passphrase)
		switch {
		case err == nil:
			return kp, false, nil

		case errors.Is(err, ErrInvalidPassphrase), errors.Is(err, ErrPassphraseRequired):
			return nil, false, err

		default:
			s.log.Error(err, "stored identity unusable, regenerating")
		}
	}

	return s.generate()
}

// generate creates and persists a fresh keypair. The save happens before the
// keypair is handed to the caller, so a crash between generation and
// persistence cannot leave the rest of the app holding an identity that was
// never written.
func (s *Store) generate() (*crypto.KeyPair, bool, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}

	blob, err := Seal(kp, s.passphrase)
	if err != nil {
		return nil, false, err
	}
	if err := s.backend.Save(blob); err != nil {
		return nil, false, fmt.Errorf("failed to persist identity: %w", err)
	}

	return kp, true, nil
}

// uploadAsync publishes the public key without blocking Ready. The next
// activation or an explicit regeneration retries after a failure.
func (s *Store) uploadAsync(publicKey [32]byte) {
	if s.uploader == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()

		if err := s.uploader.PublishKey(ctx, publicKey); err != nil {
			s.metrics.RecordKeyUpload(false)
			s.log.KeyUploadFailed(crypto.ShortFingerprint(publicKey), err)
			return
		}
		s.metrics.RecordKeyUpload(true)
	}()
}
