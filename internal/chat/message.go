// Package chat implements the per-conversation message pipeline: encrypted
// send with dual-transport delivery, decryption of incoming and historical
// messages, and the reconciliation that keeps a transcript correct when
// messages and keys arrive in either order.
package chat

import (
	"encoding/base64"
	"time"

	"github.com/veilchat/messenger/internal/crypto"
	"github.com/veilchat/messenger/internal/transport"
)

// DecryptionState tracks a message through reconciliation.
type DecryptionState int

const (
	StateDecrypted DecryptionState = iota + 1
	StateAwaitingKey
	StateFailed
)

func (s DecryptionState) String() string {
	switch s {
	case StateDecrypted:
		return "DECRYPTED"
	case StateAwaitingKey:
		return "AWAITING_KEY"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Envelope is the encrypted body of one message. Immutable once built.
type Envelope struct {
	CipherText      []byte
	Nonce           [24]byte
	SenderPublicKey [32]byte
}

// senderKey returns the key attached to the envelope, if any.
func (e Envelope) senderKey() ([32]byte, bool) {
	var zero [32]byte
	if e.SenderPublicKey == zero {
		return zero, false
	}
	return e.SenderPublicKey, true
}

// Message is one transcript entry. The envelope never changes after
// construction; decryption state and plaintext are owned by the session's
// reconciliation, read state by the side channels.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	Envelope   Envelope
	CreatedAt  time.Time
	Read       bool
	State      DecryptionState
	Plaintext  string

	// Key used by the last failed decryption attempt. A Failed message is
	// only re-attempted when a different key appears.
	triedKey [32]byte
	hasTried bool
}

// DisplayText renders the message body: plaintext when decrypted, explicit
// placeholders otherwise. Never blank, never assumed plaintext.
func (m *Message) DisplayText() string {
	switch m.State {
	case StateDecrypted:
		return m.Plaintext
	case StateAwaitingKey:
		return "[encrypted message, key pending]"
	case StateFailed:
		return "[message could not be decrypted]"
	default:
		return "[encrypted message]"
	}
}

// newMessageFromWire builds a transcript entry from a relay message. Returns
// nil for entries without an id. A malformed envelope, or one the relay
// stored unencrypted, yields a message already in Failed state: there is no
// plaintext rendering path, and the failure stays contained to that entry.
func newMessageFromWire(w transport.WireMessage) *Message {
	if w.ID == "" {
		return nil
	}

	m := &Message{
		ID:         w.ID,
		SenderID:   w.SenderID,
		ReceiverID: w.ReceiverID,
		CreatedAt:  w.CreatedAt,
		Read:       w.Read,
		State:      StateAwaitingKey,
	}

	if !w.IsEncrypted {
		m.State = StateFailed
		return m
	}

	cipherText, err := base64.StdEncoding.DecodeString(w.EncryptedMessage)
	if err != nil || len(cipherText) == 0 {
		m.State = StateFailed
		return m
	}
	nonce, err := crypto.DecodeNonce(w.Nonce)
	if err != nil {
		m.State = StateFailed
		return m
	}

	m.Envelope = Envelope{CipherText: cipherText, Nonce: nonce}
	if w.SenderPublicKey != "" {
		key, err := crypto.DecodeKey(w.SenderPublicKey)
		if err != nil {
			m.State = StateFailed
			return m
		}
		m.Envelope.SenderPublicKey = key
	}
	return m
}
