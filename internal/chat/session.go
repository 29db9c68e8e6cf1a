package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veilchat/messenger/internal/crypto"
	"github.com/veilchat/messenger/internal/directory"
	"github.com/veilchat/messenger/internal/observability"
	"github.com/veilchat/messenger/internal/transport"
)

// SendState tracks one outgoing message through the send pipeline.
type SendState int

const (
	SendComposing SendState = iota + 1
	SendEncrypting
	SendSending
	SendSent
	SendBlocked
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendComposing:
		return "COMPOSING"
	case SendEncrypting:
		return "ENCRYPTING"
	case SendSending:
		return "SENDING"
	case SendSent:
		return "SENT"
	case SendBlocked:
		return "BLOCKED"
	case SendFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrKeysNotReady means the local identity has not finished activating.
	// Recoverable: the caller keeps the draft and retries after activation.
	ErrKeysNotReady = errors.New("identity keys not ready")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("chat session closed")
)

// SendResult reports where one Send call ended and with what.
//
// SendComposing: the pipeline never started (keys not ready, session
// closed); the draft is intact. SendBlocked: the recipient terminally cannot
// receive encrypted messages; nothing was transmitted and there is no
// plaintext path. SendFailed: encryption or both transports failed.
type SendResult struct {
	State     SendState
	Message   *Message // local echo, set when State == SendSent
	Transport string   // "realtime" or "fallback", set once transmission was attempted
	Err       error
}

// Identity provides the local long-lived keypair.
type Identity interface {
	Keys() (*crypto.KeyPair, error)
}

// KeyDirectory resolves counterpart public keys with caching; the directory
// KeyCache satisfies it.
type KeyDirectory interface {
	Fetch(ctx context.Context, userID string) ([32]byte, error)
	Cached(userID string) ([32]byte, bool)
	Invalidate(userID string)
}

// Realtime is the primary delivery channel.
type Realtime interface {
	Send(ctx context.Context, payload transport.SendPayload) (*transport.WireMessage, error)
	Events() <-chan *transport.Frame
	Close() error
}

// Fallback is the request/response transport: send fallback, history and
// the read/delete/clear side channels.
type Fallback interface {
	SendMessage(ctx context.Context, payload transport.SendPayload) (*transport.WireMessage, error)
	History(ctx context.Context, otherUserID string, limit int) ([]transport.WireMessage, error)
	MarkRead(ctx context.Context, otherUserID string) error
	DeleteMessage(ctx context.Context, messageID string) error
	ClearConversation(ctx context.Context, otherUserID string) error
}

const (
	// DefaultHistoryLimit bounds the initial history load.
	DefaultHistoryLimit = 50

	// DefaultEventBuffer sizes transcript subscription channels.
	DefaultEventBuffer = 32
)

// Options tunes a session; zero values take the defaults.
type Options struct {
	HistoryLimit int
	Publisher    *Publisher // shared across sessions when set
}

// Session runs the message pipeline for one conversation: encrypted sends
// over the dual transport, decryption of incoming and historical messages,
// and reconciliation when keys arrive after messages.
type Session struct {
	localID string
	peerID  string

	identity  Identity
	keys      KeyDirectory
	realtime  Realtime
	fallback  Fallback
	publisher *Publisher
	log       *observability.Logger
	metrics   *observability.Metrics

	historyLimit int

	mu          sync.Mutex
	transcript  *transcript
	closed      bool
	reconciling bool

	wg sync.WaitGroup
}

// NewSession creates the pipeline for one conversation between the local
// user and a single counterpart. realtime may be nil; sends then go straight
// to the request/response transport.
func NewSession(localID, peerID string, identity Identity, keys KeyDirectory, realtime Realtime, fallback Fallback, opts Options, log *observability.Logger, metrics *observability.Metrics) *Session {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = NewPublisher(DefaultEventBuffer)
	}

	return &Session{
		localID:      localID,
		peerID:       peerID,
		identity:     identity,
		keys:         keys,
		realtime:     realtime,
		fallback:     fallback,
		publisher:    publisher,
		log:          log.WithPeer(peerID),
		metrics:      metrics,
		historyLimit: opts.HistoryLimit,
		transcript:   newTranscript(),
	}
}

// Start opens the session: resolve the counterpart key, load recent history,
// reconcile, then begin consuming realtime pushes. A failed key fetch is not
// fatal; affected messages stay AwaitingKey until a later fetch resolves.
func (s *Session) Start(ctx context.Context) error {
	if _, err := s.keys.Fetch(ctx, s.peerID); err != nil && directory.Terminal(err) {
		// Terminal means the peer cannot be messaged, but their history is
		// still readable with whatever keys the messages carry.
		s.log.Warn("counterpart has no usable directory key")
	}

	history, err := s.fallback.History(ctx, s.peerID, s.historyLimit)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	for _, w := range history {
		m := newMessageFromWire(w)
		if m == nil || !s.relevant(m) {
			continue
		}
		if s.transcript.add(m) {
			s.publisher.publishAdded(s.peerID, m.ID)
		}
	}
	s.reconcileLocked()
	s.mu.Unlock()

	if s.realtime != nil {
		s.wg.Add(1)
		go s.eventLoop()
	}
	return nil
}

// Send encrypts plaintext for the counterpart and delivers it. The message
// is transmitted encrypted or not at all: a terminal directory error blocks
// the send, and no failure path transmits plaintext.
func (s *Session) Send(ctx context.Context, plaintext string) (*SendResult, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return &SendResult{State: SendComposing, Err: ErrSessionClosed}, ErrSessionClosed
	}

	kp, err := s.identity.Keys()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrKeysNotReady, err)
		return &SendResult{State: SendComposing, Err: err}, err
	}

	recipientKey, err := s.keys.Fetch(ctx, s.peerID)
	if err != nil {
		if directory.Terminal(err) {
			s.log.SendBlocked(s.peerID, err)
			s.metrics.RecordSendBlocked()
			return &SendResult{State: SendBlocked, Err: err}, err
		}
		return &SendResult{State: SendFailed, Err: err}, err
	}

	encryptStart := time.Now()
	box, err := crypto.Encrypt([]byte(plaintext), &kp.SecretKey, &recipientKey)
	if err != nil {
		return &SendResult{State: SendFailed, Err: err}, err
	}
	s.metrics.RecordCryptoOperation("encrypt", time.Since(encryptStart).Seconds())

	payload := transport.SendPayload{
		ReceiverID:      s.peerID,
		SenderID:        s.localID,
		CipherText:      base64.StdEncoding.EncodeToString(box.CipherText),
		Nonce:           crypto.EncodeNonce(box.Nonce),
		SenderPublicKey: crypto.EncodeKey(kp.PublicKey),
	}

	sendStart := time.Now()
	saved, channel, err := s.transmit(ctx, payload)
	if err != nil {
		s.metrics.RecordSend(channel, false, time.Since(sendStart).Seconds())
		return &SendResult{State: SendFailed, Transport: channel, Err: err}, err
	}
	s.metrics.RecordSend(channel, true, time.Since(sendStart).Seconds())

	// The plaintext is already in hand; the local echo renders without
	// decrypting our own envelope.
	echo := &Message{
		ID:         saved.ID,
		SenderID:   s.localID,
		ReceiverID: s.peerID,
		Envelope: Envelope{
			CipherText:      box.CipherText,
			Nonce:           box.Nonce,
			SenderPublicKey: kp.PublicKey,
		},
		CreatedAt: saved.CreatedAt,
		State:     StateDecrypted,
		Plaintext: plaintext,
	}
	if echo.CreatedAt.IsZero() {
		echo.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	if !s.closed && s.transcript.add(echo) {
		s.publisher.publishAdded(s.peerID, echo.ID)
	}
	s.mu.Unlock()

	s.log.MessageSent(s.peerID, echo.ID, channel)

	result := *echo
	return &SendResult{State: SendSent, Message: &result, Transport: channel}, nil
}

// transmit tries the realtime channel first, falling back to the
// request/response transport only on transient failures. Protocol
// rejections are authoritative and surface directly.
func (s *Session) transmit(ctx context.Context, payload transport.SendPayload) (*transport.WireMessage, string, error) {
	if s.realtime != nil {
		saved, err := s.realtime.Send(ctx, payload)
		if err == nil {
			return saved, "realtime", nil
		}
		if transport.IsRejection(err) || ctx.Err() != nil {
			return nil, "realtime", err
		}
		s.log.FallbackSend(s.peerID, err)
	}

	saved, err := s.fallback.SendMessage(ctx, payload)
	if err != nil {
		return nil, "fallback", err
	}
	return saved, "fallback", nil
}

// Reconcile refetches the counterpart key and re-sweeps the transcript. Safe
// to call at any time; a closed session ignores the result.
func (s *Session) Reconcile(ctx context.Context) {
	if _, err := s.keys.Fetch(ctx, s.peerID); err != nil {
		// Sweep anyway: message-attached keys may still resolve entries.
		s.log.Debug("counterpart key fetch failed before sweep")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.reconcileLocked()
}

// RefreshKey force-evicts the cached counterpart key, refetches and
// re-sweeps. Failed messages get a retry when the refreshed key differs
// from the one that failed them.
func (s *Session) RefreshKey(ctx context.Context) {
	s.keys.Invalidate(s.peerID)
	s.Reconcile(ctx)
}

// reconcileLocked re-attempts decryption for every non-decrypted message.
// Each message succeeds or fails independently; one bad envelope never
// blocks the rest.
func (s *Session) reconcileLocked() {
	kp, err := s.identity.Keys()
	if err != nil {
		return
	}

	pending := s.transcript.pending()
	if len(pending) == 0 {
		return
	}

	decrypted, failed := 0, 0
	for _, m := range pending {
		if !s.attemptDecrypt(m, kp) {
			continue
		}
		switch m.State {
		case StateDecrypted:
			decrypted++
		case StateFailed:
			failed++
		}
		s.publisher.publishUpdated(s.peerID, m.ID)
	}

	s.log.ReconcileSweep(s.peerID, len(pending), decrypted, failed)
	s.metrics.RecordReconcileSweep(decrypted, failed)
}

// attemptDecrypt tries one message with the current provenance key and
// reports whether its state changed. A Failed message is skipped until a
// different key appears.
func (s *Session) attemptDecrypt(m *Message, kp *crypto.KeyPair) bool {
	key, ok := s.decryptionKey(m)
	if !ok {
		return false
	}
	if m.hasTried && key == m.triedKey {
		return false
	}

	prev := m.State
	plaintext, err := crypto.Decrypt(m.Envelope.CipherText, m.Envelope.Nonce, &key, &kp.SecretKey)
	if err != nil {
		m.State = StateFailed
		m.triedKey = key
		m.hasTried = true
		s.log.DecryptFailed(m.ID, m.SenderID, err)
		s.metrics.RecordDecryptFailure()
		return prev != StateFailed
	}

	m.State = StateDecrypted
	m.Plaintext = string(plaintext)
	m.hasTried = false
	return true
}

// decryptionKey picks the provenance for one message: counterpart messages
// prefer the key attached to the message itself (it names the exact key the
// sender encrypted under, immune to cache staleness), falling back to the
// cached counterpart key; own messages always use the counterpart's cached
// key, which the symmetry property makes sufficient to reopen own
// ciphertext.
func (s *Session) decryptionKey(m *Message) ([32]byte, bool) {
	if m.SenderID == s.localID {
		return s.keys.Cached(s.peerID)
	}
	if key, ok := m.Envelope.senderKey(); ok {
		return key, true
	}
	return s.keys.Cached(s.peerID)
}

func (s *Session) eventLoop() {
	defer s.wg.Done()
	for frame := range s.realtime.Events() {
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame *transport.Frame) {
	switch frame.Event {
	case transport.EventNewMessage:
		var w transport.WireMessage
		if err := json.Unmarshal(frame.Data, &w); err != nil {
			s.log.Error(err, "malformed new_message push")
			return
		}
		s.handleIncoming(w)

	case transport.EventMessagesRead:
		var r transport.ReadReceipt
		if err := json.Unmarshal(frame.Data, &r); err != nil {
			s.log.Error(err, "malformed messages_read push")
			return
		}
		s.applyRead(r)

	case transport.EventMessageDeleted:
		var d transport.MessageDeleted
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			s.log.Error(err, "malformed message_deleted push")
			return
		}
		if d.SenderID == s.peerID || d.ReceiverID == s.peerID {
			s.applyDelete(d.MessageID)
		}

	case transport.EventConversationCleared:
		var c transport.ConversationCleared
		if err := json.Unmarshal(frame.Data, &c); err != nil {
			s.log.Error(err, "malformed conversation_cleared push")
			return
		}
		if c.UserID == s.peerID {
			s.applyClear()
		}
	}
}

// handleIncoming ingests one pushed message, attempts immediate decryption
// and, when the key is still missing, kicks a background fetch-and-sweep.
func (s *Session) handleIncoming(w transport.WireMessage) {
	m := newMessageFromWire(w)
	if m == nil || !s.relevant(m) {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.transcript.add(m) {
		s.mu.Unlock()
		return
	}
	s.publisher.publishAdded(s.peerID, m.ID)

	if kp, err := s.identity.Keys(); err == nil {
		if s.attemptDecrypt(m, kp) {
			s.publisher.publishUpdated(s.peerID, m.ID)
		}
	}

	needsKey := m.State == StateAwaitingKey && !s.reconciling
	if needsKey {
		s.reconciling = true
	}
	s.mu.Unlock()

	if needsKey {
		go func() {
			s.Reconcile(context.Background())
			s.mu.Lock()
			s.reconciling = false
			s.mu.Unlock()
		}()
	}
}

func (s *Session) applyRead(r transport.ReadReceipt) {
	if r.ReaderID != s.peerID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var changed []string
	if len(r.MessageIDs) > 0 {
		changed = s.transcript.markRead(r.MessageIDs)
	} else {
		changed = s.transcript.markReadFrom(s.localID)
	}
	s.mu.Unlock()

	if len(changed) > 0 {
		s.publisher.publishRead(s.peerID, changed)
	}
}

func (s *Session) applyDelete(messageID string) {
	s.mu.Lock()
	removed := !s.closed && s.transcript.remove(messageID)
	s.mu.Unlock()

	if removed {
		s.publisher.publishDeleted(s.peerID, messageID)
	}
}

func (s *Session) applyClear() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.transcript.clear()
	s.mu.Unlock()

	s.publisher.publishCleared(s.peerID)
}

// MarkRead marks the counterpart's messages read locally and notifies the
// relay, which pushes messages_read to the counterpart. Read state never
// touches envelopes or decryption state.
func (s *Session) MarkRead(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	changed := s.transcript.markReadFrom(s.peerID)
	s.mu.Unlock()

	if len(changed) > 0 {
		s.publisher.publishRead(s.peerID, changed)
	}
	return s.fallback.MarkRead(ctx, s.peerID)
}

// DeleteMessage deletes one of the local user's messages on the relay, then
// removes it from the transcript.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	if err := s.fallback.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.applyDelete(messageID)
	return nil
}

// ClearConversation removes the conversation on the relay and locally.
func (s *Session) ClearConversation(ctx context.Context) error {
	if err := s.fallback.ClearConversation(ctx, s.peerID); err != nil {
		return err
	}
	s.applyClear()
	return nil
}

// Messages returns an ordered copy of the transcript.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.snapshot()
}

// Peer returns the counterpart user id.
func (s *Session) Peer() string {
	return s.peerID
}

// Subscribe registers a transcript listener scoped to this conversation.
func (s *Session) Subscribe() *Subscription {
	return s.publisher.Subscribe(s.peerID)
}

// Unsubscribe removes a listener created by Subscribe.
func (s *Session) Unsubscribe(subscriptionID string) {
	s.publisher.Unsubscribe(subscriptionID)
}

// Close shuts the session down. Async work that completes after Close never
// mutates the transcript.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.realtime != nil {
		s.realtime.Close()
	}
	s.wg.Wait()
	return nil
}

// relevant reports whether a message belongs to this conversation.
func (s *Session) relevant(m *Message) bool {
	if m.SenderID == s.peerID && m.ReceiverID == s.localID {
		return true
	}
	return m.SenderID == s.localID && m.ReceiverID == s.peerID
}
