package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/veilchat/messenger/internal/transport"
)

// MemoryStore keeps all relay state in process memory. It is the test
// backend and useful for throwaway local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	messages map[string]*transport.WireMessage
	blocks   map[string]map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*User),
		messages: make(map[string]*transport.WireMessage),
		blocks:   make(map[string]map[string]bool),
	}
}

func (m *MemoryStore) EnsureUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[userID]; !exists {
		m.users[userID] = &User{ID: userID, CreatedAt: time.Now().UTC()}
	}
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, exists := m.users[userID]
	if !exists {
		return nil, ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (m *MemoryStore) SetPublicKey(ctx context.Context, userID, publicKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, exists := m.users[userID]
	if !exists {
		return ErrUserNotFound
	}
	user.PublicKey = publicKey
	return nil
}

func (m *MemoryStore) SaveMessage(ctx context.Context, msg *transport.WireMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *msg
	m.messages[msg.ID] = &copied
	return nil
}

func (m *MemoryStore) Conversation(ctx context.Context, userID, otherUserID string, limit int) ([]transport.WireMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var conversation []transport.WireMessage
	for _, msg := range m.messages {
		if between(msg, userID, otherUserID) {
			conversation = append(conversation, *msg)
		}
	}
	sort.Slice(conversation, func(i, j int) bool {
		return conversation[i].CreatedAt.Before(conversation[j].CreatedAt)
	})
	if limit > 0 && len(conversation) > limit {
		conversation = conversation[len(conversation)-limit:]
	}
	return conversation, nil
}

func (m *MemoryStore) MarkConversationRead(ctx context.Context, readerID, otherUserID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed []string
	for _, msg := range m.messages {
		if msg.SenderID == otherUserID && msg.ReceiverID == readerID && !msg.Read {
			msg.Read = true
			changed = append(changed, msg.ID)
		}
	}
	return changed, nil
}

func (m *MemoryStore) DeleteMessage(ctx context.Context, messageID, senderID string) (*transport.WireMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, exists := m.messages[messageID]
	if !exists {
		return nil, ErrMessageNotFound
	}
	if msg.SenderID != senderID {
		return nil, ErrNotSender
	}
	delete(m.messages, messageID)
	copied := *msg
	return &copied, nil
}

func (m *MemoryStore) ClearConversation(ctx context.Context, userID, otherUserID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, msg := range m.messages {
		if between(msg, userID, otherUserID) {
			delete(m.messages, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Block(ctx context.Context, userID, otherUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocks[userID] == nil {
		m.blocks[userID] = make(map[string]bool)
	}
	m.blocks[userID][otherUserID] = true
	return nil
}

func (m *MemoryStore) Unblock(ctx context.Context, userID, otherUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks[userID], otherUserID)
	return nil
}

func (m *MemoryStore) IsBlocked(ctx context.Context, userID, otherUserID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocks[userID][otherUserID], nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func between(msg *transport.WireMessage, userA, userB string) bool {
	return (msg.SenderID == userA && msg.ReceiverID == userB) ||
		(msg.SenderID == userB && msg.ReceiverID == userA)
}
