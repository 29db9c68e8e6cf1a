package main

import (
	"context"
	"errors"
	"time"

	"github.com/veilchat/messenger/internal/transport"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotSender       = errors.New("only the sender may delete a message")
)

// User is a registered account. PublicKey stays empty until the user uploads
// one; the directory endpoints distinguish the two cases (404 vs 400).
type User struct {
	ID        string
	PublicKey string
	CreatedAt time.Time
}

// Store persists users, messages and block relations. Three implementations
// back it: memory (tests), sqlite (default) and postgres.
type Store interface {
	// EnsureUser registers a user id if it is not known yet.
	EnsureUser(ctx context.Context, userID string) error
	GetUser(ctx context.Context, userID string) (*User, error)
	SetPublicKey(ctx context.Context, userID, publicKey string) error

	SaveMessage(ctx context.Context, msg *transport.WireMessage) error
	// Conversation returns the most recent limit messages between the two
	// users in ascending creation order.
	Conversation(ctx context.Context, userID, otherUserID string, limit int) ([]transport.WireMessage, error)
	// MarkConversationRead flags otherUserID's messages to readerID as read
	// and returns the ids that changed.
	MarkConversationRead(ctx context.Context, readerID, otherUserID string) ([]string, error)
	// DeleteMessage removes one message if senderID authored it and returns
	// the removed row for the deletion push.
	DeleteMessage(ctx context.Context, messageID, senderID string) (*transport.WireMessage, error)
	// ClearConversation removes every message between the two users and
	// returns how many were removed.
	ClearConversation(ctx context.Context, userID, otherUserID string) (int, error)

	Block(ctx context.Context, userID, otherUserID string) error
	Unblock(ctx context.Context, userID, otherUserID string) error
	// IsBlocked reports whether userID has blocked otherUserID.
	IsBlocked(ctx context.Context, userID, otherUserID string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
