// Package transport implements the client side of the relay wire contract:
// the JSON message model shared by both channels, the realtime websocket
// client and the request/response API client used as fallback.
package transport

import (
	"encoding/json"
	"time"
)

// Realtime channel event names.
const (
	EventSendMessage         = "send_message"
	EventAck                 = "ack"
	EventNewMessage          = "new_message"
	EventMessagesRead        = "messages_read"
	EventMessageDeleted      = "message_deleted"
	EventConversationCleared = "conversation_cleared"
)

// Protocol-level rejection codes. A rejection is authoritative for the
// payload itself, so it is never retried over the fallback transport.
const (
	RejectBlocked         = "blocked"
	RejectUnknownReceiver = "unknown_receiver"
	RejectInvalidPayload  = "invalid_payload"
	RejectRateLimited     = "rate_limited"
)

// Frame is the JSON envelope exchanged on the realtime channel. Data holds
// the event-specific body; Error is only present on ack frames that reject
// the request.
type Frame struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *FrameError     `json:"error,omitempty"`
}

// FrameError carries a protocol-level rejection inside an ack frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// SendPayload is the outgoing message body, identical for POST /messages and
// send_message frames. All fields are encrypted or public material; the
// payload never carries plaintext.
type SendPayload struct {
	ReceiverID      string `json:"receiverId" validate:"required"`
	SenderID        string `json:"senderId" validate:"required"`
	CipherText      string `json:"cipherText" validate:"required"`
	Nonce           string `json:"nonce" validate:"required"`
	SenderPublicKey string `json:"senderPublicKey" validate:"required"`
}

// WireMessage is a stored message as the relay returns it, from history,
// send responses and new_message pushes alike. The stored ciphertext field
// is named encryptedMessage for historical wire-format reasons; SendPayload
// calls the same bytes cipherText.
type WireMessage struct {
	ID               string    `json:"id"`
	SenderID         string    `json:"senderId"`
	ReceiverID       string    `json:"receiverId"`
	EncryptedMessage string    `json:"encryptedMessage"`
	Nonce            string    `json:"nonce"`
	SenderPublicKey  string    `json:"senderPublicKey,omitempty"`
	IsEncrypted      bool      `json:"isEncrypted"`
	Read             bool      `json:"read"`
	CreatedAt        time.Time `json:"createdAt"`
}

// ReadReceipt is the body of a messages_read push.
type ReadReceipt struct {
	ReaderID   string   `json:"readerId"`
	MessageIDs []string `json:"messageIds"`
}

// MessageDeleted is the body of a message_deleted push.
type MessageDeleted struct {
	MessageID  string `json:"messageId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// ConversationCleared is the body of a conversation_cleared push. UserID is
// the counterpart whose conversation with the receiver was cleared.
type ConversationCleared struct {
	UserID string `json:"userId"`
}
