package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies transcript change notifications.
type EventType int

const (
	EventMessageAdded EventType = iota + 1
	EventMessageUpdated
	EventMessagesRead
	EventMessageDeleted
	EventConversationCleared
)

func (e EventType) String() string {
	switch e {
	case EventMessageAdded:
		return "MESSAGE_ADDED"
	case EventMessageUpdated:
		return "MESSAGE_UPDATED"
	case EventMessagesRead:
		return "MESSAGES_READ"
	case EventMessageDeleted:
		return "MESSAGE_DELETED"
	case EventConversationCleared:
		return "CONVERSATION_CLEARED"
	default:
		return "UNKNOWN"
	}
}

// TranscriptEvent describes one change to a conversation transcript. The UI
// layer subscribes to these; it is never called into directly.
type TranscriptEvent struct {
	Type       EventType
	PeerID     string
	MessageID  string
	MessageIDs []string
	Timestamp  time.Time
}

// Subscription is one active transcript listener.
type Subscription struct {
	ID         string
	PeerFilter string
	Channel    chan TranscriptEvent
}

// Publisher fans transcript events out to subscribers. Publishing never
// blocks: a subscriber that stops draining its channel loses events rather
// than stalling the session.
type Publisher struct {
	subscriptions map[string]*Subscription
	mu            sync.RWMutex
	bufferSize    int
}

// NewPublisher creates a publisher whose subscription channels buffer up to
// bufferSize events.
func NewPublisher(bufferSize int) *Publisher {
	return &Publisher{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    bufferSize,
	}
}

// Subscribe registers a listener. An empty peerFilter receives events for
// every conversation.
func (p *Publisher) Subscribe(peerFilter string) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &Subscription{
		ID:         uuid.NewString(),
		PeerFilter: peerFilter,
		Channel:    make(chan TranscriptEvent, p.bufferSize),
	}

	p.subscriptions[sub.ID] = sub
	return sub
}

// Unsubscribe removes a listener and closes its channel.
func (p *Publisher) Unsubscribe(subscriptionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sub, exists := p.subscriptions[subscriptionID]; exists {
		close(sub.Channel)
		delete(p.subscriptions, subscriptionID)
	}
}

// Publish broadcasts an event to all matching subscribers.
func (p *Publisher) Publish(event TranscriptEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, sub := range p.subscriptions {
		if sub.PeerFilter != "" && sub.PeerFilter != event.PeerID {
			continue
		}

		select {
		case sub.Channel <- event:
		default:
			// Slow consumer; drop rather than block the session.
		}
	}
}

// SubscriptionCount returns the number of active subscriptions.
func (p *Publisher) SubscriptionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscriptions)
}

func (p *Publisher) publishAdded(peerID, messageID string) {
	p.Publish(TranscriptEvent{
		Type:      EventMessageAdded,
		PeerID:    peerID,
		MessageID: messageID,
		Timestamp: time.Now(),
	})
}

func (p *Publisher) publishUpdated(peerID, messageID string) {
	p.Publish(TranscriptEvent{
		Type:      EventMessageUpdated,
		PeerID:    peerID,
		MessageID: messageID,
		Timestamp: time.Now(),
	})
}

func (p *Publisher) publishRead(peerID string, messageIDs []string) {
	p.Publish(TranscriptEvent{
		Type:       EventMessagesRead,
		PeerID:     peerID,
		MessageIDs: messageIDs,
		Timestamp:  time.Now(),
	})
}

func (p *Publisher) publishDeleted(peerID, messageID string) {
	p.Publish(TranscriptEvent{
		Type:      EventMessageDeleted,
		PeerID:    peerID,
		MessageID: messageID,
		Timestamp: time.Now(),
	})
}

func (p *Publisher) publishCleared(peerID string) {
	p.Publish(TranscriptEvent{
		Type:      EventConversationCleared,
		PeerID:    peerID,
		Timestamp: time.Now(),
	})
}
