package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/veilchat/messenger/internal/observability"
)

const (
	handshakeTimeout  = 10 * time.Second
	defaultAckTimeout = 10 * time.Second

	// eventBuffer bounds the push queue; when the consumer lags behind,
	// pushes are dropped and the next history load reconciles.
	eventBuffer = 64
)

// RealtimeClient is the websocket side of the dual transport. Sends are
// correlated with relay acks by ackId; pushes from the relay are exposed on
// Events.
type RealtimeClient struct {
	url        string
	log        *observability.Logger
	metrics    *observability.Metrics
	ackTimeout time.Duration

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Frame
	closed  bool

	events chan *Frame
	done   chan struct{}
}

// DialRealtime opens the realtime channel with bearer authentication.
func DialRealtime(ctx context.Context, wsURL, token string, log *observability.Logger, metrics *observability.Metrics) (*RealtimeClient, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		metrics.RecordRealtimeConnect(false)
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNotConnected, wsURL, err)
	}

	c := &RealtimeClient{
		url:        wsURL,
		log:        log,
		metrics:    metrics,
		ackTimeout: defaultAckTimeout,
		conn:       conn,
		pending:    make(map[string]chan *Frame),
		events:     make(chan *Frame, eventBuffer),
		done:       make(chan struct{}),
	}

	go c.readLoop()

	log.RealtimeConnected(wsURL)
	metrics.RecordRealtimeConnect(true)
	return c, nil
}

// Send transmits one send_message frame and waits for the relay's ack. A
// rejection in the ack surfaces as *RejectionError; connection-level
// failures surface as ErrNotConnected or ErrAckTimeout, both of which the
// caller may retry over the fallback transport.
func (c *RealtimeClient) Send(ctx context.Context, payload SendPayload) (*WireMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode send payload: %w", err)
	}

	ackID := uuid.NewString()
	reply := make(chan *Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[ackID] = reply
	c.mu.Unlock()
	defer c.forget(ackID)

	frame := Frame{Event: EventSendMessage, AckID: ackID, Data: data}
	if err := c.writeJSON(&frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	select {
	case ack := <-reply:
		if ack.Error != nil {
			return nil, &RejectionError{Code: ack.Error.Code, Message: ack.Error.Message}
		}
		var saved WireMessage
		if err := json.Unmarshal(ack.Data, &saved); err != nil {
			return nil, fmt.Errorf("malformed ack payload: %w", err)
		}
		return &saved, nil

	case <-timer.C:
		return nil, ErrAckTimeout

	case <-c.done:
		return nil, ErrNotConnected

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events returns the stream of relay pushes (new_message, messages_read,
// message_deleted, conversation_cleared). The channel closes when the
// connection ends.
func (c *RealtimeClient) Events() <-chan *Frame {
	return c.events
}

// Close tears down the channel. In-flight Send calls fail with
// ErrNotConnected.
func (c *RealtimeClient) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *RealtimeClient) readLoop() {
	defer close(c.events)
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.shutdown(err)
			return
		}

		if frame.Event == EventAck {
			c.settleAck(&frame)
			continue
		}

		select {
		case c.events <- &frame:
		default:
			// Consumer is not keeping up; drop the push rather than stall
			// the read loop. History reconciliation recovers the message.
		}
	}
}

func (c *RealtimeClient) settleAck(frame *Frame) {
	c.mu.Lock()
	reply, ok := c.pending[frame.AckID]
	if ok {
		delete(c.pending, frame.AckID)
	}
	c.mu.Unlock()

	if ok {
		reply <- frame
	}
}

func (c *RealtimeClient) forget(ackID string) {
	c.mu.Lock()
	delete(c.pending, ackID)
	c.mu.Unlock()
}

func (c *RealtimeClient) writeJSON(frame *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(frame)
}

// shutdown is idempotent; the first caller records the close and wakes all
// waiters.
func (c *RealtimeClient) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.conn.Close()
	c.log.RealtimeClosed(cause)
	c.metrics.RecordRealtimeClose()
}
