package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/veilchat/messenger/internal/observability"
)

const apiTimeout = 15 * time.Second

// APIClient is the request/response client for the relay REST surface: the
// send fallback, conversation history and the read/delete/clear side
// channels.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
	log     *observability.Logger
}

// NewAPIClient creates a relay API client for the given base URL and bearer
// token.
func NewAPIClient(baseURL, token string, log *observability.Logger) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: apiTimeout},
		log:     log,
	}
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sendResponse struct {
	Message *WireMessage `json:"message"`
}

type historyResponse struct {
	Messages []WireMessage `json:"messages"`
}

type mintRequest struct {
	UserID string `json:"userId"`
}

type mintResponse struct {
	Token string `json:"token"`
}

// SendMessage posts one encrypted message over the request/response channel
// and returns the relay's saved copy.
func (c *APIClient) SendMessage(ctx context.Context, payload SendPayload) (*WireMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode send payload: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/messages", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("malformed send response: %w", err)
	}
	if out.Message == nil {
		return nil, fmt.Errorf("send response missing saved message")
	}
	return out.Message, nil
}

// History fetches the most recent messages exchanged with otherUserID, in
// ascending creation order. A limit of 0 uses the relay default.
func (c *APIClient) History(ctx context.Context, otherUserID string, limit int) ([]WireMessage, error) {
	path := "/messages/" + url.PathEscape(otherUserID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("malformed history response: %w", err)
	}
	return out.Messages, nil
}

// MarkRead marks the conversation with otherUserID as read. The relay emits
// a messages_read push to the counterpart.
func (c *APIClient) MarkRead(ctx context.Context, otherUserID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(otherUserID)+"/read", nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// DeleteMessage deletes one message. Only the sender may delete; the relay
// emits a message_deleted push to both parties.
func (c *APIClient) DeleteMessage(ctx context.Context, messageID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// ClearConversation removes the whole conversation with otherUserID. The
// relay emits a conversation_cleared push to the counterpart.
func (c *APIClient) ClearConversation(ctx context.Context, otherUserID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(otherUserID), nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// do runs one authenticated request and maps non-2xx responses to errors,
// surfacing protocol rejections as RejectionError.
func (c *APIClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var envelope errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Code != "" {
		switch envelope.Code {
		case RejectBlocked, RejectUnknownReceiver, RejectInvalidPayload, RejectRateLimited:
			return nil, &RejectionError{Code: envelope.Code, Message: envelope.Message}
		}
		return nil, fmt.Errorf("relay error %d (%s): %s", resp.StatusCode, envelope.Code, envelope.Message)
	}
	return nil, fmt.Errorf("relay returned status %d", resp.StatusCode)
}

// MintToken requests a bearer token from the relay's development auth
// endpoint. Minting a token also registers the user with the relay.
func MintToken(ctx context.Context, baseURL, userID string) (string, error) {
	body, err := json.Marshal(mintRequest{UserID: userID})
	if err != nil {
		return "", fmt.Errorf("failed to encode token request: %w", err)
	}

	endpoint := strings.TrimRight(baseURL, "/") + "/auth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: apiTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token mint rejected with status %d", resp.StatusCode)
	}

	var out mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("malformed token response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("token response missing token")
	}
	return out.Token, nil
}
