package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/veilchat/messenger/internal/crypto"
	"github.com/veilchat/messenger/internal/observability"
)

const clientTimeout = 10 * time.Second

// Client talks to the directory REST endpoints with bearer authentication.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *observability.Logger
}

// NewClient creates a directory client for the given base URL and bearer
// token.
func NewClient(baseURL, token string, log *observability.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: clientTimeout},
		log:     log,
	}
}

type publicKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

type uploadKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

// FetchPublicKey resolves one user id to its current public key.
//
// Status mapping:
//   - 200: key returned
//   - 400: ErrRecipientNotProvisioned (terminal)
//   - 404: ErrRecipientNotFound (terminal)
//   - anything else, including transport failures and malformed bodies,
//     wraps ErrDirectoryUnavailable (transient)
func (c *Client) FetchPublicKey(ctx context.Context, userID string) ([32]byte, error) {
	var key [32]byte

	endpoint := fmt.Sprintf("%s/users/%s/public-key", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body publicKeyResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return key, fmt.Errorf("%w: malformed response: %v", ErrDirectoryUnavailable, err)
		}
		key, err = crypto.DecodeKey(body.PublicKey)
		if err != nil {
			return key, fmt.Errorf("%w: malformed key for %s: %v", ErrDirectoryUnavailable, userID, err)
		}
		return key, nil

	case http.StatusBadRequest:
		return key, ErrRecipientNotProvisioned

	case http.StatusNotFound:
		return key, ErrRecipientNotFound

	default:
		return key, fmt.Errorf("%w: unexpected status %d", ErrDirectoryUnavailable, resp.StatusCode)
	}
}

// PublishKey uploads the local public key so counterparts can encrypt to it.
func (c *Client) PublishKey(ctx context.Context, publicKey [32]byte) error {
	payload, err := json.Marshal(uploadKeyRequest{PublicKey: crypto.EncodeKey(publicKey)})
	if err != nil {
		return fmt.Errorf("failed to encode upload request: %w", err)
	}

	endpoint := c.baseURL + "/users/upload-public-key"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: upload rejected with status %d", ErrDirectoryUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
