package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/veilchat/messenger/internal/crypto"
)

// TestFetchPublicKeyStatusMapping tests the HTTP status to error mapping
func TestFetchPublicKeyStatusMapping(t *testing.T) {
	key := testKey(0x42)

	cases := []struct {
		name     string
		status   int
		body     string
		wantErr  error
		wantKey  bool
		terminal bool
	}{
		{
			name:    "ok",
			status:  http.StatusOK,
			body:    `{"publicKey":"` + crypto.EncodeKey(key) + `"}`,
			wantKey: true,
		},
		{
			name:     "not provisioned",
			status:   http.StatusBadRequest,
			body:     `{"error":"no key"}`,
			wantErr:  ErrRecipientNotProvisioned,
			terminal: true,
		},
		{
			name:     "not found",
			status:   http.StatusNotFound,
			body:     `{"error":"unknown user"}`,
			wantErr:  ErrRecipientNotFound,
			terminal: true,
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    `oops`,
			wantErr: ErrDirectoryUnavailable,
		},
		{
			name:    "malformed key",
			status:  http.StatusOK,
			body:    `{"publicKey":"dG9vIHNob3J0"}`,
			wantErr: ErrDirectoryUnavailable,
		},
		{
			name:    "malformed body",
			status:  http.StatusOK,
			body:    `{not json`,
			wantErr: ErrDirectoryUnavailable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/users/bob/public-key" {
					t.Errorf("path = %q, want /users/bob/public-key", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
					t.Errorf("Authorization = %q, want bearer token", got)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := NewClient(srv.URL, "test-token", testLog)
			got, err := client.FetchPublicKey(context.Background(), "bob")

			if tc.wantKey {
				if err != nil {
					t.Fatalf("FetchPublicKey() failed: %v", err)
				}
				if got != key {
					t.Error("FetchPublicKey() returned wrong key")
				}
				return
			}

			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("FetchPublicKey() error = %v, want %v", err, tc.wantErr)
			}
			if Terminal(err) != tc.terminal {
				t.Errorf("Terminal(%v) = %v, want %v", err, Terminal(err), tc.terminal)
			}
		})
	}
}

// TestFetchPublicKeyConnectionError tests unreachable directories map to the
// transient class
func TestFetchPublicKeyConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately unreachable

	client := NewClient(srv.URL, "", testLog)
	_, err := client.FetchPublicKey(context.Background(), "bob")

	if !errors.Is(err, ErrDirectoryUnavailable) {
		t.Fatalf("FetchPublicKey() error = %v, want ErrDirectoryUnavailable", err)
	}
	if Terminal(err) {
		t.Error("connection errors must be transient")
	}
}

// TestPublishKey tests the upload request shape and failure handling
func TestPublishKey(t *testing.T) {
	key := testKey(0x77)

	var received uploadKeyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/users/upload-public-key" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode upload body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", testLog)
	if err := client.PublishKey(context.Background(), key); err != nil {
		t.Fatalf("PublishKey() failed: %v", err)
	}

	decoded, err := crypto.DecodeKey(received.PublicKey)
	if err != nil || decoded != key {
		t.Error("uploaded key does not round-trip")
	}
}

// TestPublishKeyFailure tests non-200 responses surface as errors
func TestPublishKeyFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", testLog)
	if err := client.PublishKey(context.Background(), testKey(0x01)); err == nil {
		t.Error("PublishKey() should fail on 503")
	}
}
