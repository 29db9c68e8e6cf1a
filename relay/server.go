package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/veilchat/messenger/internal/crypto"
	"github.com/veilchat/messenger/internal/observability"
	"github.com/veilchat/messenger/internal/ratelimit"
	"github.com/veilchat/messenger/internal/transport"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	// Per-user send budget: sustained and burst messages per second.
	sendRatePerSecond = 5
	sendBurst         = 10
)

// Server wires the store, hub, auth and HTTP surface together.
type Server struct {
	store    Store
	tokens   *TokenService
	hub      *Hub
	limiter  *ratelimit.PerUser
	validate *validator.Validate
	upgrader websocket.Upgrader
	health   *observability.HealthChecker
	log      *observability.Logger
	metrics  *observability.RelayMetrics
}

func NewServer(store Store, tokens *TokenService, log *observability.Logger, metrics *observability.RelayMetrics) *Server {
	s := &Server{
		store:    store,
		tokens:   tokens,
		hub:      NewHub(log, metrics),
		limiter:  ratelimit.NewPerUser(sendRatePerSecond, sendBurst),
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		health:  observability.NewHealthChecker(version),
		log:     log,
		metrics: metrics,
	}

	s.health.RegisterCheck("store", observability.StoreCheck("store", store.Ping))
	s.health.RegisterCheck("hub", observability.RealtimeHubCheck(s.hub.Connections))
	return s
}

// Routes builds the chi router for the full relay surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(s.instrument)

	r.Post("/auth/token", s.handleMintToken)
	r.Get("/healthz", s.health.Handler())
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/users/{id}/public-key", s.handleGetPublicKey)
		r.Post("/users/upload-public-key", s.handleUploadPublicKey)
		r.Post("/users/{id}/block", s.handleBlock)
		r.Delete("/users/{id}/block", s.handleUnblock)

		r.Post("/messages", s.handleSendMessage)
		r.Get("/messages/{otherUserId}", s.handleHistory)
		r.Post("/messages/{otherUserId}/read", s.handleMarkRead)
		r.Delete("/messages/{id}", s.handleDeleteMessage)
		r.Delete("/conversations/{otherUserId}", s.handleClearConversation)

		r.Get("/ws", s.handleWebsocket)
	})

	return r
}

// instrument records request metrics and an access log line.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		status := ww.Status()
		if status == 0 {
			// Hijacked (websocket) or never written.
			status = http.StatusOK
		}
		s.metrics.RecordRequest(r.Method, route, status, time.Since(start).Seconds())
		s.log.HTTPRequest(r.Method, r.URL.Path, status, time.Since(start))
	})
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error(err, "failed to encode response")
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	s.writeJSON(w, status, errorBody{Code: code, Message: message, Details: details})
}

// handleMintToken issues a development bearer token and registers the user.
func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, transport.RejectInvalidPayload, "malformed JSON body", nil)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, transport.RejectInvalidPayload, "userId is required", nil)
		return
	}

	if err := s.store.EnsureUser(r.Context(), req.UserID); err != nil {
		s.log.Error(err, "failed to register user")
		s.writeJSONError(w, http.StatusInternalServerError, "internal", "failed to register user", nil)
		return
	}
	token, err := s.tokens.Mint(req.UserID)
	if err != nil {
		s.log.Error(err, "failed to mint token")
		s.writeJSONError(w, http.StatusInternalServerError, "internal", "failed to mint token", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleGetPublicKey implements the directory lookup: 404 for unknown users,
// 400 for known users that never uploaded a key.
func (s *Server) handleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	user, err := s.store.GetUser(r.Context(), userID)
	if errors.Is(err, ErrUserNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "unknown_user", "user is not registered", nil)
		return
	} else if err != nil {
		s.log.Error(err, "failed to load user")
		s.writeJSONError(w, http.StatusInternalServerError, "internal", "failed to load user", nil)
		return
	}
	if user.PublicKey == "" {
		s.writeJSONError(w, http.StatusBadRequest, "key_not_provisioned", "user has not uploaded a public key", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"publicKey": user.PublicKey})
}

// handleUploadPublicKey stores the caller's public key after checking it
// decodes to a valid key.
func (s *Server) handleUploadPublicKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey string `json:"publicKey" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, transport.RejectInvalidPayload, "malformed JSON body", nil)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, transport.RejectInvalidPayload, "publicKey is required", nil)
		return
	}
	if _, err := crypto.DecodeKey(req.PublicKey); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, transport.RejectInvalidPayload, "publicKey is not a valid key", nil)
		return
	}

	if err := s.store.SetPublicKey(r.Context(), authenticatedUser(r), req.PublicKey); err != nil {
		s.log.Error(err, "failed to store public key")
		s.writeJSONError(w, http.StatusInternalServerError, "internal", "failed to store public key", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	otherID := chi.URLParam(r, "id")
	if _, err := s.store.GetUser(r.Context(), otherID); errors.Is(err, ErrUserNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "unknown_user", "user is not registered", nil)
		return
	}
	if err := s.store.Block(r.Context(), authenticatedUser(r), otherID); err != nil {
		s.log.Error(err, "failed to store block")
		s.writeJSONError(w, http.StatusInternalServerError, "internal", "failed to store block", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Unblock(r.Context(), authenticatedUser(r), chi.URLParam(r, "id")); err != nil {
		s.log.Error(err, "failed to remove block")
		s.writeJSONError(w, http.StatusInternalServerError, "internal", "failed to remove block", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// processSend is the single validation and persistence path for both send
// channels. A non-nil FrameError is the protocol verdict for the payload.
func (s *Server) processSend(ctx context.Context, senderID string, raw json.RawMessage, via string) (*transport.WireMessage, *transport.FrameError) {
	var payload transport.SendPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &transport.FrameError{Code: transport.RejectInvalidPayload, Message: "malformed send payload"}
	}
	if err := s.validate.Struct(&payload); err != nil {
		return nil, &transport.FrameError{Code: transport.RejectInvalidPayload, Message: "missing required fields"}
	}
	if payload.SenderID != senderID {
		return nil, &transport.FrameError{Code: transport.RejectInvalidPayload, Message: "senderId does not match the authenticated user"}
	}

	if _, err := s.store.GetUser(ctx, payload.ReceiverID); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, &transport.FrameError{Code: transport.RejectUnknownReceiver, Message: "receiver is not registered"}
		}
		s.log.Error(err, "failed to load receiver")
		return nil, &transport.FrameError{Code: "internal", Message: "failed to load receiver"}
	}

	blocked, err := s.store.IsBlocked(ctx, payload.ReceiverID, payload.SenderID)
	if err != nil {
		s.log.Error(err, "failed to query block")
		return nil, &transport.FrameError{Code: "internal", Message: "failed to query block"}
	}
	if blocked {
		return nil, &transport.FrameError{Code: transport.RejectBlocked, Message: "receiver has blocked you"}
	}

	if !s.limiter.Allow(senderID) {
		s.metrics.RecordRateLimited()
		return nil, &transport.FrameError{Code: transport.RejectRateLimited, Message: "too many messages, slow down"}
	}

	saved := &transport.WireMessage{
		ID:               uuid.NewString(),
		SenderID:         payload.SenderID,
		ReceiverID:       payload.ReceiverID,
		EncryptedMessage: payload.CipherText,
		Nonce:            payload.Nonce,
		SenderPublicKey:  payload.SenderPublicKey,
		IsEncrypted:      true,
		Read:             false,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.SaveMessage(ctx, saved); err != nil {
		s.log.Error(err, "failed to save message")
		return nil, &transport.FrameError{Code: "internal", Message: "failed to save message"}
	}

	s.log.MessageStored(saved.ID, saved.SenderID, saved.ReceiverID, via)
	s.metrics.RecordMessageStored(via)
	return saved, nil
}

func statusForRejection(code string) int {
	switch code {
	case transport.RejectInvalidPayload:
		return http.StatusBadRequest
	case transport.RejectUnknownReceiver:
		return http.StatusNotFound
	case transport.RejectBlocked:
		return http.StatusForbidden
	case transport.RejectRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// handleSendMessage is the request/response send channel.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, transport.RejectInvalidPayload, "unreadable body", nil)
		return
	}

	saved, rejection := s.processSend(r.Context(), authenticatedUser(r), raw, "rest")
	if rejection != nil {
		s.writeJSONError(w, statusForRejection(rejection.Code), rejection.Code, rejection.Message, nil)
		return
	}

	s.hub.Push(saved.ReceiverID, transport.EventNewMessage, saved)
	s.writeJSON(w, http.StatusOK, map[string]*transport.WireMessage{"message": saved})
}

// handleHistory returns the most recent messages with the counterpart in
// ascending order.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, transport.RejectInvalidPayload, "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	messages, err := s.store.Conversation(r.Context(), authenticatedUser(r), chi.URLParam(r, "otherUserId"), limit)
	if err != nil {
		s.log.Error(err, "failed to load conversation")
		s.writeJSONError(w, http.StatusInternalServerError, "internal", "failed to load conversation", nil)
		return
	}
	if messages == nil {
		messages = []transport.WireMessage{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]transport.WireMessage{"messages": messages})
}

// handleMarkRead flags the counterpart's messages as read and notifies them.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	readerID := authenticatedUser(r)
	otherID := chi.URLParam(r, "otherUserId")

	changed, err := s.store.MarkConversationRead(r.Context(), readerID, otherID)
	if err != nil {
		s.log.Error(err, "failed to mark conversation read")
		s.writeJSONError(w, http.StatusInternalServerError, "internal", "failed to mark conversation read", nil)
		return
	}
	if len(changed) > 0 {
		s.hub.Push(otherID, transport.EventMessagesRead, transport.ReadReceipt{
			ReaderID:   readerID,
			MessageIDs: changed,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"updated": len(changed)})
}

// handleDeleteMessage removes one of the caller's own messages and notifies
// the counterpart.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.store.DeleteMessage(r.Context(), chi.URLParam(r, "id"), authenticatedUser(r))
	if errors.Is(err, ErrMessageNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "message_not_found", "no such message", nil)
		return
	} else if errors.Is(err, ErrNotSender) {
		s.writeJSONError(w, http.StatusForbidden, "not_sender", "only the sender may delete a message", nil)
		return
	} else if err != nil {
		s.log.Error(err, "failed to delete message")
		s.writeJSONError(w, http.StatusInternalServerError, "internal", "failed to delete message", nil)
		return
	}

	s.hub.Push(msg.ReceiverID, transport.EventMessageDeleted, transport.MessageDeleted{
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
	})
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleClearConversation removes the whole conversation and notifies the
// counterpart.
func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	userID := authenticatedUser(r)
	otherID := chi.URLParam(r, "otherUserId")

	removed, err := s.store.ClearConversation(r.Context(), userID, otherID)
	if err != nil {
		s.log.Error(err, "failed to clear conversation")
		s.writeJSONError(w, http.StatusInternalServerError, "internal", "failed to clear conversation", nil)
		return
	}
	s.hub.Push(otherID, transport.EventConversationCleared, transport.ConversationCleared{UserID: userID})
	s.writeJSON(w, http.StatusOK, map[string]int{"cleared": removed})
}

// handleWebsocket upgrades the connection and serves the realtime channel.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID := authenticatedUser(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	c := s.hub.Attach(userID, conn)
	s.readLoop(c)
}

// readLoop consumes frames from one client until the connection dies. Only
// send_message is meaningful client-to-server; everything else is ignored.
func (s *Server) readLoop(c *wsClient) {
	for {
		var frame transport.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			s.hub.detach(c, err)
			return
		}
		if frame.Event != transport.EventSendMessage {
			continue
		}

		saved, rejection := s.processSend(context.Background(), c.userID, frame.Data, "ws")

		ack := &transport.Frame{Event: transport.EventAck, AckID: frame.AckID}
		if rejection != nil {
			ack.Error = rejection
		} else {
			data, err := json.Marshal(saved)
			if err != nil {
				s.log.Error(err, "failed to encode ack")
				continue
			}
			ack.Data = data
		}
		if !c.deliver(ack) {
			s.hub.detach(c, nil)
			return
		}

		if rejection == nil {
			s.hub.Push(saved.ReceiverID, transport.EventNewMessage, saved)
		}
	}
}
