package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenTTL = 24 * time.Hour

// contextKey is a private type so request-context keys cannot collide.
type contextKey string

const userContextKey = contextKey("userID")

// TokenService mints and validates the relay's HS256 bearer tokens. This is
// development-grade auth: whoever asks for a user id gets that identity.
type TokenService struct {
	secret []byte
}

func NewTokenService(secret string) (*TokenService, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &TokenService{secret: []byte(secret)}, nil
}

// Mint issues a token whose subject is the user id.
func (s *TokenService) Mint(userID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate checks a token string and returns its subject.
func (s *TokenService) Validate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("token carries no claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token carries no subject")
	}
	return sub, nil
}

// authMiddleware rejects requests without a valid bearer token for a
// registered user, and stores the user id on the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing authorization header", nil)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			s.writeJSONError(w, http.StatusUnauthorized, "unauthorized", "authorization header is not a bearer token", nil)
			return
		}

		userID, err := s.tokens.Validate(parts[1])
		if err != nil {
			s.writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid token", nil)
			return
		}

		// Tokens outlive nothing here, but the user must still exist: minting
		// registers it, so a miss means a foreign or stale token.
		if _, err := s.store.GetUser(r.Context(), userID); err != nil {
			s.writeJSONError(w, http.StatusUnauthorized, "unauthorized", "unknown token subject", nil)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticatedUser returns the user id the auth middleware stored.
func authenticatedUser(r *http.Request) string {
	userID, _ := r.Context().Value(userContextKey).(string)
	return userID
}
