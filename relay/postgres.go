package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veilchat/messenger/internal/transport"
)

// PostgresStore backs the relay with a connection pool, for deployments where
// a single sqlite file is not enough.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			public_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			encrypted_message TEXT NOT NULL,
			nonce TEXT NOT NULL,
			sender_public_key TEXT NOT NULL DEFAULT '',
			is_encrypted BOOLEAN NOT NULL DEFAULT TRUE,
			"read" BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS blocks (
			user_id TEXT NOT NULL,
			blocked_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, blocked_id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(receiver_id, sender_id, "read");
	`
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsureUser(ctx context.Context, userID string) error {
	query := `INSERT INTO users (id, public_key, created_at) VALUES ($1, '', $2) ON CONFLICT (id) DO NOTHING`
	if _, err := s.db.Exec(ctx, query, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*User, error) {
	user := &User{ID: userID}
	query := `SELECT public_key, created_at FROM users WHERE id = $1`
	err := s.db.QueryRow(ctx, query, userID).Scan(&user.PublicKey, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) SetPublicKey(ctx context.Context, userID, publicKey string) error {
	tag, err := s.db.Exec(ctx, `UPDATE users SET public_key = $1 WHERE id = $2`, publicKey, userID)
	if err != nil {
		return fmt.Errorf("failed to store public key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, msg *transport.WireMessage) error {
	query := `
		INSERT INTO messages
		(id, sender_id, receiver_id, encrypted_message, nonce, sender_public_key, is_encrypted, "read", created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.Exec(ctx, query,
		msg.ID,
		msg.SenderID,
		msg.ReceiverID,
		msg.EncryptedMessage,
		msg.Nonce,
		msg.SenderPublicKey,
		msg.IsEncrypted,
		msg.Read,
		msg.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("message %s already exists", msg.ID)
		}
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *PostgresStore) Conversation(ctx context.Context, userID, otherUserID string, limit int) ([]transport.WireMessage, error) {
	query := `
		SELECT id, sender_id, receiver_id, encrypted_message, nonce, sender_public_key, is_encrypted, "read", created_at
		FROM (
			SELECT * FROM messages
			WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
			ORDER BY created_at DESC
			LIMIT $3
		) AS recent
		ORDER BY created_at ASC
	`
	rows, err := s.db.Query(ctx, query, userID, otherUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer rows.Close()

	var conversation []transport.WireMessage
	for rows.Next() {
		var msg transport.WireMessage
		if err := rows.Scan(
			&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.EncryptedMessage,
			&msg.Nonce, &msg.SenderPublicKey, &msg.IsEncrypted, &msg.Read, &msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		conversation = append(conversation, msg)
	}
	return conversation, rows.Err()
}

func (s *PostgresStore) MarkConversationRead(ctx context.Context, readerID, otherUserID string) ([]string, error) {
	query := `
		UPDATE messages SET "read" = TRUE
		WHERE receiver_id = $1 AND sender_id = $2 AND "read" = FALSE
		RETURNING id
	`
	rows, err := s.db.Query(ctx, query, readerID, otherUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}
	defer rows.Close()

	var changed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		changed = append(changed, id)
	}
	return changed, rows.Err()
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID, senderID string) (*transport.WireMessage, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var msg transport.WireMessage
	query := `
		SELECT id, sender_id, receiver_id, encrypted_message, nonce, sender_public_key, is_encrypted, "read", created_at
		FROM messages WHERE id = $1
	`
	err = tx.QueryRow(ctx, query, messageID).Scan(
		&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.EncryptedMessage,
		&msg.Nonce, &msg.SenderPublicKey, &msg.IsEncrypted, &msg.Read, &msg.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	if msg.SenderID != senderID {
		return nil, ErrNotSender
	}

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, messageID); err != nil {
		return nil, fmt.Errorf("failed to delete message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &msg, nil
}

func (s *PostgresStore) ClearConversation(ctx context.Context, userID, otherUserID string) (int, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM messages WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)`,
		userID, otherUserID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear conversation: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Block(ctx context.Context, userID, otherUserID string) error {
	query := `INSERT INTO blocks (user_id, blocked_id, created_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
	if _, err := s.db.Exec(ctx, query, userID, otherUserID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store block: %w", err)
	}
	return nil
}

func (s *PostgresStore) Unblock(ctx context.Context, userID, otherUserID string) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM blocks WHERE user_id = $1 AND blocked_id = $2`, userID, otherUserID,
	); err != nil {
		return fmt.Errorf("failed to remove block: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsBlocked(ctx context.Context, userID, otherUserID string) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx,
		`SELECT 1 FROM blocks WHERE user_id = $1 AND blocked_id = $2`, userID, otherUserID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to query block: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
