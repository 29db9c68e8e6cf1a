package main

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veilchat/messenger/internal/transport"
)

// SQLiteStore is the default durable backend: a single database file, no
// external services.
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:   db,
		path: dbPath,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			public_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			encrypted_message TEXT NOT NULL,
			nonce TEXT NOT NULL,
			sender_public_key TEXT NOT NULL DEFAULT '',
			is_encrypted INTEGER NOT NULL DEFAULT 1,
			read INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS blocks (
			user_id TEXT NOT NULL,
			blocked_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, blocked_id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(receiver_id, sender_id, read);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	}

	return nil
}

func (s *SQLiteStore) EnsureUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT OR IGNORE INTO users (id, public_key, created_at) VALUES (?, '', ?)`
	if _, err := s.db.ExecContext(ctx, query, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user := &User{ID: userID}
	query := `SELECT public_key, created_at FROM users WHERE id = ?`
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&user.PublicKey, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

func (s *SQLiteStore) SetPublicKey(ctx context.Context, userID, publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `UPDATE users SET public_key = ? WHERE id = ?`, publicKey, userID)
	if err != nil {
		return fmt.Errorf("failed to store public key: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *transport.WireMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO messages
		(id, sender_id, receiver_id, encrypted_message, nonce, sender_public_key, is_encrypted, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
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
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Conversation(ctx context.Context, userID, otherUserID string, limit int) ([]transport.WireMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Most recent limit rows, returned oldest-first.
	query := `
		SELECT id, sender_id, receiver_id, encrypted_message, nonce, sender_public_key, is_encrypted, read, created_at
		FROM (
			SELECT * FROM messages
			WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
			ORDER BY created_at DESC
			LIMIT ?
		) AS recent
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID, otherUserID, otherUserID, userID, limit)
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

func (s *SQLiteStore) MarkConversationRead(ctx context.Context, readerID, otherUserID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM messages WHERE receiver_id = ? AND sender_id = ? AND read = 0`,
		readerID, otherUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unread messages: %w", err)
	}
	var changed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		changed = append(changed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET read = 1 WHERE receiver_id = ? AND sender_id = ? AND read = 0`,
			readerID, otherUserID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to mark messages read: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return changed, nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, messageID, senderID string) (*transport.WireMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var msg transport.WireMessage
	query := `
		SELECT id, sender_id, receiver_id, encrypted_message, nonce, sender_public_key, is_encrypted, read, created_at
		FROM messages WHERE id = ?
	`
	err = tx.QueryRowContext(ctx, query, messageID).Scan(
		&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.EncryptedMessage,
		&msg.Nonce, &msg.SenderPublicKey, &msg.IsEncrypted, &msg.Read, &msg.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	if msg.SenderID != senderID {
		return nil, ErrNotSender
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, messageID); err != nil {
		return nil, fmt.Errorf("failed to delete message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &msg, nil
}

func (s *SQLiteStore) ClearConversation(ctx context.Context, userID, otherUserID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`,
		userID, otherUserID, otherUserID, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

func (s *SQLiteStore) Block(ctx context.Context, userID, otherUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT OR IGNORE INTO blocks (user_id, blocked_id, created_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, userID, otherUserID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store block: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Unblock(ctx context.Context, userID, otherUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM blocks WHERE user_id = ? AND blocked_id = ?`, userID, otherUserID,
	); err != nil {
		return fmt.Errorf("failed to remove block: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsBlocked(ctx context.Context, userID, otherUserID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocks WHERE user_id = ? AND blocked_id = ?`, userID, otherUserID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to query block: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
