package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// Message is a cached copy of a stored message as last seen by OwnerID.
type Message struct {
	OwnerID     string
	ID          string
	SenderID    string
	ReceiverID  string
	Content     string
	MessageType string
	Status      string
	CreatedAt   time.Time
}

// PartnerID is the other side of the message from the owner's point of view.
func (m Message) PartnerID() string {
	if m.SenderID == m.OwnerID {
		return m.ReceiverID
	}
	return m.SenderID
}

type Session struct {
	Key          string
	UserID       string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    sql.NullTime
	MetadataJSON string
	UpdatedAt    time.Time
}

func OpenSQLite(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	database.SetMaxOpenConns(1)
	database.SetConnMaxLifetime(0)

	store := &Store{db: database}
	if err := store.migrate(context.Background()); err != nil {
		database.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS cached_messages (
  owner_id TEXT NOT NULL,
  id TEXT NOT NULL,
  partner_id TEXT NOT NULL,
  sender_id TEXT NOT NULL,
  receiver_id TEXT NOT NULL,
  content TEXT NOT NULL,
  message_type TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at DATETIME NOT NULL,
  cached_at DATETIME NOT NULL,
  PRIMARY KEY(owner_id, id)
);
CREATE INDEX IF NOT EXISTS idx_cached_messages_pair ON cached_messages(owner_id, partner_id, created_at, id);

CREATE TABLE IF NOT EXISTS auth_sessions (
  session_key TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  email TEXT NOT NULL,
  access_token TEXT NOT NULL,
  refresh_token TEXT NOT NULL,
  expires_at DATETIME,
  metadata_json TEXT,
  updated_at DATETIME NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return nil
}

// CacheMessages writes the owner's copies of messages, replacing older copies.
func (s *Store) CacheMessages(ctx context.Context, ownerID string, messages []Message, now time.Time) error {
	if len(messages) == 0 {
		return nil
	}
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		for _, message := range messages {
			message.OwnerID = ownerID
			if err := UpsertMessageTx(ctx, tx, message, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// CachedMessages returns the most recent limit messages between owner and
// partner, oldest first.
func (s *Store) CachedMessages(ctx context.Context, ownerID, partnerID string, limit int) ([]Message, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT owner_id, id, sender_id, receiver_id, content, message_type, status, created_at
FROM cached_messages
WHERE owner_id = ? AND partner_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, ownerID, partnerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list cached messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.OwnerID, &msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.MessageType, &msg.Status, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cached message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cached messages: %w", err)
	}
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
	return messages, nil
}

// PruneMessages keeps only the newest keep messages between owner and partner.
func (s *Store) PruneMessages(ctx context.Context, ownerID, partnerID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := s.db.ExecContext(ctx, `
DELETE FROM cached_messages
WHERE owner_id = ? AND partner_id = ? AND id NOT IN (
  SELECT id FROM cached_messages
  WHERE owner_id = ? AND partner_id = ?
  ORDER BY created_at DESC, id DESC
  LIMIT ?
)`, ownerID, partnerID, ownerID, partnerID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune cached messages: %w", err)
	}
	return rowsAffected(result, "prune cached messages")
}

func rowsAffected(result sql.Result, op string) (int64, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return affected, nil
}

func (s *Store) SaveSession(ctx context.Context, session Session) error {
	if session.Key == "" {
		return errors.New("save session: key is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO auth_sessions (session_key, user_id, email, access_token, refresh_token, expires_at, metadata_json, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_key) DO UPDATE SET
user_id = excluded.user_id,
email = excluded.email,
access_token = excluded.access_token,
refresh_token = excluded.refresh_token,
expires_at = excluded.expires_at,
metadata_json = excluded.metadata_json,
updated_at = excluded.updated_at`,
		session.Key, session.UserID, session.Email, session.AccessToken, session.RefreshToken, session.ExpiresAt, session.MetadataJSON, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Store) LoadSession(ctx context.Context, key string) (Session, error) {
	var session Session
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT session_key, user_id, email, access_token, refresh_token, expires_at, metadata_json, updated_at
FROM auth_sessions
WHERE session_key = ?`, key).Scan(&session.Key, &session.UserID, &session.Email, &session.AccessToken, &session.RefreshToken, &session.ExpiresAt, &metadata, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	session.MetadataJSON = metadata.String
	return session, nil
}

func (s *Store) DeleteSession(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE session_key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func UpsertMessageTx(ctx context.Context, tx *sql.Tx, message Message, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO cached_messages (owner_id, id, partner_id, sender_id, receiver_id, content, message_type, status, created_at, cached_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(owner_id, id) DO UPDATE SET
content = excluded.content,
message_type = excluded.message_type,
status = excluded.status,
created_at = excluded.created_at,
cached_at = excluded.cached_at`,
		message.OwnerID, message.ID, message.PartnerID(), message.SenderID, message.ReceiverID, message.Content, message.MessageType, message.Status, message.CreatedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("upsert cached message tx: %w", err)
	}
	return nil
}
