package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the primary durable-store backend.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for
// an ephemeral store in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Generic key-value state (identity material, session flags)
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Conversations; participants and wrapped keys are JSON columns
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK(kind IN ('private', 'group')),
		participants TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		wrapped_keys TEXT,
		key_issuer TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);

	-- Messages; timestamp stored as unix nanoseconds for ordering
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		body BLOB,
		ts INTEGER NOT NULL,
		status TEXT NOT NULL,
		reply_to TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (conversation_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv_ts ON messages(conversation_id, ts DESC);

	-- Outbox of pending operations, drained in insertion order
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// ===============================
// Key-Value Operations
// ===============================

func (s *SQLiteStore) GetValue(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get value: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) SetValue(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set value: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteValue(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete value: %w", err)
	}
	return nil
}

// ===============================
// Conversation Operations
// ===============================

func (s *SQLiteStore) UpsertConversation(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}

	var wrappedKeys []byte
	if c.WrappedKeys != nil {
		wrappedKeys, err = json.Marshal(c.WrappedKeys)
		if err != nil {
			return fmt.Errorf("failed to marshal wrapped keys: %w", err)
		}
	}

	var lastMessage []byte
	if c.LastMessage != nil {
		lastMessage, err = json.Marshal(c.LastMessage)
		if err != nil {
			return fmt.Errorf("failed to marshal last message: %w", err)
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO conversations (id, kind, participants, name, wrapped_keys, key_issuer, created_at, updated_at, last_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			participants = excluded.participants,
			name = excluded.name,
			wrapped_keys = excluded.wrapped_keys,
			key_issuer = excluded.key_issuer,
			updated_at = excluded.updated_at,
			last_message = excluded.last_message
	`, c.ID, string(c.Kind), string(participants), c.Name, nullableText(wrappedKeys), c.KeyIssuerID,
		c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(), nullableText(lastMessage))
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, kind, participants, name, wrapped_keys, key_issuer, created_at, updated_at, last_message
		FROM conversations WHERE id = ?
	`, id)

	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListConversations() ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, kind, participants, name, wrapped_keys, key_issuer, created_at, updated_at, last_message
		FROM conversations ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return convs, nil
}

func (s *SQLiteStore) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete conversation messages: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var kind, participants string
	var wrappedKeys, lastMessage sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&c.ID, &kind, &participants, &c.Name, &wrappedKeys, &c.KeyIssuerID,
		&createdAt, &updatedAt, &lastMessage)
	if err != nil {
		return nil, err
	}

	c.Kind = ConversationKind(kind)
	c.CreatedAt = time.Unix(0, createdAt)
	c.UpdatedAt = time.Unix(0, updatedAt)

	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
	}
	if wrappedKeys.Valid && wrappedKeys.String != "" {
		if err := json.Unmarshal([]byte(wrappedKeys.String), &c.WrappedKeys); err != nil {
			return nil, fmt.Errorf("failed to unmarshal wrapped keys: %w", err)
		}
	}
	if lastMessage.Valid && lastMessage.String != "" {
		var m Message
		if err := json.Unmarshal([]byte(lastMessage.String), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal last message: %w", err)
		}
		c.LastMessage = &m
	}

	return &c, nil
}

// ===============================
// Message Operations
// ===============================

func (s *SQLiteStore) UpsertMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, kind, body, ts, status, reply_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO UPDATE SET
			sender_id = excluded.sender_id,
			kind = excluded.kind,
			body = excluded.body,
			ts = excluded.ts,
			status = excluded.status,
			reply_to = excluded.reply_to
	`, m.ID, m.ConversationID, m.SenderID, string(m.Kind), m.Body,
		m.Timestamp.UnixNano(), string(m.Status), m.ReplyTo)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(convID, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := scanMessage(s.db.QueryRow(`
		SELECT id, conversation_id, sender_id, kind, body, ts, status, reply_to
		FROM messages WHERE conversation_id = ? AND id = ?
	`, convID, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) DeleteMessage(convID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND id = ?`, convID, id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(convID string, limit, offset int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, conversation_id, sender_id, kind, body, ts, status, reply_to
		FROM messages
		WHERE conversation_id = ?
		ORDER BY ts DESC
		LIMIT ? OFFSET ?
	`, convID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) ReplaceMessageID(convID, tempID, finalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// If the authoritative entry already arrived via the live path, the
	// temporary one is simply dropped (identity collapse).
	var existing int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND id = ?
	`, convID, finalID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("failed to check final id: %w", err)
	}

	if existing > 0 {
		if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND id = ?`, convID, tempID); err != nil {
			return fmt.Errorf("failed to collapse temporary message: %w", err)
		}
		return nil
	}

	_, err = s.db.Exec(`
		UPDATE messages SET id = ? WHERE conversation_id = ? AND id = ?
	`, finalID, convID, tempID)
	if err != nil {
		return fmt.Errorf("failed to replace message id: %w", err)
	}
	return nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var kind, status string
	var ts int64

	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &kind, &m.Body, &ts, &status, &m.ReplyTo)
	if err != nil {
		return nil, err
	}

	m.Kind = MessageKind(kind)
	m.Status = MessageStatus(status)
	m.Timestamp = time.Unix(0, ts)
	return &m, nil
}

// ===============================
// Outbox Operations
// ===============================

func (s *SQLiteStore) AppendOutbox(op *PendingOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT INTO outbox (kind, conversation_id, payload, created_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, op.Kind, op.ConversationID, op.Payload, op.CreatedAt.UnixNano(), op.Attempts, op.LastError)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueuePersistence, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueuePersistence, err)
	}
	op.ID = id
	return nil
}

func (s *SQLiteStore) ListOutbox() ([]*PendingOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, kind, conversation_id, payload, created_at, attempts, last_error
		FROM outbox ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var ops []*PendingOp
	for rows.Next() {
		var op PendingOp
		var createdAt int64
		if err := rows.Scan(&op.ID, &op.Kind, &op.ConversationID, &op.Payload, &createdAt, &op.Attempts, &op.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		op.CreatedAt = time.Unix(0, createdAt)
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return ops, nil
}

func (s *SQLiteStore) UpdateOutboxRetry(id int64, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE outbox SET attempts = ?, last_error = ? WHERE id = ?
	`, attempts, lastError, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueuePersistence, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteOutbox(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: %v", ErrQueuePersistence, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
