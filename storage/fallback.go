package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// FallbackStore is the degraded-mode backend, used when SQLite cannot be
// opened on the device. State lives in memory and is journaled as a single
// JSON snapshot after every mutation: a simpler, less queryable backing
// medium that preserves the full Store contract.
type FallbackStore struct {
	path string

	kv            map[string][]byte
	conversations map[string]*Conversation
	messages      map[string]map[string]*Message // conversation id -> message id -> message
	outbox        []*PendingOp
	nextOutboxID  int64

	mu sync.RWMutex
}

type fallbackSnapshot struct {
	KV            map[string][]byte              `json:"kv"`
	Conversations map[string]*Conversation       `json:"conversations"`
	Messages      map[string]map[string]*Message `json:"messages"`
	Outbox        []*PendingOp                   `json:"outbox"`
	NextOutboxID  int64                          `json:"next_outbox_id"`
}

// NewFallbackStore opens the degraded store backed by the snapshot file at
// path. An empty path keeps the store purely in memory.
func NewFallbackStore(path string) (*FallbackStore, error) {
	s := &FallbackStore{
		path:          path,
		kv:            make(map[string][]byte),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]map[string]*Message),
		nextOutboxID:  1,
	}

	if path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}

	log.Warn().Str("path", path).Msg("Durable store running in degraded fallback mode")
	return s, nil
}

func (s *FallbackStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read fallback snapshot: %w", err)
	}

	var snap fallbackSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse fallback snapshot: %w", err)
	}

	if snap.KV != nil {
		s.kv = snap.KV
	}
	if snap.Conversations != nil {
		s.conversations = snap.Conversations
	}
	if snap.Messages != nil {
		s.messages = snap.Messages
	}
	s.outbox = snap.Outbox
	if snap.NextOutboxID > 0 {
		s.nextOutboxID = snap.NextOutboxID
	}
	return nil
}

// persist writes the full snapshot. Callers hold the write lock.
func (s *FallbackStore) persist() error {
	if s.path == "" {
		return nil
	}

	snap := fallbackSnapshot{
		KV:            s.kv,
		Conversations: s.conversations,
		Messages:      s.messages,
		Outbox:        s.outbox,
		NextOutboxID:  s.nextOutboxID,
	}
	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to marshal fallback snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write fallback snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace fallback snapshot: %w", err)
	}
	return nil
}

// ===============================
// Key-Value Operations
// ===============================

func (s *FallbackStore) GetValue(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *FallbackStore) SetValue(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.kv[key] = value
	return s.persist()
}

func (s *FallbackStore) DeleteValue(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.kv, key)
	return s.persist()
}

// ===============================
// Conversation Operations
// ===============================

func (s *FallbackStore) UpsertConversation(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *c
	s.conversations[c.ID] = &copied
	return s.persist()
}

func (s *FallbackStore) GetConversation(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *FallbackStore) ListConversations() ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		copied := *c
		convs = append(convs, &copied)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

func (s *FallbackStore) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, id)
	delete(s.messages, id)
	return s.persist()
}

// ===============================
// Message Operations
// ===============================

func (s *FallbackStore) UpsertMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.messages[m.ConversationID]
	if !ok {
		conv = make(map[string]*Message)
		s.messages[m.ConversationID] = conv
	}
	copied := *m
	conv[m.ID] = &copied
	return s.persist()
}

func (s *FallbackStore) GetMessage(convID, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[convID][id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (s *FallbackStore) DeleteMessage(convID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.messages[convID]; ok {
		delete(conv, id)
	}
	return s.persist()
}

func (s *FallbackStore) ListMessages(convID string, limit, offset int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	conv := s.messages[convID]
	msgs := make([]*Message, 0, len(conv))
	for _, m := range conv {
		copied := *m
		msgs = append(msgs, &copied)
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.After(msgs[j].Timestamp)
	})

	if offset >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[offset:]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *FallbackStore) ReplaceMessageID(convID, tempID, finalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.messages[convID]
	if !ok {
		return nil
	}

	m, ok := conv[tempID]
	if !ok {
		return nil
	}

	delete(conv, tempID)
	if _, exists := conv[finalID]; !exists {
		m.ID = finalID
		conv[finalID] = m
	}
	return s.persist()
}

// ===============================
// Outbox Operations
// ===============================

func (s *FallbackStore) AppendOutbox(op *PendingOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op.ID = s.nextOutboxID
	s.nextOutboxID++

	copied := *op
	s.outbox = append(s.outbox, &copied)

	if err := s.persist(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueuePersistence, err)
	}
	return nil
}

func (s *FallbackStore) ListOutbox() ([]*PendingOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ops := make([]*PendingOp, 0, len(s.outbox))
	for _, op := range s.outbox {
		copied := *op
		ops = append(ops, &copied)
	}
	return ops, nil
}

func (s *FallbackStore) UpdateOutboxRetry(id int64, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range s.outbox {
		if op.ID == id {
			op.Attempts = attempts
			op.LastError = lastError
			break
		}
	}
	if err := s.persist(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueuePersistence, err)
	}
	return nil
}

func (s *FallbackStore) DeleteOutbox(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, op := range s.outbox {
		if op.ID == id {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			break
		}
	}
	if err := s.persist(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueuePersistence, err)
	}
	return nil
}

// Close flushes the snapshot.
func (s *FallbackStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}
