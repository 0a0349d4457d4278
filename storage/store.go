// Package storage provides the local durable store for the Meridian client
// core: key-value state, conversations, messages and the outbox of pending
// operations. Two backends implement the same contract: SQLiteStore for
// normal operation and FallbackStore, a degraded mode over a simpler backing
// medium. The synchronization engine treats them interchangeably.
package storage

import (
	"errors"
	"time"
)

// ConversationKind distinguishes one-to-one and group conversations.
type ConversationKind string

const (
	ConversationPrivate ConversationKind = "private"
	ConversationGroup   ConversationKind = "group"
)

// MessageKind marks the payload form of a message.
type MessageKind string

const (
	MessageText      MessageKind = "text"
	MessageEncrypted MessageKind = "encrypted"
)

// MessageStatus is the delivery state of a message. It advances
// pending -> sent -> delivered -> read and never regresses, with the single
// exception of the pending -> failed transition.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders delivery states for the monotonicity rule.
var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusFailed:    1,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// StatusAdvances reports whether a transition from to next is allowed.
func StatusAdvances(from, next MessageStatus) bool {
	if from == next {
		return false
	}
	if next == StatusFailed {
		return from == StatusPending
	}
	if from == StatusFailed {
		return false
	}
	return statusRank[next] > statusRank[from]
}

// Conversation is a chat between two or more participants.
type Conversation struct {
	ID           string            `json:"id"`
	Kind         ConversationKind  `json:"kind"`
	Participants []string          `json:"participants"`
	Name         string            `json:"name,omitempty"`
	WrappedKeys  map[string]string `json:"wrapped_keys,omitempty"` // participant id -> wrapped group key, group only
	KeyIssuerID  string            `json:"key_issuer_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastMessage  *Message          `json:"last_message,omitempty"` // denormalized for list rendering
}

// Message is a single chat message. Messages constructed locally carry a
// temporary identifier until the transport assigns the authoritative one.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Kind           MessageKind   `json:"kind"`
	Body           []byte        `json:"body"`
	Timestamp      time.Time     `json:"timestamp"`
	Status         MessageStatus `json:"status"`
	ReplyTo        string        `json:"reply_to,omitempty"`
}

// PendingOp is a durably queued outbound action awaiting successful network
// delivery. It is persisted before the send call returns and removed only
// after the transport confirms acceptance.
type PendingOp struct {
	ID             int64     `json:"id"`
	Kind           string    `json:"kind"` // currently only "send-message"
	ConversationID string    `json:"conversation_id"`
	Payload        []byte    `json:"payload"` // CBOR snapshot of the encrypted message
	CreatedAt      time.Time `json:"created_at"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
}

// OpSendMessage is the only pending-operation kind currently queued.
const OpSendMessage = "send-message"

var (
	// ErrNotFound is returned when a key, conversation or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrQueuePersistence indicates the outbox could not be written. Losing a
	// queued send is a silent data-loss mode, so callers log this class
	// distinctly.
	ErrQueuePersistence = errors.New("outbox persistence failed")
)

// Store is the durable-store contract consumed by the synchronization engine.
// All implementations are safe for concurrent use.
type Store interface {
	// Key-value state.
	GetValue(key string) ([]byte, error)
	SetValue(key string, value []byte) error
	DeleteValue(key string) error

	// Conversations, listed most recently updated first.
	UpsertConversation(c *Conversation) error
	GetConversation(id string) (*Conversation, error)
	ListConversations() ([]*Conversation, error)
	DeleteConversation(id string) error

	// Messages. ListMessages pages newest-first by timestamp; callers
	// re-sort ascending for display. UpsertMessage overwrites all fields on
	// id collision (last writer wins). ReplaceMessageID collapses a
	// temporary id into the authoritative one.
	UpsertMessage(m *Message) error
	GetMessage(convID, id string) (*Message, error)
	DeleteMessage(convID, id string) error
	ListMessages(convID string, limit, offset int) ([]*Message, error)
	ReplaceMessageID(convID, tempID, finalID string) error

	// Outbox. AppendOutbox assigns op.ID; ListOutbox returns insertion
	// order; failures wrap ErrQueuePersistence.
	AppendOutbox(op *PendingOp) error
	ListOutbox() ([]*PendingOp, error)
	UpdateOutboxRetry(id int64, attempts int, lastError string) error
	DeleteOutbox(id int64) error

	Close() error
}
