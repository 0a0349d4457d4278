// Package signaling provides the document transport the sync engine and the
// call manager run on: a small collection/document store with change feeds,
// batched writes, and a best-effort wake channel. The NATS-backed store is
// the production implementation; MemStore backs tests and dev mode.
package signaling

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable indicates the transport is unreachable or the request
	// timed out. Callers treat it as transient.
	ErrUnavailable = errors.New("signaling unavailable")

	// ErrPermission indicates the remote rejected the operation for this
	// identity. Callers treat it as terminal.
	ErrPermission = errors.New("signaling permission denied")

	// ErrDocNotFound indicates the addressed document does not exist.
	ErrDocNotFound = errors.New("document not found")
)

// Document is a single schemaless document.
type Document map[string]any

// ChangeType classifies one entry in a change batch.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one document mutation observed on a feed. Pending is set when
// the change reflects a local write that the server has not yet confirmed.
type Change struct {
	Type       ChangeType
	Collection string
	ID         string
	Doc        Document
	Pending    bool
}

// FilterOp selects how a filter field is matched.
type FilterOp string

const (
	// OpEqual matches documents whose field equals the value.
	OpEqual FilterOp = "=="
	// OpContains matches documents whose array field contains the value.
	OpContains FilterOp = "contains"
)

// Filter is one query predicate.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Query restricts and orders a collection read or subscription.
type Query struct {
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// WriteKind selects the operation of one batch entry.
type WriteKind string

const (
	WriteSet    WriteKind = "set"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// WriteOp is one entry in a multi-document batch.
type WriteOp struct {
	Kind       WriteKind
	Collection string
	ID         string
	Doc        Document
}

// WakeEvent carries the payload of a recipient wake signal. The ciphertext
// is the already-encrypted message body so the recipient can render a
// preview without a round trip.
type WakeEvent struct {
	ConversationID string `cbor:"conversation_id"`
	SenderID       string `cbor:"sender_id"`
	Ciphertext     []byte `cbor:"ciphertext,omitempty"`
}

// CancelFunc releases a subscription. Safe to call more than once.
type CancelFunc func()

// DocStore is the transport contract. Implementations deliver change
// batches in order per subscription and never invoke a callback after its
// CancelFunc returns.
type DocStore interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Set(ctx context.Context, collection, id string, doc Document) error
	// Update merges fields into an existing document.
	Update(ctx context.Context, collection, id string, fields Document) error
	Delete(ctx context.Context, collection, id string) error
	// Add stores doc under a fresh id and returns it.
	Add(ctx context.Context, collection string, doc Document) (string, error)
	Query(ctx context.Context, collection string, q Query) ([]Change, error)

	// Subscribe delivers the current matching set as an initial batch of
	// added changes, then incremental batches.
	Subscribe(collection string, q Query, fn func([]Change)) (CancelFunc, error)
	SubscribeDoc(collection, id string, fn func(Change)) (CancelFunc, error)

	WriteBatch(ctx context.Context, ops []WriteOp) error

	// Wake nudges userID's devices. Best effort: failures are logged by the
	// implementation and never returned as terminal to senders.
	Wake(ctx context.Context, userID string, ev WakeEvent) error
}

// matches reports whether doc satisfies every filter in q.
func (q Query) matches(doc Document) bool {
	for _, f := range q.Filters {
		v, ok := doc[f.Field]
		if !ok {
			return false
		}
		switch f.Op {
		case OpEqual:
			if v != f.Value {
				return false
			}
		case OpContains:
			arr, ok := v.([]string)
			if !ok {
				if anyArr, isAny := v.([]any); isAny {
					arr = make([]string, 0, len(anyArr))
					for _, e := range anyArr {
						s, isStr := e.(string)
						if !isStr {
							return false
						}
						arr = append(arr, s)
					}
				} else {
					return false
				}
			}
			want, ok := f.Value.(string)
			if !ok {
				return false
			}
			found := false
			for _, e := range arr {
				if e == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}
