package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Subject layout. Document operations are request/reply against the doc
// service; change feeds fan out per collection.
const (
	subjectDocGet    = "docs.get"
	subjectDocSet    = "docs.set"
	subjectDocUpdate = "docs.update"
	subjectDocDelete = "docs.delete"
	subjectDocAdd    = "docs.add"
	subjectDocQuery  = "docs.query"
	subjectDocBatch  = "docs.batch"

	subjectChangesPrefix = "docs.changes." // + collection
	subjectWakePrefix    = "wake."         // + user id
)

// Remote error codes carried in response envelopes.
const (
	codePermissionDenied = "permission-denied"
	codeNotFound         = "not-found"
)

// docRequest is the CBOR envelope for all document operations.
type docRequest struct {
	Collection string    `cbor:"collection"`
	ID         string    `cbor:"id,omitempty"`
	Doc        Document  `cbor:"doc,omitempty"`
	Query      *Query    `cbor:"query,omitempty"`
	Ops        []WriteOp `cbor:"ops,omitempty"`
}

// docResponse is the CBOR envelope for document operation replies.
type docResponse struct {
	Error string   `cbor:"error,omitempty"`
	ID    string   `cbor:"id,omitempty"`
	Doc   Document `cbor:"doc,omitempty"`
	Docs  []struct {
		ID  string   `cbor:"id"`
		Doc Document `cbor:"doc"`
	} `cbor:"docs,omitempty"`
}

// changeEnvelope is one change feed message.
type changeEnvelope struct {
	Type       ChangeType `cbor:"type"`
	Collection string     `cbor:"collection"`
	ID         string     `cbor:"id"`
	Doc        Document   `cbor:"doc,omitempty"`
}

// collSub is one live collection subscription.
type collSub struct {
	id    uint64
	query Query
	docID string // set for SubscribeDoc
	fn    func([]Change)
}

// NATSStore implements DocStore over a NATS connection. Local writes are
// surfaced to this process's subscribers immediately with Pending=true; the
// server echo on the change feed confirms them.
type NATSStore struct {
	client *Client

	mu     sync.Mutex
	nextID uint64
	subs   map[string][]*collSub // collection -> subscribers
	feeds  map[string]*nats.Subscription
}

// NewNATSStore wraps client as a document store.
func NewNATSStore(client *Client) *NATSStore {
	return &NATSStore{
		client: client,
		subs:   make(map[string][]*collSub),
		feeds:  make(map[string]*nats.Subscription),
	}
}

func (s *NATSStore) request(ctx context.Context, subject string, req docRequest) (*docResponse, error) {
	data, err := cbor.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	msg, err := s.client.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	var resp docResponse
	if err := cbor.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	switch resp.Error {
	case "":
		return &resp, nil
	case codePermissionDenied:
		return nil, ErrPermission
	case codeNotFound:
		return nil, ErrDocNotFound
	default:
		return nil, fmt.Errorf("document operation failed: %s", resp.Error)
	}
}

func classifyTransportErr(err error) error {
	switch {
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrDisconnected),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}

func (s *NATSStore) Get(ctx context.Context, collection, id string) (Document, error) {
	resp, err := s.request(ctx, subjectDocGet, docRequest{Collection: collection, ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Doc, nil
}

func (s *NATSStore) Set(ctx context.Context, collection, id string, doc Document) error {
	s.deliverPending(Change{Type: ChangeAdded, Collection: collection, ID: id, Doc: doc, Pending: true})
	_, err := s.request(ctx, subjectDocSet, docRequest{Collection: collection, ID: id, Doc: doc})
	return err
}

func (s *NATSStore) Update(ctx context.Context, collection, id string, fields Document) error {
	s.deliverPending(Change{Type: ChangeModified, Collection: collection, ID: id, Doc: fields, Pending: true})
	_, err := s.request(ctx, subjectDocUpdate, docRequest{Collection: collection, ID: id, Doc: fields})
	return err
}

func (s *NATSStore) Delete(ctx context.Context, collection, id string) error {
	s.deliverPending(Change{Type: ChangeRemoved, Collection: collection, ID: id, Pending: true})
	_, err := s.request(ctx, subjectDocDelete, docRequest{Collection: collection, ID: id})
	return err
}

func (s *NATSStore) Add(ctx context.Context, collection string, doc Document) (string, error) {
	id := uuid.New().String()
	if err := s.Set(ctx, collection, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

func (s *NATSStore) Query(ctx context.Context, collection string, q Query) ([]Change, error) {
	resp, err := s.request(ctx, subjectDocQuery, docRequest{Collection: collection, Query: &q})
	if err != nil {
		return nil, err
	}
	changes := make([]Change, 0, len(resp.Docs))
	for _, rec := range resp.Docs {
		changes = append(changes, Change{
			Type:       ChangeAdded,
			Collection: collection,
			ID:         rec.ID,
			Doc:        rec.Doc,
		})
	}
	return changes, nil
}

func (s *NATSStore) Subscribe(collection string, q Query, fn func([]Change)) (CancelFunc, error) {
	return s.subscribe(collection, q, "", fn)
}

func (s *NATSStore) SubscribeDoc(collection, id string, fn func(Change)) (CancelFunc, error) {
	return s.subscribe(collection, Query{}, id, func(batch []Change) {
		for _, ch := range batch {
			fn(ch)
		}
	})
}

func (s *NATSStore) subscribe(collection string, q Query, docID string, fn func([]Change)) (CancelFunc, error) {
	s.mu.Lock()
	s.nextID++
	sub := &collSub{id: s.nextID, query: q, docID: docID, fn: fn}
	s.subs[collection] = append(s.subs[collection], sub)

	if _, ok := s.feeds[collection]; !ok {
		feed, err := s.client.conn.Subscribe(subjectChangesPrefix+collection, func(msg *nats.Msg) {
			var env changeEnvelope
			if err := cbor.Unmarshal(msg.Data, &env); err != nil {
				log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed change")
				return
			}
			s.dispatch(Change{
				Type:       env.Type,
				Collection: env.Collection,
				ID:         env.ID,
				Doc:        env.Doc,
			})
		})
		if err != nil {
			s.removeSubLocked(collection, sub.id)
			s.mu.Unlock()
			return nil, classifyTransportErr(err)
		}
		s.feeds[collection] = feed
	}
	s.mu.Unlock()

	// Initial snapshot, delivered as one added batch before live changes.
	if docID == "" {
		initial, err := s.Query(context.Background(), collection, q)
		if err != nil {
			log.Warn().Err(err).Str("collection", collection).Msg("Initial snapshot failed, subscription is live-only")
		} else if len(initial) > 0 {
			fn(initial)
		}
	} else if doc, err := s.Get(context.Background(), collection, docID); err == nil {
		fn([]Change{{Type: ChangeAdded, Collection: collection, ID: docID, Doc: doc}})
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.removeSubLocked(collection, sub.id)
			if len(s.subs[collection]) == 0 {
				if feed, ok := s.feeds[collection]; ok {
					feed.Unsubscribe()
					delete(s.feeds, collection)
				}
			}
		})
	}
	return cancel, nil
}

func (s *NATSStore) removeSubLocked(collection string, id uint64) {
	subs := s.subs[collection]
	for i, sub := range subs {
		if sub.id == id {
			s.subs[collection] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// dispatch routes a confirmed change to matching subscribers.
func (s *NATSStore) dispatch(ch Change) {
	for _, sub := range s.matchingSubs(ch) {
		sub.fn([]Change{ch})
	}
}

// deliverPending surfaces an unconfirmed local write to this process's
// subscribers so the UI reflects it before the round trip completes.
func (s *NATSStore) deliverPending(ch Change) {
	for _, sub := range s.matchingSubs(ch) {
		sub.fn([]Change{ch})
	}
}

func (s *NATSStore) matchingSubs(ch Change) []*collSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*collSub
	for _, sub := range s.subs[ch.Collection] {
		if sub.docID != "" {
			if sub.docID == ch.ID {
				out = append(out, sub)
			}
			continue
		}
		// Removals carry no body, so filters can't be evaluated; let the
		// subscriber drop ids it never saw.
		if ch.Doc == nil || sub.query.matches(ch.Doc) {
			out = append(out, sub)
		}
	}
	return out
}

func (s *NATSStore) WriteBatch(ctx context.Context, ops []WriteOp) error {
	for _, op := range ops {
		ch := Change{Collection: op.Collection, ID: op.ID, Doc: op.Doc, Pending: true}
		switch op.Kind {
		case WriteSet:
			ch.Type = ChangeAdded
		case WriteUpdate:
			ch.Type = ChangeModified
		case WriteDelete:
			ch.Type = ChangeRemoved
		}
		s.deliverPending(ch)
	}
	_, err := s.request(ctx, subjectDocBatch, docRequest{Ops: ops})
	return err
}

func (s *NATSStore) Wake(ctx context.Context, userID string, ev WakeEvent) error {
	data, err := cbor.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode wake event: %w", err)
	}
	if err := s.client.conn.Publish(subjectWakePrefix+userID, data); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Wake signal failed")
		return classifyTransportErr(err)
	}
	return nil
}

// SubscribeWake receives wake events addressed to userID.
func (s *NATSStore) SubscribeWake(userID string, fn func(WakeEvent)) (CancelFunc, error) {
	sub, err := s.client.conn.Subscribe(subjectWakePrefix+userID, func(msg *nats.Msg) {
		var ev WakeEvent
		if err := cbor.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed wake event")
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	var once sync.Once
	return func() {
		once.Do(func() { sub.Unsubscribe() })
	}, nil
}
