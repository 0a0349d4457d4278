package signaling

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemStore is an in-memory DocStore with the same ordering guarantees as
// the NATS implementation. It backs tests and dev mode. Local writes are
// delivered to subscribers twice: once with Pending=true, then confirmed.
type MemStore struct {
	mu       sync.Mutex
	docs     map[string]map[string]Document // collection -> id -> doc
	nextID   uint64
	subs     map[string][]*collSub
	wakeSubs map[string][]*wakeSub
}

type wakeSub struct {
	id uint64
	fn func(WakeEvent)
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		docs:     make(map[string]map[string]Document),
		subs:     make(map[string][]*collSub),
		wakeSubs: make(map[string][]*wakeSub),
	}
}

func cloneDoc(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		if arr, ok := v.([]string); ok {
			v = append([]string(nil), arr...)
		}
		out[k] = v
	}
	return out
}

func (s *MemStore) Get(ctx context.Context, collection, id string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, ErrDocNotFound
	}
	return cloneDoc(doc), nil
}

func (s *MemStore) Set(ctx context.Context, collection, id string, doc Document) error {
	s.mu.Lock()
	coll := s.docs[collection]
	if coll == nil {
		coll = make(map[string]Document)
		s.docs[collection] = coll
	}
	_, existed := coll[id]
	coll[id] = cloneDoc(doc)
	s.mu.Unlock()

	typ := ChangeAdded
	if existed {
		typ = ChangeModified
	}
	s.deliver(Change{Type: typ, Collection: collection, ID: id, Doc: cloneDoc(doc)})
	return nil
}

func (s *MemStore) Update(ctx context.Context, collection, id string, fields Document) error {
	s.mu.Lock()
	doc, ok := s.docs[collection][id]
	if !ok {
		s.mu.Unlock()
		return ErrDocNotFound
	}
	for k, v := range fields {
		doc[k] = v
	}
	merged := cloneDoc(doc)
	s.mu.Unlock()

	s.deliver(Change{Type: ChangeModified, Collection: collection, ID: id, Doc: merged})
	return nil
}

func (s *MemStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	if _, ok := s.docs[collection][id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.docs[collection], id)
	s.mu.Unlock()

	s.deliver(Change{Type: ChangeRemoved, Collection: collection, ID: id})
	return nil
}

func (s *MemStore) Add(ctx context.Context, collection string, doc Document) (string, error) {
	id := uuid.New().String()
	return id, s.Set(ctx, collection, id, doc)
}

func (s *MemStore) Query(ctx context.Context, collection string, q Query) ([]Change, error) {
	s.mu.Lock()
	var out []Change
	for id, doc := range s.docs[collection] {
		if q.matches(doc) {
			out = append(out, Change{
				Type:       ChangeAdded,
				Collection: collection,
				ID:         id,
				Doc:        cloneDoc(doc),
			})
		}
	}
	s.mu.Unlock()

	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			less := lessValue(out[i].Doc[q.OrderBy], out[j].Doc[q.OrderBy])
			if q.Descending {
				return !less && !equalValue(out[i].Doc[q.OrderBy], out[j].Doc[q.OrderBy])
			}
			return less
		})
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func lessValue(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		return av < bv
	case int64:
		bv, _ := b.(int64)
		return av < bv
	case int:
		bv, _ := b.(int)
		return av < bv
	case float64:
		bv, _ := b.(float64)
		return av < bv
	default:
		return false
	}
}

func equalValue(a, b any) bool {
	return !lessValue(a, b) && !lessValue(b, a)
}

func (s *MemStore) Subscribe(collection string, q Query, fn func([]Change)) (CancelFunc, error) {
	return s.subscribe(collection, q, "", fn)
}

func (s *MemStore) SubscribeDoc(collection, id string, fn func(Change)) (CancelFunc, error) {
	return s.subscribe(collection, Query{}, id, func(batch []Change) {
		for _, ch := range batch {
			fn(ch)
		}
	})
}

func (s *MemStore) subscribe(collection string, q Query, docID string, fn func([]Change)) (CancelFunc, error) {
	s.mu.Lock()
	s.nextID++
	sub := &collSub{id: s.nextID, query: q, docID: docID, fn: fn}
	s.subs[collection] = append(s.subs[collection], sub)
	s.mu.Unlock()

	if docID == "" {
		if initial, _ := s.Query(context.Background(), collection, q); len(initial) > 0 {
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
			subs := s.subs[collection]
			for i, candidate := range subs {
				if candidate.id == sub.id {
					s.subs[collection] = append(subs[:i], subs[i+1:]...)
					return
				}
			}
		})
	}
	return cancel, nil
}

// deliver dispatches a confirmed change, preceded by its pending twin so
// MemStore exercises the same two-phase delivery consumers see in
// production.
func (s *MemStore) deliver(confirmed Change) {
	pending := confirmed
	pending.Pending = true

	for _, sub := range s.matchingSubs(confirmed) {
		sub.fn([]Change{pending})
		sub.fn([]Change{confirmed})
	}
}

func (s *MemStore) matchingSubs(ch Change) []*collSub {
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
		if ch.Doc == nil || sub.query.matches(ch.Doc) {
			out = append(out, sub)
		}
	}
	return out
}

func (s *MemStore) WriteBatch(ctx context.Context, ops []WriteOp) error {
	for _, op := range ops {
		switch op.Kind {
		case WriteSet:
			if err := s.Set(ctx, op.Collection, op.ID, op.Doc); err != nil {
				return err
			}
		case WriteUpdate:
			if err := s.Update(ctx, op.Collection, op.ID, op.Doc); err != nil {
				return err
			}
		case WriteDelete:
			if err := s.Delete(ctx, op.Collection, op.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *MemStore) Wake(ctx context.Context, userID string, ev WakeEvent) error {
	s.mu.Lock()
	handlers := append([]*wakeSub(nil), s.wakeSubs[userID]...)
	s.mu.Unlock()
	for _, sub := range handlers {
		sub.fn(ev)
	}
	return nil
}

// SubscribeWake receives wake events addressed to userID.
func (s *MemStore) SubscribeWake(userID string, fn func(WakeEvent)) (CancelFunc, error) {
	s.mu.Lock()
	s.nextID++
	sub := &wakeSub{id: s.nextID, fn: fn}
	s.wakeSubs[userID] = append(s.wakeSubs[userID], sub)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs := s.wakeSubs[userID]
			for i, candidate := range subs {
				if candidate.id == sub.id {
					s.wakeSubs[userID] = append(subs[:i], subs[i+1:]...)
					return
				}
			}
		})
	}, nil
}
