package msgsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/meridian-im/meridian-core/keyring"
	"github.com/meridian-im/meridian-core/signaling"
	"github.com/meridian-im/meridian-core/storage"
)

// DecryptFailedPlaceholder is rendered in place of a body that cannot be
// decrypted. Render paths never see a decryption error.
const DecryptFailedPlaceholder = "[message could not be decrypted]"

const defaultPageSize = 50

const blockedUsersKey = "blocked_users"

// ErrNoGroupKey indicates the local identity holds no unwrappable key for a
// group conversation. Sending aborts rather than falling back to plaintext.
var ErrNoGroupKey = errors.New("no group key available")

// subState tracks one conversation's subscription lifecycle.
type subState int

const (
	stateUnsubscribed subState = iota
	stateSyncing
	stateLive
)

// convState is the in-memory view of one open conversation.
type convState struct {
	state        subState
	cancel       signaling.CancelFunc
	typingCancel signaling.CancelFunc
	msgs         []*storage.Message // ascending by timestamp
	sentTemp     map[string]string  // authoritative doc id -> optimistic temp id
	loaded       int                // messages pulled from the store so far
}

// Options tunes the engine.
type Options struct {
	PageSize int
}

// Engine is the offline-first synchronization engine for one authenticated
// session. Close releases every subscription and clears the key cache.
type Engine struct {
	identity *keyring.Identity
	store    storage.Store
	docs     signaling.DocStore
	keys     *keyring.Cache
	pageSize int

	drainMu    sync.Mutex // serializes outbox drains
	mu         sync.Mutex
	convs      map[string]*convState
	typing     map[string]map[string]bool // conversation id -> user id -> typing
	blocked    map[string]bool
	online     bool
	peerKeys   map[string]keyring.PublicKey
	convCancel signaling.CancelFunc
	wakeCancel signaling.CancelFunc
	wakeFn     func(Preview)
	closed     bool
}

// NewEngine builds an engine scoped to identity's session.
func NewEngine(identity *keyring.Identity, store storage.Store, docs signaling.DocStore, keys *keyring.Cache, opts Options) *Engine {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	e := &Engine{
		identity: identity,
		store:    store,
		docs:     docs,
		keys:     keys,
		pageSize: pageSize,
		convs:    make(map[string]*convState),
		typing:   make(map[string]map[string]bool),
		blocked:  make(map[string]bool),
		peerKeys: make(map[string]keyring.PublicKey),
	}
	e.loadBlocked()
	return e
}

// Start publishes the local identity key, attaches the conversation feed
// and the wake channel. Conversations addressed to this identity stream
// into the local store from here on.
func (e *Engine) Start(ctx context.Context) error {
	err := e.docs.Set(ctx, collIdentities, e.identity.UserID, signaling.Document{
		"public_key": []byte(e.identity.Public),
	})
	if err != nil {
		return fmt.Errorf("failed to publish identity: %w", err)
	}

	cancel, err := e.docs.Subscribe(collConversations, signaling.Query{
		Filters: []signaling.Filter{
			{Field: "participants", Op: signaling.OpContains, Value: e.identity.UserID},
		},
	}, e.applyConversationBatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to conversations: %w", err)
	}

	e.mu.Lock()
	e.convCancel = cancel
	e.mu.Unlock()

	if ws, ok := e.docs.(interface {
		SubscribeWake(string, func(signaling.WakeEvent)) (signaling.CancelFunc, error)
	}); ok {
		wc, err := ws.SubscribeWake(e.identity.UserID, func(ev signaling.WakeEvent) {
			e.HandleWake(ev.ConversationID, ev.SenderID, ev.Ciphertext)
		})
		if err != nil {
			log.Warn().Err(err).Msg("Wake channel unavailable")
		} else {
			e.mu.Lock()
			e.wakeCancel = wc
			e.mu.Unlock()
		}
	}

	log.Info().Str("user_id", e.identity.UserID).Msg("Sync engine started")
	return nil
}

// Close cancels all subscriptions and clears cached keys. The engine is
// unusable afterwards; logout constructs a fresh one.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancels := []signaling.CancelFunc{e.convCancel, e.wakeCancel}
	for _, st := range e.convs {
		cancels = append(cancels, st.cancel, st.typingCancel)
	}
	e.convs = make(map[string]*convState)
	e.typing = make(map[string]map[string]bool)
	e.mu.Unlock()

	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}
	e.keys.Clear()
	log.Info().Msg("Sync engine closed")
}

// SetOnline records connectivity. The transition to online drains the
// outbox.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()

	if online && !was {
		log.Info().Msg("Back online, draining outbox")
		go e.ProcessQueue(context.Background())
	}
}

// Online reports the last observed connectivity state.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// ===============================
// Conversation subscriptions
// ===============================

// OpenConversation serves the most recent page from the local store
// immediately and attaches the live subscription. Safe to call again for an
// already-open conversation.
func (e *Engine) OpenConversation(ctx context.Context, convID string) ([]*storage.Message, error) {
	e.mu.Lock()
	if st, ok := e.convs[convID]; ok && st.state != stateUnsubscribed {
		view := copyMessages(st.msgs)
		e.mu.Unlock()
		return view, nil
	}
	st := &convState{state: stateSyncing, sentTemp: make(map[string]string)}
	e.convs[convID] = st

	// Local page first: newest-first from the store, reversed to the
	// ascending render order.
	page, err := e.store.ListMessages(convID, e.pageSize, 0)
	if err != nil {
		delete(e.convs, convID)
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to load cached messages: %w", err)
	}
	st.msgs = reverseMessages(page)
	st.loaded = len(page)
	view := copyMessages(st.msgs)
	e.mu.Unlock()

	// The subscription delivers the initial remote snapshot as its first
	// batch; the engine is syncing until that lands.
	cancel, err := e.docs.Subscribe(collMessages, signaling.Query{
		Filters: []signaling.Filter{
			{Field: "conversation_id", Op: signaling.OpEqual, Value: convID},
		},
	}, func(batch []signaling.Change) {
		e.applyMessageBatch(convID, batch)
	})
	if err != nil {
		e.mu.Lock()
		delete(e.convs, convID)
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to subscribe to messages: %w", err)
	}

	typingCancel, err := e.docs.Subscribe(collTyping, signaling.Query{
		Filters: []signaling.Filter{
			{Field: "conversation_id", Op: signaling.OpEqual, Value: convID},
		},
	}, func(batch []signaling.Change) {
		e.applyTypingBatch(convID, batch)
	})
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", convID).Msg("Typing feed unavailable")
	}

	e.mu.Lock()
	if cur, ok := e.convs[convID]; ok && cur == st {
		st.cancel = cancel
		st.typingCancel = typingCancel
		st.state = stateLive
		view = copyMessages(st.msgs)
		e.mu.Unlock()
	} else {
		// Closed while subscribing.
		e.mu.Unlock()
		cancel()
		if typingCancel != nil {
			typingCancel()
		}
	}
	return view, nil
}

// CloseConversation releases the conversation's transport resources.
func (e *Engine) CloseConversation(convID string) {
	e.mu.Lock()
	st, ok := e.convs[convID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.convs, convID)
	delete(e.typing, convID)
	e.mu.Unlock()

	if st.cancel != nil {
		st.cancel()
	}
	if st.typingCancel != nil {
		st.typingCancel()
	}
}

// Messages returns the current in-memory view, ascending by timestamp.
func (e *Engine) Messages(convID string) []*storage.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.convs[convID]
	if !ok {
		return nil
	}
	return copyMessages(st.msgs)
}

// Conversations lists known conversations, most recently updated first.
func (e *Engine) Conversations() ([]*storage.Conversation, error) {
	return e.store.ListConversations()
}

// ===============================
// Merge
// ===============================

// applyMessageBatch merges one ordered change batch into the store and the
// in-memory view. Re-applying a batch is a no-op.
func (e *Engine) applyMessageBatch(convID string, batch []signaling.Change) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.convs[convID]
	if !ok {
		return
	}

	byID := make(map[string]*storage.Message, len(st.msgs))
	for _, m := range st.msgs {
		byID[m.ID] = m
	}

	for _, ch := range batch {
		switch ch.Type {
		case signaling.ChangeAdded, signaling.ChangeModified:
			msg := docToMessage(ch.ID, ch.Doc)
			if msg.ConversationID == "" {
				msg.ConversationID = convID
			}
			if e.blocked[msg.SenderID] {
				continue
			}
			if tempID, ours := st.sentTemp[ch.ID]; ours {
				if ch.Pending {
					// Our own optimistic echo; the temp record already
					// covers it.
					continue
				}
				// Server confirmation: collapse temp onto the
				// authoritative id.
				if err := e.store.ReplaceMessageID(convID, tempID, ch.ID); err != nil {
					log.Warn().Err(err).Str("message_id", ch.ID).Msg("Failed to collapse optimistic message")
				}
				delete(byID, tempID)
				delete(st.sentTemp, ch.ID)
			}
			if prev, exists := byID[msg.ID]; exists && !ch.Pending {
				// Remote wins, but a status can only move forward.
				if !storage.StatusAdvances(prev.Status, msg.Status) && prev.Status != msg.Status {
					msg.Status = prev.Status
				}
			}
			byID[msg.ID] = msg
			if !ch.Pending {
				if err := e.store.UpsertMessage(msg); err != nil {
					log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to persist merged message")
				}
			}
		case signaling.ChangeRemoved:
			delete(byID, ch.ID)
			if !ch.Pending {
				if err := e.store.DeleteMessage(convID, ch.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
					log.Warn().Err(err).Str("message_id", ch.ID).Msg("Failed to delete removed message")
				}
			}
		}
	}

	merged := make([]*storage.Message, 0, len(byID))
	for _, m := range byID {
		merged = append(merged, m)
	}
	sortMessages(merged)
	st.msgs = merged
	if st.state == stateSyncing {
		st.state = stateLive
	}
}

// applyConversationBatch mirrors the conversation feed into the store.
func (e *Engine) applyConversationBatch(batch []signaling.Change) {
	for _, ch := range batch {
		if ch.Pending {
			continue
		}
		switch ch.Type {
		case signaling.ChangeAdded, signaling.ChangeModified:
			conv := docToConversation(ch.ID, ch.Doc)
			if err := e.store.UpsertConversation(conv); err != nil {
				log.Error().Err(err).Str("conversation_id", ch.ID).Msg("Failed to persist conversation")
				continue
			}
			// A rotated group key invalidates whatever was cached.
			e.keys.Invalidate(ch.ID)
		case signaling.ChangeRemoved:
			if err := e.store.DeleteConversation(ch.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				log.Warn().Err(err).Str("conversation_id", ch.ID).Msg("Failed to delete conversation")
			}
			e.keys.Invalidate(ch.ID)
		}
	}
}

// ===============================
// Typing / blocking
// ===============================

func (e *Engine) applyTypingBatch(convID string, batch []signaling.Change) {
	e.mu.Lock()
	defer e.mu.Unlock()
	users := e.typing[convID]
	if users == nil {
		users = make(map[string]bool)
		e.typing[convID] = users
	}
	for _, ch := range batch {
		userID := asString(ch.Doc["user_id"])
		switch ch.Type {
		case signaling.ChangeAdded, signaling.ChangeModified:
			if userID == "" || userID == e.identity.UserID {
				continue
			}
			if t, ok := ch.Doc["typing"].(bool); ok && t {
				users[userID] = true
			} else {
				delete(users, userID)
			}
		case signaling.ChangeRemoved:
			// Doc id is "<conversation>:<user>".
			if conv, user, ok := splitDocID(ch.ID); ok && conv == convID {
				delete(users, user)
			}
		}
	}
}

// SetTyping publishes the local typing state for a conversation.
func (e *Engine) SetTyping(ctx context.Context, convID string, typing bool) error {
	id := convID + ":" + e.identity.UserID
	if !typing {
		return e.docs.Delete(ctx, collTyping, id)
	}
	return e.docs.Set(ctx, collTyping, id, signaling.Document{
		"conversation_id": convID,
		"user_id":         e.identity.UserID,
		"typing":          true,
	})
}

// TypingUsers returns the peers currently typing in a conversation.
func (e *Engine) TypingUsers(convID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	users := make([]string, 0, len(e.typing[convID]))
	for u := range e.typing[convID] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Block hides a user's messages and wakes. Persisted across sessions.
func (e *Engine) Block(userID string) error {
	e.mu.Lock()
	e.blocked[userID] = true
	e.mu.Unlock()
	return e.saveBlocked()
}

// Unblock reverses Block for future traffic.
func (e *Engine) Unblock(userID string) error {
	e.mu.Lock()
	delete(e.blocked, userID)
	e.mu.Unlock()
	return e.saveBlocked()
}

// IsBlocked reports whether a user is blocked.
func (e *Engine) IsBlocked(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blocked[userID]
}

func (e *Engine) loadBlocked() {
	data, err := e.store.GetValue(blockedUsersKey)
	if err != nil {
		return
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		log.Warn().Err(err).Msg("Failed to parse blocked user list")
		return
	}
	for _, id := range ids {
		e.blocked[id] = true
	}
}

func (e *Engine) saveBlocked() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.blocked))
	for id := range e.blocked {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return e.store.SetValue(blockedUsersKey, data)
}

// ===============================
// Helpers
// ===============================

func copyMessages(msgs []*storage.Message) []*storage.Message {
	out := make([]*storage.Message, len(msgs))
	copy(out, msgs)
	return out
}

func reverseMessages(msgs []*storage.Message) []*storage.Message {
	out := make([]*storage.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}

// sortMessages orders ascending by timestamp, id as the tiebreak.
func sortMessages(msgs []*storage.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
