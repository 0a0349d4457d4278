package msgsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/meridian-im/meridian-core/keyring"
	"github.com/meridian-im/meridian-core/signaling"
	"github.com/meridian-im/meridian-core/storage"
)

// flakyDocStore fails the first failSets document writes.
type flakyDocStore struct {
	*signaling.MemStore
	failSets int
	sets     int
}

func (f *flakyDocStore) Set(ctx context.Context, collection, id string, doc signaling.Document) error {
	if collection == collMessages {
		f.sets++
		if f.sets <= f.failSets {
			return signaling.ErrUnavailable
		}
	}
	return f.MemStore.Set(ctx, collection, id, doc)
}

func newTestEngine(t *testing.T, userID string, docs signaling.DocStore) (*Engine, func()) {
	t.Helper()
	identity, err := keyring.GenerateIdentityKeys(userID)
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}
	store, err := storage.NewFallbackStore("")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	e := NewEngine(identity, store, docs, keyring.NewCache(16), Options{PageSize: 5})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}
	e.SetOnline(true)
	return e, func() {
		e.Close()
		store.Close()
	}
}

func TestSendMessage_Private(t *testing.T) {
	docs := signaling.NewMemStore()
	alice, cleanupA := newTestEngine(t, "alice", docs)
	defer cleanupA()
	bob, cleanupB := newTestEngine(t, "bob", docs)
	defer cleanupB()
	ctx := context.Background()

	conv, err := alice.CreatePrivateConversation(ctx, "bob")
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}

	if _, err := alice.OpenConversation(ctx, conv.ID); err != nil {
		t.Fatalf("Failed to open conversation: %v", err)
	}
	if _, err := bob.OpenConversation(ctx, conv.ID); err != nil {
		t.Fatalf("Failed to open conversation on bob: %v", err)
	}

	msg, err := alice.SendMessage(ctx, conv.ID, []byte("hello bob"), "")
	if err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if msg.Status != storage.StatusPending || !strings.HasPrefix(msg.ID, "tmp-") {
		t.Errorf("Returned message must be the optimistic record, got %+v", msg)
	}

	// Alice's view: one message, authoritative id, no temp leftover.
	view := alice.Messages(conv.ID)
	if len(view) != 1 {
		t.Fatalf("Expected 1 message in alice's view, got %d", len(view))
	}
	if strings.HasPrefix(view[0].ID, "tmp-") {
		t.Errorf("Temp id must be collapsed after delivery, got %s", view[0].ID)
	}
	if view[0].Status != storage.StatusSent {
		t.Errorf("Expected sent status, got %s", view[0].Status)
	}

	// Bob received ciphertext and can decrypt it.
	bobView := bob.Messages(conv.ID)
	if len(bobView) != 1 {
		t.Fatalf("Expected 1 message in bob's view, got %d", len(bobView))
	}
	bobConv, err := bob.store.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("Conversation did not sync to bob: %v", err)
	}
	if got := bob.DecryptForDisplay(ctx, bobConv, bobView[0]); got != "hello bob" {
		t.Errorf("Bob decrypted %q", got)
	}

	// The body on the wire is never the plaintext.
	if strings.Contains(string(bobView[0].Body), "hello bob") {
		t.Error("Message body must be encrypted")
	}
}

func TestSendMessage_OfflineQueuesThenDrains(t *testing.T) {
	docs := signaling.NewMemStore()
	alice, cleanupA := newTestEngine(t, "alice", docs)
	defer cleanupA()
	bob, cleanupB := newTestEngine(t, "bob", docs)
	defer cleanupB()
	ctx := context.Background()

	conv, err := alice.CreatePrivateConversation(ctx, "bob")
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}
	alice.OpenConversation(ctx, conv.ID)

	alice.SetOnline(false)
	msg, err := alice.SendMessage(ctx, conv.ID, []byte("queued"), "")
	if err != nil {
		t.Fatalf("Offline send must succeed locally: %v", err)
	}
	if msg.Status != storage.StatusPending {
		t.Errorf("Queued message must stay pending, got %s", msg.Status)
	}

	ops, _ := alice.store.ListOutbox()
	if len(ops) != 1 {
		t.Fatalf("Expected 1 queued op, got %d", len(ops))
	}

	// Reconnect and drain.
	alice.SetOnline(true)
	if err := alice.ProcessQueue(ctx); err != nil {
		t.Fatalf("Failed to drain queue: %v", err)
	}

	ops, _ = alice.store.ListOutbox()
	if len(ops) != 0 {
		t.Errorf("Outbox must be empty after drain, got %d ops", len(ops))
	}
	view := alice.Messages(conv.ID)
	if len(view) != 1 || view[0].Status != storage.StatusSent {
		t.Errorf("Expected single sent message after drain, got %+v", view)
	}

	bob.OpenConversation(ctx, conv.ID)
	if len(bob.Messages(conv.ID)) != 1 {
		t.Error("Drained message did not reach bob")
	}
}

func TestProcessQueue_Convergence(t *testing.T) {
	flaky := &flakyDocStore{MemStore: signaling.NewMemStore(), failSets: 3}
	alice, cleanupA := newTestEngine(t, "alice", flaky)
	defer cleanupA()
	_, cleanupB := newTestEngine(t, "bob", flaky)
	defer cleanupB()
	ctx := context.Background()

	conv, err := alice.CreatePrivateConversation(ctx, "bob")
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}
	alice.OpenConversation(ctx, conv.ID)

	// First transmit fails and queues.
	if _, err := alice.SendMessage(ctx, conv.ID, []byte("persistent"), ""); err != nil {
		t.Fatalf("Send must queue on failure, got %v", err)
	}

	// Two more failing drains, then a successful one.
	for i := 0; i < 3; i++ {
		if err := alice.ProcessQueue(ctx); err != nil {
			t.Fatalf("Drain attempt %d errored: %v", i, err)
		}
	}

	ops, _ := alice.store.ListOutbox()
	if len(ops) != 0 {
		t.Fatalf("Outbox must converge to empty, got %d ops", len(ops))
	}
	view := alice.Messages(conv.ID)
	if len(view) != 1 {
		t.Fatalf("Exactly one durable message expected, got %d", len(view))
	}
	if view[0].Status != storage.StatusSent {
		t.Errorf("Expected sent, got %s", view[0].Status)
	}
	// Repeating the drain changes nothing.
	if err := alice.ProcessQueue(ctx); err != nil {
		t.Fatalf("Idempotent drain errored: %v", err)
	}
	if len(alice.Messages(conv.ID)) != 1 {
		t.Error("Drain must be idempotent")
	}
}

func TestMergeIdempotence(t *testing.T) {
	docs := signaling.NewMemStore()
	alice, cleanup := newTestEngine(t, "alice", docs)
	defer cleanup()
	ctx := context.Background()

	conv, _ := alice.CreatePrivateConversation(ctx, "alice")
	alice.OpenConversation(ctx, conv.ID)

	batch := []signaling.Change{
		{Type: signaling.ChangeAdded, ID: "m1", Doc: signaling.Document{
			"conversation_id": conv.ID, "sender_id": "alice", "kind": "encrypted",
			"body": []byte{1}, "timestamp": time.Now().UnixNano(), "status": "sent",
		}},
		{Type: signaling.ChangeAdded, ID: "m2", Doc: signaling.Document{
			"conversation_id": conv.ID, "sender_id": "alice", "kind": "encrypted",
			"body": []byte{2}, "timestamp": time.Now().Add(time.Second).UnixNano(), "status": "sent",
		}},
	}

	alice.applyMessageBatch(conv.ID, batch)
	first := alice.Messages(conv.ID)
	alice.applyMessageBatch(conv.ID, batch)
	second := alice.Messages(conv.ID)

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("Expected 2 messages after each apply, got %d then %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("Order changed on re-apply: %s vs %s", first[i].ID, second[i].ID)
		}
	}

	// Removal applies and re-applies cleanly.
	removal := []signaling.Change{{Type: signaling.ChangeRemoved, ID: "m1"}}
	alice.applyMessageBatch(conv.ID, removal)
	alice.applyMessageBatch(conv.ID, removal)
	if view := alice.Messages(conv.ID); len(view) != 1 || view[0].ID != "m2" {
		t.Errorf("Expected only m2 after removal, got %+v", view)
	}
}

func TestGroupRotationOnRemove(t *testing.T) {
	docs := signaling.NewMemStore()
	alice, cleanupA := newTestEngine(t, "alice", docs)
	defer cleanupA()
	bob, cleanupB := newTestEngine(t, "bob", docs)
	defer cleanupB()
	carol, cleanupC := newTestEngine(t, "carol", docs)
	defer cleanupC()
	ctx := context.Background()

	conv, err := alice.CreateGroupConversation(ctx, "team", []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}

	// Everyone can resolve the initial key.
	for _, e := range []*Engine{alice, bob, carol} {
		c, err := e.store.GetConversation(conv.ID)
		if err != nil {
			t.Fatalf("Group did not sync to %s: %v", e.identity.UserID, err)
		}
		if _, err := e.groupKey(ctx, c); err != nil {
			t.Fatalf("%s cannot unwrap group key: %v", e.identity.UserID, err)
		}
	}

	oldEntry := conv.WrappedKeys["carol"]

	if err := alice.RemoveMember(ctx, conv.ID, "carol"); err != nil {
		t.Fatalf("Failed to remove member: %v", err)
	}

	rotated, _ := alice.store.GetConversation(conv.ID)
	if _, ok := rotated.WrappedKeys["carol"]; ok {
		t.Error("Removed member's wrapped entry must be dropped")
	}
	if len(rotated.Participants) != 2 {
		t.Errorf("Expected 2 participants, got %v", rotated.Participants)
	}
	if rotated.WrappedKeys["bob"] == "" {
		t.Fatal("Remaining members must get a re-wrapped key")
	}

	// Remaining members unwrap the new key.
	bobConv, _ := bob.store.GetConversation(conv.ID)
	newKey, err := bob.groupKey(ctx, bobConv)
	if err != nil {
		t.Fatalf("Bob cannot unwrap rotated key: %v", err)
	}

	// Carol's old entry does not unwrap the new key: a message encrypted
	// post-rotation is unreadable with whatever she still holds.
	_, oldWrapped, _ := parseWrappedEntry(oldEntry)
	carolShared, _ := keyring.DeriveSharedKey(carol.identity.Private, alice.identity.Public)
	oldKey, err := keyring.UnwrapGroupKey(oldWrapped, carolShared)
	if err != nil {
		t.Fatalf("Carol should still unwrap her pre-rotation entry: %v", err)
	}
	ciphertext, _ := keyring.Encrypt([]byte("post-rotation"), newKey)
	if _, err := keyring.Decrypt(ciphertext, oldKey); !errors.Is(err, keyring.ErrDecryption) {
		t.Error("Old group key must not decrypt post-rotation traffic")
	}
}

func TestAddMemberExtendsKey(t *testing.T) {
	docs := signaling.NewMemStore()
	alice, cleanupA := newTestEngine(t, "alice", docs)
	defer cleanupA()
	bob, cleanupB := newTestEngine(t, "bob", docs)
	defer cleanupB()
	dave, cleanupD := newTestEngine(t, "dave", docs)
	defer cleanupD()
	ctx := context.Background()

	conv, err := alice.CreateGroupConversation(ctx, "team", []string{"bob"})
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}
	aliceKey, _ := alice.groupKey(ctx, conv)

	// Bob, not the issuer, adds dave.
	bobConv, _ := bob.store.GetConversation(conv.ID)
	if err := bob.AddMember(ctx, bobConv.ID, "dave"); err != nil {
		t.Fatalf("Failed to add member: %v", err)
	}

	daveConv, err := dave.store.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("Group did not sync to dave: %v", err)
	}
	daveKey, err := dave.groupKey(ctx, daveConv)
	if err != nil {
		t.Fatalf("Dave cannot unwrap extended key: %v", err)
	}

	// Same key: dave can read history.
	if string(aliceKey) != string(daveKey) {
		t.Error("Adding a member must extend the existing key, not rotate")
	}
}

func TestSendMessage_GroupWithoutKeyAborts(t *testing.T) {
	docs := signaling.NewMemStore()
	alice, cleanup := newTestEngine(t, "alice", docs)
	defer cleanup()
	ctx := context.Background()

	// A group doc that carries no entry for alice.
	conv := &storage.Conversation{
		ID:           "conv-locked",
		Kind:         storage.ConversationGroup,
		Participants: []string{"alice", "bob"},
		WrappedKeys:  map[string]string{"bob": "bob:xxxx"},
		KeyIssuerID:  "bob",
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	alice.store.UpsertConversation(conv)

	if _, err := alice.SendMessage(ctx, conv.ID, []byte("nope"), ""); !errors.Is(err, ErrNoGroupKey) {
		t.Errorf("Expected ErrNoGroupKey, got %v", err)
	}
	if msgs, _ := alice.store.ListMessages(conv.ID, 10, 0); len(msgs) != 0 {
		t.Error("Nothing may be persisted or sent without a key")
	}
}

func TestDecryptForDisplay_Sentinel(t *testing.T) {
	docs := signaling.NewMemStore()
	alice, cleanup := newTestEngine(t, "alice", docs)
	defer cleanup()
	ctx := context.Background()

	conv, _ := alice.CreatePrivateConversation(ctx, "alice")
	msg := &storage.Message{
		ID:             "m1",
		ConversationID: conv.ID,
		SenderID:       "alice",
		Kind:           storage.MessageEncrypted,
		Body:           []byte("garbage that is not a ciphertext"),
		Timestamp:      time.Now(),
		Status:         storage.StatusSent,
	}
	if got := alice.DecryptForDisplay(ctx, conv, msg); got != DecryptFailedPlaceholder {
		t.Errorf("Expected placeholder, got %q", got)
	}

	plain := &storage.Message{Kind: storage.MessageText, Body: []byte("visible")}
	if got := alice.DecryptForDisplay(ctx, conv, plain); got != "visible" {
		t.Errorf("Text kind must pass through, got %q", got)
	}
}

func TestBlockedSenderFiltered(t *testing.T) {
	docs := signaling.NewMemStore()
	alice, cleanupA := newTestEngine(t, "alice", docs)
	defer cleanupA()
	bob, cleanupB := newTestEngine(t, "bob", docs)
	defer cleanupB()
	ctx := context.Background()

	conv, _ := bob.CreatePrivateConversation(ctx, "alice")
	alice.OpenConversation(ctx, conv.ID)

	if err := alice.Block("bob"); err != nil {
		t.Fatalf("Failed to block: %v", err)
	}

	woken := false
	alice.SetWakeHandler(func(Preview) { woken = true })

	bob.OpenConversation(ctx, conv.ID)
	if _, err := bob.SendMessage(ctx, conv.ID, []byte("spam"), ""); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	if len(alice.Messages(conv.ID)) != 0 {
		t.Error("Messages from a blocked sender must not surface")
	}
	if woken {
		t.Error("Wakes from a blocked sender must be dropped")
	}

	// Unblock restores future traffic.
	alice.Unblock("bob")
	bob.SendMessage(ctx, conv.ID, []byte("welcome back"), "")
	if len(alice.Messages(conv.ID)) != 1 {
		t.Error("Messages after unblock must surface")
	}
}

func TestWakePreview(t *testing.T) {
	docs := signaling.NewMemStore()
	alice, cleanupA := newTestEngine(t, "alice", docs)
	defer cleanupA()
	bob, cleanupB := newTestEngine(t, "bob", docs)
	defer cleanupB()
	ctx := context.Background()

	conv, _ := bob.CreatePrivateConversation(ctx, "alice")

	var got Preview
	alice.SetWakeHandler(func(p Preview) { got = p })

	if _, err := bob.SendMessage(ctx, conv.ID, []byte("ping"), ""); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	if got.ConversationID != conv.ID || got.SenderID != "bob" {
		t.Fatalf("Wake preview not delivered: %+v", got)
	}
	if got.Text != "ping" {
		t.Errorf("Expected decrypted preview, got %q", got.Text)
	}
}

func TestLoadMore(t *testing.T) {
	docs := signaling.NewMemStore()
	alice, cleanup := newTestEngine(t, "alice", docs)
	defer cleanup()
	ctx := context.Background()

	conv, _ := alice.CreatePrivateConversation(ctx, "alice")
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 12; i++ {
		alice.store.UpsertMessage(&storage.Message{
			ID:             messageIDForTest(i),
			ConversationID: conv.ID,
			SenderID:       "alice",
			Kind:           storage.MessageText,
			Body:           []byte("n"),
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			Status:         storage.StatusSent,
		})
	}

	view, err := alice.OpenConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if len(view) != 5 {
		t.Fatalf("Expected first page of 5, got %d", len(view))
	}
	if view[0].ID != messageIDForTest(7) || view[4].ID != messageIDForTest(11) {
		t.Errorf("First page must be the newest 5 ascending, got %s..%s", view[0].ID, view[4].ID)
	}

	view, err = alice.LoadMore(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Failed to load more: %v", err)
	}
	if len(view) != 10 {
		t.Errorf("Expected 10 after one LoadMore, got %d", len(view))
	}
	if view[0].ID != messageIDForTest(2) {
		t.Errorf("Expected view to extend into the past, got oldest %s", view[0].ID)
	}
}

func messageIDForTest(i int) string {
	return string(rune('a'+i)) + "-hist"
}

func TestTyping(t *testing.T) {
	docs := signaling.NewMemStore()
	alice, cleanupA := newTestEngine(t, "alice", docs)
	defer cleanupA()
	bob, cleanupB := newTestEngine(t, "bob", docs)
	defer cleanupB()
	ctx := context.Background()

	conv, _ := alice.CreatePrivateConversation(ctx, "bob")
	alice.OpenConversation(ctx, conv.ID)

	if err := bob.SetTyping(ctx, conv.ID, true); err != nil {
		t.Fatalf("Failed to set typing: %v", err)
	}
	if users := alice.TypingUsers(conv.ID); len(users) != 1 || users[0] != "bob" {
		t.Errorf("Expected bob typing, got %v", users)
	}

	if err := bob.SetTyping(ctx, conv.ID, false); err != nil {
		t.Fatalf("Failed to clear typing: %v", err)
	}
	if users := alice.TypingUsers(conv.ID); len(users) != 0 {
		t.Errorf("Expected nobody typing, got %v", users)
	}
}

func TestTyping_ScopedToConversation(t *testing.T) {
	docs := signaling.NewMemStore()
	alice, cleanupA := newTestEngine(t, "alice", docs)
	defer cleanupA()
	bob, cleanupB := newTestEngine(t, "bob", docs)
	defer cleanupB()
	ctx := context.Background()

	conv1, _ := alice.CreatePrivateConversation(ctx, "bob")
	conv2, _ := alice.CreateGroupConversation(ctx, "room", []string{"bob"})
	alice.OpenConversation(ctx, conv1.ID)
	alice.OpenConversation(ctx, conv2.ID)

	bob.SetTyping(ctx, conv1.ID, true)
	bob.SetTyping(ctx, conv2.ID, true)

	// Clearing in one conversation must not touch the other.
	if err := bob.SetTyping(ctx, conv1.ID, false); err != nil {
		t.Fatalf("Failed to clear typing: %v", err)
	}
	if users := alice.TypingUsers(conv1.ID); len(users) != 0 {
		t.Errorf("Expected nobody typing in first conversation, got %v", users)
	}
	if users := alice.TypingUsers(conv2.ID); len(users) != 1 || users[0] != "bob" {
		t.Errorf("Expected bob still typing in second conversation, got %v", users)
	}
}

func TestSendRefreshesConversationSnapshot(t *testing.T) {
	docs := signaling.NewMemStore()
	alice, cleanup := newTestEngine(t, "alice", docs)
	defer cleanup()
	ctx := context.Background()

	conv, err := alice.CreatePrivateConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}
	if _, err := alice.SendMessage(ctx, conv.ID, []byte("note to self"), ""); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	// Once the send is confirmed the denormalized snapshot must carry the
	// authoritative id, not the optimistic temp record.
	stored, err := alice.store.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("Failed to load conversation: %v", err)
	}
	if stored.LastMessage == nil {
		t.Fatal("Expected a last-message snapshot")
	}
	if strings.HasPrefix(stored.LastMessage.ID, "tmp-") {
		t.Errorf("Snapshot still carries the temp id %q", stored.LastMessage.ID)
	}
	if stored.LastMessage.Status != storage.StatusSent {
		t.Errorf("Snapshot status = %s, want %s", stored.LastMessage.Status, storage.StatusSent)
	}
}

func TestClose_ClearsKeysAndSubscriptions(t *testing.T) {
	docs := signaling.NewMemStore()
	identity, _ := keyring.GenerateIdentityKeys("alice")
	store, _ := storage.NewFallbackStore("")
	defer store.Close()
	cache := keyring.NewCache(16)
	e := NewEngine(identity, store, docs, cache, Options{PageSize: 5})
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	e.SetOnline(true)

	conv, _ := e.CreatePrivateConversation(ctx, "alice")
	e.OpenConversation(ctx, conv.ID)
	if _, err := e.SendMessage(ctx, conv.ID, []byte("x"), ""); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if cache.Len() == 0 {
		t.Fatal("Expected a cached key before close")
	}

	e.Close()
	if cache.Len() != 0 {
		t.Error("Close must clear the key cache")
	}
	if got := e.Messages(conv.ID); got != nil {
		t.Error("Close must drop open conversations")
	}
	e.Close() // idempotent
}
