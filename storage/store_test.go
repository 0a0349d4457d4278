package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// Both backends must satisfy the same contract; every test below runs
// against each.
func withEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatalf("Failed to open sqlite store: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})

	t.Run("fallback", func(t *testing.T) {
		s, err := NewFallbackStore(filepath.Join(t.TempDir(), "fallback.json"))
		if err != nil {
			t.Fatalf("Failed to open fallback store: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func testMessage(convID, id string, ts time.Time) *Message {
	return &Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       "alice",
		Kind:           MessageEncrypted,
		Body:           []byte("ciphertext-" + id),
		Timestamp:      ts,
		Status:         StatusSent,
	}
}

func TestKeyValue(t *testing.T) {
	withEachBackend(t, func(t *testing.T, s Store) {
		if _, err := s.GetValue("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}

		if err := s.SetValue("identity", []byte("keydata")); err != nil {
			t.Fatalf("Failed to set value: %v", err)
		}
		got, err := s.GetValue("identity")
		if err != nil {
			t.Fatalf("Failed to get value: %v", err)
		}
		if !bytes.Equal(got, []byte("keydata")) {
			t.Errorf("Value mismatch: got %q", got)
		}

		if err := s.DeleteValue("identity"); err != nil {
			t.Fatalf("Failed to delete value: %v", err)
		}
		if _, err := s.GetValue("identity"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound after delete, got %v", err)
		}
	})
}

func TestConversationLifecycle(t *testing.T) {
	withEachBackend(t, func(t *testing.T, s Store) {
		now := time.Now()
		conv := &Conversation{
			ID:           "conv-1",
			Kind:         ConversationGroup,
			Participants: []string{"alice", "bob", "carol"},
			Name:         "project",
			WrappedKeys:  map[string]string{"alice": "wk-a", "bob": "wk-b", "carol": "wk-c"},
			KeyIssuerID:  "alice",
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		if err := s.UpsertConversation(conv); err != nil {
			t.Fatalf("Failed to upsert conversation: %v", err)
		}

		got, err := s.GetConversation("conv-1")
		if err != nil {
			t.Fatalf("Failed to get conversation: %v", err)
		}
		if got.Kind != ConversationGroup {
			t.Errorf("Expected group kind, got %s", got.Kind)
		}
		if len(got.Participants) != 3 || got.Participants[1] != "bob" {
			t.Errorf("Participants mismatch: %v", got.Participants)
		}
		if got.WrappedKeys["carol"] != "wk-c" {
			t.Errorf("Wrapped keys mismatch: %v", got.WrappedKeys)
		}

		// Upsert overwrites fields.
		conv.Name = "project-renamed"
		conv.UpdatedAt = now.Add(time.Minute)
		if err := s.UpsertConversation(conv); err != nil {
			t.Fatalf("Failed to re-upsert conversation: %v", err)
		}
		got, _ = s.GetConversation("conv-1")
		if got.Name != "project-renamed" {
			t.Errorf("Expected renamed conversation, got %q", got.Name)
		}

		if err := s.DeleteConversation("conv-1"); err != nil {
			t.Fatalf("Failed to delete conversation: %v", err)
		}
		if _, err := s.GetConversation("conv-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound after delete, got %v", err)
		}
	})
}

func TestListConversations_Order(t *testing.T) {
	withEachBackend(t, func(t *testing.T, s Store) {
		base := time.Now()
		for i, id := range []string{"old", "mid", "new"} {
			c := &Conversation{
				ID:           id,
				Kind:         ConversationPrivate,
				Participants: []string{"alice", "bob"},
				CreatedAt:    base,
				UpdatedAt:    base.Add(time.Duration(i) * time.Minute),
			}
			if err := s.UpsertConversation(c); err != nil {
				t.Fatalf("Failed to upsert: %v", err)
			}
		}

		convs, err := s.ListConversations()
		if err != nil {
			t.Fatalf("Failed to list conversations: %v", err)
		}
		if len(convs) != 3 {
			t.Fatalf("Expected 3 conversations, got %d", len(convs))
		}
		if convs[0].ID != "new" || convs[2].ID != "old" {
			t.Errorf("Expected most recently updated first, got %s,%s,%s",
				convs[0].ID, convs[1].ID, convs[2].ID)
		}
	})
}

func TestMessagePagination(t *testing.T) {
	withEachBackend(t, func(t *testing.T, s Store) {
		base := time.Now()
		for i := 0; i < 10; i++ {
			m := testMessage("conv-1", messageID(i), base.Add(time.Duration(i)*time.Second))
			if err := s.UpsertMessage(m); err != nil {
				t.Fatalf("Failed to upsert message: %v", err)
			}
		}

		// Newest-first pages.
		page, err := s.ListMessages("conv-1", 3, 0)
		if err != nil {
			t.Fatalf("Failed to list messages: %v", err)
		}
		if len(page) != 3 {
			t.Fatalf("Expected 3 messages, got %d", len(page))
		}
		if page[0].ID != messageID(9) {
			t.Errorf("Expected newest message first, got %s", page[0].ID)
		}

		page, err = s.ListMessages("conv-1", 3, 3)
		if err != nil {
			t.Fatalf("Failed to list second page: %v", err)
		}
		if page[0].ID != messageID(6) {
			t.Errorf("Expected offset to skip newest page, got %s", page[0].ID)
		}

		// Offset past the end yields an empty page.
		page, err = s.ListMessages("conv-1", 3, 100)
		if err != nil {
			t.Fatalf("Failed to list past end: %v", err)
		}
		if len(page) != 0 {
			t.Errorf("Expected empty page, got %d messages", len(page))
		}
	})
}

func messageID(i int) string {
	return string(rune('a'+i)) + "-msg"
}

func TestUpsertMessage_LastWriterWins(t *testing.T) {
	withEachBackend(t, func(t *testing.T, s Store) {
		ts := time.Now()
		m := testMessage("conv-1", "m1", ts)
		m.Status = StatusPending
		if err := s.UpsertMessage(m); err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}

		m.Status = StatusSent
		m.Body = []byte("updated")
		if err := s.UpsertMessage(m); err != nil {
			t.Fatalf("Failed to re-upsert: %v", err)
		}

		got, err := s.GetMessage("conv-1", "m1")
		if err != nil {
			t.Fatalf("Failed to get message: %v", err)
		}
		if got.Status != StatusSent || !bytes.Equal(got.Body, []byte("updated")) {
			t.Errorf("Expected overwritten message, got status=%s body=%q", got.Status, got.Body)
		}
	})
}

func TestReplaceMessageID(t *testing.T) {
	withEachBackend(t, func(t *testing.T, s Store) {
		ts := time.Now()
		if err := s.UpsertMessage(testMessage("conv-1", "tmp-1", ts)); err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}

		if err := s.ReplaceMessageID("conv-1", "tmp-1", "srv-1"); err != nil {
			t.Fatalf("Failed to replace id: %v", err)
		}

		if _, err := s.GetMessage("conv-1", "tmp-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Temporary id should be gone, got %v", err)
		}
		if _, err := s.GetMessage("conv-1", "srv-1"); err != nil {
			t.Errorf("Final id should exist, got %v", err)
		}
	})
}

func TestReplaceMessageID_CollapsesDuplicate(t *testing.T) {
	withEachBackend(t, func(t *testing.T, s Store) {
		ts := time.Now()
		// Authoritative copy arrived via the live path before reconciliation.
		if err := s.UpsertMessage(testMessage("conv-1", "srv-1", ts)); err != nil {
			t.Fatalf("Failed to upsert authoritative: %v", err)
		}
		if err := s.UpsertMessage(testMessage("conv-1", "tmp-1", ts)); err != nil {
			t.Fatalf("Failed to upsert temporary: %v", err)
		}

		if err := s.ReplaceMessageID("conv-1", "tmp-1", "srv-1"); err != nil {
			t.Fatalf("Failed to collapse: %v", err)
		}

		msgs, err := s.ListMessages("conv-1", 10, 0)
		if err != nil {
			t.Fatalf("Failed to list: %v", err)
		}
		if len(msgs) != 1 {
			t.Errorf("Expected single collapsed entry, got %d", len(msgs))
		}
		if len(msgs) > 0 && msgs[0].ID != "srv-1" {
			t.Errorf("Expected authoritative id to survive, got %s", msgs[0].ID)
		}
	})
}

func TestOutboxOrderAndDelete(t *testing.T) {
	withEachBackend(t, func(t *testing.T, s Store) {
		now := time.Now()
		var ids []int64
		for i := 0; i < 3; i++ {
			op := &PendingOp{
				Kind:           OpSendMessage,
				ConversationID: "conv-1",
				Payload:        []byte{byte(i)},
				CreatedAt:      now,
			}
			if err := s.AppendOutbox(op); err != nil {
				t.Fatalf("Failed to append outbox: %v", err)
			}
			if op.ID == 0 {
				t.Fatal("AppendOutbox must assign an id")
			}
			ids = append(ids, op.ID)
		}

		ops, err := s.ListOutbox()
		if err != nil {
			t.Fatalf("Failed to list outbox: %v", err)
		}
		if len(ops) != 3 {
			t.Fatalf("Expected 3 ops, got %d", len(ops))
		}
		for i, op := range ops {
			if op.ID != ids[i] {
				t.Errorf("Expected insertion order, got id %d at position %d", op.ID, i)
			}
		}

		if err := s.UpdateOutboxRetry(ids[0], 2, "timeout"); err != nil {
			t.Fatalf("Failed to update retry state: %v", err)
		}
		ops, _ = s.ListOutbox()
		if ops[0].Attempts != 2 || ops[0].LastError != "timeout" {
			t.Errorf("Retry state not persisted: %+v", ops[0])
		}

		if err := s.DeleteOutbox(ids[1]); err != nil {
			t.Fatalf("Failed to delete outbox op: %v", err)
		}
		ops, _ = s.ListOutbox()
		if len(ops) != 2 || ops[0].ID != ids[0] || ops[1].ID != ids[2] {
			t.Errorf("Unexpected outbox after delete: %+v", ops)
		}
	})
}

func TestFallbackStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.json")

	s, err := NewFallbackStore(path)
	if err != nil {
		t.Fatalf("Failed to open fallback store: %v", err)
	}
	op := &PendingOp{Kind: OpSendMessage, ConversationID: "conv-1", Payload: []byte("x"), CreatedAt: time.Now()}
	if err := s.AppendOutbox(op); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if err := s.SetValue("flag", []byte("on")); err != nil {
		t.Fatalf("Failed to set value: %v", err)
	}
	s.Close()

	// Queued sends must survive process restarts.
	s2, err := NewFallbackStore(path)
	if err != nil {
		t.Fatalf("Failed to reopen fallback store: %v", err)
	}
	defer s2.Close()

	ops, err := s2.ListOutbox()
	if err != nil {
		t.Fatalf("Failed to list outbox: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != op.ID {
		t.Errorf("Outbox did not survive reopen: %+v", ops)
	}
	if v, err := s2.GetValue("flag"); err != nil || !bytes.Equal(v, []byte("on")) {
		t.Errorf("KV did not survive reopen: %q %v", v, err)
	}
}

func TestStatusAdvances(t *testing.T) {
	cases := []struct {
		from, to MessageStatus
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusFailed, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusRead, true},
		{StatusSent, StatusPending, false},
		{StatusRead, StatusDelivered, false},
		{StatusSent, StatusFailed, false},
		{StatusFailed, StatusSent, false},
		{StatusSent, StatusSent, false},
	}
	for _, c := range cases {
		if got := StatusAdvances(c.from, c.to); got != c.want {
			t.Errorf("StatusAdvances(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
