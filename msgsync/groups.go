package msgsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridian-im/meridian-core/keyring"
	"github.com/meridian-im/meridian-core/signaling"
	"github.com/meridian-im/meridian-core/storage"
)

// CreatePrivateConversation starts (or returns) a direct conversation with
// peer. The symmetric key is derived on demand, nothing is wrapped.
func (e *Engine) CreatePrivateConversation(ctx context.Context, peerID string) (*storage.Conversation, error) {
	// Reuse an existing direct conversation with the same peer.
	existing, err := e.store.ListConversations()
	if err == nil {
		for _, c := range existing {
			if c.Kind == storage.ConversationPrivate && e.privatePeer(c) == peerID {
				return c, nil
			}
		}
	}

	// Fail early if the peer never published a key.
	if _, err := e.lookupPublicKey(ctx, peerID); err != nil {
		return nil, err
	}

	now := time.Now()
	conv := &storage.Conversation{
		ID:           uuid.New().String(),
		Kind:         storage.ConversationPrivate,
		Participants: []string{e.identity.UserID, peerID},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.publishConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// CreateGroupConversation issues a fresh group key and wraps it for every
// participant, the creator included.
func (e *Engine) CreateGroupConversation(ctx context.Context, name string, participants []string) (*storage.Conversation, error) {
	members := withMember(participants, e.identity.UserID)

	groupKey, err := keyring.IssueGroupKey()
	if err != nil {
		return nil, fmt.Errorf("failed to issue group key: %w", err)
	}
	wrapped, err := e.wrapForMembers(ctx, groupKey, members)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	conv := &storage.Conversation{
		ID:           uuid.New().String(),
		Kind:         storage.ConversationGroup,
		Participants: members,
		Name:         name,
		WrappedKeys:  wrapped,
		KeyIssuerID:  e.identity.UserID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.publishConversation(ctx, conv); err != nil {
		return nil, err
	}
	log.Info().Str("conversation_id", conv.ID).Int("members", len(members)).Msg("Group created")
	return conv, nil
}

// AddMember extends the existing group key to a new member: the adder
// unwraps its own entry and wraps the same key for the newcomer. Nothing
// rotates, so the newcomer can read history.
func (e *Engine) AddMember(ctx context.Context, convID, userID string) error {
	conv, err := e.store.GetConversation(convID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv.Kind != storage.ConversationGroup {
		return fmt.Errorf("conversation %s is not a group", convID)
	}
	if hasMember(conv.Participants, userID) {
		return nil
	}

	groupKey, err := e.groupKey(ctx, conv)
	if err != nil {
		return err
	}
	entry, err := e.wrapForMember(ctx, groupKey, userID)
	if err != nil {
		return err
	}

	conv.Participants = withMember(conv.Participants, userID)
	conv.WrappedKeys[userID] = entry
	conv.UpdatedAt = time.Now()
	if err := e.publishConversation(ctx, conv); err != nil {
		return err
	}
	log.Info().Str("conversation_id", convID).Str("user_id", userID).Msg("Member added")
	return nil
}

// RemoveMember rotates the group key: a new key is issued and wrapped for
// every remaining member, and the removed member's entry is dropped. The
// removed member keeps what it already decrypted but can read nothing sent
// after the rotation.
func (e *Engine) RemoveMember(ctx context.Context, convID, userID string) error {
	conv, err := e.store.GetConversation(convID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv.Kind != storage.ConversationGroup {
		return fmt.Errorf("conversation %s is not a group", convID)
	}
	if !hasMember(conv.Participants, userID) {
		return nil
	}
	if userID == e.identity.UserID {
		return fmt.Errorf("cannot remove self, leave instead")
	}

	remaining := make([]string, 0, len(conv.Participants)-1)
	for _, p := range conv.Participants {
		if p != userID {
			remaining = append(remaining, p)
		}
	}

	newKey, err := keyring.IssueGroupKey()
	if err != nil {
		return fmt.Errorf("failed to rotate group key: %w", err)
	}
	wrapped, err := e.wrapForMembers(ctx, newKey, remaining)
	if err != nil {
		return err
	}

	conv.Participants = remaining
	conv.WrappedKeys = wrapped
	conv.KeyIssuerID = e.identity.UserID
	conv.UpdatedAt = time.Now()
	if err := e.publishConversation(ctx, conv); err != nil {
		return err
	}
	e.keys.Invalidate(convID)
	log.Info().Str("conversation_id", convID).Str("user_id", userID).Msg("Member removed, group key rotated")
	return nil
}

// publishConversation persists locally then writes the document.
func (e *Engine) publishConversation(ctx context.Context, conv *storage.Conversation) error {
	if err := e.store.UpsertConversation(conv); err != nil {
		return fmt.Errorf("failed to persist conversation: %w", err)
	}
	if err := e.docs.Set(ctx, collConversations, conv.ID, signaling.Document(conversationToDoc(conv))); err != nil {
		return fmt.Errorf("failed to publish conversation: %w", err)
	}
	return nil
}

// wrapForMembers wraps key for each member with the local identity as the
// wrapper.
func (e *Engine) wrapForMembers(ctx context.Context, key keyring.Key, members []string) (map[string]string, error) {
	wrapped := make(map[string]string, len(members))
	for _, m := range members {
		entry, err := e.wrapForMember(ctx, key, m)
		if err != nil {
			return nil, err
		}
		wrapped[m] = entry
	}
	return wrapped, nil
}

func (e *Engine) wrapForMember(ctx context.Context, key keyring.Key, userID string) (string, error) {
	pub, err := e.lookupPublicKey(ctx, userID)
	if err != nil {
		return "", err
	}
	shared, err := keyring.DeriveSharedKey(e.identity.Private, pub)
	if err != nil {
		return "", fmt.Errorf("failed to derive wrap key for %s: %w", userID, err)
	}
	w, err := keyring.WrapGroupKey(key, shared)
	if err != nil {
		return "", fmt.Errorf("failed to wrap key for %s: %w", userID, err)
	}
	return encodeWrappedEntry(e.identity.UserID, w), nil
}

func hasMember(members []string, userID string) bool {
	for _, m := range members {
		if m == userID {
			return true
		}
	}
	return false
}

// withMember appends userID if absent, preserving order and uniqueness.
func withMember(members []string, userID string) []string {
	out := make([]string, 0, len(members)+1)
	seen := make(map[string]bool, len(members)+1)
	for _, m := range append(append([]string(nil), members...), userID) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
