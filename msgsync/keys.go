package msgsync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/meridian-im/meridian-core/keyring"
	"github.com/meridian-im/meridian-core/storage"
)

// lookupPublicKey resolves a peer's published identity key, memoized for
// the session.
func (e *Engine) lookupPublicKey(ctx context.Context, userID string) (keyring.PublicKey, error) {
	if userID == e.identity.UserID {
		return e.identity.Public, nil
	}

	e.mu.Lock()
	if pub, ok := e.peerKeys[userID]; ok {
		e.mu.Unlock()
		return pub, nil
	}
	e.mu.Unlock()

	doc, err := e.docs.Get(ctx, collIdentities, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up identity %s: %w", userID, err)
	}
	pub := keyring.PublicKey(asBytes(doc["public_key"]))
	if len(pub) != keyring.KeySize {
		return nil, fmt.Errorf("identity %s has no usable public key", userID)
	}

	e.mu.Lock()
	e.peerKeys[userID] = pub
	e.mu.Unlock()
	return pub, nil
}

// privatePeer returns the other participant of a private conversation. A
// self-conversation (notes) has the local user on both ends.
func (e *Engine) privatePeer(conv *storage.Conversation) string {
	for _, p := range conv.Participants {
		if p != e.identity.UserID {
			return p
		}
	}
	return e.identity.UserID
}

// conversationKey resolves the symmetric key for a conversation, consulting
// the fingerprint-validated cache first.
func (e *Engine) conversationKey(ctx context.Context, conv *storage.Conversation) (keyring.Key, error) {
	if conv.Kind == storage.ConversationGroup {
		return e.groupKey(ctx, conv)
	}

	peer := e.privatePeer(conv)
	pub, err := e.lookupPublicKey(ctx, peer)
	if err != nil {
		return nil, err
	}
	fp := keyring.Fingerprint(pub)
	if key, ok := e.keys.Get(conv.ID, fp); ok {
		return key, nil
	}
	key, err := keyring.DeriveSharedKey(e.identity.Private, pub)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key for %s: %w", peer, err)
	}
	e.keys.Put(conv.ID, fp, key)
	return key, nil
}

// groupKey unwraps the local member's group key entry. The entry records
// its wrapper; the shared key with the wrapper unwraps it.
func (e *Engine) groupKey(ctx context.Context, conv *storage.Conversation) (keyring.Key, error) {
	entry, ok := conv.WrappedKeys[e.identity.UserID]
	if !ok {
		return nil, fmt.Errorf("%w: no entry for %s in %s", ErrNoGroupKey, e.identity.UserID, conv.ID)
	}

	// The wrapped entry itself fingerprints the key generation: rotation
	// rewrites it, which invalidates the cache.
	fp := keyring.Fingerprint([]byte(entry))
	if key, ok := e.keys.Get(conv.ID, fp); ok {
		return key, nil
	}

	wrapperID, wrapped, err := parseWrappedEntry(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoGroupKey, err)
	}
	wrapperPub, err := e.lookupPublicKey(ctx, wrapperID)
	if err != nil {
		return nil, err
	}
	shared, err := keyring.DeriveSharedKey(e.identity.Private, wrapperPub)
	if err != nil {
		return nil, fmt.Errorf("failed to derive unwrap key: %w", err)
	}
	key, err := keyring.UnwrapGroupKey(wrapped, shared)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoGroupKey, err)
	}
	e.keys.Put(conv.ID, fp, key)
	return key, nil
}

// DecryptForDisplay renders a message body. Plaintext kinds pass through;
// encrypted bodies resolve the conversation key and decrypt. Any failure
// degrades to the fixed placeholder, never an error.
func (e *Engine) DecryptForDisplay(ctx context.Context, conv *storage.Conversation, msg *storage.Message) string {
	if msg.Kind != storage.MessageEncrypted {
		return string(msg.Body)
	}
	key, err := e.conversationKey(ctx, conv)
	if err != nil {
		log.Debug().Err(err).Str("message_id", msg.ID).Msg("Key resolution failed for display")
		return DecryptFailedPlaceholder
	}
	plain, err := keyring.Decrypt(msg.Body, key)
	if err != nil {
		log.Debug().Err(err).Str("message_id", msg.ID).Msg("Decrypt failed for display")
		return DecryptFailedPlaceholder
	}
	return string(plain)
}
