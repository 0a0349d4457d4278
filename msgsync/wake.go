package msgsync

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/meridian-im/meridian-core/keyring"
)

// Preview is what a wake signal renders as: enough for a notification
// without touching the message feed.
type Preview struct {
	ConversationID string
	SenderID       string
	Text           string
}

// SetWakeHandler registers the notification callback for incoming wakes.
func (e *Engine) SetWakeHandler(fn func(Preview)) {
	e.mu.Lock()
	e.wakeFn = fn
	e.mu.Unlock()
}

// HandleWake processes a recipient wake signal: decrypt the carried
// ciphertext for a notification preview and surface it. Wakes from blocked
// senders are dropped. Decryption failure degrades the preview text, it
// never suppresses the wake.
func (e *Engine) HandleWake(convID, senderID string, ciphertext []byte) {
	if e.IsBlocked(senderID) {
		log.Debug().Str("sender_id", senderID).Msg("Wake from blocked sender dropped")
		return
	}

	text := DecryptFailedPlaceholder
	conv, err := e.store.GetConversation(convID)
	if err == nil && len(ciphertext) > 0 {
		key, kerr := e.conversationKey(context.Background(), conv)
		if kerr == nil {
			if plain, derr := keyring.Decrypt(ciphertext, key); derr == nil {
				text = string(plain)
			}
		}
	} else if len(ciphertext) == 0 {
		text = ""
	}

	e.mu.Lock()
	fn := e.wakeFn
	e.mu.Unlock()
	if fn != nil {
		fn(Preview{ConversationID: convID, SenderID: senderID, Text: text})
	}
	log.Debug().Str("conversation_id", convID).Str("sender_id", senderID).Msg("Wake handled")
}
