package msgsync

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridian-im/meridian-core/keyring"
	"github.com/meridian-im/meridian-core/signaling"
	"github.com/meridian-im/meridian-core/storage"
)

// queuedSend is the outbox payload: a snapshot of an already-encrypted
// send. Replays reuse the ciphertext, never re-encrypt.
type queuedSend struct {
	DocID          string `cbor:"doc_id"`
	TempID         string `cbor:"temp_id"`
	ConversationID string `cbor:"conversation_id"`
	Body           []byte `cbor:"body"`
	Timestamp      int64  `cbor:"timestamp"`
	ReplyTo        string `cbor:"reply_to,omitempty"`
}

// SendMessage encrypts and sends plaintext into a conversation. The
// optimistic pending record is persisted and surfaced before any network
// activity; offline or failed sends are queued for ProcessQueue. The
// returned message carries the temporary id and pending status.
func (e *Engine) SendMessage(ctx context.Context, convID string, plaintext []byte, replyTo string) (*storage.Message, error) {
	conv, err := e.store.GetConversation(convID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	key, err := e.conversationKey(ctx, conv)
	if err != nil {
		// Never fall back to plaintext.
		return nil, err
	}
	ciphertext, err := keyring.Encrypt(plaintext, key)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}

	docID := uuid.New().String()
	tempID := "tmp-" + docID
	now := time.Now()
	msg := &storage.Message{
		ID:             tempID,
		ConversationID: convID,
		SenderID:       e.identity.UserID,
		Kind:           storage.MessageEncrypted,
		Body:           ciphertext,
		Timestamp:      now,
		Status:         storage.StatusPending,
		ReplyTo:        replyTo,
	}

	if err := e.store.UpsertMessage(msg); err != nil {
		return nil, fmt.Errorf("failed to persist outgoing message: %w", err)
	}
	conv.LastMessage = msg
	conv.UpdatedAt = now
	if err := e.store.UpsertConversation(conv); err != nil {
		log.Warn().Err(err).Str("conversation_id", convID).Msg("Failed to update conversation snapshot")
	}

	e.mu.Lock()
	online := e.online
	if st, ok := e.convs[convID]; ok {
		st.sentTemp[docID] = tempID
		st.msgs = append(st.msgs, msg)
		sortMessages(st.msgs)
	}
	e.mu.Unlock()

	if !online {
		if err := e.enqueueSend(docID, tempID, msg); err != nil {
			return msg, err
		}
		log.Debug().Str("message_id", docID).Msg("Offline, message queued")
		return msg, nil
	}

	if err := e.transmit(ctx, docID, tempID, msg, conv); err != nil {
		log.Warn().Err(err).Str("message_id", docID).Msg("Send failed, queueing")
		if qerr := e.enqueueSend(docID, tempID, msg); qerr != nil {
			return msg, qerr
		}
	}
	return msg, nil
}

// transmit writes the message document and finalizes the optimistic record
// on success.
func (e *Engine) transmit(ctx context.Context, docID, tempID string, msg *storage.Message, conv *storage.Conversation) error {
	wire := *msg
	wire.ID = docID
	wire.Status = storage.StatusSent
	if err := e.docs.Set(ctx, collMessages, docID, signaling.Document(messageToDoc(&wire))); err != nil {
		return err
	}

	e.finalizeSend(docID, tempID, &wire)
	e.wakeParticipants(ctx, conv, msg.Body)
	return nil
}

// finalizeSend collapses the temp record onto the authoritative id. The
// live path usually did this already from the server echo; every step here
// tolerates that.
func (e *Engine) finalizeSend(docID, tempID string, sent *storage.Message) {
	if err := e.store.ReplaceMessageID(sent.ConversationID, tempID, docID); err != nil {
		log.Warn().Err(err).Str("message_id", docID).Msg("Failed to collapse message id")
	}
	if err := e.store.UpsertMessage(sent); err != nil {
		log.Warn().Err(err).Str("message_id", docID).Msg("Failed to persist sent message")
	}
	// The conversation snapshot was taken with the temp id; refresh it so
	// the list rendering never carries a stale pending record.
	if conv, err := e.store.GetConversation(sent.ConversationID); err == nil {
		if lm := conv.LastMessage; lm != nil && (lm.ID == tempID || lm.ID == docID) {
			conv.LastMessage = sent
			if err := e.store.UpsertConversation(conv); err != nil {
				log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Failed to refresh conversation snapshot")
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.convs[sent.ConversationID]
	if !ok {
		return
	}
	delete(st.sentTemp, docID)
	replaced := false
	for i, m := range st.msgs {
		switch m.ID {
		case tempID:
			st.msgs[i] = sent
			replaced = true
		case docID:
			replaced = true
		}
	}
	if !replaced {
		st.msgs = append(st.msgs, sent)
	}
	sortMessages(st.msgs)
	// The live echo may have inserted the authoritative copy alongside the
	// temp one; dedupe.
	seen := make(map[string]bool, len(st.msgs))
	deduped := st.msgs[:0]
	for _, m := range st.msgs {
		if m.ID == tempID && replaced {
			continue
		}
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		deduped = append(deduped, m)
	}
	st.msgs = deduped
}

// enqueueSend appends the encrypted snapshot to the durable outbox. A
// persistence failure here is silent data loss for the user, logged as its
// own class and reflected in the message status.
func (e *Engine) enqueueSend(docID, tempID string, msg *storage.Message) error {
	payload, err := cbor.Marshal(queuedSend{
		DocID:          docID,
		TempID:         tempID,
		ConversationID: msg.ConversationID,
		Body:           msg.Body,
		Timestamp:      msg.Timestamp.UnixNano(),
		ReplyTo:        msg.ReplyTo,
	})
	if err != nil {
		return fmt.Errorf("failed to encode queued send: %w", err)
	}

	op := &storage.PendingOp{
		Kind:           storage.OpSendMessage,
		ConversationID: msg.ConversationID,
		Payload:        payload,
		CreatedAt:      time.Now(),
	}
	if err := e.store.AppendOutbox(op); err != nil {
		log.Error().Err(err).Str("message_id", docID).Msg("Outbox persistence failed, message will be lost")
		failed := *msg
		failed.Status = storage.StatusFailed
		if uerr := e.store.UpsertMessage(&failed); uerr != nil {
			log.Error().Err(uerr).Str("message_id", tempID).Msg("Failed to mark message failed")
		}
		e.mu.Lock()
		if st, ok := e.convs[msg.ConversationID]; ok {
			for i, m := range st.msgs {
				if m.ID == tempID {
					st.msgs[i] = &failed
				}
			}
			delete(st.sentTemp, docID)
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

// ProcessQueue drains the outbox in insertion order. Each entry is retried
// with its stored ciphertext; success deletes it, the first failure stops
// the drain so ordering is preserved. Safe to call at any time.
func (e *Engine) ProcessQueue(ctx context.Context) error {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	ops, err := e.store.ListOutbox()
	if err != nil {
		return fmt.Errorf("failed to list outbox: %w", err)
	}

	for _, op := range ops {
		if op.Kind != storage.OpSendMessage {
			log.Warn().Str("kind", op.Kind).Int64("op_id", op.ID).Msg("Dropping unknown outbox op")
			if err := e.store.DeleteOutbox(op.ID); err != nil {
				return err
			}
			continue
		}

		var q queuedSend
		if err := cbor.Unmarshal(op.Payload, &q); err != nil {
			log.Error().Err(err).Int64("op_id", op.ID).Msg("Dropping undecodable outbox op")
			if err := e.store.DeleteOutbox(op.ID); err != nil {
				return err
			}
			continue
		}

		sent := &storage.Message{
			ID:             q.DocID,
			ConversationID: q.ConversationID,
			SenderID:       e.identity.UserID,
			Kind:           storage.MessageEncrypted,
			Body:           q.Body,
			Timestamp:      time.Unix(0, q.Timestamp),
			Status:         storage.StatusSent,
			ReplyTo:        q.ReplyTo,
		}
		if err := e.docs.Set(ctx, collMessages, q.DocID, signaling.Document(messageToDoc(sent))); err != nil {
			if uerr := e.store.UpdateOutboxRetry(op.ID, op.Attempts+1, err.Error()); uerr != nil {
				log.Error().Err(uerr).Int64("op_id", op.ID).Msg("Failed to record outbox retry")
			}
			log.Debug().Err(err).Int64("op_id", op.ID).Msg("Outbox drain stopped")
			return nil
		}

		if err := e.store.DeleteOutbox(op.ID); err != nil {
			return fmt.Errorf("failed to remove drained op: %w", err)
		}
		e.finalizeSend(q.DocID, q.TempID, sent)
		if conv, err := e.store.GetConversation(q.ConversationID); err == nil {
			e.wakeParticipants(ctx, conv, q.Body)
		}
		log.Debug().Str("message_id", q.DocID).Msg("Queued message delivered")
	}
	return nil
}

// wakeParticipants nudges every other participant. Best effort only.
func (e *Engine) wakeParticipants(ctx context.Context, conv *storage.Conversation, ciphertext []byte) {
	for _, p := range conv.Participants {
		if p == e.identity.UserID {
			continue
		}
		ev := signaling.WakeEvent{
			ConversationID: conv.ID,
			SenderID:       e.identity.UserID,
			Ciphertext:     ciphertext,
		}
		if err := e.docs.Wake(ctx, p, ev); err != nil {
			log.Debug().Err(err).Str("user_id", p).Msg("Wake signal not delivered")
		}
	}
}

// UpdateStatus advances a message's delivery status. Regressions are
// rejected locally and never sent.
func (e *Engine) UpdateStatus(ctx context.Context, convID, msgID string, status storage.MessageStatus) error {
	msg, err := e.store.GetMessage(convID, msgID)
	if err != nil {
		return err
	}
	if !storage.StatusAdvances(msg.Status, status) {
		return fmt.Errorf("status %s does not advance %s", status, msg.Status)
	}
	msg.Status = status
	if err := e.store.UpsertMessage(msg); err != nil {
		return fmt.Errorf("failed to persist status: %w", err)
	}

	e.mu.Lock()
	if st, ok := e.convs[convID]; ok {
		for i, m := range st.msgs {
			if m.ID == msgID {
				st.msgs[i] = msg
			}
		}
	}
	e.mu.Unlock()

	if err := e.docs.Update(ctx, collMessages, msgID, signaling.Document{"status": string(status)}); err != nil {
		log.Debug().Err(err).Str("message_id", msgID).Msg("Status update not sent")
	}
	return nil
}
