// Package msgsync implements the offline-first synchronization engine: it
// merges the remote signaling feed into the local durable store, queues
// sends while offline, and exposes the conversation/message state the UI
// renders.
package msgsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/meridian-im/meridian-core/storage"
)

// Collection names on the signaling transport.
const (
	collConversations = "conversations"
	collMessages      = "messages"
	collIdentities    = "identities"
	collTyping        = "typing"
)

// asString pulls a string field out of a decoded document.
func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asInt64 tolerates the integer widths different decoders produce.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		return nil
	}
}

func asStringSlice(v any) []string {
	switch arr := v.(type) {
	case []string:
		return append([]string(nil), arr...)
	case []any:
		out := make([]string, 0, len(arr))
		for _, e := range arr {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func asStringMap(v any) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		out := make(map[string]string, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	case map[any]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			ks, kok := k.(string)
			vs, vok := val.(string)
			if kok && vok {
				out[ks] = vs
			}
		}
		return out
	default:
		return nil
	}
}

func messageToDoc(m *storage.Message) map[string]any {
	doc := map[string]any{
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"kind":            string(m.Kind),
		"body":            m.Body,
		"timestamp":       m.Timestamp.UnixNano(),
		"status":          string(m.Status),
	}
	if m.ReplyTo != "" {
		doc["reply_to"] = m.ReplyTo
	}
	return doc
}

func docToMessage(id string, doc map[string]any) *storage.Message {
	return &storage.Message{
		ID:             id,
		ConversationID: asString(doc["conversation_id"]),
		SenderID:       asString(doc["sender_id"]),
		Kind:           storage.MessageKind(asString(doc["kind"])),
		Body:           asBytes(doc["body"]),
		Timestamp:      time.Unix(0, asInt64(doc["timestamp"])),
		Status:         storage.MessageStatus(asString(doc["status"])),
		ReplyTo:        asString(doc["reply_to"]),
	}
}

func conversationToDoc(c *storage.Conversation) map[string]any {
	doc := map[string]any{
		"kind":         string(c.Kind),
		"participants": append([]string(nil), c.Participants...),
		"created_at":   c.CreatedAt.UnixNano(),
		"updated_at":   c.UpdatedAt.UnixNano(),
	}
	if c.Name != "" {
		doc["name"] = c.Name
	}
	if len(c.WrappedKeys) > 0 {
		wk := make(map[string]string, len(c.WrappedKeys))
		for k, v := range c.WrappedKeys {
			wk[k] = v
		}
		doc["wrapped_keys"] = wk
		doc["key_issuer_id"] = c.KeyIssuerID
	}
	return doc
}

func docToConversation(id string, doc map[string]any) *storage.Conversation {
	return &storage.Conversation{
		ID:           id,
		Kind:         storage.ConversationKind(asString(doc["kind"])),
		Participants: asStringSlice(doc["participants"]),
		Name:         asString(doc["name"]),
		WrappedKeys:  asStringMap(doc["wrapped_keys"]),
		KeyIssuerID:  asString(doc["key_issuer_id"]),
		CreatedAt:    time.Unix(0, asInt64(doc["created_at"])),
		UpdatedAt:    time.Unix(0, asInt64(doc["updated_at"])),
	}
}

// Wrapped group key entries record who wrapped them so the holder knows
// which shared key unwraps the entry: "<wrapper_id>:<base64>".
func encodeWrappedEntry(wrapperID, wrapped string) string {
	return wrapperID + ":" + wrapped
}

func parseWrappedEntry(entry string) (wrapperID, wrapped string, err error) {
	wrapperID, wrapped, ok := splitDocID(entry)
	if !ok {
		return "", "", fmt.Errorf("malformed wrapped key entry")
	}
	return wrapperID, wrapped, nil
}

// splitDocID splits a composite document id "<prefix>:<rest>" at the first
// colon. Typing docs use "<conversation_id>:<user_id>".
func splitDocID(id string) (prefix, rest string, ok bool) {
	i := strings.IndexByte(id, ':')
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}
