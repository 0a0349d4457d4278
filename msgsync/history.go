package msgsync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/meridian-im/meridian-core/signaling"
	"github.com/meridian-im/meridian-core/storage"
)

// LoadMore extends an open conversation's view one page into the past.
// The local store is consulted first; when it runs short the gap is
// fetched from the transport, anchored before the oldest loaded message,
// and persisted. Returns the new full view.
func (e *Engine) LoadMore(ctx context.Context, convID string) ([]*storage.Message, error) {
	e.mu.Lock()
	st, ok := e.convs[convID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("conversation %s is not open", convID)
	}
	offset := st.loaded
	var oldest *storage.Message
	if len(st.msgs) > 0 {
		oldest = st.msgs[0]
	}
	e.mu.Unlock()

	page, err := e.store.ListMessages(convID, e.pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to load history page: %w", err)
	}

	if len(page) < e.pageSize && oldest != nil {
		fetched, err := e.fetchHistoryBefore(ctx, convID, oldest)
		if err != nil {
			log.Debug().Err(err).Str("conversation_id", convID).Msg("Remote history fetch failed, serving local only")
		} else {
			page = append(page, fetched...)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok = e.convs[convID]
	if !ok {
		return nil, fmt.Errorf("conversation %s closed during load", convID)
	}
	st.loaded = offset + len(page)

	byID := make(map[string]*storage.Message, len(st.msgs)+len(page))
	for _, m := range st.msgs {
		byID[m.ID] = m
	}
	for _, m := range page {
		if _, exists := byID[m.ID]; !exists {
			byID[m.ID] = m
		}
	}
	merged := make([]*storage.Message, 0, len(byID))
	for _, m := range byID {
		merged = append(merged, m)
	}
	sortMessages(merged)
	st.msgs = merged
	return copyMessages(st.msgs), nil
}

// fetchHistoryBefore pulls one page of older messages from the transport
// and persists them.
func (e *Engine) fetchHistoryBefore(ctx context.Context, convID string, oldest *storage.Message) ([]*storage.Message, error) {
	changes, err := e.docs.Query(ctx, collMessages, signaling.Query{
		Filters: []signaling.Filter{
			{Field: "conversation_id", Op: signaling.OpEqual, Value: convID},
		},
		OrderBy:    "timestamp",
		Descending: true,
	})
	if err != nil {
		return nil, err
	}

	anchor := oldest.Timestamp.UnixNano()
	var out []*storage.Message
	for _, ch := range changes {
		if asInt64(ch.Doc["timestamp"]) >= anchor {
			continue
		}
		msg := docToMessage(ch.ID, ch.Doc)
		if e.IsBlocked(msg.SenderID) {
			continue
		}
		if err := e.store.UpsertMessage(msg); err != nil {
			log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to persist fetched history")
			continue
		}
		out = append(out, msg)
		if len(out) >= e.pageSize {
			break
		}
	}
	return out, nil
}
