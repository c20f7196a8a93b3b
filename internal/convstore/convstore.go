// Package convstore implements the conversation store (C3): append/list
// ordered BufferMessages for a conversation, backed by the generic document
// store. Grounded on the teacher's Mongo-backed service idiom (per-call
// context timeout, bson.M filters, fmt.Errorf %w wrapping) but with the
// collection-specific CRUD trimmed to the narrow append/list contract the
// core actually needs.
package convstore

import (
	"context"
	"fmt"
	"time"

	"ema/internal/models"
	"ema/internal/store"
)

// Store appends and lists BufferMessages for a conversation.
type Store struct {
	docs store.Store
}

// New wraps a document store as a conversation store.
func New(docs store.Store) *Store {
	return &Store{docs: docs}
}

// Append persists one BufferMessage into conversation_messages. The id must
// be unique within the conversation; callers pass a monotonically
// increasing counter or a UUID.
func (s *Store) Append(ctx context.Context, conversationID int, msg models.BufferMessage) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	entity := map[string]any{
		"conversationId": conversationID,
		"kind":            string(msg.Kind),
		"name":            msg.Name,
		"contents":        contentsToMaps(msg.Contents),
		"time":            msg.Time,
		"createdAt":       msg.Time,
	}
	if err := s.docs.UpsertEntity(ctx, store.ConversationMessages, compositeID(conversationID, msg.ID), entity); err != nil {
		return fmt.Errorf("append buffer message to conversation %d: %w", conversationID, err)
	}
	return nil
}

// Recent returns the most recent n messages of conversationID in forward
// time order (oldest first), matching §4.2.5's system-prompt assembly
// contract.
func (s *Store) Recent(ctx context.Context, conversationID int, n int) ([]models.BufferMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	docs, err := s.docs.ListCollection(ctx, store.ConversationMessages,
		map[string]any{"conversationId": conversationID}, 0, map[string]int{"time": -1})
	if err != nil {
		return nil, fmt.Errorf("list recent messages for conversation %d: %w", conversationID, err)
	}

	if n > 0 && len(docs) > n {
		docs = docs[:n]
	}
	out := make([]models.BufferMessage, 0, len(docs))
	for _, d := range docs {
		out = append(out, bufferMessageFromDoc(d))
	}
	// docs arrived newest-first; reverse to forward time order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func compositeID(conversationID int, msgID string) string {
	return fmt.Sprintf("%d:%s", conversationID, msgID)
}

func contentsToMaps(contents []models.Content) []map[string]any {
	out := make([]map[string]any, len(contents))
	for i, c := range contents {
		out[i] = map[string]any{"kind": string(c.Kind), "text": c.Text}
	}
	return out
}

func bufferMessageFromDoc(d map[string]any) models.BufferMessage {
	msg := models.BufferMessage{
		Name: stringField(d["name"]),
		Time: int64Field(d["time"]),
	}
	if kind, ok := d["kind"].(string); ok {
		msg.Kind = models.BufferKind(kind)
	}
	if id, ok := d["id"].(string); ok {
		msg.ID = id
	}
	if rawContents, ok := d["contents"].([]any); ok {
		for _, rc := range rawContents {
			m, ok := rc.(map[string]any)
			if !ok {
				continue
			}
			msg.Contents = append(msg.Contents, models.Content{
				Kind: models.ContentKind(stringField(m["kind"])),
				Text: stringField(m["text"]),
			})
		}
	} else if maps, ok := d["contents"].([]map[string]any); ok {
		for _, m := range maps {
			msg.Contents = append(msg.Contents, models.Content{
				Kind: models.ContentKind(stringField(m["kind"])),
				Text: stringField(m["text"]),
			})
		}
	}
	return msg
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}

func int64Field(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
