package store

import (
	"context"
	"testing"
)

func TestUpsertAndListCollection(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	_ = s.UpsertEntity(ctx, "agenda", "job-1", map[string]any{"name": "a", "runAt": int64(100)})
	_ = s.UpsertEntity(ctx, "agenda", "job-2", map[string]any{"name": "b", "runAt": int64(50)})

	docs, err := s.ListCollection(ctx, "agenda", nil, 0, map[string]int{"runAt": 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(docs))
	}
	if docs[0]["id"] != "job-2" {
		t.Fatalf("expected ascending runAt to put job-2 first, got %v", docs[0]["id"])
	}
}

func TestDeleteEntity(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_ = s.UpsertEntity(ctx, "agenda", "job-1", map[string]any{"name": "a"})
	_ = s.DeleteEntity(ctx, "agenda", "job-1")

	docs, _ := s.ListCollection(ctx, "agenda", nil, 0, nil)
	if len(docs) != 0 {
		t.Fatalf("expected empty collection after delete, got %d docs", len(docs))
	}
}

func TestSnapshotAndRestoreAll(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_ = s.UpsertEntity(ctx, "util", "k", map[string]any{"v": "1"})

	snap, err := s.SnapshotAll(ctx, []string{"util"})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	s2 := NewInMemory()
	if err := s2.RestoreAll(ctx, snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	docs, _ := s2.ListCollection(ctx, "util", nil, 0, nil)
	if len(docs) != 1 || docs[0]["v"] != "1" {
		t.Fatalf("expected restored document, got %v", docs)
	}
}

func TestFilterByEquality(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_ = s.UpsertEntity(ctx, "conversation_messages", 1, map[string]any{"conversationId": 1, "text": "hi"})
	_ = s.UpsertEntity(ctx, "conversation_messages", 2, map[string]any{"conversationId": 2, "text": "bye"})

	docs, _ := s.ListCollection(ctx, "conversation_messages", map[string]any{"conversationId": 1}, 0, nil)
	if len(docs) != 1 || docs[0]["text"] != "hi" {
		t.Fatalf("expected filtered result, got %v", docs)
	}
}
