package convstore

import (
	"context"
	"testing"

	"ema/internal/models"
	"ema/internal/store"
)

func TestAppendAndRecentPreservesOrder(t *testing.T) {
	s := New(store.NewInMemory())
	ctx := context.Background()

	for i, text := range []string{"first", "second", "third"} {
		msg := models.BufferMessage{
			ID:       string(rune('a' + i)),
			Kind:     models.BufferUser,
			Name:     "alice",
			Contents: []models.Content{models.TextContent(text)},
			Time:     int64(i),
		}
		if err := s.Append(ctx, 1, msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	recent, err := s.Recent(ctx, 1, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(recent))
	}
	for i, want := range []string{"first", "second", "third"} {
		if recent[i].Text() != want {
			t.Fatalf("position %d: expected %q, got %q", i, want, recent[i].Text())
		}
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	s := New(store.NewInMemory())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		msg := models.BufferMessage{
			ID:       string(rune('a' + i)),
			Kind:     models.BufferUser,
			Contents: []models.Content{models.TextContent("msg")},
			Time:     int64(i),
		}
		_ = s.Append(ctx, 1, msg)
	}

	recent, err := s.Recent(ctx, 1, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(recent))
	}
	if recent[len(recent)-1].Time != 19 {
		t.Fatalf("expected the window to contain the most recent message (time=19), got time=%d", recent[len(recent)-1].Time)
	}
}

func TestRecentScopedToConversation(t *testing.T) {
	s := New(store.NewInMemory())
	ctx := context.Background()
	_ = s.Append(ctx, 1, models.BufferMessage{ID: "a", Contents: []models.Content{models.TextContent("one")}, Time: 0})
	_ = s.Append(ctx, 2, models.BufferMessage{ID: "a", Contents: []models.Content{models.TextContent("two")}, Time: 0})

	recent, _ := s.Recent(ctx, 1, 10)
	if len(recent) != 1 || recent[0].Text() != "one" {
		t.Fatalf("expected only conversation 1's message, got %v", recent)
	}
}
