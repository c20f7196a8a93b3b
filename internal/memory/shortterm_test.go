package memory

import (
	"testing"
	"time"
)

func TestShortTermAddAndRecent(t *testing.T) {
	s := NewShortTermStore(50*time.Millisecond, 10*time.Millisecond)
	s.Add("actor-1", "likes coffee")
	s.Add("actor-1", "works remotely")

	items := s.Recent("actor-1")
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Content != "likes coffee" || items[1].Content != "works remotely" {
		t.Fatalf("unexpected order: %+v", items)
	}
}

func TestShortTermExpires(t *testing.T) {
	s := NewShortTermStore(20*time.Millisecond, 5*time.Millisecond)
	s.Add("actor-1", "ephemeral fact")

	time.Sleep(80 * time.Millisecond)

	if items := s.Recent("actor-1"); len(items) != 0 {
		t.Fatalf("expected buffer to expire, got %d items", len(items))
	}
}

func TestShortTermClear(t *testing.T) {
	s := NewShortTermStore(time.Minute, time.Minute)
	s.Add("actor-1", "fact")
	s.Clear("actor-1")

	if items := s.Recent("actor-1"); len(items) != 0 {
		t.Fatalf("expected cleared buffer, got %d items", len(items))
	}
}

func TestShortTermScopedToActor(t *testing.T) {
	s := NewShortTermStore(time.Minute, time.Minute)
	s.Add("actor-1", "one")
	s.Add("actor-2", "two")

	if items := s.Recent("actor-1"); len(items) != 1 || items[0].Content != "one" {
		t.Fatalf("expected only actor-1's item, got %+v", items)
	}
}
