package memory

import (
	"context"
	"testing"

	"ema/internal/crypto"
	"ema/internal/store"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestLongTermStore(t *testing.T) *LongTermStore {
	t.Helper()
	enc, err := crypto.NewEncryptionService(testMasterKey)
	if err != nil {
		t.Fatalf("new encryption service: %v", err)
	}
	return NewLongTermStore(store.NewInMemory(), enc)
}

func TestAddStoresEncryptedAndRetrievable(t *testing.T) {
	s := newTestLongTermStore(t)
	ctx := context.Background()

	rec, err := s.Add(ctx, "user-1", "loves hiking in the mountains", "hobby", []string{"outdoors"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if rec.Score != 0.5 {
		t.Fatalf("expected initial score 0.5, got %f", rec.Score)
	}

	found, err := s.Search(ctx, "user-1", []string{"hiking"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0].Content != "loves hiking in the mountains" {
		t.Fatalf("expected decrypted match, got %+v", found)
	}
}

func TestAddDeduplicatesAndBoostsScore(t *testing.T) {
	s := newTestLongTermStore(t)
	ctx := context.Background()

	first, err := s.Add(ctx, "user-1", "Loves Hiking in the Mountains!", "hobby", []string{"outdoors"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := s.Add(ctx, "user-1", "loves hiking in the mountains", "hobby", []string{"fitness"})
	if err != nil {
		t.Fatalf("add duplicate: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected duplicate to merge into the same record, got different ids")
	}
	if second.Score <= first.Score {
		t.Fatalf("expected score boost on re-mention, got %f -> %f", first.Score, second.Score)
	}

	found, _ := s.Search(ctx, "user-1", nil)
	if len(found) != 1 {
		t.Fatalf("expected one merged record, got %d", len(found))
	}
	hasOutdoors, hasFitness := false, false
	for _, tag := range found[0].Tags {
		if tag == "outdoors" {
			hasOutdoors = true
		}
		if tag == "fitness" {
			hasFitness = true
		}
	}
	if !hasOutdoors || !hasFitness {
		t.Fatalf("expected merged tags, got %v", found[0].Tags)
	}
}

func TestSearchScopedToUser(t *testing.T) {
	s := newTestLongTermStore(t)
	ctx := context.Background()
	_, _ = s.Add(ctx, "user-1", "owns a cat named Whiskers", "pet", nil)
	_, _ = s.Add(ctx, "user-2", "owns a dog named Rex", "pet", nil)

	found, err := s.Search(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0].Content != "owns a cat named Whiskers" {
		t.Fatalf("expected only user-1's memory, got %+v", found)
	}
}
