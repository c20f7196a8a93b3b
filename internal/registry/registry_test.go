package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"ema/internal/actor"
	"ema/internal/convstore"
	"ema/internal/crypto"
	"ema/internal/llm"
	"ema/internal/memory"
	"ema/internal/models"
	"ema/internal/store"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type stubClient struct{}

func (stubClient) Generate(ctx context.Context, messages []models.Message, tools []models.Tool, systemPrompt string) (*llm.Response, error) {
	return &llm.Response{Message: models.Message{Role: models.RoleModel}, FinishReason: "stop"}, nil
}

func newTestRegistry(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	docs := store.NewInMemory()
	enc, err := crypto.NewEncryptionService(testMasterKey)
	if err != nil {
		t.Fatalf("new encryption service: %v", err)
	}
	reg := New(Config{
		Docs:          docs,
		Conversations: convstore.New(docs),
		ShortTerm:     memory.NewShortTermStore(time.Minute, time.Minute),
		LongTerm:      memory.NewLongTermStore(docs, enc),
		LLM:           stubClient{},
		MaxSteps:      3,
		BufferWindow:  10,
		EmaReplyTool:  "ema_reply",
	})
	t.Cleanup(reg.Close)
	return reg, docs
}

func TestGetActorCreatesThenReuses(t *testing.T) {
	reg, _ := newTestRegistry(t)

	w1, err := reg.GetActor(context.Background(), 1, 1, 1)
	if err != nil {
		t.Fatalf("get actor: %v", err)
	}
	w2, err := reg.GetActor(context.Background(), 1, 1, 1)
	if err != nil {
		t.Fatalf("get actor again: %v", err)
	}
	if w1 != w2 {
		t.Fatalf("expected the second call to reuse the same worker")
	}

	active := reg.Active()
	if len(active) != 1 {
		t.Fatalf("expected exactly one active worker, got %d", len(active))
	}
}

func TestGetActorFallsBackToUserWhenNameMissing(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if _, err := reg.GetActor(context.Background(), 42, 1, 1); err != nil {
		t.Fatalf("get actor: %v", err)
	}
}

func TestGetActorUsesStoredUserName(t *testing.T) {
	reg, docs := newTestRegistry(t)

	if err := docs.UpsertEntity(context.Background(), store.Users, 7, map[string]any{"name": "Alex"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	w, err := reg.GetActor(context.Background(), 7, 1, 1)
	if err != nil {
		t.Fatalf("get actor: %v", err)
	}
	if err := w.Work(context.Background(), []models.Content{models.TextContent("hi")}); err != nil {
		t.Fatalf("work: %v", err)
	}
}

func TestGetActorUpsertsConversationRecord(t *testing.T) {
	reg, docs := newTestRegistry(t)

	if _, err := reg.GetActor(context.Background(), 1, 2, 99); err != nil {
		t.Fatalf("get actor: %v", err)
	}

	rows, err := docs.ListCollection(context.Background(), store.Conversations, map[string]any{"id": 99}, 0, nil)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one conversation record, got %d", len(rows))
	}
	if rows[0]["userId"] != 1 || rows[0]["actorId"] != 2 {
		t.Fatalf("unexpected conversation record: %+v", rows[0])
	}
}

func TestGetActorSingleFlightsConcurrentCreation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	const n = 20
	var wg sync.WaitGroup
	results := make([]*actor.Worker, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = reg.GetActor(context.Background(), 5, 5, 5)
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("worker %d did not observe the same instance as worker 0", i)
		}
	}
	if len(reg.Active()) != 1 {
		t.Fatalf("expected exactly one worker for the racing key, got %d", len(reg.Active()))
	}
}

func TestSnapshotRoundTrips(t *testing.T) {
	reg, docs := newTestRegistry(t)

	if err := docs.UpsertEntity(context.Background(), store.Users, 1, map[string]any{"name": "Alex"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if _, err := reg.GetActor(context.Background(), 1, 1, 1); err != nil {
		t.Fatalf("get actor: %v", err)
	}

	snap, err := reg.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap[store.Users]) != 1 {
		t.Fatalf("expected the snapshot to carry the user record")
	}

	if err := docs.DeleteEntity(context.Background(), store.Users, 1); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if err := reg.Restore(context.Background(), snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	rows, err := docs.ListCollection(context.Background(), store.Users, map[string]any{"id": 1}, 0, nil)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected the restored snapshot to bring the user record back")
	}
}
