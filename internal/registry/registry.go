// Package registry implements the server-wide actor directory (C7):
// getActor resolves a (userId, actorId, conversationId) triple to its Actor
// Worker, constructing one on first use. Grounded on the teacher's
// connection_manager.go map+mutex bookkeeping, generalized with an
// in-flight marker table so concurrent callers racing to create the same
// worker observe exactly one construction.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ema/internal/actor"
	"ema/internal/convstore"
	"ema/internal/llm"
	"ema/internal/memory"
	"ema/internal/models"
	"ema/internal/promptwatch"
	"ema/internal/store"
)

// Config bundles the shared dependencies every Actor Worker the registry
// constructs is wired with.
type Config struct {
	Docs          store.Store
	Conversations *convstore.Store
	ShortTerm     *memory.ShortTermStore
	LongTerm      *memory.LongTermStore
	LLM           llm.Client
	SystemPrompt  *promptwatch.Watcher
	Tools         []models.Tool
	ToolContext   func(models.ActorKey) models.ToolExecContext
	MaxSteps      int
	BufferWindow  int
	EmaReplyTool  string
}

// Registry holds every live Actor Worker in the process, keyed by its
// ActorKey, and single-flights concurrent construction per key.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	workers  map[models.ActorKey]*actor.Worker
	inflight map[models.ActorKey]chan struct{}
}

// New constructs an empty registry bound to cfg.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		workers:  make(map[models.ActorKey]*actor.Worker),
		inflight: make(map[models.ActorKey]chan struct{}),
	}
}

// GetActor resolves key to its Actor Worker, per §4.4: return an existing
// instance, await an in-flight construction, or become the constructor.
// Construction failure clears the in-flight marker so the next caller
// retries from scratch rather than observing a permanently poisoned key.
func (r *Registry) GetActor(ctx context.Context, userID, actorID, conversationID int) (*actor.Worker, error) {
	key := models.ActorKey{UserID: userID, ActorID: actorID, ConversationID: conversationID}

	for {
		r.mu.Lock()
		if w, ok := r.workers[key]; ok {
			r.mu.Unlock()
			return w, nil
		}
		if wait, ok := r.inflight[key]; ok {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		marker := make(chan struct{})
		r.inflight[key] = marker
		r.mu.Unlock()

		w, err := r.construct(ctx, key)

		r.mu.Lock()
		delete(r.inflight, key)
		if err == nil {
			r.workers[key] = w
		}
		close(marker)
		r.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

// construct loads the actor's display name, upserts its conversation
// record, and builds the worker. It touches no registry state directly so
// that failures leave nothing to unwind.
func (r *Registry) construct(ctx context.Context, key models.ActorKey) (*actor.Worker, error) {
	name := r.loadUserName(ctx, key.UserID)

	if err := r.upsertConversation(ctx, key); err != nil {
		return nil, fmt.Errorf("registry: upsert conversation for %s: %w", key, err)
	}

	toolCtx := models.ToolExecContext{UserID: key.UserID, ActorID: key.ActorID, ConversationID: key.ConversationID}
	if r.cfg.ToolContext != nil {
		toolCtx = r.cfg.ToolContext(key)
	}

	w := actor.New(key, name, actor.Config{
		Conversations: r.cfg.Conversations,
		ShortTerm:     r.cfg.ShortTerm,
		LongTerm:      r.cfg.LongTerm,
		LLM:           r.cfg.LLM,
		SystemPrompt:  r.cfg.SystemPrompt,
		Tools:         r.cfg.Tools,
		ToolContext:   toolCtx,
		MaxSteps:      r.cfg.MaxSteps,
		BufferWindow:  r.cfg.BufferWindow,
		EmaReplyTool:  r.cfg.EmaReplyTool,
	})
	return w, nil
}

// loadUserName looks up userId's display name, falling back to "User" when
// the lookup fails or the record carries no name, per §4.4.
func (r *Registry) loadUserName(ctx context.Context, userID int) string {
	docs, err := r.cfg.Docs.ListCollection(ctx, store.Users, map[string]any{"id": userID}, 1, nil)
	if err != nil || len(docs) == 0 {
		return "User"
	}
	name, _ := docs[0]["name"].(string)
	if name == "" {
		return "User"
	}
	return name
}

func (r *Registry) upsertConversation(ctx context.Context, key models.ActorKey) error {
	return r.cfg.Docs.UpsertEntity(ctx, store.Conversations, key.ConversationID, map[string]any{
		"userId":    key.UserID,
		"actorId":   key.ActorID,
		"updatedAt": time.Now().UnixMilli(),
	})
}

// Active returns every currently registered ActorKey, for diagnostics.
func (r *Registry) Active() []models.ActorKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]models.ActorKey, 0, len(r.workers))
	for k := range r.workers {
		keys = append(keys, k)
	}
	return keys
}

// Close stops every registered worker's buffer-write consumer. It does not
// abort any in-flight run.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		w.Close()
	}
}

// Snapshot dumps every core collection, in the stable order AllCollections
// defines, for the CLI's snapshot-create command (D9).
func (r *Registry) Snapshot(ctx context.Context) (map[string][]map[string]any, error) {
	return r.cfg.Docs.SnapshotAll(ctx, store.AllCollections)
}

// Restore replaces every core collection's contents from a prior Snapshot,
// for the CLI's snapshot-restore command (D9). It does not affect workers
// already registered in this process; callers are expected to restore
// against a freshly started server.
func (r *Registry) Restore(ctx context.Context, snapshot map[string][]map[string]any) error {
	return r.cfg.Docs.RestoreAll(ctx, snapshot)
}
