// Package bootstrap wires the core's dependencies from configuration into a
// running App, shared by the HTTP server (cmd/server) and the CLI
// (cmd/ema-cli) so both binaries construct the same registry, scheduler and
// store instead of duplicating the wiring twice. Grounded on the teacher's
// cmd/server/main.go construction order (config, store, services, then the
// HTTP layer), trimmed to the core's own dependency graph.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"ema/internal/config"
	"ema/internal/convstore"
	"ema/internal/crypto"
	"ema/internal/llm"
	"ema/internal/memory"
	"ema/internal/models"
	"ema/internal/promptwatch"
	"ema/internal/registry"
	"ema/internal/retry"
	"ema/internal/scheduler"
	"ema/internal/store"
	"ema/internal/tools"

	"github.com/redis/go-redis/v9"
)

// App bundles every long-lived dependency the server and CLI share.
type App struct {
	Config        *config.Config
	Docs          store.Store
	Conversations *convstore.Store
	ShortTerm     *memory.ShortTermStore
	LongTerm      *memory.LongTermStore
	LLM           llm.Client
	SystemPrompt  *promptwatch.Watcher
	Registry      *registry.Registry
	Scheduler     *scheduler.Scheduler
	redis         *redis.Client
}

// New constructs every dependency from cfg but does not start the scheduler
// or bind an HTTP listener; callers decide when to do that.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	docs, err := newStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: store: %w", err)
	}
	if m, ok := docs.(*store.Mongo); ok {
		if err := m.EnsureCoreIndexes(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap: ensure indexes: %w", err)
		}
	}

	encryption, err := crypto.NewEncryptionService(cfg.Encryption.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: encryption: %w", err)
	}

	conversations := convstore.New(docs)
	shortTerm := memory.NewShortTermStore(30*time.Minute, 5*time.Minute)
	longTerm := memory.NewLongTermStore(docs, encryption)

	chatClient, err := newLLMClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: llm client: %w", err)
	}

	promptWatcher, err := promptwatch.New(cfg.Agent.SystemPromptFile)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: system prompt watcher: %w", err)
	}

	toolRegistry, err := newToolRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: tool registry: %w", err)
	}

	reg := registry.New(registry.Config{
		Docs:          docs,
		Conversations: conversations,
		ShortTerm:     shortTerm,
		LongTerm:      longTerm,
		LLM:           chatClient,
		SystemPrompt:  promptWatcher,
		Tools:         toolRegistry,
		MaxSteps:      cfg.Agent.MaxSteps,
		BufferWindow:  cfg.Agent.BufferWindow,
		EmaReplyTool:  cfg.Agent.EmaReplyToolName,
	})

	var redisClient *redis.Client
	if cfg.Redis.URI != "" {
		opts, err := redis.ParseURL(cfg.Redis.URI)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: parse redis uri: %w", err)
		}
		redisClient = redis.NewClient(opts)
	}

	sched, err := scheduler.New(scheduler.Config{
		Docs:               docs,
		Redis:              redisClient,
		DefaultConcurrency: cfg.Scheduler.DefaultConcurrency,
		MaxConcurrency:     cfg.Scheduler.MaxConcurrency,
		LockLifetime:       cfg.Scheduler.LockLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: scheduler: %w", err)
	}

	return &App{
		Config:        cfg,
		Docs:          docs,
		Conversations: conversations,
		ShortTerm:     shortTerm,
		LongTerm:      longTerm,
		LLM:           chatClient,
		SystemPrompt:  promptWatcher,
		Registry:      reg,
		Scheduler:     sched,
		redis:         redisClient,
	}, nil
}

// Close releases every resource New acquired. It does not abort in-flight
// actor runs; callers should stop accepting new work first.
func (a *App) Close(ctx context.Context) {
	a.Registry.Close()
	a.SystemPrompt.Close()
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.Docs.Close(ctx); err != nil {
		_ = err // best-effort: process is exiting regardless
	}
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Mongo.Kind {
	case config.MongoRemote:
		return store.NewMongo(ctx, cfg.Mongo.URI, cfg.Mongo.DBName)
	default:
		return store.NewInMemory(), nil
	}
}

func newLLMClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	policy := retryPolicyFrom(cfg)
	switch cfg.LLM.ChatProvider {
	case config.ProviderGoogle:
		return llm.NewGoogleClient(ctx, cfg.LLM.Google.Key, cfg.LLM.ChatModel, policy)
	default:
		return llm.NewOpenAIClient(cfg.LLM.OpenAI.BaseURL, cfg.LLM.OpenAI.Key, cfg.LLM.ChatModel, policy), nil
	}
}

func newToolRegistry(cfg *config.Config) ([]models.Tool, error) {
	reg, err := tools.NewDefaultRegistry(
		cfg.Agent.EmaReplyToolName,
		cfg.Tools.EnableEmaReply,
		cfg.Tools.EnableTimeNow,
		cfg.Tools.EnableCalculator,
	)
	if err != nil {
		return nil, err
	}
	return reg.All(), nil
}

func retryPolicyFrom(cfg *config.Config) retry.Policy {
	r := cfg.LLM.Retry
	return retry.Policy{
		Enabled:         r.Enabled,
		MaxRetries:      r.MaxRetries,
		InitialDelay:    r.InitialDelay(),
		MaxDelay:        r.MaxDelay(),
		ExponentialBase: r.ExponentialBase,
	}
}
