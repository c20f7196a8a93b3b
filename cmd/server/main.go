// Command ema-server runs the actor server: it loads configuration, wires
// the core (registry, scheduler, LLM client, memory stores) via
// internal/bootstrap, starts the job scheduler, and serves the HTTP/SSE
// transport (D6) until interrupted. Grounded on the teacher's
// cmd/server/main.go construction order and graceful-shutdown idiom.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ema/internal/bootstrap"
	"ema/internal/config"
	"ema/internal/httpapi"
	"ema/internal/logging"
	"ema/internal/models"
	"ema/internal/scheduler"

	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	logging.Init()

	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  no .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded")
	}

	cfg := config.Load()
	log.Printf("📋 configuration loaded (port=%s, mongo=%s, provider=%s)", cfg.Server.Port, cfg.Mongo.Kind, cfg.LLM.ChatProvider)

	ctx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	app, err := bootstrap.New(ctx, cfg)
	cancelBoot()
	if err != nil {
		log.Fatalf("❌ failed to initialize: %v", err)
	}

	if err := app.Scheduler.Start(context.Background(), builtinJobHandlers()); err != nil {
		log.Fatalf("❌ failed to start scheduler: %v", err)
	}
	log.Println("⏰ scheduler started")

	sweepUnique := map[string]any{"job": "short_term_memory_sweep"}
	if _, err := app.Scheduler.ScheduleEvery(context.Background(), "short_term_memory_sweep",
		time.Now().Add(time.Hour), "1h", nil, sweepUnique); err != nil {
		log.Printf("⚠️  failed to schedule short_term_memory_sweep: %v", err)
	}

	server := httpapi.New(app)

	go func() {
		log.Printf("🚀 ema-server listening on :%s", cfg.Server.Port)
		if err := server.Listen(":" + cfg.Server.Port); err != nil {
			log.Fatalf("❌ server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("🛑 shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := app.Scheduler.Stop(); err != nil {
		log.Printf("⚠️  error stopping scheduler: %v", err)
	}
	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("⚠️  error shutting down HTTP server: %v", err)
	}
	app.Close(shutdownCtx)
	log.Println("👋 shutdown complete")
}

// builtinJobHandlers registers the housekeeping job the server exercises the
// scheduler with: a periodic short-term-memory sweep is a plausible
// recurring job for a companion agent server, illustrating scheduleEvery's
// unique-collapse rule without requiring an external cron caller.
func builtinJobHandlers() map[string]scheduler.Handler {
	return map[string]scheduler.Handler{
		"short_term_memory_sweep": func(ctx context.Context, job models.Job) error {
			log.Printf("scheduler: short_term_memory_sweep fired (data=%v)", job.Data)
			return nil
		},
	}
}
