// Command ema-cli is the external collaborator (D9) offering snapshot
// create/restore and a REPL that drives a single actor over stdin/stdout,
// sharing internal/bootstrap's wiring with cmd/server so both talk to the
// same store, registry and scheduler configuration.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"ema/internal/bootstrap"
	"ema/internal/config"
	"ema/internal/models"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "snapshot":
		runSnapshot(cfg, os.Args[2:])
	case "repl":
		runREPL(cfg, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  ema-cli snapshot create <file>
  ema-cli snapshot restore <file>
  ema-cli repl <userId> <actorId> <conversationId>`)
}

func runSnapshot(cfg *config.Config, args []string) {
	if len(args) != 2 {
		usage()
		os.Exit(1)
	}
	action, path := args[0], args[1]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("ema-cli: initialize: %v", err)
	}
	defer app.Close(context.Background())

	switch action {
	case "create":
		snapshot, err := app.Registry.Snapshot(ctx)
		if err != nil {
			log.Fatalf("ema-cli: snapshot: %v", err)
		}
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			log.Fatalf("ema-cli: marshal snapshot: %v", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			log.Fatalf("ema-cli: write snapshot file: %v", err)
		}
		fmt.Printf("snapshot written to %s\n", path)

	case "restore":
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("ema-cli: read snapshot file: %v", err)
		}
		var snapshot map[string][]map[string]any
		if err := json.Unmarshal(data, &snapshot); err != nil {
			log.Fatalf("ema-cli: parse snapshot file: %v", err)
		}
		if err := app.Registry.Restore(ctx, snapshot); err != nil {
			log.Fatalf("ema-cli: restore: %v", err)
		}
		fmt.Printf("restored from %s\n", path)

	default:
		usage()
		os.Exit(1)
	}
}

func runREPL(cfg *config.Config, args []string) {
	if len(args) != 3 {
		usage()
		os.Exit(1)
	}
	userID, err1 := strconv.Atoi(args[0])
	actorID, err2 := strconv.Atoi(args[1])
	conversationID, err3 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil || err3 != nil {
		log.Fatal("ema-cli: userId, actorId and conversationId must be integers")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	app, err := bootstrap.New(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatalf("ema-cli: initialize: %v", err)
	}
	defer app.Close(context.Background())

	if err := app.Scheduler.Start(context.Background(), nil); err != nil {
		log.Fatalf("ema-cli: start scheduler: %v", err)
	}
	defer app.Scheduler.Stop()

	bg := context.Background()
	worker, err := app.Registry.GetActor(bg, userID, actorID, conversationID)
	if err != nil {
		log.Fatalf("ema-cli: get actor: %v", err)
	}

	messages, msgHandle := worker.On(models.ActorEventMessage)
	agentEvents, agentHandle := worker.On(models.ActorEventAgent)
	defer worker.Off(models.ActorEventMessage, msgHandle)
	defer worker.Off(models.ActorEventAgent, agentHandle)

	go func() {
		for {
			select {
			case ev, ok := <-messages:
				if !ok {
					return
				}
				fmt.Printf("[status] %s\n", ev.Message)
			case ev, ok := <-agentEvents:
				if !ok {
					return
				}
				printAgentEvent(ev.Agent)
			}
		}
	}()

	fmt.Printf("ema-cli REPL — actor %d:%d:%d. Type a message and press enter; Ctrl-D to quit.\n", userID, actorID, conversationID)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := worker.Work(bg, []models.Content{models.TextContent(line)}); err != nil {
			fmt.Printf("[error] %v\n", err)
		}
	}
}

func printAgentEvent(ev *models.AgentEvent) {
	if ev == nil {
		return
	}
	switch ev.Kind {
	case models.EventEmaReplyReceived:
		if ev.EmaReply != nil {
			fmt.Printf("< %s\n", ev.EmaReply.Reply.Response)
		}
	case models.EventRunFinished:
		if ev.RunFinished != nil && !ev.RunFinished.OK {
			fmt.Printf("[run finished] ok=false msg=%q\n", ev.RunFinished.Msg)
		}
	}
}
