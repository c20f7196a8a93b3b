// Package httpapi implements the HTTP/SSE transport (D6): a small fiber
// surface over the server registry that lets an external caller send an
// actor input and stream its events back. Grounded on the teacher's
// cmd/server/main.go fiber wiring (recover/logger/prometheus middleware,
// CORS, rate limiting, graceful shutdown) but built around the core's own
// endpoints instead of the teacher's much larger domain surface.
package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"ema/internal/bootstrap"
	"ema/internal/middleware"
	"ema/internal/models"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/valyala/fasthttp"
)

// New builds the fiber app exposing the actor input/event-stream endpoints
// over app's registry, wired with the teacher's middleware stack.
func New(app *bootstrap.App) *fiber.App {
	f := fiber.New(fiber.Config{
		AppName:      "ema-server v1.0",
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 0, // SSE streams must not be write-timed out
		IdleTimeout:  120 * time.Second,
		BodyLimit:    4 * 1024 * 1024,
	})

	f.Use(recover.New())
	f.Use(logger.New())

	prom := fiberprometheus.New("ema")
	prom.RegisterAt(f, "/metrics")
	f.Use(prom.Middleware)

	f.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	rateLimitCfg := middleware.LoadRateLimitConfig()
	f.Use(middleware.GlobalAPIRateLimiter(rateLimitCfg))

	f.Get("/health", healthHandler(app))

	actors := f.Group("/api/v1/actors/:userId/:actorId/:conversationId")
	actors.Post("/messages", middleware.AuthenticatedRateLimiter(rateLimitCfg), postMessageHandler(app))
	actors.Get("/events", eventsHandler(app))
	actors.Get("/memory/search", searchMemoryHandler(app))
	actors.Post("/memory/long-term", addLongTermMemoryHandler(app))

	return f
}

func healthHandler(app *bootstrap.App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "activeActors": len(app.Registry.Active())})
	}
}

type messageRequest struct {
	Text   string `json:"text"`
	Inputs []struct {
		Kind string `json:"kind"`
		Text string `json:"text"`
	} `json:"inputs"`
}

func postMessageHandler(app *bootstrap.App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, err := parseActorKey(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		var req messageRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON body"})
		}

		inputs := contentsFromRequest(req)
		if len(inputs) == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "text or inputs is required"})
		}

		worker, err := app.Registry.GetActor(c.Context(), key.userID, key.actorID, key.conversationID)
		if err != nil {
			log.Printf("httpapi: get actor %v: %v", key, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "could not resolve actor"})
		}

		if err := worker.Work(c.Context(), inputs); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
	}
}

func contentsFromRequest(req messageRequest) []models.Content {
	var out []models.Content
	if req.Text != "" {
		out = append(out, models.TextContent(req.Text))
	}
	for _, in := range req.Inputs {
		kind := models.ContentKind(in.Kind)
		if kind == "" {
			kind = models.ContentText
		}
		out = append(out, models.Content{Kind: kind, Text: in.Text})
	}
	return out
}

// eventsHandler streams the actor's message/agent events as SSE lines, per
// §6: "event: <kind>\ndata: <json>\n\n". The stream ends when the client
// disconnects; it does not replay history.
func eventsHandler(app *bootstrap.App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, err := parseActorKey(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		worker, err := app.Registry.GetActor(c.Context(), key.userID, key.actorID, key.conversationID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "could not resolve actor"})
		}

		messages, messageHandle := worker.On(models.ActorEventMessage)
		agentEvents, agentHandle := worker.On(models.ActorEventAgent)

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer worker.Off(models.ActorEventMessage, messageHandle)
			defer worker.Off(models.ActorEventAgent, agentHandle)

			heartbeat := time.NewTicker(20 * time.Second)
			defer heartbeat.Stop()

			for {
				select {
				case ev, ok := <-messages:
					if !ok {
						return
					}
					if !writeSSE(w, "message", ev) {
						return
					}
				case ev, ok := <-agentEvents:
					if !ok {
						return
					}
					if !writeSSE(w, "agent", ev) {
						return
					}
				case <-heartbeat.C:
					if _, err := w.WriteString(": heartbeat\n\n"); err != nil {
						return
					}
					if err := w.Flush(); err != nil {
						return
					}
				}
			}
		}))
		return nil
	}
}

func writeSSE(w *bufio.Writer, kind string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("httpapi: marshal SSE event: %v", err)
		return true
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, data); err != nil {
		return false
	}
	return w.Flush() == nil
}

func searchMemoryHandler(app *bootstrap.App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, err := parseActorKey(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		worker, err := app.Registry.GetActor(c.Context(), key.userID, key.actorID, key.conversationID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "could not resolve actor"})
		}

		var keywords []string
		if q := c.Query("q"); q != "" {
			keywords = strings.Split(q, ",")
		}

		items, err := worker.Search(c.Context(), keywords)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"items": items})
	}
}

type longTermMemoryRequest struct {
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
}

func addLongTermMemoryHandler(app *bootstrap.App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, err := parseActorKey(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		var req longTermMemoryRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON body"})
		}

		worker, err := app.Registry.GetActor(c.Context(), key.userID, key.actorID, key.conversationID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "could not resolve actor"})
		}

		rec, err := worker.AddLongTermMemory(c.Context(), req.Content, req.Category, req.Tags)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusCreated).JSON(rec)
	}
}

type actorKey struct {
	userID, actorID, conversationID int
}

func parseActorKey(c *fiber.Ctx) (actorKey, error) {
	userID, err := strconv.Atoi(c.Params("userId"))
	if err != nil {
		return actorKey{}, fmt.Errorf("userId must be an integer")
	}
	actorID, err := strconv.Atoi(c.Params("actorId"))
	if err != nil {
		return actorKey{}, fmt.Errorf("actorId must be an integer")
	}
	conversationID, err := strconv.Atoi(c.Params("conversationId"))
	if err != nil {
		return actorKey{}, fmt.Errorf("conversationId must be an integer")
	}
	return actorKey{userID: userID, actorID: actorID, conversationID: conversationID}, nil
}
