// Package middleware carries the HTTP-boundary throttling A5 specifies,
// grounded on the teacher's internal/middleware/ratelimit.go but narrowed
// to the two limiter classes this server's routes actually use: an
// IP-keyed global limiter ahead of every route, and an actor-keyed limiter
// ahead of the message-post endpoint. The teacher's public-read,
// transcribe, websocket, image-proxy and slowdown variants have no
// endpoint in this domain to guard and were dropped rather than carried
// forward unused.
package middleware

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds the throttling settings for this server's two
// limiter classes.
type RateLimitConfig struct {
	// Global limits (per IP), applied to every request.
	GlobalAPIMax        int
	GlobalAPIExpiration time.Duration

	// Actor-scoped limits (per userId/actorId/conversationId triple),
	// applied to the message-post endpoint.
	ActorMax        int
	ActorExpiration time.Duration
}

// DefaultRateLimitConfig returns production-safe defaults.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		// Global: 200/min = ~3.3 req/sec - generous for normal use.
		GlobalAPIMax:        200,
		GlobalAPIExpiration: 1 * time.Minute,

		// Per actor: 30/min - a companion agent turn is a comparatively
		// heavy operation (an LLM round trip plus tool calls), so this is
		// tighter than the global limit.
		ActorMax:        30,
		ActorExpiration: 1 * time.Minute,
	}
}

// LoadRateLimitConfig loads config from environment variables with defaults.
func LoadRateLimitConfig() *RateLimitConfig {
	config := DefaultRateLimitConfig()

	if v := os.Getenv("EMA_RATE_LIMIT_GLOBAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.GlobalAPIMax = n
		}
	}

	if v := os.Getenv("EMA_RATE_LIMIT_ACTOR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.ActorMax = n
		}
	}

	if os.Getenv("ENVIRONMENT") == "development" {
		config.GlobalAPIMax = 1000
		config.ActorMax = 300
		log.Println("⚠️  [RATE-LIMIT] development mode: using relaxed rate limits")
	}

	return config
}

// GlobalAPIRateLimiter throttles every request by client IP. This is the
// first line of defense against a runaway caller, applied ahead of routing.
func GlobalAPIRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.GlobalAPIMax,
		Expiration: config.GlobalAPIExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "global:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] global limit reached for IP: %s", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "too many requests, please slow down",
				"retry_after": int(config.GlobalAPIExpiration.Seconds()),
			})
		},
		SkipFailedRequests:     false,
		SkipSuccessfulRequests: false,
	})
}

// AuthenticatedRateLimiter throttles the message-post endpoint per actor
// key (the userId/actorId/conversationId path triple), so one noisy actor
// cannot starve another actor's turns of the same global budget.
func AuthenticatedRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.ActorMax,
		Expiration: config.ActorExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			userID, actorID, conversationID := c.Params("userId"), c.Params("actorId"), c.Params("conversationId")
			if userID == "" && actorID == "" && conversationID == "" {
				return "actor-ip:" + c.IP()
			}
			return "actor:" + userID + ":" + actorID + ":" + conversationID
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("⚠️  [RATE-LIMIT] actor limit reached for %s/%s/%s", c.Params("userId"), c.Params("actorId"), c.Params("conversationId"))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "too many messages for this actor, please wait before sending another",
				"retry_after": int(config.ActorExpiration.Seconds()),
			})
		},
	})
}
