package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithActor returns a logger scoped to one Actor Worker, identified by its
// (userId, actorId, conversationId) triple. Use this for logging within the
// actor and registry packages instead of ad-hoc fmt.Sprintf prefixes.
func WithActor(userID, actorID, conversationID int) *slog.Logger {
	return slog.With(
		"user_id", userID,
		"actor_id", actorID,
		"conversation_id", conversationID,
	)
}
