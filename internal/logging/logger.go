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

// WithSession returns a logger with session context fields attached.
// Use this for all logging within a council run.
func WithSession(sessionID, boardID string) *slog.Logger {
	return slog.With(
		"session_id", sessionID,
		"board_id", boardID,
	)
}

// WithStage returns a logger scoped to a specific stage within a run.
func WithStage(logger *slog.Logger, taskID string, stage int) *slog.Logger {
	return logger.With(
		"task_id", taskID,
		"stage", stage,
	)
}
