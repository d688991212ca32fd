package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog for structured logging.
type Logger struct {
	logger *slog.Logger
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// NewLogger creates a new structured logger.
func NewLogger(config LogConfig) *Logger {
	level := slog.LevelInfo
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	if config.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		logger: slog.New(handler),
	}
}

// Slog exposes the underlying slog logger for packages that take one directly.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// WithContext adds agent and task identity from the context to the logger.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var args []any

	if agentID := AgentIDFromContext(ctx); agentID != "" {
		args = append(args, "agent_id", agentID)
	}

	if taskID := TaskIDFromContext(ctx); taskID != "" {
		args = append(args, "task_id", taskID)
	}

	if len(args) == 0 {
		return l
	}

	return &Logger{
		logger: l.logger.With(args...),
	}
}

// With adds additional fields to the logger.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		logger: l.logger.With(args...),
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// DebugContext logs at debug level with context fields.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Debug(msg, args...)
}

// InfoContext logs at info level with context fields.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Info(msg, args...)
}

// WarnContext logs at warn level with context fields.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Warn(msg, args...)
}

// ErrorContext logs at error level with context fields.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Error(msg, args...)
}

// SanitizeAPIKey masks an API key before it reaches a log line.
func SanitizeAPIKey(key string) string {
	if len(key) <= 12 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// Context key types
type contextKey string

const (
	agentIDKey contextKey = "agent_id"
	taskIDKey  contextKey = "task_id"
)

// ContextWithAgentID adds the acting agent's ID to the context.
func ContextWithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// AgentIDFromContext extracts the acting agent's ID from the context.
func AgentIDFromContext(ctx context.Context) string {
	if agentID, ok := ctx.Value(agentIDKey).(string); ok {
		return agentID
	}
	return ""
}

// ContextWithTaskID adds the current task ID to the context.
func ContextWithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskIDFromContext extracts the current task ID from the context.
func TaskIDFromContext(ctx context.Context) string {
	if taskID, ok := ctx.Value(taskIDKey).(string); ok {
		return taskID
	}
	return ""
}
