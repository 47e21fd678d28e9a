package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys used by the logger
type ContextKey string

const (
	// LoggerKey is the context key for the logger instance
	LoggerKey ContextKey = "logger"
)

// Options controls logger construction.
type Options struct {
	Level  string // zerolog level name, defaults to info
	Format string // "console" or "json"
}

// New creates a console logger at info level.
func New() zerolog.Logger {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a logger honouring level and output format.
func NewWithOptions(opts Options) zerolog.Logger {
	var out io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	if opts.Format == "json" {
		out = os.Stdout
	}
	return NewWithWriter(out).Level(parseLevel(opts.Level))
}

// NewWithWriter creates a new structured logger with a custom writer
func NewWithWriter(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Caller().Logger()
}

func parseLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// WithContext adds the logger to the context
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from the context or returns a default logger
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return New()
}

// WithFields adds structured fields to a logger
func WithFields(logger zerolog.Logger, fields map[string]interface{}) zerolog.Logger {
	ctx := logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return ctx.Logger()
}

// WithRequest tags the context logger with the owner and session of a request.
func WithRequest(ctx context.Context, ownerID, sessionID string) context.Context {
	l := FromContext(ctx).With().
		Str("owner_id", ownerID).
		Str("session_id", sessionID).
		Logger()
	return WithContext(ctx, l)
}

// Security returns the context logger tagged as a security-relevant event.
// Tenancy violations go through here so they can be alerted on.
func Security(ctx context.Context) *zerolog.Logger {
	l := FromContext(ctx).With().Str("event", "security").Logger()
	return &l
}
