package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/treetop-comms/canopy/pkg/config"
)

// LogLevel represents log levels
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents log output formats
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// ContextKey represents context keys for logging
type ContextKey string

const (
	TrailIDKey   ContextKey = "trail_id"
	CallIDKey    ContextKey = "call_id"
	SproutletKey ContextKey = "sproutlet"
	SourceIPKey  ContextKey = "source_ip"
	RequestIDKey ContextKey = "request_id"
)

// Logger wraps slog.Logger with additional functionality
type Logger struct {
	*slog.Logger
	component string
}

// NewLogger creates a new logger based on configuration
func NewLogger(cfg config.LoggingConfig, component string) (*Logger, error) {
	var level slog.Level
	switch LogLevel(cfg.Level) {
	case LevelDebug:
		level = slog.LevelDebug
	case LevelInfo:
		level = slog.LevelInfo
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.IncludeSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Customize timestamp format
			if a.Key == slog.TimeKey {
				return slog.Attr{
					Key:   "timestamp",
					Value: slog.StringValue(a.Value.Time().Format(time.RFC3339Nano)),
				}
			}
			return a
		},
	}

	var writer io.Writer = os.Stdout
	if cfg.File != "" {
		dir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}

		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		writer = file
	}

	var handler slog.Handler
	switch LogFormat(cfg.Format) {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, opts)
	case FormatText:
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	baseLogger := slog.New(handler)

	logger := baseLogger.With(
		"component", component,
		"version", cfg.Version,
		"instance_id", cfg.InstanceID,
	)

	return &Logger{
		Logger:    logger,
		component: component,
	}, nil
}

// Discard returns a logger that drops everything. Used by tests and as a
// fallback when a component is constructed without a logger.
func Discard() *Logger {
	return &Logger{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		component: "discard",
	}
}

// WithContext returns a logger with context values
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if trail := ctx.Value(TrailIDKey); trail != nil {
		logger = logger.With("trail_id", trail)
	}
	if callID := ctx.Value(CallIDKey); callID != nil {
		logger = logger.With("call_id", callID)
	}
	if sproutlet := ctx.Value(SproutletKey); sproutlet != nil {
		logger = logger.With("sproutlet", sproutlet)
	}
	if sourceIP := ctx.Value(SourceIPKey); sourceIP != nil {
		logger = logger.With("source_ip", sourceIP)
	}
	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		logger = logger.With("request_id", requestID)
	}

	return &Logger{
		Logger:    logger,
		component: l.component,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}

	return &Logger{
		Logger:    l.Logger.With(args...),
		component: l.component,
	}
}

// WithTrail returns a logger bound to a trail id. Every event logged for one
// transaction carries the same trail so the whole flow can be correlated.
func (l *Logger) WithTrail(trail string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("trail_id", trail),
		component: l.component,
	}
}

// SIPRequestLogger logs SIP request details
func (l *Logger) SIPRequestLogger(method, callID, fromURI, toURI string) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			"sip_method", method,
			"call_id", callID,
			"from_uri", fromURI,
			"to_uri", toURI,
		),
		component: l.component,
	}
}

// SproutletLogger logs per-sproutlet transaction details
func (l *Logger) SproutletLogger(service, alias, id string) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			"service", service,
			"alias", alias,
			"tsx_id", id,
		),
		component: l.component,
	}
}

// StoreLogger logs data store operation details
func (l *Logger) StoreLogger(operation, key string, duration time.Duration) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			"store_operation", operation,
			"store_key", key,
			"duration_ms", duration.Milliseconds(),
		),
		component: l.component,
	}
}

// ContextWithTrailID adds a trail id to context
func ContextWithTrailID(ctx context.Context, trail string) context.Context {
	return context.WithValue(ctx, TrailIDKey, trail)
}

// ContextWithCallID adds call ID to context
func ContextWithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, CallIDKey, callID)
}

// ContextWithSourceIP adds source IP to context
func ContextWithSourceIP(ctx context.Context, sourceIP string) context.Context {
	return context.WithValue(ctx, SourceIPKey, sourceIP)
}

// Info logs a message at info level.
func (l *Logger) Info(msg string, args ...any) {
	l.Logger.Info(msg, args...)
}

// Debug logs a message at debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.Logger.Debug(msg, args...)
}

// Warn logs a message at warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.Logger.Warn(msg, args...)
}

// Error logs a message at error level.
func (l *Logger) Error(msg string, args ...any) {
	l.Logger.Error(msg, args...)
}
