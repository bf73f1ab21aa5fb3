// Package logger provides structured logging for the HTB relay
package logger

import (
	"context"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// RequestIDKey is the context key for HTTP request IDs
	RequestIDKey ContextKey = "request_id"
	// SessionIDKey is the context key for header-tag session IDs
	SessionIDKey ContextKey = "session_id"
)

var (
	// Log is the global logger instance
	Log = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string // time format for console output

	// File enables a rotating log file next to stdout when set
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig returns sensible defaults for production
func DefaultConfig() Config {
	return Config{
		Level:      getEnv("LOG_LEVEL", "info"),
		Format:     getEnv("LOG_FORMAT", "json"),
		TimeFormat: time.RFC3339,
		File:       getEnv("LOG_FILE", ""),
		MaxSizeMB:  getEnvInt("LOG_FILE_MAX_SIZE_MB", 100),
		MaxBackups: getEnvInt("LOG_FILE_MAX_BACKUPS", 5),
		MaxAgeDays: getEnvInt("LOG_FILE_MAX_AGE_DAYS", 7),
	}
}

// Init initializes the global logger
func Init(cfg Config) {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: cfg.TimeFormat,
		}
	}

	if cfg.File != "" {
		output = zerolog.MultiLevelWriter(output, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	Log = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "htb").
		Logger()
}

// WithRequestID adds a request ID to the logger context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithSessionID adds a session ID to the logger context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// FromContext returns a logger with context values
func FromContext(ctx context.Context) zerolog.Logger {
	l := Log.With()

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		l = l.Str("request_id", requestID)
	}

	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok {
		l = l.Str("session_id", sessionID)
	}

	return l.Logger()
}

// Partner returns a logger for a demand partner module
func Partner(partnerID string) zerolog.Logger {
	return Log.With().Str("partner", partnerID).Logger()
}

// Session returns a logger scoped to one header-tag session
func Session(sessionID string) zerolog.Logger {
	return Log.With().Str("session_id", sessionID).Logger()
}

// HTTP returns a logger for HTTP events
func HTTP() zerolog.Logger {
	return Log.With().Str("component", "http").Logger()
}

// Analytics returns a logger for the analytics sink
func Analytics() zerolog.Logger {
	return Log.With().Str("component", "analytics").Logger()
}

// getEnv returns environment variable or default
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// RequestLogger holds request-scoped logging state
type RequestLogger struct {
	logger    zerolog.Logger
	startTime time.Time
}

// NewRequestLogger creates a new request-scoped logger
func NewRequestLogger(requestID string) *RequestLogger {
	return &RequestLogger{
		logger:    Log.With().Str("request_id", requestID).Logger(),
		startTime: time.Now(),
	}
}

// Info logs an info message
func (r *RequestLogger) Info(msg string) {
	r.logger.Info().Msg(msg)
}

// Error logs an error message
func (r *RequestLogger) Error(msg string, err error) {
	r.logger.Error().Err(err).Msg(msg)
}

// WithField adds a field to the logger
func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	r.logger = r.logger.With().Interface(key, value).Logger()
	return r
}

// Duration returns the time since the request started
func (r *RequestLogger) Duration() time.Duration {
	return time.Since(r.startTime)
}

// LogComplete logs request completion with duration
func (r *RequestLogger) LogComplete(status int) {
	r.logger.Info().
		Int("status", status).
		Dur("duration_ms", r.Duration()).
		Msg("request completed")
}
