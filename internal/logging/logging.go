// Package logging builds the slog loggers shared by the relay and the agent.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Attribute keys used across the relay and the agent.
const (
	KeySessionID  = "session_id"
	KeyClientID   = "client_id"
	KeyTunnelID   = "tunnel_id"
	KeyTunnel     = "tunnel"
	KeyStreamID   = "stream_id"
	KeyPort       = "port"
	KeyAddress    = "address"
	KeyTransport  = "transport"
	KeyError      = "error"
	KeyCode       = "code"
	KeyComponent  = "component"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyDuration   = "duration"
	KeyCount      = "count"
	KeyToken      = "token"
)

// Redacted replaces the value of secret attributes.
const Redacted = "[redacted]"

// secretKeys are attribute keys whose values never reach the log.
var secretKeys = map[string]bool{
	KeyToken:        true,
	"token_hash":    true,
	"authorization": true,
	"password":      true,
}

// NewLogger returns a logger writing to stderr. Levels are debug, info,
// warn and error; formats are text and json. Unknown values fall back to
// info and text.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter is NewLogger with a custom destination.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redact,
	}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func redact(groups []string, a slog.Attr) slog.Attr {
	if secretKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, Redacted)
	}
	return a
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger discards everything.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithComponent tags logger with a component name. A nil logger yields a
// discarding logger.
func WithComponent(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(KeyComponent, name)
}
