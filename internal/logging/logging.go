// Package logging configures the daemon's structured log output and
// request-correlation helpers.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey int

const requestIDKey ctxKey = iota

// fixedWidthFormatter renders log lines as:
//
//	[2026-01-02 15:04:05] [info ] | message | key=value | ...
//
// producing a fixed-width column layout that stays readable without a log
// aggregator.
type fixedWidthFormatter struct{}

func (fixedWidthFormatter) Format(e *log.Entry) ([]byte, error) {
	level := e.Level.String()
	if len(level) < 5 {
		level = level + "     "[:5-len(level)]
	}
	line := "[" + e.Time.Format("2006-01-02 15:04:05") + "] [" + level + "] | " + e.Message
	if len(e.Data) > 0 {
		for k, v := range e.Data {
			line += " | " + k + "=" + toString(v)
		}
	}
	return append([]byte(line), '\n'), nil
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case error:
		return val.Error()
	case interface{ String() string }:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Redacted wraps a secret so that accidental logging (%v, %s) never prints
// it; the real value is only reachable via Reveal. PKCE verifiers and CSRF
// state nonces are carried as Redacted wherever they're held in memory and
// in log fields, per spec.md §4.2's "never logged" requirement.
type Redacted string

func (Redacted) String() string { return "[redacted]" }

// Reveal returns the underlying secret. Call this only at the point of use
// (building a URL, a token request), never to format a log line.
func (r Redacted) Reveal() string { return string(r) }

// Setup points the global logrus logger at stderr plus, if path is
// non-empty, a lumberjack-rotated file, using the fixed-width formatter.
func Setup(path string, maxSizeMB, maxBackups, maxAgeDays int) {
	log.SetFormatter(fixedWidthFormatter{})

	if path == "" {
		log.SetOutput(os.Stderr)
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
}

// NewRequestID mints a fresh correlation id for one IPC command or HTTP
// callback request.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID attaches id to ctx for downstream logging calls.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID recovers the correlation id attached by WithRequestID, or ""
// if none is present.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
