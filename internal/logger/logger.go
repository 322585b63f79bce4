// Package logger holds the process-wide zerolog logger and the context
// plumbing that tags log lines with request, transaction and chunk IDs.
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

var root = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Initialize configures the root logger on stdout
func Initialize(level, format string) {
	InitializeWithWriter(level, format, os.Stdout)
}

// InitializeWithWriter configures the root logger. format is "json" or
// "console"; an unknown level falls back to info.
func InitializeWithWriter(level, format string, out io.Writer) {
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zerolog.SetGlobalLevel(ParseLevel(level))
	root = zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel maps a config level name to a zerolog level
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// Get returns the root logger
func Get() *zerolog.Logger {
	return &root
}

// Component returns a child of the root logger tagged with component
func Component(name string) *zerolog.Logger {
	l := root.With().Str("component", name).Logger()
	return &l
}

// FromContext returns the logger carried by ctx, or the root logger
func FromContext(ctx context.Context) *zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zerolog.Logger); ok {
		return l
	}
	return &root
}

// WithContext stores l in ctx
func WithContext(ctx context.Context, l *zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

func with(ctx context.Context, fn func(zerolog.Context) zerolog.Context) context.Context {
	l := fn(FromContext(ctx).With()).Logger()
	return WithContext(ctx, &l)
}

// WithRequestID tags every line logged through ctx with the RPC request ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return with(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("request_id", requestID)
	})
}

// WithTxnID tags every line logged through ctx with the engine transaction ID
func WithTxnID(ctx context.Context, txnID string) context.Context {
	return with(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("txn_id", txnID)
	})
}

// WithChunk tags every line logged through ctx with the chunk being worked on
func WithChunk(ctx context.Context, chunkID int32, name string) context.Context {
	return with(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Int32("chunk_id", chunkID).Str("chunk", name)
	})
}
