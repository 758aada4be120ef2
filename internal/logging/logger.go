// Package logging is the structured logger every harmony component takes.
// Call sites stay independent of log/slog; SlogLogger is the only backend.
package logging

import (
	"context"
	"log/slog"
	"strings"
)

// Logger takes a message plus alternating keys and values:
//
//	log.Info(ctx, "run finished", "account", id, "state", state)
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a logger that prefixes every record with args.
	With(args ...any) Logger
}

// ModuleKey is the attribute naming the component a record came from.
const ModuleKey = "module"

// Module tags l with the component name.
func Module(l Logger, name string) Logger {
	return l.With(ModuleKey, name)
}

// ParseLevel accepts debug, info, warn and error in any case.
// Anything else yields info.
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
