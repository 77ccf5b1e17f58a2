// Package logger defines the structured logging contract used across the
// library, with a zap-backed default implementation.
package logger

import "context"

// Logger is the structured logging interface. All log methods accept a
// message followed by key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With creates a child logger whose entries always carry the given
	// key-value pairs.
	With(args ...any) Logger

	// WithContext creates a child logger enriched from the context (request
	// id, when present).
	WithContext(ctx context.Context) Logger
}

// NewNop returns a Logger that discards everything. Useful as a default in
// tests and tools.
func NewNop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func (l nopLogger) With(...any) Logger { return l }

func (l nopLogger) WithContext(context.Context) Logger { return l }
