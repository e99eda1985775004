// Package logging is the structured logger of the sync engine. Components
// take the Logger interface; New and Discard return the slog backed
// implementation.
package logging

import "context"

// Logger methods take a message and alternating key/value arguments:
//
//	logger.Info(ctx, "sync finished", "vault_id", id, "inserted", n)
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With binds args to every later entry of the returned logger.
	With(args ...any) Logger
}
