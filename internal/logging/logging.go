// Package logging provides helpers for structured logging.
//
// Loggers are dependency-injected, never global. Each component receives a
// *slog.Logger at construction time and scopes it once with
// logger.With("component", ...). Output format, level, and destination are
// configured only in main. Components never call slog.SetDefault.
//
// Logging is sparse by intent: lifecycle boundaries and failures are the log
// points. Nothing logs per message on the hot ingestion path except at debug
// level.
package logging

import (
	"context"
	"log/slog"
)

// discardHandler drops all records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise a discard logger.
// Standard pattern for optional logger parameters:
//
//	func New(cfg Config) *Client {
//	    logger := logging.Default(cfg.Logger).With("component", "enrich")
//	    ...
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}
