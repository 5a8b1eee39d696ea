// Package logging builds the slog loggers used across pagespeed. Admin API
// access tokens are redacted before any handler sees them.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/m-mizutani/masq"

	"pagespeed/config"
)

// TokenPrefix is the prefix of Shopify Admin API access tokens.
const TokenPrefix = "shpat_"

// New creates a logger writing to stderr.
func New(cfg config.LoggingConfig) *slog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter creates a logger writing to w in the configured format.
// Unknown formats fall back to JSON and unknown levels to info.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: masq.New(
			masq.WithFieldName("access_token"),
			masq.WithFieldName("AccessToken"),
			masq.WithContain(TokenPrefix),
		),
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func ParseLevel(level string) slog.Level {
	switch level {
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

// WithComponent tags log lines with the emitting component.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithShop tags log lines with the shop domain being worked on.
func WithShop(logger *slog.Logger, shop string) *slog.Logger {
	if shop == "" {
		return logger
	}
	return logger.With(slog.String("shop", shop))
}

// Timed logs the duration of an operation once the returned func runs. The
// outcome is read through errPtr at that point.
//
//	var err error
//	defer logging.Timed(ctx, logger, "install", &err)()
func Timed(ctx context.Context, logger *slog.Logger, operation string, errPtr *error) func() {
	start := time.Now()
	return func() {
		attrs := []slog.Attr{
			slog.String("operation", operation),
			slog.Duration("duration", time.Since(start)),
		}
		if errPtr != nil && *errPtr != nil {
			attrs = append(attrs, slog.String("error", (*errPtr).Error()))
			logger.LogAttrs(ctx, slog.LevelError, "operation failed", attrs...)
			return
		}
		logger.LogAttrs(ctx, slog.LevelDebug, "operation completed", attrs...)
	}
}
