package main

import (
	"log/slog"
	"os"

	"secure.seal/config"
)

// redactedKeys never reach log output, whichever package logs them.
var redactedKeys = map[string]bool{
	"key_share":      true,
	"encrypted_blob": true,
	"blob":           true,
	"master_secret":  true,
	"token":          true,
	"action_token":   true,
	"new_token":      true,
}

func newLogger(lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLogLevel(lc.Level),
		ReplaceAttr: redact,
	}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[a.Key] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

func parseLogLevel(s string) slog.Level {
	switch s {
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
