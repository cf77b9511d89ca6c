package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// setupLogger writes to stdout. Unknown levels fall back to info and
// unknown formats to JSON.
func setupLogger(level, format string) *slog.Logger {
	return newLogger(os.Stdout, level, format)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl <= slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings; anything else keeps the default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if parsed, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return parsed
	}
	return defaultValue
}
