package utils

import (
	"log/slog"
	"os"
	"strings"
)

type Log struct {
	*slog.LevelVar
	*slog.Logger
}

// Logger is the global logger instance
var Logger *Log

func init() {
	logLevel := &slog.LevelVar{}
	opts := &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == "time" {
				return slog.Attr{Key: "timestamp", Value: slog.TimeValue(a.Value.Time())}
			}
			return a
		},
	}
	// Log to stderr so command output on stdout stays machine-readable
	Logger = &Log{
		LevelVar: logLevel,
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, opts)),
	}
	Logger.SetLogLevel("error")
}

func (l *Log) SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		l.Set(slog.LevelDebug)
	case "info":
		l.Set(slog.LevelInfo)
	case "warn":
		l.Set(slog.LevelWarn)
	case "error":
		l.Set(slog.LevelError)
	}
}

func (l *Log) Fatal(msg string, args ...any) {
	l.Error(msg, args...)
	os.Exit(1)
}
