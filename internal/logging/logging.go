// Package logging provides the operational logger shared by every
// component of the fuzzer: a package-level atomic *slog.Logger ("Op
// logger") for daemon/infrastructure events, with runtime-adjustable
// level.
package logging

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	opLogger.Store(slog.New(handler))
}

// Op returns the operational logger for daemon/infrastructure logs.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetLevel changes the log level for the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the log level from a string ("debug", "info",
// "warn", "error"). Unknown values are ignored.
func SetLevelFromString(level string) {
	switch level {
	case "debug", "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "info", "INFO":
		logLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "error", "ERROR":
		logLevel.Set(slog.LevelError)
	}
}

// SetOutputFile redirects subsequent Op() log records from stderr to the
// given file. It runs only after the work directory purge so the log
// file survives.
func SetOutputFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel})
	opLogger.Store(slog.New(handler))
	return nil
}

// ForWorker returns a logger adapter that prefixes every record with the
// worker's pid and role.
func ForWorker(pid int, symbolic bool) *slog.Logger {
	role := "fuzz"
	if symbolic {
		role = "symbolic"
	}
	return Op().With("pid", pid, "role", role)
}
