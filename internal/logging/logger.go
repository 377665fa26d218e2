// Package logging is a small level-aware wrapper over the standard
// library's log package. Everything goes to stderr; there is no
// structured-logging dependency to wire in here since none of the
// examples in scope reach for one at this granularity.
package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

// Level is one of the four severities LOG_LEVEL selects between.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger provides level-based logging functionality.
type Logger struct {
	level  Level
	logger *log.Logger
}

var globalLogger = &Logger{level: LevelInfo, logger: log.New(os.Stderr, "", log.LstdFlags)}

// Initialize sets up the global logger from the LOG_LEVEL env var
// (debug/info/warn/error, case-insensitive; defaults to info). Output
// always goes to stderr.
func Initialize() {
	InitializeWithLevel(os.Getenv("LOG_LEVEL"))
}

// InitializeWithLevel sets up the global logger with an explicit level
// string, for callers that already resolved config rather than reading
// the environment directly (e.g. cmd/server after viper binding).
func InitializeWithLevel(levelStr string) {
	globalLogger = &Logger{
		level:  parseLevel(levelStr),
		logger: log.New(io.Writer(os.Stderr), "", log.LstdFlags),
	}
}

// Debug logs a message at debug level.
func Debug(format string, args ...interface{}) {
	if globalLogger.level <= LevelDebug {
		globalLogger.logger.Printf("DEBUG: "+format, args...)
	}
}

// Info logs a message at info level.
func Info(format string, args ...interface{}) {
	if globalLogger.level <= LevelInfo {
		globalLogger.logger.Printf(format, args...)
	}
}

// Warn logs a message at warn level.
func Warn(format string, args ...interface{}) {
	if globalLogger.level <= LevelWarn {
		globalLogger.logger.Printf("WARN: "+format, args...)
	}
}

// Error logs a message at error level. Errors are always shown regardless
// of LOG_LEVEL.
func Error(format string, args ...interface{}) {
	globalLogger.logger.Printf("ERROR: "+format, args...)
}

// IsDebugEnabled reports whether debug-level messages are currently shown.
func IsDebugEnabled() bool {
	return globalLogger.level <= LevelDebug
}
