package logging

import (
	"context"
	"fmt"
	"strings"
)

// LegacyAdapter adapts the structured logger to the printf-style Logger
// interfaces of the server and client packages. Message tokens of the form
// key=value naming a BSP identifier are copied into fields, so
// "Shutdown cancelled 2 open tasks originId=b7" carries origin_id=b7.
type LegacyAdapter struct {
	logger Logger
}

// NewLegacyAdapter creates a new legacy adapter
func NewLegacyAdapter(logger Logger) *LegacyAdapter {
	return &LegacyAdapter{logger: logger}
}

// ForRequest returns an adapter tagging entries with the request id and
// originId stored in ctx
func (a *LegacyAdapter) ForRequest(ctx context.Context) *LegacyAdapter {
	return &LegacyAdapter{logger: a.logger.WithContext(ctx)}
}

// Debug logs a debug message using printf-style formatting
func (a *LegacyAdapter) Debug(msg string, args ...interface{}) {
	a.log(DebugLevel, msg, args)
}

// Info logs an info message using printf-style formatting
func (a *LegacyAdapter) Info(msg string, args ...interface{}) {
	a.log(InfoLevel, msg, args)
}

// Warn logs a warning message using printf-style formatting
func (a *LegacyAdapter) Warn(msg string, args ...interface{}) {
	a.log(WarnLevel, msg, args)
}

// Error logs an error message using printf-style formatting
func (a *LegacyAdapter) Error(msg string, args ...interface{}) {
	a.log(ErrorLevel, msg, args)
}

func (a *LegacyAdapter) log(level Level, format string, args []interface{}) {
	if a.logger.GetLevel() > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	fields := messageFields(msg)
	switch level {
	case DebugLevel:
		a.logger.Debug(msg, fields...)
	case WarnLevel:
		a.logger.Warn(msg, fields...)
	case ErrorLevel:
		a.logger.Error(msg, fields...)
	default:
		a.logger.Info(msg, fields...)
	}
}

// messageKeys maps message tokens to field names
var messageKeys = map[string]string{
	"originId": "origin_id",
	"target":   "target",
	"task":     "task_id",
	"method":   "method",
	"id":       "id",
	"document": "document",
	"state":    "session_state",
	"status":   "status_code",
}

// messageFields extracts the known key=value tokens of msg. The first
// occurrence of a key wins.
func messageFields(msg string) []Field {
	var fields []Field
	seen := make(map[string]bool)
	for _, token := range strings.Fields(msg) {
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}
		name, known := messageKeys[key]
		if !known || seen[name] {
			continue
		}
		value = strings.TrimRight(value, ",;:)")
		if value == "" {
			continue
		}
		seen[name] = true
		fields = append(fields, String(name, value))
	}
	return fields
}
