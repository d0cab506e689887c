// Package logger carries logging helpers shared by the HTTP layer: field
// sanitization for request logs and an in-memory ring of recent entries
// served on the admin API.
package logger

import (
	"strings"

	"go.uber.org/zap"
)

var sensitiveTokens = []string{
	"password",
	"token",
	"secret",
	"authorization",
	"sign",
}

// SanitizeFields masks values whose key smells like a credential before
// they reach the log sink.
func SanitizeFields(fields []zap.Field) []zap.Field {
	if len(fields) == 0 {
		return fields
	}

	sanitized := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		if isSensitiveKey(field.Key) {
			sanitized = append(sanitized, zap.String(field.Key, "***"))
			continue
		}
		sanitized = append(sanitized, field)
	}
	return sanitized
}

func isSensitiveKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	normalized = strings.ReplaceAll(normalized, "-", "")
	normalized = strings.ReplaceAll(normalized, "_", "")
	if normalized == "" {
		return false
	}
	for _, token := range sensitiveTokens {
		if strings.Contains(normalized, token) {
			return true
		}
	}
	return false
}
