package store

import (
	"strings"
)

// isUniqueViolation detects duplicate-key errors across the supported
// drivers (postgres 23505, sqlite "UNIQUE constraint failed").
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
