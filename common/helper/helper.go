package helper

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RequestIdKey is both the gin context key and the response header carrying
// the per-request id.
const RequestIdKey = "X-Request-Id"

// GenRequestId returns a fresh request id (UUID without hyphens).
func GenRequestId() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// MessageWithRequestId appends the request id to a user-facing error message
// so failures can be correlated with the attempt trail.
func MessageWithRequestId(message string, id string) string {
	if id == "" {
		return message
	}
	return fmt.Sprintf("%s (request id: %s)", message, id)
}

// String2Int parses s as int, returning 0 on failure.
func String2Int(s string) int {
	var n int
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}
