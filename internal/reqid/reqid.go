// Package reqid generates and validates the per-request trace identifier
// that flows through every log line and header for a single request.
package reqid

import (
	"regexp"

	"github.com/google/uuid"
)

var validPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// Generate returns a fresh UUID-v4-shaped request id.
func Generate() string {
	return uuid.New().String()
}

// Valid reports whether s is an acceptable client-supplied request id:
// 1-128 characters drawn from [A-Za-z0-9_.-].
func Valid(s string) bool {
	return validPattern.MatchString(s)
}

// FromHeader returns the client-declared X-Request-ID if it validates,
// otherwise a freshly generated one.
func FromHeader(clientValue string) string {
	if Valid(clientValue) {
		return clientValue
	}
	return Generate()
}
