package avatar

import (
	"errors"
	"fmt"
)

// ErrAuth marks a rejected credential (bad or missing API key or token).
var ErrAuth = errors.New("upstream authorization failed")

// ErrUnavailable marks transient upstream failures: rate limits, 5xx
// responses and malformed bodies.
var ErrUnavailable = errors.New("upstream unavailable")

func classifyStatus(op string, code int, body string) error {
	base := ErrUnavailable
	if code == 401 || code == 403 {
		base = ErrAuth
	}
	if body == "" {
		return fmt.Errorf("%s: status %d: %w", op, code, base)
	}
	return fmt.Errorf("%s: status %d: %s: %w", op, code, body, base)
}
