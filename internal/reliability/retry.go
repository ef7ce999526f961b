package reliability

import "time"

// Retryable reports whether an upstream call that failed with the given HTTP
// status is safe to try again. Status 0 means the request never completed.
func Retryable(status int) bool {
	switch status {
	case 0, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Backoff computes a deterministic capped backoff duration.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
