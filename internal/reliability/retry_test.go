package reliability

import (
	"testing"
	"time"
)

func TestRetryable(t *testing.T) {
	for _, code := range []int{0, 429, 500, 502, 503, 504} {
		if !Retryable(code) {
			t.Fatalf("Retryable(%d) = false, want true", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		if Retryable(code) {
			t.Fatalf("Retryable(%d) = true, want false", code)
		}
	}
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 2 * time.Second

	if got := Backoff(0, base, cap); got != base {
		t.Fatalf("Backoff(0) = %v, want %v", got, base)
	}
	if got := Backoff(1, base, cap); got != 200*time.Millisecond {
		t.Fatalf("Backoff(1) = %v, want 200ms", got)
	}
	if got := Backoff(3, base, cap); got != 800*time.Millisecond {
		t.Fatalf("Backoff(3) = %v, want 800ms", got)
	}
	if got := Backoff(20, base, cap); got != cap {
		t.Fatalf("Backoff(20) = %v, want cap %v", got, cap)
	}
}
