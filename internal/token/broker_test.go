package token

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeIssuer struct {
	calls int
	err   error
}

func (f *fakeIssuer) CreateToken(_ context.Context) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	switch f.calls {
	case 1:
		return "tok-a", nil
	default:
		return "tok-b", nil
	}
}

func TestAcquireUsesCacheWithinWindow(t *testing.T) {
	issuer := &fakeIssuer{}
	b := NewBroker(issuer, time.Minute, nil)

	first, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	second, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if first != second {
		t.Fatalf("cached acquire returned %q then %q", first, second)
	}
	if issuer.calls != 1 {
		t.Fatalf("upstream calls = %d, want 1", issuer.calls)
	}
}

func TestAcquireRefreshesAfterExpiry(t *testing.T) {
	issuer := &fakeIssuer{}
	b := NewBroker(issuer, time.Minute, nil)

	now := time.Now()
	b.now = func() time.Time { return now }

	if _, err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	now = now.Add(time.Minute + time.Second)
	tok, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if issuer.calls != 2 {
		t.Fatalf("upstream calls = %d, want 2", issuer.calls)
	}
	if tok != "tok-b" {
		t.Fatalf("token = %q, want refreshed tok-b", tok)
	}
}

func TestInvalidateForcesUpstreamCall(t *testing.T) {
	issuer := &fakeIssuer{}
	b := NewBroker(issuer, time.Minute, nil)

	if _, err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	b.Invalidate()
	if _, err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if issuer.calls != 2 {
		t.Fatalf("upstream calls = %d, want 2", issuer.calls)
	}
}

func TestAcquireErrorDropsCache(t *testing.T) {
	issuer := &fakeIssuer{err: errors.New("boom")}
	b := NewBroker(issuer, time.Minute, nil)

	if _, err := b.Acquire(context.Background()); err == nil {
		t.Fatalf("Acquire() should fail when the issuer fails")
	}

	issuer.err = nil
	tok, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if tok == "" {
		t.Fatalf("expected a fresh token after recovery")
	}
	if issuer.calls != 2 {
		t.Fatalf("upstream calls = %d, want 2", issuer.calls)
	}
}
