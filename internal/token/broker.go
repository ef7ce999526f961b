package token

import (
	"context"
	"sync"
	"time"

	"github.com/stagecast/stagecast/internal/observability"
)

// Issuer mints a fresh upstream credential. Satisfied by the avatar provider.
type Issuer interface {
	CreateToken(ctx context.Context) (string, error)
}

type lease struct {
	token     string
	expiresAt time.Time
}

// Broker caches one short-lived upstream credential. The cache window is a
// fixed conservative TTL, shorter than the upstream-declared lifetime, so a
// leaked token goes stale quickly.
type Broker struct {
	issuer  Issuer
	ttl     time.Duration
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.Mutex
	current *lease
}

func NewBroker(issuer Issuer, ttl time.Duration, metrics *observability.Metrics) *Broker {
	if ttl <= 0 {
		ttl = 4 * time.Minute
	}
	return &Broker{
		issuer:  issuer,
		ttl:     ttl,
		metrics: metrics,
		now:     time.Now,
	}
}

// Acquire returns the cached token while the lease is live, otherwise mints a
// new one. The whole read-check-write sequence holds the lock so concurrent
// callers cannot race to issue duplicate upstream calls.
func (b *Broker) Acquire(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current != nil && b.now().Before(b.current.expiresAt) {
		b.count("cache_hit")
		return b.current.token, nil
	}

	token, err := b.issuer.CreateToken(ctx)
	if err != nil {
		b.current = nil
		b.count("error")
		return "", err
	}

	b.current = &lease{token: token, expiresAt: b.now().Add(b.ttl)}
	b.count("issued")
	return token, nil
}

// Invalidate drops the cached lease so the next acquisition hits upstream.
// Called on session change, stop and client disconnect: latency is traded
// for credential freshness.
func (b *Broker) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = nil
}

func (b *Broker) count(outcome string) {
	if b.metrics != nil {
		b.metrics.TokenRequests.WithLabelValues(outcome).Inc()
	}
}
