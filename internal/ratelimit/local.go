package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter keeps the client buckets in process memory, for the
// single-process mode without Redis. Buckets left idle for a full refill
// period are dropped.
type LocalLimiter struct {
	bucketConfig
	now func() time.Time

	mu        sync.Mutex
	clients   map[string]*localBucket
	lastSweep time.Time
}

type localBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewLocalLimiter(capacity int, refillPerSecond float64) *LocalLimiter {
	return &LocalLimiter{
		bucketConfig: bucketConfig{capacity: capacity, refill: refillPerSecond},
		now:          time.Now,
		clients:      make(map[string]*localBucket),
	}
}

// Admit takes one token from client's bucket if it has one. It never fails.
func (l *LocalLimiter) Admit(_ context.Context, client string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	l.sweep(now)
	b, ok := l.clients[client]
	if !ok {
		b = &localBucket{lim: rate.NewLimiter(rate.Limit(l.refill), l.capacity)}
		l.clients[client] = b
	}
	b.seen = now
	allowed := b.lim.AllowN(now, 1)
	remaining := b.lim.TokensAt(now)
	l.mu.Unlock()

	return l.decide(allowed, remaining), nil
}

// Clients reports how many buckets are held.
func (l *LocalLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// sweep drops idle buckets at most once per refill period. l.mu is held.
func (l *LocalLimiter) sweep(now time.Time) {
	idle := l.refillTime()
	if now.Sub(l.lastSweep) < idle {
		return
	}
	l.lastSweep = now
	for client, b := range l.clients {
		if now.Sub(b.seen) >= idle {
			delete(l.clients, client)
		}
	}
}
