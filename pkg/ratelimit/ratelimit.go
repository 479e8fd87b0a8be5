// Package ratelimit enforces per-operation, per-actor request limits in
// front of the service façade. A Redis-backed limiter is used when
// REDIS_URL is configured so limits are shared across replicas; otherwise
// an in-process token bucket per key is used as a single-instance fallback.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy bounds one (operation, actor) rate-limited scope.
type Policy struct {
	RPS   float64
	Burst int
}

// Limiter decides whether one unit of work for key is allowed right now.
type Limiter interface {
	Allow(ctx context.Context, key string, policy Policy) (bool, error)
}

// Key builds the scope key a Limiter tracks: one bucket per operation per
// actor, so a noisy actor on one operation never starves their quota on
// another.
func Key(operation, actorFingerprint string) string {
	return fmt.Sprintf("%s|%s", operation, actorFingerprint)
}

// InProcessLimiter keeps one golang.org/x/time/rate.Limiter per key, with
// background eviction of stale entries so long-running processes don't leak
// memory over many distinct actors.
type InProcessLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	idleTTL  time.Duration
	stop     chan struct{}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewInProcessLimiter starts a limiter with background cleanup every
// cleanupEvery, evicting entries idle longer than idleTTL.
func NewInProcessLimiter(idleTTL, cleanupEvery time.Duration) *InProcessLimiter {
	l := &InProcessLimiter{
		visitors: make(map[string]*visitor),
		idleTTL:  idleTTL,
		stop:     make(chan struct{}),
	}
	go l.cleanupLoop(cleanupEvery)
	return l
}

// Close stops the background cleanup goroutine.
func (l *InProcessLimiter) Close() {
	close(l.stop)
}

func (l *InProcessLimiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for key, v := range l.visitors {
				if now.Sub(v.lastSeen) > l.idleTTL {
					delete(l.visitors, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Allow consumes one token from key's bucket, creating it with policy's
// limits on first use.
func (l *InProcessLimiter) Allow(_ context.Context, key string, policy Policy) (bool, error) {
	l.mu.Lock()
	v, exists := l.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(policy.RPS), policy.Burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	limiter := v.limiter
	l.mu.Unlock()

	return limiter.Allow(), nil
}
