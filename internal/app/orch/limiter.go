package orch

import (
	"sync"
	"time"

	"github.com/dkeye/jinglecall/internal/domain"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// InitiateLimiter throttles session-initiate requests per remote bare
// address.
type InitiateLimiter struct {
	mu      sync.Mutex
	entries map[domain.Address]*limiterEntry
	limit   rate.Limit
	burst   int
	idle    time.Duration
}

func NewInitiateLimiter(perSecond float64, burst int) *InitiateLimiter {
	return &InitiateLimiter{
		entries: make(map[domain.Address]*limiterEntry),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    10 * time.Minute,
	}
}

func (l *InitiateLimiter) Allow(from domain.Address) bool {
	key := from.Bare()
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Forget addresses idle long enough for their bucket to be full again.
	for k, e := range l.entries {
		if now.Sub(e.seen) > l.idle {
			delete(l.entries, k)
		}
	}
	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}
