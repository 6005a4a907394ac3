package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long a caller's limiter is kept after its last request.
const limiterIdle = 10 * time.Minute

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client IP, so a single caller
// cannot exhaust the budget of others. Idle buckets are pruned.
type ipLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	entries   map[string]*ipEntry
	lastPrune time.Time
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*ipEntry),
	}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) >= limiterIdle {
		for key, e := range l.entries {
			if now.Sub(e.lastSeen) >= limiterIdle {
				delete(l.entries, key)
			}
		}

		l.lastPrune = now
	}

	e, ok := l.entries[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = e
	}

	e.lastSeen = now

	return e.limiter.AllowN(now, 1)
}

func (l *ipLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}
