package access

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// staleLimiterTTL is how long a per-subscriber limiter can be idle before eviction.
	staleLimiterTTL = 10 * time.Minute

	// sweepInterval is how often Allow sweeps stale entries.
	sweepInterval = time.Minute
)

// Action names a rate limited command
type Action string

const (
	ActionSubscribe      Action = "subscribe"
	ActionUnsubscribe    Action = "unsubscribe"
	ActionList           Action = "list"
	ActionQueryLTV       Action = "ltv"
	ActionListOperators  Action = "operators"
	ActionAddOperator    Action = "addop"
	ActionRemoveOperator Action = "rmop"
	ActionDeleteAddress  Action = "deladdr"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter allows one action per window per (subscriber, action) and rejects the excess.
// Rejected calls are not queued.
type RateLimiter struct {
	window time.Duration

	mu        sync.Mutex
	limiters  map[string]*limiterEntry // key: "subscriber|action"
	lastSweep time.Time
	nowFunc   func() time.Time // injectable clock for testing
}

// NewRateLimiter creates a limiter with the given window. A window <= 0 disables limiting.
func NewRateLimiter(window time.Duration) *RateLimiter {
	return &RateLimiter{
		window:   window,
		limiters: make(map[string]*limiterEntry),
		nowFunc:  time.Now,
	}
}

// Allow reports whether subscriberID may perform action now
func (rl *RateLimiter) Allow(subscriberID string, action Action) bool {
	if rl.window <= 0 {
		return true
	}

	now := rl.nowFunc()
	key := subscriberID + "|" + string(action)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= sweepInterval {
		rl.evictStaleLocked(now)
		rl.lastSweep = now
	}

	entry, ok := rl.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Every(rl.window), 1)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// LimiterCount returns the number of active limiter entries
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) evictStaleLocked(now time.Time) {
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > staleLimiterTTL {
			delete(rl.limiters, key)
		}
	}
}
