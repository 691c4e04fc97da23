package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Policy configures a sliding-window rate budget. Ceiling actions are allowed
// within Window; when MinInterval is non-zero, consecutive actions in a scope
// must additionally be spaced at least that far apart.
type Policy struct {
	Window      time.Duration
	Ceiling     int
	MinInterval time.Duration
}

// Limiter tracks accepted action timestamps per scope key. The empty scope
// key serves as a single global budget; per-user limiting uses the user id as
// the scope. TryAcquire never blocks; backoff is the caller's responsibility.
type Limiter struct {
	mu     sync.Mutex
	policy Policy
	scopes map[string][]time.Time
	logger *zap.Logger
	now    func() time.Time
}

func New(policy Policy, logger *zap.Logger) *Limiter {
	return &Limiter{
		policy: policy,
		scopes: make(map[string][]time.Time),
		logger: logger,
		now:    time.Now,
	}
}

// TryAcquire reports whether an action is allowed in the given scope right
// now, and records it if so.
func (l *Limiter) TryAcquire(scope string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.prune(scope, now)

	if len(recent) >= l.policy.Ceiling {
		l.logger.Warn("Rate window full",
			zap.String("scope", scope),
			zap.Int("ceiling", l.policy.Ceiling),
			zap.Duration("window", l.policy.Window))
		return false
	}

	if l.policy.MinInterval > 0 && len(recent) > 0 {
		last := recent[len(recent)-1]
		if now.Sub(last) < l.policy.MinInterval {
			l.logger.Info("Minimum interval not met",
				zap.String("scope", scope),
				zap.Duration("since_last", now.Sub(last)),
				zap.Duration("min_interval", l.policy.MinInterval))
			return false
		}
	}

	l.scopes[scope] = append(recent, now)
	return true
}

// Occupancy returns the number of actions still inside the window for a scope.
func (l *Limiter) Occupancy(scope string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(scope, l.now()))
}

// prune drops timestamps older than the window and stores the result.
// Caller must hold the lock.
func (l *Limiter) prune(scope string, now time.Time) []time.Time {
	cutoff := now.Add(-l.policy.Window)
	stamps := l.scopes[scope]

	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(l.scopes, scope)
		return nil
	}
	l.scopes[scope] = kept
	return kept
}
