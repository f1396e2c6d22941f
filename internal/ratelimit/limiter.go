// Package ratelimit provides fixed-window rate limiting for turn entry and
// reasoning escalation.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures one limiter: a per-user window and a global window.
type Config struct {
	Enabled      bool
	UserLimit    int
	UserPeriod   time.Duration
	GlobalLimit  int
	GlobalPeriod time.Duration
}

type window struct {
	start time.Time
	count int
}

func (w *window) allow(limit int, period time.Duration, now time.Time) bool {
	if now.Sub(w.start) >= period {
		w.start = now
		w.count = 0
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

func (w *window) cooldown(limit int, period time.Duration, now time.Time) time.Duration {
	if now.Sub(w.start) >= period || w.count < limit {
		return 0
	}
	return w.start.Add(period).Sub(now)
}

// Limiter tracks fixed windows per user plus one global window. The global
// window is consulted first so a saturated instance rejects uniformly.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	users  map[string]*window
	global window

	now func() time.Time

	maxKeys int
}

// NewLimiter creates a limiter from the given configuration.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		users:   make(map[string]*window),
		now:     time.Now,
		maxKeys: 10000,
	}
}

// Allow reports whether the user may proceed, consuming one slot from both
// the global and the user window when it does.
func (l *Limiter) Allow(userID string) bool {
	if !l.cfg.Enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.global.allow(l.cfg.GlobalLimit, l.cfg.GlobalPeriod, now) {
		return false
	}
	return l.userWindow(userID).allow(l.cfg.UserLimit, l.cfg.UserPeriod, now)
}

// Cooldown returns how long the user must wait before Allow can succeed.
// Zero means no wait is required.
func (l *Limiter) Cooldown(userID string) time.Duration {
	if !l.cfg.Enabled {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	wait := l.global.cooldown(l.cfg.GlobalLimit, l.cfg.GlobalPeriod, now)
	if userWait := l.userWindow(userID).cooldown(l.cfg.UserLimit, l.cfg.UserPeriod, now); userWait > wait {
		wait = userWait
	}
	return wait
}

func (l *Limiter) userWindow(userID string) *window {
	w, ok := l.users[userID]
	if ok {
		return w
	}
	if len(l.users) >= l.maxKeys {
		l.prune()
	}
	w = &window{}
	l.users[userID] = w
	return w
}

// prune drops windows whose period has fully elapsed (must hold lock).
func (l *Limiter) prune() {
	now := l.now()
	for id, w := range l.users {
		if now.Sub(w.start) >= l.cfg.UserPeriod {
			delete(l.users, id)
		}
	}
}
