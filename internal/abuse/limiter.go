// Package abuse hosts the layered abuse controls applied in front of the
// privileged API: fixed-window request limiters and the suspicious-pattern
// detector.
package abuse

import (
	"sync"
	"time"
)

// Limiter is a fixed-window counter keyed by an arbitrary string, normally a
// client IP. All limiter instances share this one implementation and differ
// only in (window, max). State is in-process and resets on restart, which is
// acceptable for an anti-abuse control; no cross-window carryover exists.
type Limiter struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

// NewLimiter creates a limiter allowing max hits per key within each fixed
// window.
func NewLimiter(windowLen time.Duration, max int) *Limiter {
	return &Limiter{
		window:  windowLen,
		max:     max,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// SetClock overrides the time source. Only intended for test use.
func (l *Limiter) SetClock(fn func() time.Time) {
	if fn != nil {
		l.now = fn
	}
}

// Allow records a hit for key and reports whether it fits in the current
// window. Used where every request consumes budget.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.current(key)
	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

// Blocked reports whether key has exhausted the current window without
// consuming budget. Used by the login limiter, which counts only failures:
// check Blocked first, call Hit after a failed attempt.
func (l *Limiter) Blocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current(key).count >= l.max
}

// Hit records one hit for key without checking the budget.
func (l *Limiter) Hit(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current(key).count++
}

// RetryAfter returns the time remaining in the current window for key.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.current(key)
	remaining := w.start.Add(l.window).Sub(l.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// current returns the live window for key, rotating expired ones and
// sweeping stale entries opportunistically. Caller holds l.mu.
func (l *Limiter) current(key string) *window {
	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		if len(l.windows) > 10000 {
			l.sweep(now)
		}
		w = &window{start: now}
		l.windows[key] = w
	}
	return w
}

func (l *Limiter) sweep(now time.Time) {
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, k)
		}
	}
}
