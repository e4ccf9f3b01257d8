// Package ratelimit throttles message attempts per authenticated account.
//
// The window is shared by every session of the same account: two connections
// from one wallet draw on one budget. Anonymous traffic never reaches the
// limiter; it is rejected at the dispatch boundary.
package ratelimit

import (
	"sync"
	"time"

	"ethshot-chat/errors"
)

// Limiter is a sliding-window counter. Entries are pruned on every check so
// a window never holds more than limit timestamps.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	windows map[string][]time.Time
}

func NewLimiter(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
}

// WithClock replaces the time source. Test hook only.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Admit prunes entries older than the window, rejects when the remaining
// count has reached the limit, and otherwise records the attempt.
// Safe for concurrent use by multiple sessions of the same account.
func (l *Limiter) Admit(account string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	entries := l.windows[account]
	pruned := entries[:0]
	for _, t := range entries {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= l.limit {
		l.windows[account] = pruned
		return errors.ErrRateLimited
	}

	l.windows[account] = append(pruned, now)
	return nil
}

// Forget drops the account's window. Called when the account's last session
// disconnects; a reconnect starts a fresh window.
func (l *Limiter) Forget(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, account)
}

// Pending returns the current entry count after pruning. Used by tests and
// the health surface.
func (l *Limiter) Pending(account string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	count := 0
	for _, t := range l.windows[account] {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}
