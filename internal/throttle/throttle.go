// Package throttle provides a coalescing rate limiter for card updates.
// Chat platforms reject rapid message edits; the limiter collapses bursts
// of updates so only the newest pending one is delivered per interval.
package throttle

import (
	"sync"
	"time"
)

// DefaultInterval is the minimum gap between delivered updates.
const DefaultInterval = 1500 * time.Millisecond

// Limiter coalesces scheduled functions: the first call in a burst runs
// immediately, later calls within the interval overwrite a single pending
// slot and run when the interval elapses. Safe for concurrent use.
type Limiter struct {
	interval time.Duration

	mu       sync.Mutex
	lastSent time.Time
	pending  func()
	timer    *time.Timer
}

// NewLimiter creates a Limiter. A non-positive interval falls back to
// DefaultInterval.
func NewLimiter(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Limiter{interval: interval}
}

// Schedule runs fn immediately if the interval since the last delivery has
// elapsed; otherwise fn becomes the sole pending function, replacing any
// previously pending one, and fires when the interval is up.
func (l *Limiter) Schedule(fn func()) {
	l.mu.Lock()

	now := time.Now()
	if elapsed := now.Sub(l.lastSent); elapsed >= l.interval {
		l.lastSent = now
		l.mu.Unlock()
		fn()
		return
	}

	l.pending = fn
	if l.timer == nil {
		remaining := l.interval - now.Sub(l.lastSent)
		l.timer = time.AfterFunc(remaining, l.fire)
	}
	l.mu.Unlock()
}

// fire delivers the newest pending function, if any.
func (l *Limiter) fire() {
	l.mu.Lock()
	fn := l.pending
	l.pending = nil
	l.timer = nil
	if fn != nil {
		l.lastSent = time.Now()
	}
	l.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Flush runs the pending function immediately, if there is one.
func (l *Limiter) Flush() {
	l.mu.Lock()
	fn := l.pending
	l.pending = nil
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if fn != nil {
		l.lastSent = time.Now()
	}
	l.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Cancel drops the pending function and timer without running anything.
func (l *Limiter) Cancel() {
	l.mu.Lock()
	l.pending = nil
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()
}

// CancelAndWait cancels any pending function, then sleeps until a full
// interval has passed since the last delivery. A direct send issued right
// after CancelAndWait returns will not hit platform rate limits.
func (l *Limiter) CancelAndWait() {
	l.Cancel()

	l.mu.Lock()
	elapsed := time.Since(l.lastSent)
	l.mu.Unlock()

	if elapsed < l.interval {
		time.Sleep(l.interval - elapsed)
	}
}
