package ws

import (
	"sync"
	"time"
)

const (
	// maxAuthFailures is the lockout threshold per client address.
	maxAuthFailures = 5
	// failureWindow is the sliding lockout window.
	failureWindow = 60 * time.Second
)

// FailureLimiter locks out client addresses that fail authentication
// repeatedly. It is an owned concurrent-safe collection, not a global:
// the gateway holds exactly one.
type FailureLimiter struct {
	mu      sync.Mutex
	entries map[string]*failureEntry
	max     int
	window  time.Duration
	now     func() time.Time
}

type failureEntry struct {
	count       int
	windowStart time.Time
}

// NewFailureLimiter constructs a limiter with the default thresholds.
func NewFailureLimiter() *FailureLimiter {
	return &FailureLimiter{
		entries: make(map[string]*failureEntry),
		max:     maxAuthFailures,
		window:  failureWindow,
		now:     time.Now,
	}
}

// Locked reports whether the address is currently locked out. An entry
// whose window has elapsed resets automatically.
func (l *FailureLimiter) Locked(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[addr]
	if !ok {
		return false
	}
	if l.now().Sub(entry.windowStart) > l.window {
		delete(l.entries, addr)
		return false
	}
	return entry.count >= l.max
}

// RecordFailure counts one authentication failure for the address.
func (l *FailureLimiter) RecordFailure(addr string) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[addr]
	if !ok || now.Sub(entry.windowStart) > l.window {
		l.entries[addr] = &failureEntry{count: 1, windowStart: now}
		return
	}
	entry.count++
}

// Reset clears the address after a successful authentication.
func (l *FailureLimiter) Reset(addr string) {
	l.mu.Lock()
	delete(l.entries, addr)
	l.mu.Unlock()
}
