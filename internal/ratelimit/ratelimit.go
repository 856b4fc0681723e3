// Package ratelimit provides a sliding-window rate limiter for sandbox
// executions. Each key tracks the timestamps of its recent events; events
// older than the window are pruned lazily on the next check.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when a key has exhausted its window capacity.
var ErrRateLimited = errors.New("rate limit exceeded")

// Window is the sliding interval over which events are counted.
const Window = time.Minute

// Limiter counts events per key over a sliding window.
type Limiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	now    func() time.Time // injectable clock for tests
}

// New creates a Limiter.
func New() *Limiter {
	return &Limiter{
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records one event for key if fewer than limit events occurred in
// the last minute, or returns ErrRateLimited without recording.
// A non-positive limit disables limiting for the key.
func (l *Limiter) Allow(key string, limit int) error {
	if limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-Window)

	kept := l.events[key][:0]
	for _, ts := range l.events[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		l.events[key] = kept
		return fmt.Errorf("%w: %d executions in the last minute (limit %d)", ErrRateLimited, len(kept), limit)
	}

	l.events[key] = append(kept, now)
	return nil
}

// Forget drops all recorded events for key.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, key)
}
