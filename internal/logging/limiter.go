package logging

import (
	"sync"
	"time"
)

// Limiter collapses repeated log lines for the same key to at most one
// per interval, so a dead endpoint doesn't flood the log.
type Limiter struct {
	mu    sync.Mutex
	every time.Duration
	last  map[string]time.Time
}

func NewLimiter(every time.Duration) *Limiter {
	return &Limiter{every: every, last: map[string]time.Time{}}
}

// Allow reports whether a line for key should be emitted now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.every {
		return false
	}
	l.last[key] = now
	return true
}
