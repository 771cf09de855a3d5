package executor

import (
	"sync"
	"time"
)

// statusThrottle rate-limits routine status updates so a chatty run does not
// flood the caller. Important updates always pass and reset the window.
type statusThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	fn       func(message string, important bool)
}

func newStatusThrottle(interval time.Duration, fn func(string, bool)) *statusThrottle {
	return &statusThrottle{interval: interval, fn: fn}
}

// Send forwards the update unless a routine update was already forwarded
// within the throttle window.
func (t *statusThrottle) Send(message string, important bool) {
	if t.fn == nil {
		return
	}

	t.mu.Lock()
	now := time.Now()
	if !important && now.Sub(t.last) < t.interval {
		t.mu.Unlock()
		return
	}
	t.last = now
	t.mu.Unlock()

	t.fn(message, important)
}
