package pairing

import (
	"sync"
	"time"
)

const (
	claimWindow      = time.Minute
	maxClaimAttempts = 5
)

type attemptWindow struct {
	count       int
	windowStart time.Time
}

// claimLimiter is a fixed-window counter per claim source. An expired
// window is replaced outright rather than decayed, so once the minute is
// up a source gets its full allowance back at once.
type claimLimiter struct {
	mu      sync.Mutex
	windows map[string]*attemptWindow
	now     func() time.Time
}

func newClaimLimiter(now func() time.Time) *claimLimiter {
	return &claimLimiter{
		windows: make(map[string]*attemptWindow),
		now:     now,
	}
}

// allow records one claim attempt from sourceID and reports whether it is
// within the per-window allowance.
func (l *claimLimiter) allow(sourceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windows[sourceID]
	if w == nil || now.Sub(w.windowStart) > claimWindow {
		l.windows[sourceID] = &attemptWindow{count: 1, windowStart: now}
		return true
	}

	w.count++
	return w.count <= maxClaimAttempts
}

func (l *claimLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, w := range l.windows {
		if now.Sub(w.windowStart) > claimWindow {
			delete(l.windows, id)
		}
	}
}
