package http

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// frameLimiter caps inbound frames per connection per minute. A limit of
// zero or less disables the cap.
type frameLimiter struct {
	mu      sync.Mutex
	limit   int
	counter int
}

func newFrameLimiter(limit int) *frameLimiter {
	return &frameLimiter{limit: limit}
}

func (l *frameLimiter) allow() bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter++
	return l.counter <= l.limit
}

// startReset clears the counter every minute until ctx is cancelled.
func (l *frameLimiter) startReset(ctx context.Context, clock clockwork.Clock) {
	if l == nil || l.limit <= 0 {
		return
	}
	go func() {
		ticker := clock.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				l.mu.Lock()
				l.counter = 0
				l.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
}
