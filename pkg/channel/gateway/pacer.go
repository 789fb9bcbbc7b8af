package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/roomsync/platform/pkg/common/models"
	"golang.org/x/time/rate"
)

// pacer keeps one token-bucket limiter and the last credit snapshot per
// connection.
type pacer struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	snapshots map[string]creditSnapshot
	rate      rate.Limit
	burst     int
}

type creditSnapshot struct {
	remaining int
	resetAt   time.Time
}

func newPacer(rps float64, burst int) *pacer {
	if burst <= 0 {
		burst = 1
	}
	return &pacer{
		limiters:  make(map[string]*rate.Limiter),
		snapshots: make(map[string]creditSnapshot),
		rate:      rate.Limit(rps),
		burst:     burst,
	}
}

// wait blocks until the connection's limiter admits one request. A zero
// rate disables pacing.
func (p *pacer) wait(ctx context.Context, connectionID string) error {
	if p.rate <= 0 {
		return nil
	}
	p.mu.Lock()
	limiter, ok := p.limiters[connectionID]
	if !ok {
		limiter = rate.NewLimiter(p.rate, p.burst)
		p.limiters[connectionID] = limiter
	}
	p.mu.Unlock()
	return limiter.Wait(ctx)
}

func (p *pacer) observe(connectionID string, rl models.RateLimit, now time.Time) {
	if !rl.RemainingKnown {
		return
	}
	p.mu.Lock()
	p.snapshots[connectionID] = creditSnapshot{
		remaining: rl.CreditsRemaining,
		resetAt:   now.Add(time.Duration(rl.CreditsResetInSeconds) * time.Second),
	}
	p.mu.Unlock()
}

// creditWait returns how long to hold back a call so the connection does
// not dip below reserve credits.
func (p *pacer) creditWait(connectionID string, reserve int, now time.Time) time.Duration {
	p.mu.Lock()
	snap, ok := p.snapshots[connectionID]
	p.mu.Unlock()
	if !ok || snap.remaining > reserve || !snap.resetAt.After(now) {
		return 0
	}
	return snap.resetAt.Sub(now)
}
