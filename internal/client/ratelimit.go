package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimiter enforces a sliding per-window request-weight budget against a
// venue API. The local counter is an estimate; the venue's usage header is
// authoritative and is adopted through Reconcile whenever it reports more.
type RateLimiter struct {
	budget    int
	window    time.Duration
	threshold float64

	mu          sync.Mutex
	windowStart time.Time
	used        int

	logger *zap.Logger

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter that blocks once usage would cross
// threshold*budget within the current window.
func NewRateLimiter(budget int, window time.Duration, threshold float64, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		budget:    budget,
		window:    window,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until weight can be spent without crossing the block threshold,
// then records the spend. A request heavier than the threshold is admitted
// alone at a window start so it cannot deadlock the caller; one heavier than
// the whole window budget can never be admitted and is rejected outright.
func (rl *RateLimiter) Wait(ctx context.Context, weight int) error {
	if weight > rl.budget {
		return fmt.Errorf("request weight %d exceeds window budget %d", weight, rl.budget)
	}
	for {
		rl.mu.Lock()
		now := rl.now()
		if rl.windowStart.IsZero() || now.Sub(rl.windowStart) >= rl.window {
			rl.windowStart = now
			rl.used = 0
		}
		limit := int(float64(rl.budget) * rl.threshold)
		if rl.used+weight <= limit || rl.used == 0 {
			rl.used += weight
			rl.mu.Unlock()
			return nil
		}
		wait := rl.window - now.Sub(rl.windowStart)
		rl.mu.Unlock()

		rl.logger.Warn("Rate limit threshold reached, waiting for window reset",
			zap.Int("used", rl.Used()),
			zap.Int("budget", rl.budget),
			zap.Duration("wait", wait))

		if err := rl.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Reconcile adopts the venue-reported usage for the current window when it
// exceeds the local estimate. Lower server values are ignored: the header may
// come from a different edge node with a stale view.
func (rl *RateLimiter) Reconcile(serverUsed int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if serverUsed > rl.used {
		rl.used = serverUsed
	}
}

// Used returns the weight spent in the current window.
func (rl *RateLimiter) Used() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if rl.windowStart.IsZero() || now.Sub(rl.windowStart) >= rl.window {
		return 0
	}
	return rl.used
}
