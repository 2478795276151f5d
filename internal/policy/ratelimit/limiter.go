// Package ratelimit gates outbound listing requests behind a global
// in-flight cap and a minimum inter-request delay.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/vision-catalog/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// MaxInFlight caps concurrent requests. Zero or less means no cap.
	MaxInFlight int
	// Delay is the minimum spacing between request starts. Zero disables it.
	Delay time.Duration
}

// Limiter is shared by every fetch of a crawl.
type Limiter struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	l := &Limiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	if cfg.MaxInFlight > 0 {
		l.sem = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	}
	if cfg.Delay > 0 {
		l.limiter = rate.NewLimiter(rate.Every(cfg.Delay), 1)
	}
	return l
}

// Acquire blocks until a slot and a token are available. The returned
// release must be called once the request finishes.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquire fetch slot: %w", err)
		}
	}
	release := func() {
		if l.sem != nil {
			l.sem.Release(1)
		}
	}

	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		release()
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	// Only waits that actually blocked are interesting.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return release, nil
}
