// Package server implements per-connection throttling that protects the
// relay from abuse.
package server

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// rateLimiter is a token bucket of burst tokens refilled over interval. The
// clock is injected so tests can drive refills.
type rateLimiter struct {
	limiter *rate.Limiter
	clock   clock.Clock
}

func newRateLimiter(burst int, interval time.Duration, clk clock.Clock) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	if clk == nil {
		clk = clock.New()
	}

	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(burst)/interval.Seconds()), burst),
		clock:   clk,
	}
}

// allow takes a token if one is available.
func (rl *rateLimiter) allow() bool {
	return rl.limiter.AllowN(rl.clock.Now(), 1)
}

// wait takes a token, blocking until one is available or ctx is done. A
// cancelled wait gives its reservation back.
func (rl *rateLimiter) wait(ctx context.Context) error {
	now := rl.clock.Now()
	r := rl.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	timer := rl.clock.Timer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.CancelAt(rl.clock.Now())
		return ctx.Err()
	}
}
