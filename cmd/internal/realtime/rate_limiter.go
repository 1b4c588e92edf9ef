package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter bounds inbound events per connection: bursts of up to limit,
// refilled evenly over window.
type RateLimiter struct {
	lim    *rate.Limiter
	limit  int
	window time.Duration
}

// NewRateLimiter falls back to the package defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		lim:    rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at now is permitted.
func (r *RateLimiter) Allow(now time.Time) bool { return r.lim.AllowN(now, 1) }
