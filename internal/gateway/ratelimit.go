package gateway

import "golang.org/x/time/rate"

// RateLimiter is a gateway-wide requests-per-minute admission check.
// rpm <= 0 disables it.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter at the given RPM with a small burst.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if rpm <= 0 {
		return &RateLimiter{}
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.limiter != nil }

// Allow reports whether one more request may proceed now.
func (r *RateLimiter) Allow() bool {
	if r.limiter == nil {
		return true
	}
	return r.limiter.Allow()
}
