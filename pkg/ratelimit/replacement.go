package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"nodecore/pkg/utils"
)

// ReplacementRateLimiter caps how often non-final mempool transactions may
// be replaced: at most maxReplacements per period, with bursts up to the
// full allowance. A zero or negative configuration disables the limit.
type ReplacementRateLimiter struct {
	limiter *rate.Limiter
}

// NewReplacementRateLimiter creates a limiter allowing maxReplacements
// replacements per period.
func NewReplacementRateLimiter(maxReplacements int, period time.Duration) *ReplacementRateLimiter {
	if maxReplacements <= 0 || period <= 0 {
		return &ReplacementRateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &ReplacementRateLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(maxReplacements)/period.Seconds()), maxReplacements),
	}
}

// Allow consumes one replacement slot, returning RejectNone when permitted
// or RejectNonFinalReplaceRate once the configured rate is exceeded. The
// rejection is operational, never fatal: the caller reports it back up as a
// reject reason on the transaction.
func (r *ReplacementRateLimiter) Allow() utils.RejectReason {
	if r.limiter.Allow() {
		return utils.RejectNone
	}
	return utils.RejectNonFinalReplaceRate
}
