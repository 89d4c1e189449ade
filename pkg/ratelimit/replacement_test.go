package ratelimit

import (
	"testing"
	"time"

	"nodecore/pkg/utils"
)

func TestReplacementRateLimiterAllowsUpToBurst(t *testing.T) {
	r := NewReplacementRateLimiter(2, time.Hour)

	if got := r.Allow(); got != utils.RejectNone {
		t.Fatalf("first Allow() = %q, want no rejection", got)
	}
	if got := r.Allow(); got != utils.RejectNone {
		t.Fatalf("second Allow() = %q, want no rejection", got)
	}
	if got := r.Allow(); got != utils.RejectNonFinalReplaceRate {
		t.Fatalf("third Allow() = %q, want %q", got, utils.RejectNonFinalReplaceRate)
	}
}

func TestReplacementRateLimiterZeroConfigDisablesLimit(t *testing.T) {
	r := NewReplacementRateLimiter(0, time.Hour)
	for i := 0; i < 100; i++ {
		if got := r.Allow(); got != utils.RejectNone {
			t.Fatalf("Allow() with no limit configured = %q on call %d", got, i)
		}
	}
}
