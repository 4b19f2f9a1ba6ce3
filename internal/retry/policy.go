// Package retry decides whether a failed item is retried or failed for good.
package retry

import (
	"math"
	"time"

	"github.com/JakeFAU/lead-enricher/internal/enrich"
)

// Policy implements exponential backoff over a bounded number of attempts.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps the computed delay; zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy returns three retries starting at thirty seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  30 * time.Second,
	}
}

// Decision is the new item state after a failure.
type Decision struct {
	Status       enrich.ItemStatus
	AttemptCount int
	NextRetryAt  *time.Time
	ErrorMessage string
}

// Retry reports whether the item was scheduled for another attempt.
func (d Decision) Retry() bool { return d.Status == enrich.ItemStatusRetrying }

// Decide maps a failure on an item that has already been retried attemptCount
// times to either a scheduled retry or a terminal failure.
func (p Policy) Decide(err error, attemptCount int, now time.Time) Decision {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if enrich.IsTerminal(err) || attemptCount >= p.MaxRetries {
		return Decision{
			Status:       enrich.ItemStatusFailed,
			AttemptCount: attemptCount,
			ErrorMessage: msg,
		}
	}
	next := now.Add(p.Backoff(attemptCount))
	return Decision{
		Status:       enrich.ItemStatusRetrying,
		AttemptCount: attemptCount + 1,
		NextRetryAt:  &next,
		ErrorMessage: msg,
	}
}

// Backoff returns base × 2^attemptCount, capped at MaxDelay when set.
func (p Policy) Backoff(attemptCount int) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attemptCount))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
