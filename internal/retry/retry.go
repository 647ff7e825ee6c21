// Package retry wraps github.com/jpillora/backoff for the exponential
// backoff loops used by target discovery (spec.md §4.E) and replay
// (spec.md §4.G). The corpus already reaches for jpillora/backoff for
// this shape of retry (seen in the dolthub-dolt go.mod); this package is a
// thin, domain-specific helper over it rather than a hand-rolled loop.
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Policy configures a bounded retry loop.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// Do calls fn up to p.MaxAttempts times, sleeping with exponential backoff
// between attempts, until fn returns a nil error, ctx is cancelled, or
// attempts are exhausted. shouldRetry, if non-nil, is consulted on each
// failure to decide whether another attempt should be made at all
// (e.g. spec.md §4.G: "do not retry on 4xx").
func Do(ctx context.Context, p Policy, shouldRetry func(error) bool, fn func(attempt int) error) error {
	b := &backoff.Backoff{
		Min:    p.BaseDelay,
		Max:    p.MaxDelay,
		Jitter: p.Jitter,
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		// A zero BaseDelay means no wait between attempts; backoff.Backoff
		// would otherwise substitute its own 100ms minimum.
		var delay time.Duration
		if p.BaseDelay > 0 {
			delay = b.Duration()
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
