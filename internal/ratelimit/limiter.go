// internal/ratelimit/limiter.go
// Package ratelimit implements the per-caller fixed-window request limiter
// that guards token issuance.
//
// Each caller gets at most Limit admissions per Window. The window starts at the
// caller's first admitted request and is not sliding: when it ends the counter
// starts again from zero.
package ratelimit

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultLimit is the number of admissions per window.
	DefaultLimit = 10
	// DefaultWindow is the window length.
	DefaultWindow = 60 * time.Second
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// RealClock uses time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time     // End of the caller's current window
	ResetIn   time.Duration // ResetAt minus the decision time
}

// RetryAfterSeconds is the Retry-After hint for a rejected decision: the time
// left in the window rounded up to whole seconds, never less than one.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.ResetIn.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter is implemented by the memory and Redis limiters.
type Limiter interface {
	// Check charges one request to identity and reports whether it is admitted.
	Check(ctx context.Context, identity string) (Decision, error)
}
