// Package ratelimit provides the simple token-bucket primitive spec'd as
// the one rate-limiting utility in scope (spec.md §1 non-goals: "beyond a
// simple token bucket utility"). It is a thin, concurrency-safe wrapper
// around golang.org/x/time/rate, grounded on the same dependency as
// mk6i-retro-aim-server in the retrieval pack.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket with a fixed capacity and refill rate.
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket creates a bucket holding capacity tokens, refilled at
// refillPerSecond tokens/second.
func NewBucket(capacity int, refillPerSecond float64) *Bucket {
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
	}
}

// Allow reports whether tokensNeeded tokens are available right now,
// consuming them if so. It never blocks.
func (b *Bucket) Allow(tokensNeeded int) bool {
	return b.limiter.AllowN(time.Now(), tokensNeeded)
}
