// Package backoff holds retry policies shared by the storage lock and the HTTP clients.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"go.chromium.org/luci/common/retry"
)

// Jittered waits Delay plus a random share of Spread between attempts and
// gives up after Retries retries.
type Jittered struct {
	retry.Limited

	Spread time.Duration
	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// Next implements retry.Iterator.
func (j *Jittered) Next(ctx context.Context, err error) time.Duration {
	d := j.Limited.Next(ctx, err)
	if d == retry.Stop {
		return d
	}
	r := j.Rand
	if r == nil {
		r = rand.Float64
	}
	return d + time.Duration(r()*float64(j.Spread))
}

// Attempts builds a factory for a policy that makes at most attempts calls in total.
func Attempts(attempts int, delay, spread time.Duration, rnd func() float64) retry.Factory {
	retries := attempts - 1
	if retries < 0 {
		// a negative Retries means unlimited to retry.Limited
		retries = 0
	}
	return func() retry.Iterator {
		return &Jittered{
			Limited: retry.Limited{
				Delay:   delay,
				Retries: retries,
			},
			Spread: spread,
			Rand:   rnd,
		}
	}
}
