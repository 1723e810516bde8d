// Package testutils provides shared test helpers.
package testutils

import (
	"context"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
)

// Timers records the duration of every timer set on a test clock.
type Timers struct {
	mu        sync.Mutex
	durations []time.Duration
}

func (t *Timers) add(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.durations = append(t.durations, d)
}

// Durations returns the recorded durations in the order the timers were set.
func (t *Timers) Durations() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Duration, len(t.durations))
	copy(out, t.durations)
	return out
}

// UseTime installs a test clock set to now into ctx. Every timer set on the
// clock moves it forward by the timer duration, so sleeps return at once.
func UseTime(ctx context.Context, now time.Time) (context.Context, testclock.TestClock, *Timers) {
	ctx, tc := testclock.UseTime(ctx, now)
	timers := &Timers{}
	tc.SetTimerCallback(func(d time.Duration, _ clock.Timer) {
		timers.add(d)
		if d > 0 {
			tc.Add(d)
		}
	})
	return ctx, tc, timers
}
