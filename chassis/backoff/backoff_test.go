package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.chromium.org/luci/common/retry"
)

func TestJitteredStopsAfterRetries(t *testing.T) {
	it := Attempts(3, 500*time.Millisecond, time.Second, func() float64 { return 0.25 })()
	ctx := context.Background()
	boom := errors.New("boom")

	assert.Equal(t, 750*time.Millisecond, it.Next(ctx, boom))
	assert.Equal(t, 750*time.Millisecond, it.Next(ctx, boom))
	assert.Equal(t, retry.Stop, it.Next(ctx, boom))
}

func TestJitteredSingleAttempt(t *testing.T) {
	it := Attempts(1, time.Second, time.Second, nil)()
	assert.Equal(t, retry.Stop, it.Next(context.Background(), errors.New("boom")))
}

func TestJitteredDefaultRandWithinSpread(t *testing.T) {
	it := Attempts(100, 5*time.Second, 5*time.Second, nil)()
	for i := 0; i < 50; i++ {
		d := it.Next(context.Background(), errors.New("boom"))
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.Less(t, d, 10*time.Second)
	}
}
