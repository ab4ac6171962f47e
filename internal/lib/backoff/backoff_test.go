package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelay(t *testing.T) {
	b := NewExponentialBackoff(100*time.Millisecond, time.Second)

	assert.Equal(t, 100*time.Millisecond, b.NextDelay(0))

	d := b.NextDelay(1)
	assert.InDelta(t, float64(200*time.Millisecond), float64(d), float64(20*time.Millisecond))

	for attempt := 5; attempt < 50; attempt++ {
		assert.LessOrEqual(t, b.NextDelay(attempt), time.Second)
	}
}

func TestWaitCancelled(t *testing.T) {
	b := NewExponentialBackoff(time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := b.Wait(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
