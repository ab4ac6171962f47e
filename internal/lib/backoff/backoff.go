package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// ExponentialBackoff computes jittered reconnect and retry delays.
// The delay for attempt n is InitialDelay * Multiplier^n, capped at MaxDelay.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

func NewExponentialBackoff(initial, max time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.InitialDelay
	}

	base := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt))
	if math.IsInf(base, 0) || base > float64(b.MaxDelay) {
		base = float64(b.MaxDelay)
	}

	delay := time.Duration(base + base*b.Jitter*(2*rand.Float64()-1))
	if delay > b.MaxDelay {
		return b.MaxDelay
	}
	if delay < 0 {
		return 0
	}
	return delay
}

// Wait sleeps for the delay of the given attempt or until ctx is done.
func (b *ExponentialBackoff) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.NextDelay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
