package daemon

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff produces exponentially growing delays with jitter, capped at Max.
type Backoff struct {
	Base      time.Duration
	Max       time.Duration
	JitterPct float64       // e.g. 0.25 for 25% jitter
}

// DefaultBackoff starts at 50ms and caps at one second with 25% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:      50 * time.Millisecond,
		Max:       time.Second,
		JitterPct: 0.25,
	}
}

// Delay returns the wait before the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt && (b.Max <= 0 || delay < b.Max); i++ {
		delay *= 2
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	jitter := time.Duration(float64(delay) * rand.Float64() * b.JitterPct)
	return delay + jitter
}

// waitUntil calls check until it reports ready, fails, or ctx ends.
func waitUntil(ctx context.Context, b Backoff, check func(context.Context) (bool, error)) error {
	return waitUntilInternal(ctx, b, check, sleepCtx)
}

func waitUntilInternal(ctx context.Context, b Backoff, check func(context.Context) (bool, error), sleepFn func(context.Context, time.Duration) error) error {
	for attempt := 1; ; attempt++ {
		ready, err := check(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if err := sleepFn(ctx, b.Delay(attempt)); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
