package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"content-orchestrator/internal/failure"
)

// Backoff is a bounded local retry with exponential delay and equal jitter.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Delay returns a duration in [w/2, w) where w = min(Base * 2^(attempt-1), Max).
func (b Backoff) Delay(attempt int) time.Duration {
	return backoffWithJitter(b.Base, b.Max, attempt)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn up to b.Attempts times, sleeping between failures. Data errors and
// cancellations stop the loop early. The last error is returned.
func (b Backoff) Do(ctx context.Context, sleep SleepFunc, fn func(ctx context.Context, attempt int) error) error {
	if sleep == nil {
		sleep = Sleep
	}
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		switch failure.KindOf(err) {
		case failure.KindData, failure.KindCancelled:
			return err
		}
		if attempt == attempts {
			break
		}
		if serr := sleep(ctx, b.Delay(attempt)); serr != nil {
			return err
		}
	}
	return err
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		attempt = 1
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && (exp >= float64(max) || wait > max) {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	return time.Duration(half + rand.Int64N(half))
}
