package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-orchestrator/internal/failure"
)

func defaultPolicy(max int) Policy {
	return Policy{MaxAttempts: max, CountsFirstAttempt: true}.Normalize()
}

func TestDelay(t *testing.T) {
	p := defaultPolicy(10)
	cases := map[int]time.Duration{
		1: 5 * time.Second,
		2: 10 * time.Second,
		3: 20 * time.Second,
		4: 40 * time.Second,
		6: 160 * time.Second,
		7: 300 * time.Second,
		9: 300 * time.Second,
	}
	for attempt, want := range cases {
		assert.Equal(t, want, p.Delay(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 300*time.Second, p.Delay(5000), "huge attempts stay capped")
}

func TestDecide_AlwaysFailingJob(t *testing.T) {
	p := defaultPolicy(3)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d1 := p.Decide(0, now)
	require.Equal(t, OutcomeRetry, d1.Outcome)
	assert.Equal(t, 1, d1.Attempt)
	assert.Equal(t, now.Add(5*time.Second), d1.NextAttemptAt)

	d2 := p.Decide(d1.Attempt, now)
	require.Equal(t, OutcomeRetry, d2.Outcome)
	assert.Equal(t, 2, d2.Attempt)
	assert.Equal(t, 10*time.Second, d2.Delay)

	d3 := p.Decide(d2.Attempt, now)
	assert.Equal(t, OutcomeDeadLetter, d3.Outcome)
	assert.Equal(t, 3, d3.Attempt)
	assert.True(t, d3.NextAttemptAt.IsZero())
}

func TestDecide_ClampsNonPositiveMax(t *testing.T) {
	for _, max := range []int{0, -4} {
		p := Policy{MaxAttempts: max, CountsFirstAttempt: true}.Normalize()
		assert.Equal(t, 1, p.MaxAttempts)
		assert.Equal(t, OutcomeDeadLetter, p.Decide(0, time.Now()).Outcome)
	}
}

func TestDecide_RetriesOnlyInterpretation(t *testing.T) {
	p := Policy{MaxAttempts: 2, CountsFirstAttempt: false}.Normalize()
	require.Equal(t, 3, p.TotalAttempts())
	assert.Equal(t, OutcomeRetry, p.Decide(0, time.Now()).Outcome)
	assert.Equal(t, OutcomeRetry, p.Decide(1, time.Now()).Outcome)
	assert.Equal(t, OutcomeDeadLetter, p.Decide(2, time.Now()).Outcome)
}

func TestWithMaxAttemptsKeepsDelays(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 4 * time.Second, CountsFirstAttempt: true}
	q := p.WithMaxAttempts(8)
	assert.Equal(t, 8, q.MaxAttempts)
	assert.Equal(t, 4*time.Second, q.Delay(6))
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	for i := 0; i < 50; i++ {
		b1 := backoffWithJitter(base, max, 1)
		if b1 < base/2 || b1 >= base {
			t.Fatalf("backoff out of range: %s", b1)
		}
		b5 := backoffWithJitter(base, max, 5)
		if b5 < max/2 || b5 >= max {
			t.Fatalf("backoff out of range for attempt 5: %s", b5)
		}
	}
}

func TestBackoffDo(t *testing.T) {
	noSleep := func(context.Context, time.Duration) error { return nil }
	b := Backoff{Attempts: 3, Base: time.Millisecond, Max: 10 * time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := b.Do(context.Background(), noSleep, func(context.Context, int) error {
			calls++
			if calls < 3 {
				return errors.New("503")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausts and returns last error", func(t *testing.T) {
		calls := 0
		err := b.Do(context.Background(), noSleep, func(_ context.Context, attempt int) error {
			calls++
			return errors.New("boom")
		})
		require.EqualError(t, err, "boom")
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on data errors", func(t *testing.T) {
		calls := 0
		err := b.Do(context.Background(), noSleep, func(context.Context, int) error {
			calls++
			return failure.Dataf("push", "document has no file")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
