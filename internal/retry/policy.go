// Package retry holds the job-level retry controller and the bounded, jittered retry
// loop used for external document pushes.
package retry

import (
	"math"
	"time"
)

// Default job-level backoff: 5s doubling per attempt, capped at five minutes.
const (
	DefaultBaseDelay = 5 * time.Second
	DefaultMaxDelay  = 300 * time.Second
)

// Outcome is what the controller decided for a failed attempt.
type Outcome int

const (
	OutcomeRetry Outcome = iota + 1
	OutcomeDeadLetter
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Policy configures the retry controller.
//
// MaxAttempts counts the first attempt when CountsFirstAttempt is set: MaxAttempts=3 means
// one run plus two retries. With CountsFirstAttempt unset, MaxAttempts is the number of
// retries after the first run.
type Policy struct {
	MaxAttempts        int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	CountsFirstAttempt bool
}

// Normalize clamps MaxAttempts to at least 1 and fills zero delays with the defaults.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// WithMaxAttempts returns a copy using n as MaxAttempts. Non-positive n is clamped to 1.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p.Normalize()
}

// TotalAttempts is the number of runs a job gets, first run included.
func (p Policy) TotalAttempts() int {
	p = p.Normalize()
	if p.CountsFirstAttempt {
		return p.MaxAttempts
	}
	return p.MaxAttempts + 1
}

// Delay returns min(BaseDelay * 2^(attempt-1), MaxDelay) for attempt >= 1.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.Normalize()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Decision is the single state transition the controller prescribes.
type Decision struct {
	Outcome       Outcome
	Attempt       int
	Delay         time.Duration
	NextAttemptAt time.Time
}

// Decide maps the attempts already made to retry-with-delay or dead-letter.
// It depends only on its arguments; now is passed in so callers control the clock.
func (p Policy) Decide(attemptCount int, now time.Time) Decision {
	if attemptCount < 0 {
		attemptCount = 0
	}
	attempt := attemptCount + 1
	if attempt >= p.TotalAttempts() {
		return Decision{Outcome: OutcomeDeadLetter, Attempt: attempt}
	}
	delay := p.Delay(attempt)
	return Decision{
		Outcome:       OutcomeRetry,
		Attempt:       attempt,
		Delay:         delay,
		NextAttemptAt: now.Add(delay),
	}
}
