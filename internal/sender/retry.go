package sender

import "time"

const (
	// Unlimited as MaxRetries retries transient failures forever.
	Unlimited = -1

	// Exponential as RetryInterval selects doubling backoff.
	Exponential time.Duration = -1

	// InitialBackoff and MaxBackoff bound the exponential schedule.
	InitialBackoff = time.Second
	MaxBackoff     = 60 * time.Second
)

// Policy decides whether and when a failed batch is retried.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt;
	// Unlimited retries forever.
	MaxRetries int
	// RetryInterval > 0 is a fixed delay; otherwise delays start at
	// InitialBackoff and double up to MaxBackoff.
	RetryInterval time.Duration
}

// RetryState is the per-batch retry position.
type RetryState struct {
	// Attempt is the number of requests made so far.
	Attempt int
	// NextDelay is the wait before the next request.
	NextDelay time.Duration
}

// Next returns the state after a failed attempt, or false when the batch
// must be dropped.
func (p Policy) Next(s RetryState) (RetryState, bool) {
	retries := s.Attempt - 1
	if p.MaxRetries >= 0 && retries >= p.MaxRetries {
		return s, false
	}
	next := RetryState{Attempt: s.Attempt}
	switch {
	case p.RetryInterval > 0:
		next.NextDelay = p.RetryInterval
	case s.NextDelay <= 0:
		next.NextDelay = InitialBackoff
	default:
		next.NextDelay = min(s.NextDelay*2, MaxBackoff)
	}
	return next, true
}
