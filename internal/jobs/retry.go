package jobs

import "time"

// RetryPolicy decides whether a job may run again after a retry-requested
// attempt and how long it waits first. retries is the number of attempts made
// so far, including the one that just asked for a retry.
type RetryPolicy interface {
	ShouldRetry(retries int) bool
	NextDelay(retries int) time.Duration
}

// NoRetry treats every failure as permanent.
type NoRetry struct{}

func (NoRetry) ShouldRetry(int) bool { return false }

func (NoRetry) NextDelay(int) time.Duration { return 0 }

// CountLimited retries while fewer than Max attempts were made, waiting
// Period between attempts.
type CountLimited struct {
	Max    int
	Period time.Duration
}

func (p CountLimited) ShouldRetry(retries int) bool { return retries < p.Max }

func (p CountLimited) NextDelay(int) time.Duration { return p.Period }

// ExponentialBackoff doubles the delay from Min on every attempt, capped at
// Max. It never gives up.
type ExponentialBackoff struct {
	Min time.Duration
	Max time.Duration
}

func (p ExponentialBackoff) ShouldRetry(int) bool { return true }

func (p ExponentialBackoff) NextDelay(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	d := p.Min
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= p.Max || d <= 0 {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Default retry bounds for jobs that do not override RetryPolicy.
const (
	DefaultRetryMin = 10 * time.Second
	DefaultRetryMax = 3 * time.Hour
)

// DefaultRetryPolicy is unbounded exponential backoff from 10s to 3h, suited to
// transient failures of remote nodes.
func DefaultRetryPolicy() RetryPolicy {
	return ExponentialBackoff{Min: DefaultRetryMin, Max: DefaultRetryMax}
}
