package svccore

import (
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
)

// RetryPolicy describes how many times and how often a deferred task is tried.
type RetryPolicy struct {
	// Attempts is the maximum number of tries, the first run included.
	Attempts int

	// Initial is the first backoff duration.
	Initial time.Duration

	// Max is the cap for backoff duration. When Max is not greater than
	// Initial the backoff is fixed at Initial.
	Max time.Duration
}

// GetDefaultRP returns a pointer to the default retry policy.
func GetDefaultRP() *RetryPolicy {
	rp := RetryPolicy{
		Attempts: defaultAttempts,
		Initial:  defaultInitialRetry,
		Max:      defaultMaxRetry,
	}
	return &rp
}

// FixedRetry is a policy of retries re-runs spaced by a constant timeout.
func FixedRetry(retries int, timeout time.Duration) RetryPolicy {
	return RetryPolicy{Attempts: retries + 1, Initial: timeout, Max: timeout}
}

// merge overrides the non-zero fields of def with p.
func (p *RetryPolicy) merge(def RetryPolicy) RetryPolicy {
	pol := def
	if p == nil {
		return pol
	}
	if p.Attempts > 0 {
		pol.Attempts = p.Attempts
	}
	if p.Initial > 0 {
		pol.Initial = p.Initial
	}
	if p.Max > 0 {
		pol.Max = p.Max
	}
	return pol
}

// delays returns the generator of the waits between attempts.
func (p RetryPolicy) delays() func() time.Duration {
	if p.Max <= p.Initial {
		d := p.Initial
		return func() time.Duration { return d }
	}
	bo := boff.New(p.Initial, p.Max, time.Now().UnixNano())
	return func() time.Duration { return bo.Next() }
}
