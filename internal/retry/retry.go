package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

func Seconds(seconds ...int) []time.Duration {
	times := make([]time.Duration, len(seconds))
	for i := range seconds {
		times[i] = time.Duration(seconds[i]) * time.Second
	}
	return times
}

// Intervals returns a backoff that waits for each of the given intervals in turn and stops once
// they are used up, so the worker is called len(intervals)+1 times at most.
func Intervals(intervals []time.Duration) backoff.BackOff {
	return &intervalBackOff{intervals: intervals}
}

type intervalBackOff struct {
	intervals []time.Duration
	next      int
}

func (b *intervalBackOff) NextBackOff() time.Duration {
	if b.next >= len(b.intervals) {
		return backoff.Stop
	}
	d := b.intervals[b.next]
	b.next++
	return d
}

func (b *intervalBackOff) Reset() {
	b.next = 0
}

// Exponential returns the backoff used for remote fetches. maxElapsed bounds the total time spent
// retrying.
func Exponential(maxElapsed time.Duration) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.RandomizationFactor = 0.3
	exp.Multiplier = 2
	exp.MaxElapsedTime = maxElapsed
	return exp
}

// Retry calls worker until it succeeds, the backoff stops or ctx is done. Errors wrapped with
// backoff.Permanent end the loop immediately.
func Retry(
	ctx context.Context,
	logger logr.Logger,
	policy backoff.BackOff,
	worker func() error,
) error {
	return backoff.RetryNotify(worker, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		logger.Error(err, "retrying after error", "backoff", next)
	})
}
