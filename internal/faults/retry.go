package faults

import (
	"context"
	"math/rand/v2"
	"time"
)

// Options hooks the retry driver back to its caller. Both callbacks are
// optional.
type Options struct {
	// OnError is invoked after every failed attempt with the 1-based
	// attempt number and the failure's classification.
	OnError func(attempt int, details Details, err error)
	// OnRetry is invoked before each backoff sleep with the upcoming
	// attempt number and the computed delay.
	OnRetry func(nextAttempt int, delay time.Duration)

	// sleep is injectable so tests can observe delays without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// Execute runs op, classifying each failure and retrying Transient ones
// with exponential backoff plus jitter. It returns op's value on the first
// success, the last error once retries are exhausted, or immediately when a
// failure classifies as non-retryable. Context cancellation aborts a
// pending backoff.
func Execute[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	var zero T

	sleep := opts.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		details := Classify(err)
		if opts.OnError != nil {
			opts.OnError(attempt, details, err)
		}
		if !details.Retryable || attempt > details.MaxRetries {
			return zero, err
		}

		delay := backoffDelay(details, attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, serr
		}
	}
}

// backoffDelay computes base * 2^(attempt-1) plus up to JitterMax of
// random jitter.
func backoffDelay(details Details, attempt int) time.Duration {
	delay := details.Backoff << (attempt - 1)
	if details.JitterMax > 0 {
		delay += rand.N(details.JitterMax + 1)
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
