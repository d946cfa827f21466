package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a bounded exponential backoff: the delay before attempt n+1 is
// BaseDelay*2^(n-1), capped at MaxDelay, for at most MaxAttempts attempts.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.New("retry delays must not be negative")
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// Delays returns the waits between consecutive attempts.
func (p Policy) Delays() []time.Duration {
	b := p.backOff()
	var out []time.Duration
	for i := 1; i < p.MaxAttempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	maxDelay := p.MaxDelay
	if maxDelay == 0 {
		maxDelay = p.BaseDelay
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Do runs op until it succeeds, returns an error retryable rejects, or the
// attempts are exhausted. It stops early when ctx is done and then returns
// the context's cause. The number of attempts made is returned alongside
// the final error.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, op Operation) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	attempts := 0
	operation := func() error {
		if err := context.Cause(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := op(ctx, attempts)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(p.MaxAttempts-1)), ctx)
	err := backoff.Retry(operation, b)
	if err != nil && ctx.Err() != nil {
		return attempts, context.Cause(ctx)
	}
	return attempts, err
}
