package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestPolicyDelays(t *testing.T) {
	p := Policy{MaxAttempts: 6, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, p.Delays())

	p = Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, p.Delays())
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{name: "valid", policy: Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}},
		{name: "zero_attempts", policy: Policy{MaxAttempts: 0}, wantErr: true},
		{name: "negative_delay", policy: Policy{MaxAttempts: 1, BaseDelay: -time.Second}, wantErr: true},
		{name: "cap_below_base", policy: Policy{MaxAttempts: 2, BaseDelay: time.Minute, MaxDelay: time.Second}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDo(t *testing.T) {
	t.Run("succeeds_first_attempt", func(t *testing.T) {
		attempts, err := fastPolicy(3).Do(context.Background(), isTransient, func(context.Context, int) error {
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries_transient_until_success", func(t *testing.T) {
		attempts, err := fastPolicy(3).Do(context.Background(), isTransient, func(_ context.Context, n int) error {
			if n < 3 {
				return errTransient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops_after_max_attempts", func(t *testing.T) {
		attempts, err := fastPolicy(3).Do(context.Background(), isTransient, func(context.Context, int) error {
			return errTransient
		})
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 3, attempts)
	})

	t.Run("permanent_error_is_not_retried", func(t *testing.T) {
		attempts, err := fastPolicy(3).Do(context.Background(), isTransient, func(context.Context, int) error {
			return errPermanent
		})
		assert.ErrorIs(t, err, errPermanent)
		assert.Equal(t, 1, attempts)
	})

	t.Run("cancellation_stops_retries_with_cause", func(t *testing.T) {
		errSuperseded := errors.New("superseded")
		ctx, cancel := context.WithCancelCause(context.Background())
		p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

		done := make(chan struct{})
		var attempts int
		var err error
		go func() {
			defer close(done)
			attempts, err = p.Do(ctx, isTransient, func(context.Context, int) error {
				return errTransient
			})
		}()

		time.Sleep(10 * time.Millisecond)
		cancel(errSuperseded)

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Do did not return after cancellation")
		}
		assert.ErrorIs(t, err, errSuperseded)
		assert.Equal(t, 1, attempts)
	})

	t.Run("already_cancelled_makes_no_attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		attempts, err := fastPolicy(3).Do(ctx, isTransient, func(context.Context, int) error {
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, attempts)
	})

	t.Run("invalid_policy", func(t *testing.T) {
		_, err := Policy{}.Do(context.Background(), nil, func(context.Context, int) error { return nil })
		assert.Error(t, err)
	})
}
