package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(2), nil)

	calls := 0
	persistent := errors.New("still down")
	err := r.Do(context.Background(), func() error {
		calls++
		return persistent
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, persistent))
	assert.Equal(t, 3, calls)
}

func TestSingleRetryPolicyMakesExactlyTwoAttempts(t *testing.T) {
	p := SingleRetryPolicy()
	p.InitialDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond
	r := NewBackoffRetryer(p, nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	fatal := errors.New("fatal")
	transient := errors.New("transient")

	p := fastPolicy(5)
	p.RetryableErrors = []error{transient}
	r := NewBackoffRetryer(p, nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return fatal
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fatal))
	assert.Equal(t, 1, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	p := fastPolicy(5)
	p.InitialDelay = time.Second
	p.MaxDelay = time.Second
	r := NewBackoffRetryer(p, nil)

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := r.Do(ctx, func() error {
		calls++
		return errors.New("down")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}

func TestOnRetryCallback(t *testing.T) {
	p := fastPolicy(2)
	var attempts []int
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	r := NewBackoffRetryer(p, nil)

	_ = r.Do(context.Background(), func() error { return errors.New("down") })
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestCalculateDelayBounds(t *testing.T) {
	p := &Policy{
		MaxRetries:   10,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       true,
	}
	r := NewBackoffRetryer(p, nil).(*backoffRetryer)

	for attempt := 1; attempt <= 10; attempt++ {
		d := r.calculateDelay(attempt)
		assert.GreaterOrEqual(t, d, p.InitialDelay)
		// Jitter extends at most 25% past the cap.
		assert.LessOrEqual(t, d, p.MaxDelay+p.MaxDelay/4)
	}
}
