package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(5)

		assert.Equal(t, time.Second, eb.Unit)
		assert.Equal(t, 5, eb.MaxAttempts)
		assert.Equal(t, 5, eb.MaxRetries())
	})

	t.Run("negative retry count is clamped", func(t *testing.T) {
		eb := NewExponentialBackoff(-3)
		assert.Equal(t, 0, eb.MaxRetries())
	})

	t.Run("delay doubles per attempt", func(t *testing.T) {
		eb := NewExponentialBackoff(5)

		for attempt := 1; attempt <= 5; attempt++ {
			expected := time.Duration(1<<uint(attempt)) * time.Second
			assert.Equal(t, expected, eb.NextDelay(attempt), "attempt %d", attempt)
		}
	})

	t.Run("delay honours unit", func(t *testing.T) {
		eb := NewExponentialBackoff(3, WithUnit(time.Millisecond))

		assert.Equal(t, 2*time.Millisecond, eb.NextDelay(1))
		assert.Equal(t, 4*time.Millisecond, eb.NextDelay(2))
		assert.Equal(t, 8*time.Millisecond, eb.NextDelay(3))
	})

	t.Run("huge attempts do not overflow", func(t *testing.T) {
		eb := NewExponentialBackoff(100, WithUnit(time.Nanosecond))
		assert.Greater(t, eb.NextDelay(500), time.Duration(0))
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(3)

		for attempt := 1; attempt <= 3; attempt++ {
			assert.True(t, eb.ShouldRetry(attempt, eb.MaxRetries()))
		}
		assert.False(t, eb.ShouldRetry(4, eb.MaxRetries()))
		assert.False(t, ShouldRetry(6, 5))
		assert.False(t, ShouldRetry(1, 0))
	})
}

func TestNewBackOff(t *testing.T) {
	b := NewBackOff(NewExponentialBackoff(2, WithUnit(time.Millisecond)))

	assert.Equal(t, 2*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 4*time.Millisecond, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	assert.Equal(t, 2*time.Millisecond, b.NextBackOff())
}

func TestRetry(t *testing.T) {
	policy := NewExponentialBackoff(3, WithUnit(time.Millisecond))
	transientErr := RetryableError{Err: errors.New("connection reset"), Retryable: true}

	t.Run("succeeds on first attempt", func(t *testing.T) {
		var calls int32
		err := Retry(context.Background(), policy, IsTransient, nil, func() error {
			atomic.AddInt32(&calls, 1)
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("retries transient failures until success", func(t *testing.T) {
		var calls int32
		var delays []time.Duration
		err := Retry(context.Background(), policy, IsTransient, func(err error, attempt int, delay time.Duration) {
			delays = append(delays, delay)
		}, func() error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return transientErr
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
		assert.Equal(t, []time.Duration{2 * time.Millisecond, 4 * time.Millisecond}, delays)
	})

	t.Run("returns triggering error when exhausted", func(t *testing.T) {
		var calls int32
		var attempts []int
		err := Retry(context.Background(), policy, IsTransient, func(err error, attempt int, delay time.Duration) {
			attempts = append(attempts, attempt)
		}, func() error {
			atomic.AddInt32(&calls, 1)
			return transientErr
		})

		require.Error(t, err)
		assert.Equal(t, transientErr, err)
		assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
		assert.Equal(t, []int{1, 2, 3}, attempts)
	})

	t.Run("does not retry non-transient errors", func(t *testing.T) {
		var calls int32
		fatal := errors.New("access refused")
		err := Retry(context.Background(), policy, IsTransient, nil, func() error {
			atomic.AddInt32(&calls, 1)
			return fatal
		})

		assert.ErrorIs(t, err, fatal)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("nil classifier retries everything", func(t *testing.T) {
		var calls int32
		err := Retry(context.Background(), NewExponentialBackoff(1, WithUnit(time.Millisecond)), nil, nil, func() error {
			atomic.AddInt32(&calls, 1)
			return errors.New("boom")
		})

		assert.Error(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := NewExponentialBackoff(5, WithUnit(time.Hour))

		done := make(chan error, 1)
		go func() {
			done <- Retry(ctx, slow, IsTransient, nil, func() error {
				return transientErr
			})
		}()

		time.Sleep(10 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("retry did not stop after cancellation")
		}
	})
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("bad request"), false},
		{"retryable wrapper", RetryableError{Err: errors.New("x"), Retryable: true}, true},
		{"non-retryable wrapper", RetryableError{Err: amqp.ErrClosed, Retryable: false}, false},
		{"closed connection", amqp.ErrClosed, true},
		{"wrapped closed connection", fmt.Errorf("open channel: %w", amqp.ErrClosed), true},
		{"recoverable amqp error", &amqp.Error{Code: amqp.ChannelError, Recover: true}, true},
		{"forced close", &amqp.Error{Code: amqp.ConnectionForced}, true},
		{"access refused", &amqp.Error{Code: amqp.AccessRefused}, false},
		{"net error", timeoutErr{}, true},
		{"dial error", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"connection reset", syscall.ECONNRESET, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}
