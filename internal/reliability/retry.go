package reliability

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// maxShift caps the exponent so delays never overflow time.Duration
const maxShift = 30

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// NextDelay returns the wait before retry number attempt (numbered from 1)
	NextDelay(attempt int) time.Duration
	// ShouldRetry reports whether retry number attempt is allowed
	ShouldRetry(attempt, maxAttempts int) bool
	// MaxRetries returns the maximum number of retries
	MaxRetries() int
}

// ExponentialBackoff waits 2^attempt units before each retry, for at most
// MaxAttempts retries. The policy holds no state of its own.
type ExponentialBackoff struct {
	Unit        time.Duration
	MaxAttempts int
}

// BackoffOption configures an ExponentialBackoff
type BackoffOption func(*ExponentialBackoff)

// WithUnit sets the base unit of the delay, one second by default
func WithUnit(unit time.Duration) BackoffOption {
	return func(e *ExponentialBackoff) {
		e.Unit = unit
	}
}

// NewExponentialBackoff creates a policy allowing retryCount retries
func NewExponentialBackoff(retryCount int, opts ...BackoffOption) *ExponentialBackoff {
	e := &ExponentialBackoff{
		Unit:        time.Second,
		MaxAttempts: retryCount,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.MaxAttempts < 0 {
		e.MaxAttempts = 0
	}
	if e.Unit <= 0 {
		e.Unit = time.Second
	}

	return e
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	return time.Duration(int64(1)<<uint(attempt)) * e.Unit
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt, maxAttempts int) bool {
	return ShouldRetry(attempt, maxAttempts)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// ShouldRetry reports whether retry number attempt fits in maxAttempts
func ShouldRetry(attempt, maxAttempts int) bool {
	return attempt >= 1 && attempt <= maxAttempts
}

// policyBackOff drives cenkalti/backoff from a RetryPolicy
type policyBackOff struct {
	policy  RetryPolicy
	attempt int
}

// NextBackOff implements backoff.BackOff
func (p *policyBackOff) NextBackOff() time.Duration {
	p.attempt++
	if !p.policy.ShouldRetry(p.attempt, p.policy.MaxRetries()) {
		return backoff.Stop
	}
	return p.policy.NextDelay(p.attempt)
}

// Reset implements backoff.BackOff
func (p *policyBackOff) Reset() {
	p.attempt = 0
}

// NewBackOff adapts a RetryPolicy to backoff.BackOff
func NewBackOff(policy RetryPolicy) backoff.BackOff {
	return &policyBackOff{policy: policy}
}

// NotifyFunc is called before every wait with the failure that caused it,
// the retry number about to run and the delay before it.
type NotifyFunc func(err error, attempt int, delay time.Duration)

// Retry executes fn, retrying failures that classify reports as transient.
// A nil classify retries every failure. When retries are exhausted the last
// failure is returned unchanged; a cancelled ctx returns ctx.Err().
func Retry(ctx context.Context, policy RetryPolicy, classify func(error) bool, notify NotifyFunc, fn func() error) error {
	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if classify != nil && !classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	attempt := 0
	return backoff.RetryNotify(operation, backoff.WithContext(NewBackOff(policy), ctx), func(err error, delay time.Duration) {
		attempt++
		if notify != nil {
			notify(err, attempt, delay)
		}
	})
}

// IsTransient reports whether err is a transport fault worth retrying:
// socket errors, an unreachable broker, or a closed connection or channel.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	if errors.Is(err, amqp.ErrClosed) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Recover || amqpErr.Code == amqp.ConnectionForced
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// RetryableError wraps an error to mark whether it is retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
