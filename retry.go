package feedback

import (
	"context"
	"errors"
	"time"

	"github.com/coder/retry"
)

// RetryPolicy is the single backoff policy shared by the fetcher and the
// enrichers.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Floor       time.Duration `yaml:"floor"`
	Ceil        time.Duration `yaml:"ceil"`
	// CallTimeout bounds each attempt. Exceeding it is a transient failure.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Retryable decides whether an error is worth another attempt.
	// Defaults to isTransient.
	Retryable func(error) bool `yaml:"-"`
}

// DefaultRetryPolicy is base 1s, cap 30s, 5 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Floor:       time.Second,
		Ceil:        30 * time.Second,
		CallTimeout: time.Minute,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = isTransient
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	ret := retry.New(p.Floor, p.Ceil)
	var err error
	for attempt := 1; ; attempt++ {
		err = p.call(ctx, service, fn)
		if err == nil {
			return nil
		}
		if attempt >= attempts || !retryable(err) {
			return err
		}
		if !ret.Wait(ctx) {
			return errors.Join(err, ctx.Err())
		}
	}
}

func (p RetryPolicy) call(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	if p.CallTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &TransientServiceError{Service: service, Err: err}
	}
	return err
}
