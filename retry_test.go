package feedback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy(t *testing.T) {
	t.Parallel()
	transient := &TransientServiceError{Service: "test", Status: 503, Err: errors.New("unavailable")}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := fastRetry(5).Do(context.Background(), "test", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := fastRetry(4).Do(context.Background(), "test", func(ctx context.Context) error {
			calls++
			return transient
		})
		require.ErrorIs(t, err, transient)
		assert.Equal(t, 4, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		t.Parallel()
		calls := 0
		permanent := errors.New("bad request")
		err := fastRetry(5).Do(context.Background(), "test", func(ctx context.Context) error {
			calls++
			return permanent
		})
		require.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("call timeout is transient", func(t *testing.T) {
		t.Parallel()
		p := fastRetry(2)
		p.CallTimeout = 10 * time.Millisecond
		calls := 0
		err := p.Do(context.Background(), "test", func(ctx context.Context) error {
			calls++
			<-ctx.Done()
			return ctx.Err()
		})
		require.True(t, isTransient(err), "got %v", err)
		assert.Equal(t, 2, calls)
	})

	t.Run("custom retryable", func(t *testing.T) {
		t.Parallel()
		p := fastRetry(3)
		p.Retryable = func(error) bool { return true }
		calls := 0
		_ = p.Do(context.Background(), "test", func(ctx context.Context) error {
			calls++
			return errors.New("anything")
		})
		assert.Equal(t, 3, calls)
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		t.Parallel()
		p := RetryPolicy{MaxAttempts: 10, Floor: time.Hour, Ceil: time.Hour}
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := p.Do(ctx, "test", func(ctx context.Context) error {
			calls++
			cancel()
			return transient
		})
		require.ErrorIs(t, err, context.Canceled)
		require.ErrorIs(t, err, transient)
		assert.Equal(t, 1, calls)
	})
}
