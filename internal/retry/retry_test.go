package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type tempErr struct {
	temporary bool
	hint      time.Duration
}

func (e tempErr) Error() string             { return "temp" }
func (e tempErr) Retryable() bool           { return e.temporary }
func (e tempErr) RetryDelay() time.Duration { return e.hint }

func newTestBackoff(attempts int) (*Backoff, *[]time.Duration) {
	var slept []time.Duration
	b := NewBackoff(attempts, 100*time.Millisecond, time.Second)
	b.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return b, &slept
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"Nil", nil, false},
		{"Canceled", context.Canceled, false},
		{"RetryableTrue", tempErr{temporary: true}, true},
		{"RetryableFalse", tempErr{temporary: false}, false},
		{"GRPCResourceExhausted", status.Error(codes.ResourceExhausted, "quota"), true},
		{"GRPCUnavailable", status.Error(codes.Unavailable, "down"), true},
		{"GRPCPermissionDenied", status.Error(codes.PermissionDenied, "nope"), false},
		{"RateLimitText", errors.New("Rate limit reached"), true},
		{"Overloaded", errors.New("overloaded_error: Overloaded"), true},
		{"Plain", errors.New("bad request"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestBackoff_SucceedsAfterRetry(t *testing.T) {
	b, slept := newTestBackoff(3)
	calls := 0

	err := b.Do(context.Background(), "search", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return tempErr{temporary: true}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, *slept, 2)
	assert.GreaterOrEqual(t, (*slept)[0], 100*time.Millisecond)
	assert.GreaterOrEqual(t, (*slept)[1], 200*time.Millisecond)
}

func TestBackoff_StopsOnPermanentError(t *testing.T) {
	b, slept := newTestBackoff(5)
	calls := 0
	permanent := errors.New("invalid request")

	err := b.Do(context.Background(), "search", func(ctx context.Context) error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestBackoff_Exhausted(t *testing.T) {
	b, _ := newTestBackoff(2)
	cause := tempErr{temporary: true}

	err := b.Do(context.Background(), "search", func(ctx context.Context) error {
		return cause
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.ErrorIs(t, err, cause)
}

func TestBackoff_HonorsRetryHint(t *testing.T) {
	b, slept := newTestBackoff(2)

	_ = b.Do(context.Background(), "search", func(ctx context.Context) error {
		return tempErr{temporary: true, hint: 700 * time.Millisecond}
	})

	require.Len(t, *slept, 1)
	assert.Equal(t, 700*time.Millisecond, (*slept)[0])
}

func TestBackoff_DelayCapped(t *testing.T) {
	b := NewBackoff(10, 100*time.Millisecond, time.Second)
	assert.LessOrEqual(t, b.delay(9, errors.New("x")), time.Second)
}

func TestBackoff_ContextCanceled(t *testing.T) {
	b := NewBackoff(3, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, "search", func(ctx context.Context) error {
		return tempErr{temporary: true}
	})
	assert.ErrorIs(t, err, context.Canceled)
}
