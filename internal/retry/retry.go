package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Retryable is implemented by errors that know whether a retry can help.
// Named apart from net.Error.Temporary, which means something else.
type Retryable interface {
	Retryable() bool
}

// Delayer is implemented by errors that carry a server-provided wait hint.
type Delayer interface {
	RetryDelay() time.Duration
}

// Backoff retries an operation with exponential backoff and jitter.
type Backoff struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewBackoff(maxAttempts int, initial, max time.Duration) *Backoff {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Backoff{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     max,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done.
func (b *Backoff) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	logger := zerolog.Ctx(ctx)
	var lastErr error

	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("operation", operation).
					Int("attempt", attempt).
					Msg("operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == b.MaxAttempts {
			break
		}

		delay := b.delay(attempt, err)
		logger.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Int("max_attempts", b.MaxAttempts).
			Dur("retry_delay", delay).
			Msg("retrying operation after error")

		if err := b.wait(ctx, delay); err != nil {
			return err
		}
	}

	if b.MaxAttempts == 1 {
		return lastErr
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (b *Backoff) wait(ctx context.Context, d time.Duration) error {
	if b.sleep != nil {
		return b.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// delay is InitialDelay*2^(attempt-1) plus up to 10% jitter, capped at
// MaxDelay. A server hint wins when it is longer.
func (b *Backoff) delay(attempt int, err error) time.Duration {
	backoff := float64(b.InitialDelay) * math.Pow(2, float64(attempt-1))
	if b.MaxDelay > 0 && backoff > float64(b.MaxDelay) {
		backoff = float64(b.MaxDelay)
	}
	backoff += backoff * 0.1 * rand.Float64()
	d := time.Duration(backoff)

	var hinted Delayer
	if errors.As(err, &hinted) {
		if hint := hinted.RetryDelay(); hint > d {
			d = hint
		}
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

// IsRetryable reports whether err is a transient failure: rate limits,
// overload, unavailable backends and network timeouts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted, codes.Unavailable, codes.Aborted:
			return true
		case codes.Unknown:
			// message checks below
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "quota exceeded") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "resource exhausted") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused")
}
