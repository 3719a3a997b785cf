package automation

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds the attempts of retryable actions and of execution
// record persistence.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy: 3 attempts, 500ms initial, 5s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// Delay returns a full-jitter exponential delay before retry attempt n
// (1-indexed): a random duration in [0, min(Initial*2^(n-1), Max)].
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	base := float64(p.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if p.MaxBackoff > 0 && base > float64(p.MaxBackoff) {
		base = float64(p.MaxBackoff)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter only
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry runs fn until it succeeds, returns a permanent error, the policy is
// exhausted or ctx is done. It returns the number of attempts made.
func (p RetryPolicy) Retry(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return attempt - 1, lastErr
			case <-time.After(p.Delay(attempt - 1)):
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if IsPermanent(lastErr) || ctx.Err() != nil {
			return attempt, lastErr
		}
	}
	return max, lastErr
}
