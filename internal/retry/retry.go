// Package retry provides a bounded polling combinator.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned when every attempt completed without a result.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a polling loop.
type Policy struct {
	Attempts int
	Backoff  time.Duration
}

// Func is one attempt. It returns found=false to ask for another attempt and a
// non-nil error to abort the loop.
type Func[T any] func(ctx context.Context, attempt int) (value T, found bool, err error)

// Do calls fn until it reports found, returns an error, or the policy's
// attempts are used up. It sleeps Backoff between attempts but not after the
// last one. The zero T is returned with ErrExhausted on exhaustion.
func Do[T any](ctx context.Context, p Policy, fn Func[T]) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		v, found, err := fn(ctx, attempt)
		if err != nil {
			return zero, err
		}
		if found {
			return v, nil
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.Backoff); err != nil {
			return zero, err
		}
	}
	return zero, ErrExhausted
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
