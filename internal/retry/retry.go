package retry

import (
	"context"
	"time"
)

// Do runs fn up to attempts times, doubling the wait after each failure.
// The last error is returned; a cancelled context ends the loop early.
func Do(ctx context.Context, attempts int, initialWait time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	wait := initialWait

	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}

	return err
}
