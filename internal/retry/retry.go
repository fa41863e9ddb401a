package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop marks err as not worth retrying; Do returns it unwrapped right away.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Do runs fn up to attempts times, sleeping delay between failed attempts.
// It stops early when ctx is cancelled or fn returns a Stop error, and
// returns the last error.
func Do(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context, attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return err
		}
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var stop *stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		if attempt == attempts {
			break
		}
		log.Debug().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("backoff", delay).
			Msg("attempt failed, scheduling retry")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return errors.Wrapf(err, "giving up after %d attempts", attempts)
}
