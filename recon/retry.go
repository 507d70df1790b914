package recon

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBaseWait = 500 * time.Millisecond
	maxRetryWait         = 30 * time.Second
)

// retryDo runs fn up to maxAttempts times with capped exponential backoff.
// The loop carries an explicit attempt counter; config errors and context
// cancellation abort immediately.
func retryDo(ctx context.Context, logger *logrus.Logger, maxAttempts int, baseWait time.Duration, op string, fn func(context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseWait <= 0 {
		baseWait = defaultRetryBaseWait
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if KindOf(err) == FailureConfig {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		wait := baseWait << min(attempt-1, 5)
		if wait > maxRetryWait {
			wait = maxRetryWait
		}
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"op":      op,
				"attempt": attempt,
				"wait":    wait.String(),
			}).Warn(err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
