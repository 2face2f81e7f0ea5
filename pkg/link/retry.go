package link

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// RetryPolicy is a caller-side policy for repeating whole training attempts.
// Device.TrainLink itself never retries.
type RetryPolicy struct {
	// Attempts is the total number of attempts, including the first.
	Attempts int
	// Min and Max bound the pause between attempts.
	Min time.Duration
	Max time.Duration
	// Factor multiplies the pause after each failed attempt.
	Factor float64
}

// DefaultRetryPolicy tries three times, pausing 100ms then 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Min:      100 * time.Millisecond,
		Max:      time.Second,
		Factor:   2,
	}
}

// RetryTrain calls dev.TrainLink until it succeeds, the attempts are used up
// or ctx is done. It returns the error of the last attempt.
func RetryTrain(ctx context.Context, dev *Device, p RetryPolicy) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	b := &backoff.Backoff{
		Min:    p.Min,
		Max:    p.Max,
		Factor: p.Factor,
		Jitter: false,
	}

	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = dev.TrainLink(ctx); err == nil {
			if attempt > 1 {
				dev.log.Infof("link trained on attempt %d of %d", attempt, p.Attempts)
			}
			return nil
		}
		if attempt == p.Attempts {
			break
		}

		delay := b.Duration()
		dev.log.Warnf("training attempt %d of %d failed, retrying in %v: %v", attempt, p.Attempts, delay, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last attempt: %v)", ctx.Err(), err)
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("training failed after %d attempt(s): %w", p.Attempts, err)
}
