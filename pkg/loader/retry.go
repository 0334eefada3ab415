package loader

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"
)

// RetryPolicy defines retry behavior for batched point-gets
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64 // fraction of the delay, 0 disables
}

// DefaultRetryPolicy returns the default batch-get retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:    5,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2,
		Jitter:        0.25,
	}
}

func cryptoFloat64() (float64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}

	u := binary.BigEndian.Uint64(b[:]) >> 11
	return float64(u) / (1 << 53), nil
}

// retryDelay returns the backoff before retry number attempt (0-based)
func retryDelay(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		return 0
	}

	delay := policy.InitialDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}

	if attempt > 0 && policy.BackoffFactor > 0 {
		delay = time.Duration(float64(delay) * math.Pow(policy.BackoffFactor, float64(attempt)))
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	if policy.Jitter > 0 {
		if r, err := cryptoFloat64(); err == nil {
			offset := (r*2 - 1) * policy.Jitter * float64(delay)
			delay += time.Duration(offset)
		}
		if delay < 0 {
			delay = policy.InitialDelay
		}
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	return delay
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
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
