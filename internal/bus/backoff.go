package bus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Reconnect schedule: 1s doubling to a 30s cap, each wait jittered by ±20%.
const (
	backoffBase   = 1 * time.Second
	backoffCap    = 30 * time.Second
	backoffJitter = 0.2
)

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffBase
	b.MaxInterval = backoffCap
	b.RandomizationFactor = backoffJitter
	b.Multiplier = 2
	b.Reset()
	return b
}

// redeliveryDelay is the wait before the given (1-based) redelivery attempt.
func redeliveryDelay(attempt int) time.Duration {
	b := newBackoff()
	d := b.NextBackOff()
	for i := 2; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
