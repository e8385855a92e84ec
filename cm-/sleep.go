package cm

import (
	"context"
	"time"
)

// Sleep for d, but return as soon as ctx is done.
//
// Used for backoff between reconnect and retry attempts, where shutting down
// should abort the sleep.
func Sleep(ctx context.Context, d time.Duration) (ctxDone bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-ctx.Done():
		return true
	}
}

// Backoff returns the delay before attempt n (starting at 0), doubling from
// base and capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < n && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
