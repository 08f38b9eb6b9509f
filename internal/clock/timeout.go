// ABOUTME: Context deadlines scheduled on a Clock instead of the wall clock.
// ABOUTME: Lets task and tool-call timeouts advance under a FakeClock.

package clock

import (
	"context"
	"time"
)

// WithTimeout returns a context that is cancelled with cause once d has
// elapsed on clk. context.Cause reports cause after expiry. A
// non-positive d means no deadline. The returned cancel func stops the
// timer and must be called.
func WithTimeout(parent context.Context, clk Clock, d time.Duration, cause error) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if d <= 0 {
		return ctx, func() { cancel(context.Canceled) }
	}
	timer := clk.AfterFunc(d, func() { cancel(cause) })
	return ctx, func() {
		timer.Stop()
		cancel(context.Canceled)
	}
}

// SleepContext waits d on clk or until ctx is done, whichever is first.
func SleepContext(ctx context.Context, clk Clock, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return nil
	}
	select {
	case <-clk.After(d):
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
