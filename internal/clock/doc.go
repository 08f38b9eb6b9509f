// ABOUTME: Package clock abstracts time so timers and backoff are testable.
// ABOUTME: Production code uses Real(); tests drive a FakeClock with Advance.

// Package clock provides the time source used by every timer in the gateway.
//
// The agent link's reconnect backoff and keepalive, the per-task deadline,
// per-tool-call timeouts, and the boot saga's polling waits all schedule
// through a Clock instead of calling the time package directly. Tests
// substitute a FakeClock and move time forward explicitly:
//
//	clk := clock.Fake(time.Unix(0, 0))
//	go func() { <-clk.After(5 * time.Second); close(done) }()
//	clk.WaitForTimers(1)
//	clk.Advance(5 * time.Second)
//
// FakeClock runs AfterFunc callbacks synchronously inside Advance, so a
// callback must never call Advance or Sleep on the same clock.
package clock
