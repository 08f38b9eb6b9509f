// Package dedupe maps client idempotency keys to the task they created,
// within a time window, so a retried submission attaches to the existing
// task instead of starting a second one.
package dedupe
