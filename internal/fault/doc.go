// ABOUTME: Package fault defines the error taxonomy shared across the gateway.
// ABOUTME: Every terminal task event and API error carries one of its codes.

// Package fault holds the sentinel errors that cross package boundaries
// and the stable codes clients see.
//
// Packages wrap these sentinels with context (fmt.Errorf("...: %w", ...))
// and callers classify with errors.Is or CodeOf. Context errors map onto
// the taxonomy too: context.DeadlineExceeded is a timeout and
// context.Canceled is a cancellation.
package fault
