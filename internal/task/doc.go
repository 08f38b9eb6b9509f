// Package task coordinates agent tasks from submission to a terminal
// status.
//
// The Orchestrator submits a prompt over the agent link and runs one
// goroutine per task that reads the upstream stream in order. Thoughts and
// final answers are republished as-is; tool calls are executed locally
// through the tool executor, their results sent back upstream and
// republished. Every client-visible event gets the task's own gapless
// sequence number, starting at 1.
//
// A task ends with exactly one terminal event: "final" on success or
// "error" carrying a fault code (cancelled, timeout, connection_lost, or
// whatever the agent reported). Clients follow a task through a Handle;
// several handles may follow the same task, each replaying from the first
// event.
package task
