// Package tools is the closed catalog of operations the agent can invoke.
//
// Every tool is a Spec[A] with a typed argument struct. NewExecutor checks
// that the set of specs matches the catalog names exactly, derives a JSON
// schema for each argument type, and builds the dispatch table. Arguments
// are decoded strictly (unknown fields are rejected) over each tool's
// defaults and validated before the handler runs.
//
// Tools fall into three classes:
//
//   - browser: forwarded to the browser backend over MCP.
//   - remote: run against a named session in the session registry. Every
//     remote tool is a single session operation, so multi-step tools like
//     uefi_save_exit cannot interleave with other work on that session.
//   - saga: vnc_boot_to_os, a multi-step workflow that records a step
//     trace and retries only read-only steps.
//
// Each call runs under its own timeout on the injected clock. Failures are
// returned as error results carrying a fault code; they never end the
// task that asked for the call.
package tools
