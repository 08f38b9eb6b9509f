// Package gateway serves the pilot-gateway client surfaces.
//
// # Overview
//
// The Gateway owns every runtime component: the upstream agent link, the
// task orchestrator, the session registry, the tool executor, the event
// store, the MCP server, and the HTTP and gRPC servers in front of them.
// New builds them from config (Deps swaps in fakes); Run connects the link
// and serves until its context ends.
//
// # HTTP API
//
//   - GET /ws - websocket task streaming
//   - POST /stream-task, POST /browser/stream-task - SSE task streaming
//   - GET /api/tasks - live tasks
//   - GET /api/tasks/history?limit=N - persisted tasks, newest first
//   - GET /api/tasks/{id} - one task, live or persisted
//   - GET /api/tasks/{id}/events?after=N - task events after a sequence
//   - DELETE /api/tasks/{id} - cancel a task
//   - GET /api/sessions - remote-control sessions
//   - DELETE /api/sessions/{name} - disconnect a session
//   - GET /api/tools - tool catalog
//   - /mcp - MCP Streamable HTTP endpoint over the same tools
//   - GET /health - liveness
//   - GET /health/ready - 503 unless the agent link is connected
//   - GET /metrics - Prometheus
//
// Errors are JSON bodies {"error": "...", "code": "..."} whose status
// follows the fault code (not found 404, busy 429, timeout 504, ...).
//
// # Streaming
//
// Both streaming transports carry the same frames, task events in
// sequence order:
//
//	{"task_id": "...", "seq": 1, "type": "thought", "payload": {"text": "..."}}
//	{"task_id": "...", "seq": 2, "type": "tool_call", "payload": {...}}
//	{"task_id": "...", "seq": 3, "type": "tool_result", "payload": {...}}
//	{"task_id": "...", "seq": 4, "type": "final", "payload": {"text": "..."}}
//
// A final or error frame is the last one for its task. SSE sends each
// frame as "id: <seq>" plus "data: <json>". The websocket accepts
//
//	{"prompt": "...", "idempotency_key": "..."}
//	{"type": "cancel", "task_id": "..."}
//
// answers each submission with an "accepted" frame naming the task, and
// may run several tasks at once. A client that disconnects cancels the
// tasks it started; one attached through an idempotency key does not.
//
// # gRPC
//
// When server.grpc_addr is set, the standard grpc.health.v1 service is
// served there and reports SERVING only while the agent link is connected.
package gateway
