// Package link maintains the single upstream connection to the reasoning agent.
//
// # Overview
//
// One Link owns one websocket to the agent and multiplexes every task over
// it. Each Submit writes a submit frame tagged with a fresh correlation id
// and returns a Stream; inbound event frames carry the same id and are
// routed to that Stream's ordered queue.
//
// # State Machine
//
//	Disconnected ──Connect──▶ Connecting ──handshake ok──▶ Connected
//	      ▲                      │   ▲                         │
//	      │                 fail │   │ backoff timer      drop │ keepalive silence
//	      │                      ▼   │                         ▼
//	      └──────Close────── (retry scheduled) ◀───────────────┘
//	                             │
//	                  attempts exhausted
//	                             ▼
//	                          Degraded
//
// Retries are scheduled with Clock.AfterFunc, never with sleeps, so tests
// drive the whole machine with a FakeClock. The n-th retry waits
// min(max, base·2ⁿ·(1+u·jitter)) with u drawn from [0,1); jitter below 1
// makes each delay strictly longer than the previous until the cap.
//
// # Failure Semantics
//
// Events already delivered to a Stream stay delivered. When the socket
// drops, every open Stream receives one synthetic terminal error event with
// code connection_lost and the link starts reconnecting. Submissions made
// while the link is Connecting wait for the outcome; in Degraded they fail
// immediately with fault.ErrConnectionLost.
//
// # Wire Protocol
//
// JSON text frames, one object per message:
//
//	→ {"type":"hello","client":"pilot-gateway","version":1,"token":"..."}
//	← {"type":"welcome"}
//	→ {"type":"submit","id":"<corr>","prompt":"..."}
//	← {"type":"event","id":"<corr>","seq":3,"kind":"tool_call","payload":{...}}
//	→ {"type":"tool_result","id":"<corr>","payload":{...}}
//	→ {"type":"cancel","id":"<corr>"}
//	↔ {"type":"ping"} / {"type":"pong"}
package link
