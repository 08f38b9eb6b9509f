// ABOUTME: Wire frames exchanged with the upstream agent and event payloads.
// ABOUTME: Shared by the link, the task orchestrator, and the fake agent.

package link

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is sent in the hello frame.
const ProtocolVersion = 1

// Frame types.
const (
	FrameHello      = "hello"
	FrameWelcome    = "welcome"
	FrameSubmit     = "submit"
	FrameEvent      = "event"
	FrameToolResult = "tool_result"
	FrameCancel     = "cancel"
	FramePing       = "ping"
	FramePong       = "pong"
	FrameReject     = "reject"
)

// Frame is one JSON message on the upstream socket.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Kind    EventKind       `json:"kind,omitempty"`
	Prompt  string          `json:"prompt,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Client  string          `json:"client,omitempty"`
	Version int             `json:"version,omitempty"`
	Token   string          `json:"token,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// EventKind classifies an agent event.
type EventKind string

const (
	KindThought    EventKind = "thought"
	KindToolCall   EventKind = "tool_call"
	KindToolResult EventKind = "tool_result"
	KindFinal      EventKind = "final"
	KindError      EventKind = "error"
)

// Terminal reports whether the kind ends a stream.
func (k EventKind) Terminal() bool {
	return k == KindFinal || k == KindError
}

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case KindThought, KindToolCall, KindToolResult, KindFinal, KindError:
		return true
	}
	return false
}

// Event is one agent event as delivered to a Stream. Seq is assigned by
// the link and is gapless per stream starting at 1; UpstreamSeq is what
// the agent sent and is kept for diagnostics only.
type Event struct {
	TaskID      string
	Seq         uint64
	UpstreamSeq uint64
	Kind        EventKind
	Payload     json.RawMessage
	ReceivedAt  time.Time
}

// TextPayload carries thought and final text.
type TextPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload is the payload of a tool_call event.
type ToolCallPayload struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Session   string          `json:"session,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

// MaxToolTimeout caps the per-call timeout an agent may request.
const MaxToolTimeout = time.Hour

// Timeout returns the per-call timeout requested by the agent, capped at
// MaxToolTimeout, or zero when none was requested.
func (p ToolCallPayload) Timeout() time.Duration {
	switch {
	case p.TimeoutMS <= 0:
		return 0
	case p.TimeoutMS >= MaxToolTimeout.Milliseconds():
		return MaxToolTimeout
	}
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// ToolResultPayload is the payload of a tool_result event and of the
// tool_result frame sent back upstream.
type ToolResultPayload struct {
	CallID  string          `json:"call_id"`
	Name    string          `json:"name,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MustPayload marshals v for use as an event payload. The payload types in
// this package always marshal.
func MustPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("link: payload does not marshal: " + err.Error())
	}
	return data
}
