// ABOUTME: Scriptable in-memory Agent used by tests across packages.
// ABOUTME: Each submission yields a FakeStream the test feeds events into.

package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/2389/pilot-gateway/internal/link"
)

// FakeAgent hands out FakeStreams. Submissions are announced on
// Submitted in order.
type FakeAgent struct {
	mu        sync.Mutex
	err       error
	streams   []*FakeStream
	submitted chan *FakeStream
	held      map[string]chan struct{}
	waiting   chan string
	abandoned chan string
}

// NewFakeAgent returns an agent that accepts every submission.
func NewFakeAgent() *FakeAgent {
	return &FakeAgent{
		submitted: make(chan *FakeStream, 64),
		held:      make(map[string]chan struct{}),
		waiting:   make(chan string, 64),
		abandoned: make(chan string, 64),
	}
}

// Submit opens a new FakeStream unless Fail was called. Submissions of a
// held prompt first wait for release or for ctx to end.
func (a *FakeAgent) Submit(ctx context.Context, taskID, prompt string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	a.mu.Lock()
	gate := a.held[prompt]
	a.mu.Unlock()
	if gate != nil {
		a.waiting <- prompt
		select {
		case <-gate:
		case <-ctx.Done():
			a.abandoned <- prompt
			return nil, context.Cause(ctx)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	s := &FakeStream{
		TaskID:  taskID,
		Prompt:  prompt,
		events:  make(chan link.Event, 64),
		results: make(chan link.ToolResultPayload, 64),
		closed:  make(chan struct{}),
	}
	a.streams = append(a.streams, s)
	a.submitted <- s
	return s, nil
}

// Fail makes later submissions return err.
func (a *FakeAgent) Fail(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

// Hold makes submissions of prompt block until release is called.
func (a *FakeAgent) Hold(prompt string) (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.held[prompt] = gate
	a.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Waiting announces each held submission as it starts to wait.
func (a *FakeAgent) Waiting() <-chan string { return a.waiting }

// Abandoned announces each held submission whose context ended first.
func (a *FakeAgent) Abandoned() <-chan string { return a.abandoned }

// Submitted announces each new stream.
func (a *FakeAgent) Submitted() <-chan *FakeStream { return a.submitted }

// Streams returns every stream opened so far.
func (a *FakeAgent) Streams() []*FakeStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*FakeStream(nil), a.streams...)
}

// FakeStream is the test's side of one submitted task.
type FakeStream struct {
	TaskID string
	Prompt string

	events  chan link.Event
	results chan link.ToolResultPayload

	mu        sync.Mutex
	seq       uint64
	ended     bool
	closed    chan struct{}
	closeOnce sync.Once
}

// Events implements Stream.
func (s *FakeStream) Events() <-chan link.Event { return s.events }

// SendToolResult implements Stream.
func (s *FakeStream) SendToolResult(p link.ToolResultPayload) error {
	select {
	case <-s.closed:
		return fmt.Errorf("send tool result %s: %w", p.CallID, link.ErrStreamClosed)
	default:
	}
	s.results <- p
	return nil
}

// Close implements Stream.
func (s *FakeStream) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Emit delivers an agent event with the next sequence number. payload is
// marshalled unless it is already a json.RawMessage.
func (s *FakeStream) Emit(kind link.EventKind, payload any) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		raw = link.MustPayload(payload)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.seq++
	s.events <- link.Event{TaskID: s.TaskID, Seq: s.seq, UpstreamSeq: s.seq, Kind: kind, Payload: raw}
	if kind.Terminal() {
		s.ended = true
		close(s.events)
	}
}

// Thought emits a thought event.
func (s *FakeStream) Thought(text string) {
	s.Emit(link.KindThought, link.TextPayload{Text: text})
}

// ToolCall emits a tool_call event.
func (s *FakeStream) ToolCall(callID, name string, args any) {
	s.Emit(link.KindToolCall, link.ToolCallPayload{CallID: callID, Name: name, Arguments: link.MustPayload(args)})
}

// Final emits the final answer.
func (s *FakeStream) Final(text string) {
	s.Emit(link.KindFinal, link.TextPayload{Text: text})
}

// Drop closes the event channel without a terminal event.
func (s *FakeStream) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}

// Results yields tool results sent upstream.
func (s *FakeStream) Results() <-chan link.ToolResultPayload { return s.results }

// Done is closed once the orchestrator closed the stream.
func (s *FakeStream) Done() <-chan struct{} { return s.closed }
