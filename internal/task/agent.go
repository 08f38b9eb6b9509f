// ABOUTME: The orchestrator's view of the agent link and the tool executor.
// ABOUTME: LinkAgent adapts *link.Link; tests substitute FakeAgent.

package task

import (
	"context"

	"github.com/2389/pilot-gateway/internal/link"
	"github.com/2389/pilot-gateway/internal/tools"
)

// Stream is one task's upstream conversation.
type Stream interface {
	Events() <-chan link.Event
	SendToolResult(p link.ToolResultPayload) error
	Close()
}

// Agent submits prompts upstream.
type Agent interface {
	Submit(ctx context.Context, taskID, prompt string) (Stream, error)
}

// Executor runs tool calls. It always returns a result; failures are
// error results.
type Executor interface {
	Execute(ctx context.Context, call tools.Call) *tools.Result
}

type linkAgent struct {
	link *link.Link
}

// LinkAgent submits through l.
func LinkAgent(l *link.Link) Agent {
	return linkAgent{link: l}
}

func (a linkAgent) Submit(ctx context.Context, taskID, prompt string) (Stream, error) {
	s, err := a.link.Submit(ctx, taskID, prompt)
	if err != nil {
		return nil, err
	}
	return s, nil
}
