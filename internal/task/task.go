// ABOUTME: Task state, client-visible events, and the Handle that follows a task.
// ABOUTME: A task's event log only grows; handles replay it and then follow live.

package task

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/2389/pilot-gateway/internal/link"
)

// Status is a task's lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusStreaming
	StatusAwaitingTool
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusStreaming:
		return "streaming"
	case StatusAwaitingTool:
		return "awaiting_tool"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s >= StatusCompleted
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, bool) {
	for st := StatusPending; st <= StatusTimedOut; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return StatusPending, false
}

// EventType is the client-visible event type. The values match the agent
// event kinds.
type EventType string

const (
	EventThought    EventType = EventType(link.KindThought)
	EventToolCall   EventType = EventType(link.KindToolCall)
	EventToolResult EventType = EventType(link.KindToolResult)
	EventFinal      EventType = EventType(link.KindFinal)
	EventError      EventType = EventType(link.KindError)
)

// Terminal reports whether t ends a task's stream.
func (t EventType) Terminal() bool {
	return t == EventFinal || t == EventError
}

// Event is one client-visible event.
type Event struct {
	TaskID  string          `json:"task_id"`
	Seq     uint64          `json:"seq"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Snapshot is a point-in-time view of a task.
type Snapshot struct {
	ID           string    `json:"id"`
	Prompt       string    `json:"prompt"`
	Client       string    `json:"client,omitempty"`
	Status       string    `json:"status"`
	Seq          uint64    `json:"seq"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Task is one submitted prompt.
type Task struct {
	id      string
	prompt  string
	client  string
	created time.Time

	mu      sync.Mutex
	status  Status
	updated time.Time
	log     []Event
	changed chan struct{} // closed and replaced on every append
	errCode string
	errMsg  string

	cancel func(cause error)
}

func newTask(id, prompt, client string, now time.Time) *Task {
	return &Task{
		id:      id,
		prompt:  prompt,
		client:  client,
		created: now,
		updated: now,
		changed: make(chan struct{}),
	}
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// Status returns the current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Snapshot returns the task's current view.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:           t.id,
		Prompt:       t.prompt,
		Client:       t.client,
		Status:       t.status.String(),
		Seq:          uint64(len(t.log)),
		ErrorCode:    t.errCode,
		ErrorMessage: t.errMsg,
		CreatedAt:    t.created,
		UpdatedAt:    t.updated,
	}
}

// setStatus moves a live task between non-terminal states. It is a no-op
// once the task is terminal.
func (t *Task) setStatus(s Status, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.status = s
	t.updated = now
}

// appendLocked stamps and records an event. Must hold mu; the task must
// not be terminal.
func (t *Task) appendLocked(typ EventType, payload json.RawMessage) Event {
	ev := Event{
		TaskID:  t.id,
		Seq:     uint64(len(t.log)) + 1,
		Type:    typ,
		Payload: payload,
	}
	t.log = append(t.log, ev)
	close(t.changed)
	t.changed = make(chan struct{})
	return ev
}

// publish appends a non-terminal event. It reports false once the task is
// terminal.
func (t *Task) publish(typ EventType, payload json.RawMessage, now time.Time) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return Event{}, false
	}
	t.updated = now
	return t.appendLocked(typ, payload), true
}

// finish appends the terminal event and sets the terminal status. Only
// the first call wins.
func (t *Task) finish(status Status, typ EventType, payload json.RawMessage, code, msg string, now time.Time) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return Event{}, false
	}
	ev := t.appendLocked(typ, payload)
	t.status = status
	t.updated = now
	t.errCode = code
	t.errMsg = msg
	return ev, true
}

// eventsAfter copies the events with Seq > after.
func (t *Task) eventsAfter(after uint64) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if after >= uint64(len(t.log)) {
		return nil
	}
	return append([]Event(nil), t.log[after:]...)
}

// Handle follows one task's events from the first one.
type Handle struct {
	task *Task
	out  chan Event
	stop chan struct{}
	once sync.Once
}

func (t *Task) follow() *Handle {
	h := &Handle{
		task: t,
		out:  make(chan Event),
		stop: make(chan struct{}),
	}
	go h.pump()
	return h
}

// TaskID returns the followed task's id.
func (h *Handle) TaskID() string { return h.task.id }

// Events yields the task's events in sequence order and is closed after
// the terminal event or Close.
func (h *Handle) Events() <-chan Event { return h.out }

// Close stops following. The task keeps running.
func (h *Handle) Close() {
	h.once.Do(func() { close(h.stop) })
}

func (h *Handle) pump() {
	defer close(h.out)
	var next int
	for {
		t := h.task
		t.mu.Lock()
		if next >= len(t.log) {
			terminal := t.status.Terminal()
			changed := t.changed
			t.mu.Unlock()
			if terminal {
				return
			}
			select {
			case <-changed:
				continue
			case <-h.stop:
				return
			}
		}
		ev := t.log[next]
		t.mu.Unlock()
		next++

		select {
		case h.out <- ev:
		case <-h.stop:
			return
		}
	}
}
