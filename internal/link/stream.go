// ABOUTME: Stream is the per-task handle on the link: ordered events in, tool results out.
// ABOUTME: An unbounded queue keeps the read loop from ever blocking on a slow consumer.

package link

import (
	"errors"
	"fmt"
	"sync"

	"github.com/2389/pilot-gateway/internal/fault"
)

// ErrStreamClosed indicates the stream already ended or was closed.
var ErrStreamClosed = errors.New("stream closed")

// Stream yields the events of one submitted task. The sequence ends with
// exactly one Final or Error event, after which Events is closed.
type Stream struct {
	id     string
	taskID string
	gen    uint64
	link   *Link
	out    chan Event

	mu     sync.Mutex
	queue  []Event
	seq    uint64
	ended  bool // terminal event queued
	closed bool // consumer called Close

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newStream(l *Link, id, taskID string, gen uint64) *Stream {
	s := &Stream{
		id:     id,
		taskID: taskID,
		gen:    gen,
		link:   l,
		out:    make(chan Event),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// ID returns the correlation id used on the wire.
func (s *Stream) ID() string { return s.id }

// TaskID returns the task this stream belongs to.
func (s *Stream) TaskID() string { return s.taskID }

// Events returns the ordered event channel.
func (s *Stream) Events() <-chan Event { return s.out }

// deliver stamps the next stream sequence number on ev and queues it.
// It reports whether ev ended the stream.
func (s *Stream) deliver(ev Event) bool {
	s.mu.Lock()
	if s.ended || s.closed {
		s.mu.Unlock()
		return false
	}
	s.seq++
	ev.Seq = s.seq
	ev.TaskID = s.taskID
	s.queue = append(s.queue, ev)
	if ev.Kind.Terminal() {
		s.ended = true
	}
	ended := s.ended
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return ended
}

// fail ends the stream with a synthetic error event.
func (s *Stream) fail(cause error) {
	code := fault.CodeOf(cause)
	s.deliver(Event{
		Kind:       KindError,
		Payload:    MustPayload(ErrorPayload{Code: string(code), Message: cause.Error()}),
		ReceivedAt: s.link.clock.Now(),
	})
}

// pump forwards queued events to out in order, then closes out.
func (s *Stream) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			ended := s.ended
			s.mu.Unlock()
			if ended {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.stop:
			return
		}
	}
}

// SendToolResult feeds a tool result back upstream on this stream's
// correlation id.
func (s *Stream) SendToolResult(p ToolResultPayload) error {
	s.mu.Lock()
	done := s.ended || s.closed
	s.mu.Unlock()
	if done {
		return fmt.Errorf("send tool result %s: %w", p.CallID, ErrStreamClosed)
	}
	return s.link.write(s.gen, Frame{Type: FrameToolResult, ID: s.id, Payload: MustPayload(p)})
}

// Close releases the stream. If the agent has not finished, a cancel
// frame is sent upstream. Undelivered events are discarded. Close is
// idempotent.
func (s *Stream) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		finished := s.ended
		s.mu.Unlock()

		close(s.stop)
		s.link.release(s.id)
		if !finished {
			_ = s.link.write(s.gen, Frame{Type: FrameCancel, ID: s.id})
		}
	})
}
