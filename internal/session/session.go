// ABOUTME: Session wraps one remote connection with a FIFO worker goroutine.
// ABOUTME: Operations run one at a time in submission order; I/O failures latch Error.

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/2389/pilot-gateway/internal/fault"
)

// State is a session's lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBusy
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBusy:
		return "busy"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Operation is one unit of work against a remote. It runs on the
// session's worker goroutine and should honor ctx.
type Operation func(ctx context.Context, r Remote) (any, error)

// Info is a point-in-time view of a session.
type Info struct {
	Name         string    `json:"name"`
	Addr         string    `json:"addr"`
	State        string    `json:"state"`
	LastActivity time.Time `json:"last_activity"`
	LastError    string    `json:"last_error,omitempty"`
	Queued       int       `json:"queued"`
}

type result struct {
	value any
	err   error
}

type job struct {
	ctx  context.Context
	op   Operation
	done chan result
}

// Session is one named remote-control connection.
type Session struct {
	name   string
	target Target
	reg    *Registry
	remote Remote

	jobs     chan *job
	quit     chan struct{}
	stopped  chan struct{}
	quitOnce sync.Once

	mu           sync.Mutex
	state        State
	closing      bool
	lastActivity time.Time
	lastErr      error
}

func newSession(r *Registry, name string, target Target) *Session {
	return &Session{
		name:    name,
		target:  target,
		reg:     r,
		jobs:    make(chan *job, r.queueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		state:   StateDisconnected,
	}
}

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		Name:         s.name,
		Addr:         s.target.Addr(),
		State:        s.state.String(),
		LastActivity: s.lastActivity,
		Queued:       len(s.jobs),
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// Execute queues op behind every earlier operation on this session and
// waits for its result. A full queue fails fast with fault.ErrSessionBusy.
// If ctx ends first, Execute returns its cause; an operation already
// running is left to observe ctx itself.
func (s *Session) Execute(ctx context.Context, op Operation) (any, error) {
	j := &job{ctx: ctx, op: op, done: make(chan result, 1)}

	s.mu.Lock()
	switch {
	case s.closing:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", fault.ErrSessionNotFound, s.name)
	case s.state == StateError:
		err := s.lastErr
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q: %v", ErrSessionFailed, s.name, err)
	}
	select {
	case s.jobs <- j:
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q has %d operations queued", fault.ErrSessionBusy, s.name, cap(s.jobs))
	}
	s.mu.Unlock()

	select {
	case res := <-j.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// run is the session worker.
func (s *Session) run() {
	defer close(s.stopped)
	for {
		// quit wins over queued work.
		select {
		case <-s.quit:
			s.stop()
			return
		default:
		}

		select {
		case <-s.quit:
			s.stop()
			return
		case j := <-s.jobs:
			s.runJob(j)
		}
	}
}

func (s *Session) stop() {
	s.drain()
	_ = s.remote.Close()
	s.setState(StateDisconnected)
}

func (s *Session) runJob(j *job) {
	if j.ctx.Err() != nil {
		j.done <- result{err: context.Cause(j.ctx)}
		return
	}
	if s.State() == StateError {
		j.done <- result{err: fmt.Errorf("%w: %q", ErrSessionFailed, s.name)}
		return
	}

	s.setState(StateBusy)
	v, err := s.call(j)
	s.touch()

	if isRemoteIO(err) {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.setState(StateError)
		s.reg.logger.Error("session remote failure", "session", s.name, "error", err)
	} else {
		s.setState(StateConnected)
	}
	j.done <- result{value: v, err: err}
}

// call runs the operation, converting a panic into an error so one bad
// handler cannot kill the worker.
func (s *Session) call(j *job) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: operation panicked: %v", fault.ErrToolExecutionFailed, p)
		}
	}()
	return j.op(j.ctx, s.remote)
}

// drain fails every queued job. Must run on the worker after quit.
func (s *Session) drain() {
	for {
		select {
		case j := <-s.jobs:
			j.done <- result{err: fmt.Errorf("%w: %q was disconnected", fault.ErrSessionNotFound, s.name)}
		default:
			return
		}
	}
}

// shutdown stops accepting work and waits for the worker to finish the
// operation in progress. If ctx ends first the remote is closed to unblock
// it.
func (s *Session) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.quitOnce.Do(func() { close(s.quit) })

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		_ = s.remote.Close()
		return context.Cause(ctx)
	}
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()
	s.reg.notify(s.name, from, to)
}

func (s *Session) touch() {
	now := s.reg.clock.Now()
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}
