// ABOUTME: Link owns the single upstream agent connection and its state machine.
// ABOUTME: Handles handshake, correlation routing, keepalive, and timer-driven reconnects.

package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/pilot-gateway/internal/clock"
	"github.com/2389/pilot-gateway/internal/fault"
)

// ErrClosed indicates the link was shut down.
var ErrClosed = errors.New("link closed")

// ErrHandshake indicates the agent did not complete the hello/welcome exchange.
var ErrHandshake = errors.New("handshake failed")

// State is the link's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a Link. Zero values fall back to usable defaults.
type Config struct {
	Endpoint   string
	Dialer     Dialer
	Clock      clock.Clock
	Logger     *slog.Logger
	ClientName string
	Token      string

	HandshakeTimeout time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BackoffJitter    float64
	Rand             func() float64

	// MaxAttempts bounds consecutive reconnect attempts before the link
	// goes Degraded. Zero retries forever.
	MaxAttempts int

	// KeepaliveInterval of zero disables pings.
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration

	// OnStateChange and OnRetry run with the link's lock held and must not
	// call back into the Link.
	OnStateChange func(from, to State)
	OnRetry       func(attempt int, delay time.Duration)
}

// Link multiplexes task streams over one upstream connection.
type Link struct {
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	backoff Backoff

	mu        sync.Mutex
	state     State
	transport Transport
	gen       uint64
	connDone  chan struct{} // open exactly while transport is set
	changed   chan struct{} // closed and replaced on every state change
	lastSeen  time.Time
	attempts  int
	retry     *clock.Timer
	dialing   bool
	closed    bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*Stream
}

// New creates a Link in state Disconnected. Call Connect to start it.
func New(cfg Config) *Link {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebSocketDialer(nil)
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "pilot-gateway"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.KeepaliveInterval > 0 && cfg.KeepaliveTimeout <= cfg.KeepaliveInterval {
		cfg.KeepaliveTimeout = 3 * cfg.KeepaliveInterval
	}

	return &Link{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger.With("component", "link", "endpoint", cfg.Endpoint),
		backoff: Backoff{
			Base:   cfg.BackoffBase,
			Max:    cfg.BackoffMax,
			Jitter: cfg.BackoffJitter,
			Rand:   cfg.Rand,
		},
		state:   StateDisconnected,
		changed: make(chan struct{}),
		pending: make(map[string]*Stream),
	}
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Pending returns the number of open streams.
func (l *Link) Pending() int {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	return len(l.pending)
}

// Connect dials the agent and performs the handshake. On failure the
// error is returned and reconnection continues in the background on the
// backoff schedule. Calling Connect while connected or while a reconnect
// is already scheduled is a no-op; calling it from Degraded restarts the
// attempt budget.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.state == StateConnected || l.dialing || l.retry != nil {
		l.mu.Unlock()
		return nil
	}
	l.attempts = 0
	l.dialing = true
	l.setStateLocked(StateConnecting)
	l.mu.Unlock()

	return l.attempt(ctx)
}

// attempt runs one dial and either attaches the transport or schedules
// the next retry.
func (l *Link) attempt(ctx context.Context) error {
	t, err := l.dial(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.dialing = false

	if l.closed {
		if t != nil {
			_ = t.Close()
		}
		return ErrClosed
	}
	if err != nil {
		l.logger.Warn("upstream connect failed", "attempt", l.attempts+1, "error", err)
		l.scheduleRetryLocked()
		return err
	}

	l.attachLocked(t)
	return nil
}

// dial opens a transport and completes the handshake within the
// handshake timeout.
func (l *Link) dial(parent context.Context) (Transport, error) {
	ctx, cancel := clock.WithTimeout(parent, l.clock, l.cfg.HandshakeTimeout,
		fmt.Errorf("%w: upstream handshake", fault.ErrTimeout))
	defer cancel()

	t, err := l.cfg.Dialer(ctx, l.cfg.Endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, err
	}

	// A blocked ReadJSON only returns once the transport is closed.
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	err = l.handshake(t)
	if !stop() {
		err = context.Cause(ctx)
	}
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (l *Link) handshake(t Transport) error {
	hello := Frame{
		Type:    FrameHello,
		Client:  l.cfg.ClientName,
		Version: ProtocolVersion,
		Token:   l.cfg.Token,
	}
	if err := t.WriteJSON(hello); err != nil {
		return fmt.Errorf("%w: send hello: %v", ErrHandshake, err)
	}

	var reply Frame
	if err := t.ReadJSON(&reply); err != nil {
		return fmt.Errorf("%w: read welcome: %v", ErrHandshake, err)
	}
	switch reply.Type {
	case FrameWelcome:
		return nil
	case FrameReject:
		return fmt.Errorf("%w: %s", fault.ErrAuthenticationFailed, reply.Reason)
	default:
		return fmt.Errorf("%w: unexpected %q frame", ErrHandshake, reply.Type)
	}
}

// attachLocked installs a freshly handshaken transport. Must be called with mu held.
func (l *Link) attachLocked(t Transport) {
	l.transport = t
	l.gen++
	l.attempts = 0
	l.lastSeen = l.clock.Now()
	done := make(chan struct{})
	l.connDone = done
	l.setStateLocked(StateConnected)

	l.logger.Info("=== UPSTREAM CONNECTED ===", "generation", l.gen)

	go l.readLoop(t, l.gen)
	if l.cfg.KeepaliveInterval > 0 {
		go l.keepalive(l.gen, done)
	}
}

// scheduleRetryLocked arms the backoff timer for the next attempt, or
// moves to Degraded when the budget is spent. Must be called with mu held.
func (l *Link) scheduleRetryLocked() {
	if l.cfg.MaxAttempts > 0 && l.attempts >= l.cfg.MaxAttempts {
		l.logger.Error("upstream retry budget exhausted", "attempts", l.attempts)
		l.setStateLocked(StateDegraded)
		return
	}

	delay := l.backoff.Delay(l.attempts)
	l.attempts++
	l.setStateLocked(StateConnecting)

	l.retry = l.clock.AfterFunc(delay, func() {
		l.mu.Lock()
		l.retry = nil
		if l.closed {
			l.mu.Unlock()
			return
		}
		l.dialing = true
		l.mu.Unlock()
		go func() { _ = l.attempt(context.Background()) }()
	})

	l.logger.Info("upstream reconnect scheduled", "attempt", l.attempts, "delay", delay)
	if l.cfg.OnRetry != nil {
		l.cfg.OnRetry(l.attempts, delay)
	}
}

// setStateLocked records a transition and wakes waiters. Must be called with mu held.
func (l *Link) setStateLocked(s State) {
	if l.state == s {
		return
	}
	from := l.state
	l.state = s
	close(l.changed)
	l.changed = make(chan struct{})
	l.logger.Debug("link state changed", "from", from, "to", s)
	if l.cfg.OnStateChange != nil {
		l.cfg.OnStateChange(from, s)
	}
}

// handleDrop tears down connection generation gen and starts reconnecting.
// Stale generations are ignored.
func (l *Link) handleDrop(gen uint64, cause error) {
	l.mu.Lock()
	if gen != l.gen || l.transport == nil {
		l.mu.Unlock()
		return
	}
	t := l.transport
	l.transport = nil
	close(l.connDone)

	l.logger.Warn("=== UPSTREAM CONNECTION LOST ===", "generation", gen, "error", cause)
	l.setStateLocked(StateDisconnected)
	if !l.closed {
		l.scheduleRetryLocked()
	}
	l.mu.Unlock()

	_ = t.Close()
	l.failPending(func(s *Stream) bool { return s.gen == gen }, cause)
}

func (l *Link) readLoop(t Transport, gen uint64) {
	for {
		var f Frame
		if err := t.ReadJSON(&f); err != nil {
			l.handleDrop(gen, fmt.Errorf("%w: %v", fault.ErrConnectionLost, err))
			return
		}
		l.touch()

		switch f.Type {
		case FrameEvent:
			l.route(f)
		case FramePing:
			_ = l.write(gen, Frame{Type: FramePong})
		case FramePong:
		default:
			l.logger.Debug("ignoring upstream frame", "type", f.Type)
		}
	}
}

// route hands an event frame to the stream it belongs to.
func (l *Link) route(f Frame) {
	l.pendingMu.Lock()
	s := l.pending[f.ID]
	l.pendingMu.Unlock()

	if s == nil {
		l.logger.Debug("dropping event for unknown correlation id", "id", f.ID, "kind", f.Kind)
		return
	}
	if !f.Kind.Valid() {
		l.logger.Warn("dropping event with unknown kind", "id", f.ID, "kind", f.Kind)
		return
	}
	if s.deliver(Event{
		TaskID:      s.taskID,
		UpstreamSeq: f.Seq,
		Kind:        f.Kind,
		Payload:     f.Payload,
		ReceivedAt:  l.clock.Now(),
	}) {
		l.release(s.id)
	}
}

func (l *Link) touch() {
	l.mu.Lock()
	l.lastSeen = l.clock.Now()
	l.mu.Unlock()
}

// keepalive pings on every tick and drops the connection once nothing has
// been heard for longer than the keepalive timeout.
func (l *Link) keepalive(gen uint64, done <-chan struct{}) {
	ticker := l.clock.NewTicker(l.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			l.mu.Lock()
			silent := l.clock.Now().Sub(l.lastSeen)
			l.mu.Unlock()

			if silent > l.cfg.KeepaliveTimeout {
				l.handleDrop(gen, fmt.Errorf("%w: no upstream traffic for %s", fault.ErrConnectionLost, silent))
				return
			}
			if err := l.write(gen, Frame{Type: FramePing}); err != nil {
				return
			}
		}
	}
}

// write sends one frame on connection generation gen. A failed write
// drops that connection.
func (l *Link) write(gen uint64, f Frame) error {
	l.mu.Lock()
	t, current := l.transport, l.gen
	l.mu.Unlock()
	if t == nil || current != gen {
		return fmt.Errorf("%w: connection generation %d is gone", fault.ErrConnectionLost, gen)
	}

	l.writeMu.Lock()
	err := t.WriteJSON(f)
	l.writeMu.Unlock()

	if err != nil {
		err = fmt.Errorf("%w: write %s: %v", fault.ErrConnectionLost, f.Type, err)
		l.handleDrop(gen, err)
		return err
	}
	return nil
}

// awaitConnected blocks while the link is connecting and returns the live
// connection generation.
func (l *Link) awaitConnected(ctx context.Context) (uint64, error) {
	for {
		l.mu.Lock()
		switch {
		case l.closed:
			l.mu.Unlock()
			return 0, fmt.Errorf("%w: %w", fault.ErrConnectionLost, ErrClosed)
		case l.state == StateConnected:
			gen := l.gen
			l.mu.Unlock()
			return gen, nil
		case l.state == StateDegraded:
			l.mu.Unlock()
			return 0, fmt.Errorf("%w: link degraded after %d attempts", fault.ErrConnectionLost, l.cfg.MaxAttempts)
		case l.state == StateDisconnected && !l.dialing && l.retry == nil:
			l.mu.Unlock()
			return 0, fmt.Errorf("%w: link not started", fault.ErrConnectionLost)
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return 0, context.Cause(ctx)
		}
	}
}

// Submit sends prompt upstream for taskID and returns the stream of its
// events. While the link is reconnecting Submit waits, bounded by ctx.
func (l *Link) Submit(ctx context.Context, taskID, prompt string) (*Stream, error) {
	gen, err := l.awaitConnected(ctx)
	if err != nil {
		return nil, err
	}

	s := newStream(l, uuid.New().String(), taskID, gen)
	l.pendingMu.Lock()
	l.pending[s.id] = s
	l.pendingMu.Unlock()

	if err := l.write(gen, Frame{Type: FrameSubmit, ID: s.id, Prompt: prompt}); err != nil {
		s.Close()
		return nil, err
	}

	l.logger.Debug("task submitted upstream", "task_id", taskID, "correlation_id", s.id)
	return s, nil
}

func (l *Link) release(id string) {
	l.pendingMu.Lock()
	delete(l.pending, id)
	l.pendingMu.Unlock()
}

// failPending resolves every matching open stream with a connection_lost
// terminal event.
func (l *Link) failPending(match func(*Stream) bool, cause error) {
	l.pendingMu.Lock()
	var victims []*Stream
	for id, s := range l.pending {
		if match(s) {
			victims = append(victims, s)
			delete(l.pending, id)
		}
	}
	l.pendingMu.Unlock()

	for _, s := range victims {
		s.fail(cause)
	}
	if len(victims) > 0 {
		l.logger.Warn("failed in-flight streams", "count", len(victims), "error", cause)
	}
}

// Close shuts the link down: it stops reconnecting, closes the socket, and
// fails every open stream. Close is idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	t := l.transport
	if t != nil {
		l.transport = nil
		close(l.connDone)
	}
	l.setStateLocked(StateDisconnected)
	l.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	l.failPending(func(*Stream) bool { return true }, fmt.Errorf("%w: %w", fault.ErrConnectionLost, ErrClosed))
	l.logger.Info("link closed")
	return nil
}
