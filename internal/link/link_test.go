// ABOUTME: Tests for the link state machine, correlation routing, and failure handling.
// ABOUTME: Uses an in-memory transport and a fake clock to drive reconnects deterministically.

package link

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pilot-gateway/internal/clock"
	"github.com/2389/pilot-gateway/internal/fault"
)

var errClosedPipe = errors.New("closed pipe")

// pipeTransport is an in-memory Transport. Frames pushed on in are read by
// the link; frames the link writes appear on out. A hello is answered
// automatically unless reject is set.
type pipeTransport struct {
	in     chan Frame
	out    chan Frame
	done   chan struct{}
	once   sync.Once
	reject string
}

func newPipe() *pipeTransport {
	return &pipeTransport{
		in:   make(chan Frame, 64),
		out:  make(chan Frame, 64),
		done: make(chan struct{}),
	}
}

func (p *pipeTransport) ReadJSON(v any) error {
	select {
	case f := <-p.in:
		*(v.(*Frame)) = f
		return nil
	case <-p.done:
		return errClosedPipe
	}
}

func (p *pipeTransport) WriteJSON(v any) error {
	f := v.(Frame)
	select {
	case <-p.done:
		return errClosedPipe
	default:
	}
	if f.Type == FrameHello {
		if p.reject != "" {
			p.in <- Frame{Type: FrameReject, Reason: p.reject}
		} else {
			p.in <- Frame{Type: FrameWelcome}
		}
		return nil
	}
	p.out <- f
	return nil
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// next returns the next frame the link wrote, skipping pings.
func (p *pipeTransport) next(t *testing.T) Frame {
	t.Helper()
	for {
		select {
		case f := <-p.out:
			if f.Type == FramePing {
				continue
			}
			return f
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame from link")
			return Frame{}
		}
	}
}

// upstream hands out pipes to the link and records every dial.
type upstream struct {
	mu    sync.Mutex
	pipes []*pipeTransport
	fail  error
	dials chan *pipeTransport
}

func newUpstream() *upstream {
	return &upstream{dials: make(chan *pipeTransport, 16)}
}

func (u *upstream) dial(ctx context.Context, endpoint string) (Transport, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fail != nil {
		return nil, u.fail
	}
	p := newPipe()
	u.pipes = append(u.pipes, p)
	u.dials <- p
	return p, nil
}

func (u *upstream) setFail(err error) {
	u.mu.Lock()
	u.fail = err
	u.mu.Unlock()
}

func (u *upstream) nextDial(t *testing.T) *pipeTransport {
	t.Helper()
	select {
	case p := <-u.dials:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func event(id string, seq uint64, kind EventKind, payload any) Frame {
	return Frame{Type: FrameEvent, ID: id, Seq: seq, Kind: kind, Payload: MustPayload(payload)}
}

func recv(t *testing.T, s *Stream) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "stream closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func requireClosed(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case _, ok := <-s.Events():
		require.False(t, ok, "expected stream to be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
}

func newTestLink(t *testing.T, u *upstream, clk clock.Clock, mutate func(*Config)) *Link {
	t.Helper()
	cfg := Config{
		Endpoint:      "ws://agent.test/acp",
		Dialer:        u.dial,
		Clock:         clk,
		BackoffBase:   100 * time.Millisecond,
		BackoffMax:    time.Second,
		BackoffJitter: 0.5,
		Rand:          func() float64 { return 0.5 },
		MaxAttempts:   3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	l := New(cfg)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestConnectHandshake(t *testing.T) {
	u := newUpstream()
	l := newTestLink(t, u, clock.Fake(time.Unix(0, 0)), nil)

	require.NoError(t, l.Connect(context.Background()))
	assert.Equal(t, StateConnected, l.State())
	assert.Len(t, u.dials, 1)
}

func TestConnectRejectedIsAuthenticationFailure(t *testing.T) {
	u := newUpstream()
	l := newTestLink(t, u, clock.Fake(time.Unix(0, 0)), func(c *Config) {
		c.Dialer = func(ctx context.Context, endpoint string) (Transport, error) {
			p := newPipe()
			p.reject = "bad token"
			return p, nil
		}
	})

	err := l.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrAuthenticationFailed)
	assert.Equal(t, StateConnecting, l.State(), "a retry is scheduled after a failed connect")
}

func TestSubmitRoutesInterleavedEventsByCorrelationID(t *testing.T) {
	u := newUpstream()
	l := newTestLink(t, u, clock.Fake(time.Unix(0, 0)), nil)
	require.NoError(t, l.Connect(context.Background()))
	pipe := u.nextDial(t)

	a, err := l.Submit(context.Background(), "task-a", "first")
	require.NoError(t, err)
	subA := pipe.next(t)
	b, err := l.Submit(context.Background(), "task-b", "second")
	require.NoError(t, err)
	subB := pipe.next(t)

	assert.Equal(t, FrameSubmit, subA.Type)
	assert.Equal(t, "first", subA.Prompt)
	assert.NotEqual(t, subA.ID, subB.ID)

	// Upstream numbering has holes; the stream numbering must not.
	pipe.in <- event(subB.ID, 4, KindThought, TextPayload{Text: "b1"})
	pipe.in <- event(subA.ID, 7, KindThought, TextPayload{Text: "a1"})
	pipe.in <- event(subA.ID, 9, KindFinal, TextPayload{Text: "a done"})
	pipe.in <- event(subB.ID, 12, KindFinal, TextPayload{Text: "b done"})

	a1 := recv(t, a)
	assert.Equal(t, uint64(1), a1.Seq)
	assert.Equal(t, uint64(7), a1.UpstreamSeq)
	assert.Equal(t, "task-a", a1.TaskID)
	a2 := recv(t, a)
	assert.Equal(t, uint64(2), a2.Seq)
	assert.Equal(t, KindFinal, a2.Kind)
	requireClosed(t, a)

	b1 := recv(t, b)
	var text TextPayload
	require.NoError(t, json.Unmarshal(b1.Payload, &text))
	assert.Equal(t, "b1", text.Text)
	assert.Equal(t, uint64(1), b1.Seq)
	assert.Equal(t, uint64(2), recv(t, b).Seq)
	requireClosed(t, b)

	assert.Equal(t, 0, l.Pending())
}

func TestSendToolResultUsesStreamCorrelationID(t *testing.T) {
	u := newUpstream()
	l := newTestLink(t, u, clock.Fake(time.Unix(0, 0)), nil)
	require.NoError(t, l.Connect(context.Background()))
	pipe := u.nextDial(t)

	s, err := l.Submit(context.Background(), "task", "go")
	require.NoError(t, err)
	sub := pipe.next(t)

	require.NoError(t, s.SendToolResult(ToolResultPayload{CallID: "call-1", Output: json.RawMessage(`"ok"`)}))
	f := pipe.next(t)
	assert.Equal(t, FrameToolResult, f.Type)
	assert.Equal(t, sub.ID, f.ID)

	var p ToolResultPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, "call-1", p.CallID)
}

func TestCloseUnfinishedStreamSendsCancel(t *testing.T) {
	u := newUpstream()
	l := newTestLink(t, u, clock.Fake(time.Unix(0, 0)), nil)
	require.NoError(t, l.Connect(context.Background()))
	pipe := u.nextDial(t)

	s, err := l.Submit(context.Background(), "task", "go")
	require.NoError(t, err)
	sub := pipe.next(t)

	s.Close()
	s.Close()
	f := pipe.next(t)
	assert.Equal(t, FrameCancel, f.Type)
	assert.Equal(t, sub.ID, f.ID)
	assert.Equal(t, 0, l.Pending())
	assert.ErrorIs(t, s.SendToolResult(ToolResultPayload{CallID: "x"}), ErrStreamClosed)
}

func TestDropKeepsDeliveredEventsAndFailsStream(t *testing.T) {
	u := newUpstream()
	clk := clock.Fake(time.Unix(0, 0))
	l := newTestLink(t, u, clk, nil)
	require.NoError(t, l.Connect(context.Background()))
	pipe := u.nextDial(t)

	s, err := l.Submit(context.Background(), "task", "go")
	require.NoError(t, err)
	sub := pipe.next(t)
	pipe.in <- event(sub.ID, 1, KindThought, TextPayload{Text: "thinking"})

	// Make sure the thought was routed before the socket dies.
	first := recv(t, s)
	assert.Equal(t, KindThought, first.Kind)

	_ = pipe.Close()

	last := recv(t, s)
	assert.Equal(t, KindError, last.Kind)
	assert.Equal(t, uint64(2), last.Seq)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(last.Payload, &p))
	assert.Equal(t, string(fault.CodeConnectionLost), p.Code)
	requireClosed(t, s)

	// The link is reconnecting; advancing past the first backoff redials.
	clk.WaitForTimers(1)
	assert.Equal(t, StateConnecting, l.State())
	clk.Advance(time.Second)
	u.nextDial(t)
	require.Eventually(t, func() bool { return l.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
}

func TestBackoffStrictlyIncreasesUntilDegraded(t *testing.T) {
	u := newUpstream()
	u.setFail(errors.New("connection refused"))
	clk := clock.Fake(time.Unix(0, 0))

	jitters := []float64{0.9, 0.0, 0.7, 0.1, 0.3, 0.2}
	var jmu sync.Mutex
	retries := make(chan time.Duration, 16)
	states := make(chan State, 32)

	l := newTestLink(t, u, clk, func(c *Config) {
		c.MaxAttempts = 6
		c.BackoffBase = 100 * time.Millisecond
		c.BackoffMax = 2 * time.Second
		c.BackoffJitter = 0.9
		c.Rand = func() float64 {
			jmu.Lock()
			defer jmu.Unlock()
			r := jitters[0]
			jitters = jitters[1:]
			return r
		}
		c.OnRetry = func(_ int, d time.Duration) { retries <- d }
		c.OnStateChange = func(_, to State) { states <- to }
	})

	require.Error(t, l.Connect(context.Background()))

	var delays []time.Duration
	for i := 0; i < 6; i++ {
		var d time.Duration
		select {
		case d = <-retries:
		case <-time.After(2 * time.Second):
			t.Fatalf("retry %d was never scheduled", i+1)
		}
		delays = append(delays, d)
		clk.WaitForTimers(1)
		clk.Advance(d)
	}

	require.Eventually(t, func() bool { return l.State() == StateDegraded }, 2*time.Second, 5*time.Millisecond)

	for i, d := range delays {
		assert.LessOrEqual(t, d, 2*time.Second, "delay %d exceeds cap", i)
		if i > 0 && d < 2*time.Second {
			assert.Greater(t, d, delays[i-1], "delay %d did not grow: %v", i, delays)
		}
	}
	assert.Equal(t, 2*time.Second, delays[len(delays)-1], "later delays sit at the cap")

	// Submissions against a degraded link fail fast.
	_, err := l.Submit(context.Background(), "task", "go")
	assert.ErrorIs(t, err, fault.ErrConnectionLost)
}

func TestSubmitWaitsWhileConnectingThenSucceeds(t *testing.T) {
	u := newUpstream()
	u.setFail(errors.New("connection refused"))
	clk := clock.Fake(time.Unix(0, 0))
	l := newTestLink(t, u, clk, nil)

	require.Error(t, l.Connect(context.Background()))
	clk.WaitForTimers(1)

	type result struct {
		s   *Stream
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := l.Submit(context.Background(), "task", "queued prompt")
		done <- result{s, err}
	}()

	u.setFail(nil)
	clk.Advance(time.Second)
	pipe := u.nextDial(t)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "queued prompt", pipe.next(t).Prompt)
	case <-time.After(2 * time.Second):
		t.Fatal("submit never returned")
	}
}

func TestSubmitWaitingWhenDegradedGetsConnectionLost(t *testing.T) {
	u := newUpstream()
	u.setFail(errors.New("connection refused"))
	clk := clock.Fake(time.Unix(0, 0))
	l := newTestLink(t, u, clk, func(c *Config) { c.MaxAttempts = 1 })

	require.Error(t, l.Connect(context.Background()))
	clk.WaitForTimers(1)

	errc := make(chan error, 1)
	go func() {
		_, err := l.Submit(context.Background(), "task", "go")
		errc <- err
	}()

	clk.Advance(time.Second)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, fault.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("submit never returned")
	}
	assert.Equal(t, StateDegraded, l.State())
}

func TestSubmitBeforeConnectFails(t *testing.T) {
	l := newTestLink(t, newUpstream(), clock.Fake(time.Unix(0, 0)), nil)
	_, err := l.Submit(context.Background(), "task", "go")
	assert.ErrorIs(t, err, fault.ErrConnectionLost)
}

func TestKeepaliveSilenceTriggersReconnect(t *testing.T) {
	u := newUpstream()
	clk := clock.Fake(time.Unix(0, 0))
	l := newTestLink(t, u, clk, func(c *Config) {
		c.KeepaliveInterval = 10 * time.Second
		c.KeepaliveTimeout = 25 * time.Second
	})
	require.NoError(t, l.Connect(context.Background()))
	first := u.nextDial(t)

	clk.WaitForTimers(1) // keepalive ticker
	clk.Advance(10 * time.Second)
	select {
	case f := <-first.out:
		assert.Equal(t, FramePing, f.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no ping sent")
	}

	clk.Advance(20 * time.Second)
	require.Eventually(t, func() bool { return l.State() == StateConnecting }, 2*time.Second, 5*time.Millisecond)

	select {
	case <-first.done:
	default:
		t.Fatal("silent transport was not closed")
	}
}

func TestCloseFailsOpenStreams(t *testing.T) {
	u := newUpstream()
	l := newTestLink(t, u, clock.Fake(time.Unix(0, 0)), nil)
	require.NoError(t, l.Connect(context.Background()))
	u.nextDial(t)

	s, err := l.Submit(context.Background(), "task", "go")
	require.NoError(t, err)

	require.NoError(t, l.Close())
	ev := recv(t, s)
	assert.Equal(t, KindError, ev.Kind)
	requireClosed(t, s)
	assert.Equal(t, StateDisconnected, l.State())
	assert.ErrorIs(t, l.Connect(context.Background()), ErrClosed)
}

func TestToolCallTimeout(t *testing.T) {
	tests := []struct {
		name string
		ms   int64
		want time.Duration
	}{
		{"unset", 0, 0},
		{"negative", -5, 0},
		{"plain", 1500, 1500 * time.Millisecond},
		{"at cap", MaxToolTimeout.Milliseconds(), MaxToolTimeout},
		{"above cap", 2 * MaxToolTimeout.Milliseconds(), MaxToolTimeout},
		{"overflowing", math.MaxInt64, MaxToolTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToolCallPayload{TimeoutMS: tt.ms}.Timeout())
		})
	}
}
