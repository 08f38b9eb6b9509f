// ABOUTME: Tests for the session registry: idempotent connect, ordering, and isolation.
// ABOUTME: Drives sessions with FakeDialer/FakeRemote and blocking operations.

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pilot-gateway/internal/fault"
)

var target = Target{Host: "10.0.0.5", Port: 5901, Password: "secret"}

type transition struct {
	name     string
	from, to State
}

type recorder struct {
	mu  sync.Mutex
	got []transition
}

func (r *recorder) observe(name string, from, to State) {
	r.mu.Lock()
	r.got = append(r.got, transition{name, from, to})
	r.mu.Unlock()
}

func (r *recorder) forSession(name string) []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transition
	for _, t := range r.got {
		if t.name == name {
			out = append(out, t)
		}
	}
	return out
}

func newTestRegistry(t *testing.T, d Dialer, mutate func(*Config)) *Registry {
	t.Helper()
	cfg := Config{Dialer: d, QueueSize: 8}
	if mutate != nil {
		mutate(&cfg)
	}
	r := NewRegistry(cfg)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func noop(context.Context, Remote) (any, error) { return nil, nil }

// blockingOp returns an operation that signals started and then waits for
// release.
func blockingOp(started chan<- struct{}, release <-chan struct{}) Operation {
	return func(ctx context.Context, _ Remote) (any, error) {
		close(started)
		select {
		case <-release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestConnectReusesExistingSession(t *testing.T) {
	d := &FakeDialer{}
	r := newTestRegistry(t, d, nil)

	a1, err := r.Connect(context.Background(), "a", target)
	require.NoError(t, err)
	a2, err := r.Connect(context.Background(), "a", target)
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, 1, d.Dials(), "only one handshake may happen")
	assert.Equal(t, StateConnected, a1.State())
}

func TestConcurrentConnectsShareOneHandshake(t *testing.T) {
	d := &FakeDialer{Gate: make(chan struct{})}
	r := newTestRegistry(t, d, nil)

	const n = 8
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.Connect(context.Background(), "shared", target)
			assert.NoError(t, err)
			sessions[i] = s
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(d.Gate)
	wg.Wait()

	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, 1, d.Dials())
}

func TestConnectAuthFailureLeavesNoEntry(t *testing.T) {
	d := &FakeDialer{Password: "right"}
	r := newTestRegistry(t, d, nil)

	_, err := r.Connect(context.Background(), "vm", Target{Host: "h", Port: 5900, Password: "wrong"})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrAuthenticationFailed)
	assert.Equal(t, 0, r.Len())

	_, err = r.Get("vm")
	assert.ErrorIs(t, err, fault.ErrSessionNotFound)
}

func TestConnectValidatesInput(t *testing.T) {
	r := newTestRegistry(t, &FakeDialer{}, nil)

	_, err := r.Connect(context.Background(), "", target)
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)
	_, err = r.Connect(context.Background(), "vm", Target{Port: 5900})
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)
	_, err = r.Connect(context.Background(), "vm", Target{Host: "h", Port: 70000})
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)
}

func TestDisconnectUnknownSessionFails(t *testing.T) {
	r := newTestRegistry(t, &FakeDialer{}, nil)
	err := r.Disconnect(context.Background(), "unknown")
	assert.ErrorIs(t, err, fault.ErrSessionNotFound)
}

func TestExecuteUnknownSessionFails(t *testing.T) {
	r := newTestRegistry(t, &FakeDialer{}, nil)
	_, err := r.Execute(context.Background(), "ghost", noop)
	assert.ErrorIs(t, err, fault.ErrSessionNotFound)
}

func TestDisconnectClosesRemoteAndAllowsReconnect(t *testing.T) {
	d := &FakeDialer{}
	r := newTestRegistry(t, d, nil)

	_, err := r.Connect(context.Background(), "a", target)
	require.NoError(t, err)
	remote := d.Last()

	require.NoError(t, r.Disconnect(context.Background(), "a"))
	assert.True(t, remote.Closed())
	assert.Equal(t, 0, r.Len())

	_, err = r.Connect(context.Background(), "a", target)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Dials())
}

func TestSameSessionRunsInSubmissionOrder(t *testing.T) {
	r := newTestRegistry(t, &FakeDialer{}, nil)
	s, err := r.Connect(context.Background(), "a", target)
	require.NoError(t, err)

	type span struct {
		id         int
		start, end time.Time
	}
	var (
		mu    sync.Mutex
		spans []span
	)
	timed := func(id int) Operation {
		return func(context.Context, Remote) (any, error) {
			start := time.Now()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			spans = append(spans, span{id, start, time.Now()})
			mu.Unlock()
			return id, nil
		}
	}

	// Hold the worker so the rest queue up in a known order.
	started, release := make(chan struct{}), make(chan struct{})
	first := make(chan error, 1)
	go func() {
		_, err := r.Execute(context.Background(), "a", blockingOp(started, release))
		first <- err
	}()
	waitClosed(t, started, "first operation")

	const n = 5
	results := make(chan int, n)
	for i := 1; i <= n; i++ {
		go func() {
			v, err := r.Execute(context.Background(), "a", timed(i))
			assert.NoError(t, err)
			results <- v.(int)
		}()
		require.Eventually(t, func() bool { return s.Info().Queued == i }, time.Second, time.Millisecond)
	}

	close(release)
	require.NoError(t, <-first)
	for i := 0; i < n; i++ {
		<-results
	}

	require.Len(t, spans, n)
	for i, sp := range spans {
		assert.Equal(t, i+1, sp.id, "operation ran out of order")
		if i > 0 {
			assert.False(t, sp.start.Before(spans[i-1].end), "operations %d and %d overlapped", i, i+1)
		}
	}
}

func TestDifferentSessionsRunInParallel(t *testing.T) {
	r := newTestRegistry(t, &FakeDialer{}, nil)
	_, err := r.Connect(context.Background(), "a", target)
	require.NoError(t, err)
	_, err = r.Connect(context.Background(), "b", target)
	require.NoError(t, err)

	// a's operation can only finish once b's has run.
	bRan := make(chan struct{})
	errs := make(chan error, 2)
	go func() {
		_, err := r.Execute(context.Background(), "a", func(ctx context.Context, _ Remote) (any, error) {
			select {
			case <-bRan:
				return nil, nil
			case <-time.After(2 * time.Second):
				return nil, errors.New("session b was blocked behind session a")
			}
		})
		errs <- err
	}()
	go func() {
		_, err := r.Execute(context.Background(), "b", func(context.Context, Remote) (any, error) {
			close(bRan)
			return nil, nil
		})
		errs <- err
	}()

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}

func TestRemoteIOErrorMarksSessionError(t *testing.T) {
	d := &FakeDialer{}
	r := newTestRegistry(t, d, nil)
	_, err := r.Connect(context.Background(), "a", target)
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), "a", func(context.Context, Remote) (any, error) {
		return nil, fmt.Errorf("%w: broken pipe", ErrRemoteIO)
	})
	require.ErrorIs(t, err, ErrRemoteIO)
	assert.Equal(t, fault.CodeToolExecutionFailed, fault.CodeOf(err))

	info, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "error", info.State)
	assert.Contains(t, info.LastError, "broken pipe")

	// No silent retry and no silent reconnect.
	_, err = r.Execute(context.Background(), "a", noop)
	assert.ErrorIs(t, err, ErrSessionFailed)
	_, err = r.Connect(context.Background(), "a", target)
	assert.ErrorIs(t, err, ErrSessionFailed)
	assert.Equal(t, fault.CodeToolExecutionFailed, fault.CodeOf(err))
	assert.Equal(t, 1, d.Dials())

	require.NoError(t, r.Disconnect(context.Background(), "a"))
	_, err = r.Connect(context.Background(), "a", target)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Dials())
}

func TestOperationErrorKeepsSessionConnected(t *testing.T) {
	r := newTestRegistry(t, &FakeDialer{}, nil)
	s, err := r.Connect(context.Background(), "a", target)
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), "a", func(context.Context, Remote) (any, error) {
		return nil, errors.New("unknown key")
	})
	require.Error(t, err)
	assert.Equal(t, StateConnected, s.State())
}

func TestPanickingOperationIsContained(t *testing.T) {
	r := newTestRegistry(t, &FakeDialer{}, nil)
	s, err := r.Connect(context.Background(), "a", target)
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), "a", func(context.Context, Remote) (any, error) {
		panic("boom")
	})
	assert.ErrorIs(t, err, fault.ErrToolExecutionFailed)
	assert.Equal(t, StateConnected, s.State())

	_, err = r.Execute(context.Background(), "a", noop)
	assert.NoError(t, err)
}

func TestStateTransitionsAcrossOperations(t *testing.T) {
	rec := &recorder{}
	r := newTestRegistry(t, &FakeDialer{}, func(c *Config) { c.Observer = rec.observe })

	_, err := r.Connect(context.Background(), "vm1", target)
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), "vm1", noop)
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), "vm1", noop)
	require.NoError(t, err)

	assert.Equal(t, []transition{
		{"vm1", StateDisconnected, StateConnecting},
		{"vm1", StateConnecting, StateConnected},
		{"vm1", StateConnected, StateBusy},
		{"vm1", StateBusy, StateConnected},
		{"vm1", StateConnected, StateBusy},
		{"vm1", StateBusy, StateConnected},
	}, rec.forSession("vm1"))
}

func TestFullQueueReturnsBusy(t *testing.T) {
	r := newTestRegistry(t, &FakeDialer{}, func(c *Config) { c.QueueSize = 1 })
	s, err := r.Connect(context.Background(), "a", target)
	require.NoError(t, err)

	started, release := make(chan struct{}), make(chan struct{})
	defer close(release)
	go func() { _, _ = r.Execute(context.Background(), "a", blockingOp(started, release)) }()
	waitClosed(t, started, "running operation")

	go func() { _, _ = r.Execute(context.Background(), "a", noop) }()
	require.Eventually(t, func() bool { return s.Info().Queued == 1 }, time.Second, time.Millisecond)

	_, err = r.Execute(context.Background(), "a", noop)
	assert.ErrorIs(t, err, fault.ErrSessionBusy)
}

func TestCancelledQueuedOperationNeverRuns(t *testing.T) {
	r := newTestRegistry(t, &FakeDialer{}, nil)
	s, err := r.Connect(context.Background(), "a", target)
	require.NoError(t, err)

	started, release := make(chan struct{}), make(chan struct{})
	go func() { _, _ = r.Execute(context.Background(), "a", blockingOp(started, release)) }()
	waitClosed(t, started, "running operation")

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{}, 1)
	errc := make(chan error, 1)
	go func() {
		_, err := r.Execute(ctx, "a", func(context.Context, Remote) (any, error) {
			ran <- struct{}{}
			return nil, nil
		})
		errc <- err
	}()
	require.Eventually(t, func() bool { return s.Info().Queued == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	close(release)

	// Push a marker through so the cancelled job has been dequeued.
	_, err = r.Execute(context.Background(), "a", noop)
	require.NoError(t, err)
	select {
	case <-ran:
		t.Fatal("cancelled operation was dispatched")
	default:
	}
}

func TestDisconnectFailsQueuedOperations(t *testing.T) {
	r := newTestRegistry(t, &FakeDialer{}, nil)
	s, err := r.Connect(context.Background(), "a", target)
	require.NoError(t, err)

	started, release := make(chan struct{}), make(chan struct{})
	go func() { _, _ = r.Execute(context.Background(), "a", blockingOp(started, release)) }()
	waitClosed(t, started, "running operation")

	queued := make(chan error, 1)
	go func() {
		_, err := r.Execute(context.Background(), "a", noop)
		queued <- err
	}()
	require.Eventually(t, func() bool { return s.Info().Queued == 1 }, time.Second, time.Millisecond)

	disconnected := make(chan error, 1)
	go func() { disconnected <- r.Disconnect(context.Background(), "a") }()
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, time.Millisecond)
	close(release)

	assert.ErrorIs(t, <-queued, fault.ErrSessionNotFound)
	require.NoError(t, <-disconnected)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestListIsSorted(t *testing.T) {
	r := newTestRegistry(t, &FakeDialer{}, nil)
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		_, err := r.Connect(context.Background(), name, target)
		require.NoError(t, err)
	}

	infos := r.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "bravo", infos[1].Name)
	assert.Equal(t, "charlie", infos[2].Name)
	assert.Equal(t, "10.0.0.5:5901", infos[0].Addr)
	assert.Equal(t, "connected", infos[0].State)
}

func TestCloseDisconnectsEverything(t *testing.T) {
	d := &FakeDialer{}
	r := NewRegistry(Config{Dialer: d})
	for _, name := range []string{"a", "b"} {
		_, err := r.Connect(context.Background(), name, target)
		require.NoError(t, err)
	}

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 0, r.Len())
}
