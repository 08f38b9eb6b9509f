// ABOUTME: Registry of named remote-control sessions with idempotent connect.
// ABOUTME: Concurrent connects for one name collapse into a single handshake.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/2389/pilot-gateway/internal/clock"
	"github.com/2389/pilot-gateway/internal/fault"
)

// ErrSessionFailed indicates a session hit a remote I/O failure and must be
// disconnected before it can be used again.
var ErrSessionFailed = fmt.Errorf("%w: session failed", fault.ErrToolExecutionFailed)

// DefaultName is the session used when a caller does not name one.
const DefaultName = "default"

// Observer is told about every session state transition.
type Observer func(name string, from, to State)

// Config configures a Registry.
type Config struct {
	Dialer    Dialer
	Clock     clock.Clock
	Logger    *slog.Logger
	QueueSize int
	Observer  Observer
}

// Registry owns all named sessions.
type Registry struct {
	dialer    Dialer
	clock     clock.Clock
	logger    *slog.Logger
	queueSize int
	observer  Observer

	mu       sync.RWMutex
	sessions map[string]*Session
	connects singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	return &Registry{
		dialer:    cfg.Dialer,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", "sessions"),
		queueSize: cfg.QueueSize,
		observer:  cfg.Observer,
		sessions:  make(map[string]*Session),
	}
}

// Connect returns the live session called name, opening it against target
// if it does not exist. An existing Connected or Busy session is returned
// as is, whatever target is passed.
func (r *Registry) Connect(ctx context.Context, name string, target Target) (*Session, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: session name is required", fault.ErrInvalidArgument)
	}
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrInvalidArgument, err)
	}

	v, err, _ := r.connects.Do(name, func() (any, error) {
		return r.connect(ctx, name, target)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (r *Registry) connect(ctx context.Context, name string, target Target) (*Session, error) {
	if s := r.lookup(name); s != nil {
		switch st := s.State(); st {
		case StateConnected, StateBusy:
			r.logger.Debug("reusing session", "session", name, "addr", s.target.Addr())
			return s, nil
		default:
			return nil, fmt.Errorf("%w: session %q is %s; disconnect before reconnecting", ErrSessionFailed, name, st)
		}
	}
	if r.dialer == nil {
		return nil, fmt.Errorf("%w: no remote dialer configured", fault.ErrToolExecutionFailed)
	}

	s := newSession(r, name, target)
	s.setState(StateConnecting)

	remote, err := r.dialer.Dial(ctx, target)
	if err != nil {
		s.setState(StateDisconnected)
		r.logger.Warn("session connect failed", "session", name, "addr", target.Addr(), "error", err)
		return nil, fmt.Errorf("connect %q to %s: %w", name, target.Addr(), err)
	}
	s.remote = remote
	s.touch()

	r.mu.Lock()
	r.sessions[name] = s
	total := len(r.sessions)
	r.mu.Unlock()

	s.setState(StateConnected)
	go s.run()

	r.logger.Info("=== SESSION CONNECTED ===", "session", name, "addr", target.Addr(), "total_sessions", total)
	return s, nil
}

// Execute runs op on the named session after every operation queued
// before it.
func (r *Registry) Execute(ctx context.Context, name string, op Operation) (any, error) {
	s := r.lookup(name)
	if s == nil {
		return nil, fmt.Errorf("%w: %q", fault.ErrSessionNotFound, name)
	}
	return s.Execute(ctx, op)
}

// Disconnect closes the named session and removes it. Operations still
// queued fail with fault.ErrSessionNotFound. Unknown names are an error.
func (r *Registry) Disconnect(ctx context.Context, name string) error {
	r.mu.Lock()
	s, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
	}
	total := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", fault.ErrSessionNotFound, name)
	}

	err := s.shutdown(ctx)
	r.logger.Info("=== SESSION DISCONNECTED ===", "session", name, "total_sessions", total)
	return err
}

// Get returns a snapshot of the named session.
func (r *Registry) Get(name string) (Info, error) {
	s := r.lookup(name)
	if s == nil {
		return Info{}, fmt.Errorf("%w: %q", fault.ErrSessionNotFound, name)
	}
	return s.Info(), nil
}

// List returns snapshots of every session, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close disconnects every session in parallel.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			err := r.Disconnect(ctx, name)
			if errors.Is(err, fault.ErrSessionNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func (r *Registry) lookup(name string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[name]
}

func (r *Registry) notify(name string, from, to State) {
	r.logger.Debug("session state changed", "session", name, "from", from, "to", to)
	if r.observer != nil {
		r.observer(name, from, to)
	}
}
