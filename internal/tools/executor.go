// ABOUTME: Executor dispatches tool calls through the validated catalog.
// ABOUTME: Applies per-call timeouts on the clock and converts failures to error results.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/pilot-gateway/internal/clock"
	"github.com/2389/pilot-gateway/internal/fault"
	"github.com/2389/pilot-gateway/internal/session"
)

// DefaultCallTimeout bounds a call when neither the agent nor the catalog
// sets a timeout.
const DefaultCallTimeout = 60 * time.Second

// Call is one tool invocation.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	// Session is the default session for remote tools.
	Session string
	// Timeout overrides the catalog timeout when positive.
	Timeout time.Duration
}

// Observer is told about every finished call.
type Observer func(tool string, code fault.Code, elapsed time.Duration)

// Config configures an Executor.
type Config struct {
	Sessions    *session.Registry
	Browser     Browser
	Inspector   Inspector
	Verifier    Verifier
	Clock       clock.Clock
	Logger      *slog.Logger
	CallTimeout time.Duration
	// BootWait is the default login wait of vnc_boot_to_os.
	BootWait time.Duration
	Observer Observer
	// Tools defaults to Catalog().
	Tools []Tool
}

// Executor runs tool calls.
type Executor struct {
	tools       map[string]Tool
	descriptors []Descriptor
	env         Env
	callTimeout time.Duration
	observer    Observer
	logger      *slog.Logger
}

// NewExecutor validates the tool set against Names and builds the dispatch
// table.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("tools: session registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Inspector == nil {
		cfg.Inspector = NewColorInspector()
	}
	if cfg.Verifier == nil {
		cfg.Verifier = &SSHVerifier{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Tools == nil {
		cfg.Tools = Catalog()
	}

	byName := make(map[string]Tool, len(cfg.Tools))
	described := make(map[string]Descriptor, len(cfg.Tools))
	var errs []error
	for _, t := range cfg.Tools {
		d, err := t.describe()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := byName[d.Name]; dup {
			errs = append(errs, fmt.Errorf("tool %q registered twice", d.Name))
			continue
		}
		byName[d.Name] = t
		described[d.Name] = d
	}

	known := make(map[string]bool, len(Names))
	descriptors := make([]Descriptor, 0, len(Names))
	for _, name := range Names {
		known[name] = true
		d, ok := described[name]
		if !ok {
			errs = append(errs, fmt.Errorf("tool %q has no handler", name))
			continue
		}
		descriptors = append(descriptors, d)
	}
	for name := range byName {
		if !known[name] {
			errs = append(errs, fmt.Errorf("tool %q is not in the catalog", name))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("tools: invalid catalog: %w", errors.Join(errs...))
	}

	logger := cfg.Logger.With("component", "tools")
	return &Executor{
		tools:       byName,
		descriptors: descriptors,
		env: Env{
			Clock:     cfg.Clock,
			Sessions:  cfg.Sessions,
			Browser:   cfg.Browser,
			Inspector: cfg.Inspector,
			Verifier:  cfg.Verifier,
			Logger:    logger,
			BootWait:  cfg.BootWait,
		},
		callTimeout: cfg.CallTimeout,
		observer:    cfg.Observer,
		logger:      logger,
	}, nil
}

// Descriptors lists the catalog in catalog order.
func (e *Executor) Descriptors() []Descriptor {
	return append([]Descriptor(nil), e.descriptors...)
}

// Has reports whether name is a catalog tool.
func (e *Executor) Has(name string) bool {
	_, ok := e.tools[name]
	return ok
}

// Execute runs call and always returns a result. Failures, including a
// timeout or ctx ending, come back as error results with a fault code.
func (e *Executor) Execute(ctx context.Context, call Call) *Result {
	start := e.env.Clock.Now()

	res, err := e.run(ctx, call)
	if err != nil {
		res = fail(res, err)
	}
	if res == nil {
		res = &Result{}
	}
	res.CallID = call.ID
	res.Tool = call.Name

	elapsed := clock.Since(e.env.Clock, start)
	if res.IsError {
		e.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID,
			"code", res.Code, "duration_ms", elapsed.Milliseconds(), "error", err)
	} else {
		e.logger.Info("tool call completed", "tool", call.Name, "call_id", call.ID,
			"duration_ms", elapsed.Milliseconds())
	}
	if e.observer != nil {
		e.observer(call.Name, res.Code, elapsed)
	}
	return res
}

func (e *Executor) run(ctx context.Context, call Call) (res *Result, err error) {
	tool, ok := e.tools[call.Name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tool %q", fault.ErrInvalidArgument, call.Name)
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = tool.timeout()
	}
	if timeout <= 0 {
		timeout = e.callTimeout
	}
	ctx, cancel := clock.WithTimeout(ctx, e.env.Clock, timeout,
		fmt.Errorf("%w: %s exceeded %s", fault.ErrTimeout, call.Name, timeout))
	defer cancel()

	env := e.env
	env.Session = call.Session

	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("%w: %s panicked: %v", fault.ErrToolExecutionFailed, call.Name, p)
		}
	}()
	return tool.invoke(ctx, &env, call.Arguments)
}
