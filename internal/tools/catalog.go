// ABOUTME: Typed tool specs, the closed catalog of tool names, and the handler env.
// ABOUTME: Spec[A] decodes arguments strictly over defaults and validates them.

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/2389/pilot-gateway/internal/browser"
	"github.com/2389/pilot-gateway/internal/clock"
	"github.com/2389/pilot-gateway/internal/fault"
	"github.com/2389/pilot-gateway/internal/session"
)

// Class groups tools by what they drive.
type Class string

const (
	ClassBrowser Class = "browser"
	ClassRemote  Class = "remote"
	ClassSaga    Class = "saga"
)

// Names is the closed set of tool names. NewExecutor refuses any spec set
// that does not cover exactly these.
var Names = []string{
	"browser_navigate",
	"browser_screenshot",
	"browser_get_text",
	"browser_get_elements",
	"browser_evaluate",
	"vnc_connect",
	"vnc_disconnect",
	"vnc_screenshot",
	"vnc_key_press",
	"vnc_type_text",
	"vnc_mouse_click",
	"vnc_mouse_move",
	"vnc_mouse_drag",
	"vnc_status",
	"uefi_enter",
	"uefi_detect_screen",
	"uefi_navigate",
	"uefi_select",
	"uefi_back",
	"uefi_save_exit",
	"uefi_set_boot_order",
	"system_login",
	"system_execute_command",
	"system_send_shortcut",
	"vnc_boot_to_os",
}

// Browser is the browser backend.
type Browser interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*browser.Result, error)
}

// Env is what a handler runs with.
type Env struct {
	Clock     clock.Clock
	Sessions  *session.Registry
	Browser   Browser
	Inspector Inspector
	Verifier  Verifier
	Logger    *slog.Logger

	// BootWait is how long vnc_boot_to_os waits for a login prompt when
	// the call does not say.
	BootWait time.Duration

	// Session is the session the agent named on the call. It applies
	// when the arguments do not name one.
	Session string
}

// DefaultBootWait applies when neither the call nor the config sets one.
const DefaultBootWait = 120 * time.Second

func (e *Env) bootWait(seconds int) time.Duration {
	switch {
	case seconds > 0:
		return time.Duration(seconds) * time.Second
	case e.BootWait > 0:
		return e.BootWait
	default:
		return DefaultBootWait
	}
}

// session resolves the session a call targets.
func (e *Env) session(name string) string {
	switch {
	case name != "":
		return name
	case e.Session != "":
		return e.Session
	default:
		return session.DefaultName
	}
}

func (e *Env) sleep(ctx context.Context, d time.Duration) error {
	return clock.SleepContext(ctx, e.Clock, d)
}

// Handler runs one tool call with decoded, validated arguments.
type Handler[A any] func(ctx context.Context, env *Env, args A) (*Result, error)

// Spec is one catalog entry.
type Spec[A any] struct {
	Name        string
	Description string
	Class       Class
	SideEffects bool
	// Timeout bounds a call when the agent does not set one. Zero uses
	// the executor default.
	Timeout time.Duration
	// Defaults is the value arguments are decoded over.
	Defaults A
	Handler  Handler[A]
}

// Tool is a Spec with its argument type erased. Only Spec implements it.
type Tool interface {
	describe() (Descriptor, error)
	timeout() time.Duration
	invoke(ctx context.Context, env *Env, raw json.RawMessage) (*Result, error)
}

// Descriptor is the client-facing description of a tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Class       Class           `json:"class"`
	SideEffects bool            `json:"side_effects"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type validator interface {
	Validate() error
}

func (s Spec[A]) describe() (Descriptor, error) {
	if s.Handler == nil {
		return Descriptor{}, fmt.Errorf("tool %q has no handler", s.Name)
	}
	schema, err := jsonschema.For[A](nil)
	if err != nil {
		return Descriptor{}, fmt.Errorf("tool %q schema: %w", s.Name, err)
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return Descriptor{}, fmt.Errorf("tool %q schema: %w", s.Name, err)
	}
	return Descriptor{
		Name:        s.Name,
		Description: s.Description,
		Class:       s.Class,
		SideEffects: s.SideEffects,
		InputSchema: raw,
	}, nil
}

func (s Spec[A]) timeout() time.Duration { return s.Timeout }

func (s Spec[A]) invoke(ctx context.Context, env *Env, raw json.RawMessage) (*Result, error) {
	args := s.Defaults
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&args); err != nil {
			return nil, fmt.Errorf("%w: %s arguments: %v", fault.ErrInvalidArgument, s.Name, err)
		}
	}
	if v, ok := any(&args).(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", fault.ErrInvalidArgument, s.Name, err)
		}
	}
	return s.Handler(ctx, env, args)
}

// Catalog returns a spec for every name in Names.
func Catalog() []Tool {
	var out []Tool
	out = append(out, browserTools()...)
	out = append(out, remoteTools()...)
	out = append(out, firmwareTools()...)
	out = append(out, systemTools()...)
	out = append(out, sagaTools()...)
	return out
}
