// ABOUTME: Remote-control tools: connect, screenshots, keyboard, and mouse.
// ABOUTME: Each call is one operation on its session's serialized queue.

package tools

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/2389/pilot-gateway/internal/session"
	"github.com/2389/pilot-gateway/internal/vnc"
)

// Input pacing.
const (
	keyGap      = 50 * time.Millisecond
	pointerGap  = 50 * time.Millisecond
	defaultPort = 5901
)

// Pointer button masks.
const (
	buttonLeft   uint8 = 1 << 0
	buttonMiddle uint8 = 1 << 1
	buttonRight  uint8 = 1 << 2
)

type connectArgs struct {
	Host     string `json:"host" jsonschema:"VNC server host"`
	Port     int    `json:"port,omitempty" jsonschema:"VNC server port (default 5901)"`
	Password string `json:"password,omitempty" jsonschema:"VNC password"`
	Name     string `json:"name,omitempty" jsonschema:"session name (default: default)"`
}

func (a *connectArgs) Validate() error {
	if a.Host == "" {
		return errors.New("host is required")
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("port %d out of range", a.Port)
	}
	return nil
}

type nameArgs struct {
	Name string `json:"name,omitempty" jsonschema:"session name (default: default)"`
}

type screenshotArgs struct {
	Name    string `json:"name,omitempty" jsonschema:"session name (default: default)"`
	Resize  int    `json:"resize,omitempty" jsonschema:"longest side in pixels after scaling, 0 keeps the full size"`
	Quality int    `json:"quality,omitempty" jsonschema:"JPEG quality 1-100 (default 85)"`
}

func (a *screenshotArgs) Validate() error {
	if a.Resize < 0 {
		return fmt.Errorf("resize %d is negative", a.Resize)
	}
	if a.Quality < 1 || a.Quality > 100 {
		return fmt.Errorf("quality %d out of range 1-100", a.Quality)
	}
	return nil
}

type keyPressArgs struct {
	Name  string `json:"name,omitempty" jsonschema:"session name (default: default)"`
	Key   string `json:"key" jsonschema:"key name such as enter, f2, down, a, or a chord like ctrl+c"`
	Count int    `json:"count,omitempty" jsonschema:"number of presses (default 1)"`
}

func (a *keyPressArgs) Validate() error {
	if a.Key == "" {
		return errors.New("key is required")
	}
	if a.Count < 1 || a.Count > 100 {
		return fmt.Errorf("count %d out of range 1-100", a.Count)
	}
	_, err := parseKey(a.Key)
	return err
}

type typeTextArgs struct {
	Name       string `json:"name,omitempty" jsonschema:"session name (default: default)"`
	Text       string `json:"text" jsonschema:"text to type"`
	IntervalMS int    `json:"interval_ms,omitempty" jsonschema:"delay between characters in milliseconds (default 50)"`
}

func (a *typeTextArgs) Validate() error {
	if a.Text == "" {
		return errors.New("text is required")
	}
	if a.IntervalMS < 0 {
		return fmt.Errorf("interval_ms %d is negative", a.IntervalMS)
	}
	return nil
}

type clickArgs struct {
	Name   string `json:"name,omitempty" jsonschema:"session name (default: default)"`
	X      int    `json:"x" jsonschema:"horizontal position in screen pixels"`
	Y      int    `json:"y" jsonschema:"vertical position in screen pixels"`
	Button int    `json:"button,omitempty" jsonschema:"1 left, 2 middle, 3 right (default 1)"`
	Double bool   `json:"double,omitempty" jsonschema:"double click"`
}

func (a *clickArgs) Validate() error {
	if err := validPoint(a.X, a.Y); err != nil {
		return err
	}
	if _, err := buttonMask(a.Button); err != nil {
		return err
	}
	return nil
}

type moveArgs struct {
	Name string `json:"name,omitempty" jsonschema:"session name (default: default)"`
	X    int    `json:"x" jsonschema:"horizontal position in screen pixels"`
	Y    int    `json:"y" jsonschema:"vertical position in screen pixels"`
}

func (a *moveArgs) Validate() error { return validPoint(a.X, a.Y) }

type dragArgs struct {
	Name   string `json:"name,omitempty" jsonschema:"session name (default: default)"`
	StartX int    `json:"start_x" jsonschema:"drag start x"`
	StartY int    `json:"start_y" jsonschema:"drag start y"`
	EndX   int    `json:"end_x" jsonschema:"drag end x"`
	EndY   int    `json:"end_y" jsonschema:"drag end y"`
}

func (a *dragArgs) Validate() error {
	if err := validPoint(a.StartX, a.StartY); err != nil {
		return err
	}
	return validPoint(a.EndX, a.EndY)
}

type statusArgs struct{}

func validPoint(x, y int) error {
	if x < 0 || y < 0 || x > 0xffff || y > 0xffff {
		return fmt.Errorf("point (%d,%d) out of range", x, y)
	}
	return nil
}

func buttonMask(button int) (uint8, error) {
	switch button {
	case 1:
		return buttonLeft, nil
	case 2:
		return buttonMiddle, nil
	case 3:
		return buttonRight, nil
	default:
		return 0, fmt.Errorf("button %d must be 1, 2, or 3", button)
	}
}

func remoteTools() []Tool {
	return []Tool{
		Spec[connectArgs]{
			Name:        "vnc_connect",
			Description: "Connect a named session to a VNC server. Reuses the session if it is already connected.",
			Class:       ClassRemote,
			SideEffects: true,
			Defaults:    connectArgs{Port: defaultPort},
			Handler:     vncConnect,
		},
		Spec[nameArgs]{
			Name:        "vnc_disconnect",
			Description: "Close a session.",
			Class:       ClassRemote,
			SideEffects: true,
			Handler: func(ctx context.Context, env *Env, a nameArgs) (*Result, error) {
				name := env.session(a.Name)
				if err := env.Sessions.Disconnect(ctx, name); err != nil {
					return nil, err
				}
				return textResult("Disconnected session %q", name), nil
			},
		},
		Spec[screenshotArgs]{
			Name:        "vnc_screenshot",
			Description: "Capture the remote screen as a JPEG.",
			Class:       ClassRemote,
			Defaults:    screenshotArgs{Resize: DefaultResize, Quality: DefaultQuality},
			Handler: func(ctx context.Context, env *Env, a screenshotArgs) (*Result, error) {
				name := env.session(a.Name)
				img, err := capture(ctx, env, name)
				if err != nil {
					return nil, err
				}
				frame, err := EncodeJPEG(img, a.Resize, a.Quality)
				if err != nil {
					return nil, err
				}
				return screenshotResult(frame, "Screenshot of %q (%dx%d)", name, frame.Width, frame.Height), nil
			},
		},
		Spec[keyPressArgs]{
			Name:        "vnc_key_press",
			Description: "Press a key or chord one or more times.",
			Class:       ClassRemote,
			SideEffects: true,
			Defaults:    keyPressArgs{Count: 1},
			Handler: func(ctx context.Context, env *Env, a keyPressArgs) (*Result, error) {
				keys, _ := parseKey(a.Key)
				_, err := env.Sessions.Execute(ctx, env.session(a.Name), func(ctx context.Context, r session.Remote) (any, error) {
					return nil, pressRepeated(ctx, env, r, keys, a.Count)
				})
				if err != nil {
					return nil, err
				}
				return textResult("Pressed %s x%d", a.Key, a.Count), nil
			},
		},
		Spec[typeTextArgs]{
			Name:        "vnc_type_text",
			Description: "Type text one character at a time.",
			Class:       ClassRemote,
			SideEffects: true,
			Defaults:    typeTextArgs{IntervalMS: 50},
			Handler: func(ctx context.Context, env *Env, a typeTextArgs) (*Result, error) {
				interval := time.Duration(a.IntervalMS) * time.Millisecond
				_, err := env.Sessions.Execute(ctx, env.session(a.Name), func(ctx context.Context, r session.Remote) (any, error) {
					return nil, typeText(ctx, env, r, a.Text, interval)
				})
				if err != nil {
					return nil, err
				}
				return textResult("Typed %d characters", len([]rune(a.Text))), nil
			},
		},
		Spec[clickArgs]{
			Name:        "vnc_mouse_click",
			Description: "Move the pointer and click.",
			Class:       ClassRemote,
			SideEffects: true,
			Defaults:    clickArgs{Button: 1},
			Handler: func(ctx context.Context, env *Env, a clickArgs) (*Result, error) {
				mask, _ := buttonMask(a.Button)
				_, err := env.Sessions.Execute(ctx, env.session(a.Name), func(ctx context.Context, r session.Remote) (any, error) {
					return nil, click(ctx, env, r, uint16(a.X), uint16(a.Y), mask, a.Double)
				})
				if err != nil {
					return nil, err
				}
				kind := "Clicked"
				if a.Double {
					kind = "Double-clicked"
				}
				return textResult("%s button %d at (%d,%d)", kind, a.Button, a.X, a.Y), nil
			},
		},
		Spec[moveArgs]{
			Name:        "vnc_mouse_move",
			Description: "Move the pointer.",
			Class:       ClassRemote,
			SideEffects: true,
			Handler: func(ctx context.Context, env *Env, a moveArgs) (*Result, error) {
				_, err := env.Sessions.Execute(ctx, env.session(a.Name), func(ctx context.Context, r session.Remote) (any, error) {
					return nil, r.PointerEvent(0, uint16(a.X), uint16(a.Y))
				})
				if err != nil {
					return nil, err
				}
				return textResult("Moved pointer to (%d,%d)", a.X, a.Y), nil
			},
		},
		Spec[dragArgs]{
			Name:        "vnc_mouse_drag",
			Description: "Drag with the left button held from one point to another.",
			Class:       ClassRemote,
			SideEffects: true,
			Handler: func(ctx context.Context, env *Env, a dragArgs) (*Result, error) {
				_, err := env.Sessions.Execute(ctx, env.session(a.Name), func(ctx context.Context, r session.Remote) (any, error) {
					return nil, drag(ctx, env, r, a)
				})
				if err != nil {
					return nil, err
				}
				return textResult("Dragged (%d,%d) to (%d,%d)", a.StartX, a.StartY, a.EndX, a.EndY), nil
			},
		},
		Spec[statusArgs]{
			Name:        "vnc_status",
			Description: "List every session with its state.",
			Class:       ClassRemote,
			Handler: func(ctx context.Context, env *Env, _ statusArgs) (*Result, error) {
				infos := env.Sessions.List()
				if len(infos) == 0 {
					return textResult("No sessions").withData(infos), nil
				}
				lines := make([]string, 0, len(infos))
				for _, info := range infos {
					lines = append(lines, fmt.Sprintf("%s: %s (%s)", info.Name, info.State, info.Addr))
				}
				return textResult("%s", strings.Join(lines, "\n")).withData(infos), nil
			},
		},
	}
}

func vncConnect(ctx context.Context, env *Env, a connectArgs) (*Result, error) {
	name := env.session(a.Name)
	s, err := env.Sessions.Connect(ctx, name, session.Target{Host: a.Host, Port: a.Port, Password: a.Password})
	if err != nil {
		return nil, err
	}
	info := s.Info()
	return textResult("Session %q connected to %s", name, info.Addr).withData(info), nil
}

// parseKey resolves a single key name or a "+" chord.
func parseKey(key string) ([]uint32, error) {
	if len(key) > 1 && strings.Contains(key, "+") {
		return vnc.ParseChord(key)
	}
	ks, err := vnc.Keysym(key)
	if err != nil {
		return nil, err
	}
	return []uint32{ks}, nil
}

// chord presses keys in order and releases them in reverse.
func chord(r session.Remote, keys []uint32) error {
	for _, k := range keys {
		if err := r.KeyEvent(k, true); err != nil {
			return err
		}
	}
	for i := len(keys) - 1; i >= 0; i-- {
		if err := r.KeyEvent(keys[i], false); err != nil {
			return err
		}
	}
	return nil
}

// pressRepeated sends keys count times, keyGap apart.
func pressRepeated(ctx context.Context, env *Env, r session.Remote, keys []uint32, count int) error {
	for i := 0; i < count; i++ {
		if i > 0 {
			if err := env.sleep(ctx, keyGap); err != nil {
				return err
			}
		}
		if err := chord(r, keys); err != nil {
			return err
		}
	}
	return nil
}

func press(ctx context.Context, env *Env, r session.Remote, keysym uint32, count int) error {
	return pressRepeated(ctx, env, r, []uint32{keysym}, count)
}

func typeText(ctx context.Context, env *Env, r session.Remote, text string, interval time.Duration) error {
	first := true
	for _, ch := range text {
		if !first {
			if err := env.sleep(ctx, interval); err != nil {
				return err
			}
		}
		first = false
		if err := chord(r, []uint32{vnc.RuneKeysym(ch)}); err != nil {
			return err
		}
	}
	return nil
}

func click(ctx context.Context, env *Env, r session.Remote, x, y uint16, mask uint8, double bool) error {
	if err := r.PointerEvent(0, x, y); err != nil {
		return err
	}
	if err := env.sleep(ctx, pointerGap); err != nil {
		return err
	}
	clicks := 1
	if double {
		clicks = 2
	}
	for i := 0; i < clicks; i++ {
		if err := r.PointerEvent(mask, x, y); err != nil {
			return err
		}
		if err := r.PointerEvent(0, x, y); err != nil {
			return err
		}
	}
	return nil
}

func drag(ctx context.Context, env *Env, r session.Remote, a dragArgs) error {
	steps := []struct {
		mask uint8
		x, y int
	}{
		{0, a.StartX, a.StartY},
		{buttonLeft, a.StartX, a.StartY},
		{buttonLeft, a.EndX, a.EndY},
		{0, a.EndX, a.EndY},
	}
	for i, s := range steps {
		if i > 0 {
			if err := env.sleep(ctx, pointerGap); err != nil {
				return err
			}
		}
		if err := r.PointerEvent(s.mask, uint16(s.x), uint16(s.y)); err != nil {
			return err
		}
	}
	return nil
}

// capture takes one screenshot on the named session.
func capture(ctx context.Context, env *Env, name string) (image.Image, error) {
	v, err := env.Sessions.Execute(ctx, name, func(ctx context.Context, r session.Remote) (any, error) {
		return r.Capture(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(image.Image), nil
}
