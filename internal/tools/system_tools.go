// ABOUTME: Operating-system tools: console login, typed commands, and shortcuts.
// ABOUTME: Credentials are typed through the session; nothing is echoed back.

package tools

import (
	"context"
	"errors"
	"image"
	"strings"
	"time"

	"github.com/2389/pilot-gateway/internal/session"
	"github.com/2389/pilot-gateway/internal/vnc"
)

// Settle delays for login and command entry.
const (
	userSettle    = 500 * time.Millisecond
	loginSettle   = 2 * time.Second
	commandSettle = time.Second
)

type loginArgs struct {
	Name     string `json:"name,omitempty" jsonschema:"session name (default: default)"`
	Username string `json:"username" jsonschema:"account name"`
	Password string `json:"password" jsonschema:"account password"`
}

func (a *loginArgs) Validate() error {
	if a.Username == "" {
		return errors.New("username is required")
	}
	return nil
}

type commandArgs struct {
	Name    string `json:"name,omitempty" jsonschema:"session name (default: default)"`
	Command string `json:"command" jsonschema:"command line to type"`
}

func (a *commandArgs) Validate() error {
	if strings.TrimSpace(a.Command) == "" {
		return errors.New("command is required")
	}
	return nil
}

type shortcutArgs struct {
	Name     string `json:"name,omitempty" jsonschema:"session name (default: default)"`
	Shortcut string `json:"shortcut" jsonschema:"chord such as ctrl+alt+del"`
}

func (a *shortcutArgs) Validate() error {
	if a.Shortcut == "" {
		return errors.New("shortcut is required")
	}
	_, err := vnc.ParseChord(a.Shortcut)
	return err
}

func systemTools() []Tool {
	return []Tool{
		Spec[loginArgs]{
			Name:        "system_login",
			Description: "Log in at a console prompt: type the user name and password, each followed by Enter.",
			Class:       ClassRemote,
			SideEffects: true,
			Handler: func(ctx context.Context, env *Env, a loginArgs) (*Result, error) {
				_, err := env.Sessions.Execute(ctx, env.session(a.Name), func(ctx context.Context, r session.Remote) (any, error) {
					return nil, login(ctx, env, r, a.Username, a.Password)
				})
				if err != nil {
					return nil, err
				}
				return textResult("Submitted credentials for %s", a.Username), nil
			},
		},
		Spec[commandArgs]{
			Name:        "system_execute_command",
			Description: "Type a command, press Enter, and return a screenshot of the result.",
			Class:       ClassRemote,
			SideEffects: true,
			Handler: func(ctx context.Context, env *Env, a commandArgs) (*Result, error) {
				v, err := env.Sessions.Execute(ctx, env.session(a.Name), func(ctx context.Context, r session.Remote) (any, error) {
					if err := typeText(ctx, env, r, a.Command, keyGap); err != nil {
						return nil, err
					}
					if err := press(ctx, env, r, vnc.KeyEnter, 1); err != nil {
						return nil, err
					}
					if err := env.sleep(ctx, commandSettle); err != nil {
						return nil, err
					}
					return r.Capture(ctx)
				})
				if err != nil {
					return nil, err
				}
				frame, err := EncodeJPEG(v.(image.Image), DefaultResize, DefaultQuality)
				if err != nil {
					return nil, err
				}
				return screenshotResult(frame, "Ran %q", a.Command), nil
			},
		},
		Spec[shortcutArgs]{
			Name:        "system_send_shortcut",
			Description: "Send a key chord: modifiers are pressed in order and released in reverse.",
			Class:       ClassRemote,
			SideEffects: true,
			Handler: func(ctx context.Context, env *Env, a shortcutArgs) (*Result, error) {
				keys, _ := vnc.ParseChord(a.Shortcut)
				_, err := env.Sessions.Execute(ctx, env.session(a.Name), func(ctx context.Context, r session.Remote) (any, error) {
					return nil, chord(r, keys)
				})
				if err != nil {
					return nil, err
				}
				return textResult("Sent %s", strings.ToLower(a.Shortcut)), nil
			},
		},
	}
}

// login types the user name, waits for the password prompt, then types
// the password.
func login(ctx context.Context, env *Env, r session.Remote, username, password string) error {
	if err := typeText(ctx, env, r, username, keyGap); err != nil {
		return err
	}
	if err := press(ctx, env, r, vnc.KeyEnter, 1); err != nil {
		return err
	}
	if err := env.sleep(ctx, userSettle); err != nil {
		return err
	}
	if password != "" {
		if err := typeText(ctx, env, r, password, keyGap); err != nil {
			return err
		}
	}
	if err := press(ctx, env, r, vnc.KeyEnter, 1); err != nil {
		return err
	}
	return env.sleep(ctx, loginSettle)
}
