// ABOUTME: Firmware setup (UEFI/BIOS) tools built from key sequences with settle delays.
// ABOUTME: Every multi-key sequence runs as one session operation.

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

// Settle delays after firmware key sequences.
const (
	enterSettle    = 2 * time.Second
	navigateSettle = 300 * time.Millisecond
	selectSettle   = 500 * time.Millisecond
	saveSettle     = time.Second
	bootMenuSettle = 500 * time.Millisecond
	bootStepSettle = 200 * time.Millisecond
)

type uefiEnterArgs struct {
	Name string `json:"name,omitempty" jsonschema:"session name (default: default)"`
	Key  string `json:"key,omitempty" jsonschema:"setup key (default f2)"`
}

func (a *uefiEnterArgs) Validate() error {
	_, err := vnc.Keysym(a.Key)
	return err
}

type uefiNavigateArgs struct {
	Name      string `json:"name,omitempty" jsonschema:"session name (default: default)"`
	Direction string `json:"direction" jsonschema:"up, down, left, or right"`
	Steps     int    `json:"steps,omitempty" jsonschema:"number of presses (default 1)"`
}

func (a *uefiNavigateArgs) Validate() error {
	switch strings.ToLower(a.Direction) {
	case "up", "down", "left", "right":
	default:
		return fmt.Errorf("direction %q must be up, down, left, or right", a.Direction)
	}
	if a.Steps < 1 || a.Steps > 50 {
		return fmt.Errorf("steps %d out of range 1-50", a.Steps)
	}
	return nil
}

type bootOrderArgs struct {
	Name    string   `json:"name,omitempty" jsonschema:"session name (default: default)"`
	Devices []string `json:"devices" jsonschema:"boot devices in the desired order"`
}

func (a *bootOrderArgs) Validate() error {
	if len(a.Devices) == 0 {
		return errors.New("devices is required")
	}
	return nil
}

func firmwareTools() []Tool {
	return []Tool{
		Spec[uefiEnterArgs]{
			Name:        "uefi_enter",
			Description: "Press the firmware setup key, wait for setup to draw, and return a screenshot.",
			Class:       ClassRemote,
			SideEffects: true,
			Defaults:    uefiEnterArgs{Key: "f2"},
			Handler:     uefiEnter,
		},
		Spec[nameArgs]{
			Name:        "uefi_detect_screen",
			Description: "Classify the current screen as firmware, console, login, desktop, or blank.",
			Class:       ClassRemote,
			Handler: func(ctx context.Context, env *Env, a nameArgs) (*Result, error) {
				name := env.session(a.Name)
				img, err := capture(ctx, env, name)
				if err != nil {
					return nil, err
				}
				screen := env.Inspector.Classify(nil, img)
				frame, err := EncodeJPEG(img, DefaultResize, DefaultQuality)
				if err != nil {
					return nil, err
				}
				res := screenshotResult(frame, "Screen of %q looks like %s", name, screen)
				res.Data.(map[string]any)["screen"] = screen
				return res, nil
			},
		},
		Spec[uefiNavigateArgs]{
			Name:        "uefi_navigate",
			Description: "Move through firmware menus with the arrow keys.",
			Class:       ClassRemote,
			SideEffects: true,
			Defaults:    uefiNavigateArgs{Steps: 1},
			Handler: func(ctx context.Context, env *Env, a uefiNavigateArgs) (*Result, error) {
				key, _ := vnc.Keysym(a.Direction)
				err := keySequence(ctx, env, a.Name, []keyStep{{key, a.Steps, navigateSettle}})
				if err != nil {
					return nil, err
				}
				return textResult("Moved %s x%d", strings.ToLower(a.Direction), a.Steps), nil
			},
		},
		Spec[nameArgs]{
			Name:        "uefi_select",
			Description: "Select the highlighted firmware option (Enter).",
			Class:       ClassRemote,
			SideEffects: true,
			Handler: func(ctx context.Context, env *Env, a nameArgs) (*Result, error) {
				if err := keySequence(ctx, env, a.Name, []keyStep{{vnc.KeyEnter, 1, selectSettle}}); err != nil {
					return nil, err
				}
				return textResult("Selected"), nil
			},
		},
		Spec[nameArgs]{
			Name:        "uefi_back",
			Description: "Leave the current firmware menu (Escape).",
			Class:       ClassRemote,
			SideEffects: true,
			Handler: func(ctx context.Context, env *Env, a nameArgs) (*Result, error) {
				if err := keySequence(ctx, env, a.Name, []keyStep{{vnc.KeyEscape, 1, selectSettle}}); err != nil {
					return nil, err
				}
				return textResult("Went back"), nil
			},
		},
		Spec[nameArgs]{
			Name:        "uefi_save_exit",
			Description: "Save firmware settings and exit (F10, confirm with Enter).",
			Class:       ClassRemote,
			SideEffects: true,
			Handler: func(ctx context.Context, env *Env, a nameArgs) (*Result, error) {
				if err := keySequence(ctx, env, a.Name, saveExitSequence()); err != nil {
					return nil, err
				}
				return textResult("Saved settings and exited setup"), nil
			},
		},
		Spec[bootOrderArgs]{
			Name:        "uefi_set_boot_order",
			Description: "Open the boot priority list and raise each listed device in turn.",
			Class:       ClassRemote,
			SideEffects: true,
			Handler: func(ctx context.Context, env *Env, a bootOrderArgs) (*Result, error) {
				if err := keySequence(ctx, env, a.Name, bootOrderSequence(len(a.Devices))); err != nil {
					return nil, err
				}
				return textResult("Boot order set: %s", strings.Join(a.Devices, " -> ")), nil
			},
		},
	}
}

func uefiEnter(ctx context.Context, env *Env, a uefiEnterArgs) (*Result, error) {
	key, _ := vnc.Keysym(a.Key)
	name := env.session(a.Name)
	v, err := env.Sessions.Execute(ctx, name, func(ctx context.Context, r session.Remote) (any, error) {
		if err := press(ctx, env, r, key, 1); err != nil {
			return nil, err
		}
		if err := env.sleep(ctx, enterSettle); err != nil {
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
	return screenshotResult(frame, "Pressed %s to enter setup", strings.ToLower(a.Key)), nil
}

// keyStep presses key count times and then waits settle.
type keyStep struct {
	key    uint32
	count  int
	settle time.Duration
}

func keySequence(ctx context.Context, env *Env, name string, steps []keyStep) error {
	_, err := env.Sessions.Execute(ctx, env.session(name), func(ctx context.Context, r session.Remote) (any, error) {
		return nil, runKeySteps(ctx, env, r, steps)
	})
	return err
}

func runKeySteps(ctx context.Context, env *Env, r session.Remote, steps []keyStep) error {
	for _, s := range steps {
		if err := press(ctx, env, r, s.key, s.count); err != nil {
			return err
		}
		if err := env.sleep(ctx, s.settle); err != nil {
			return err
		}
	}
	return nil
}

func saveExitSequence() []keyStep {
	return []keyStep{
		{vnc.KeyF10, 1, saveSettle},
		{vnc.KeyEnter, 1, 0},
	}
}

func bootOrderSequence(devices int) []keyStep {
	steps := []keyStep{
		{vnc.KeyRight, 2, bootMenuSettle},
		{vnc.KeyDown, 2, navigateSettle},
		{vnc.KeyEnter, 1, navigateSettle},
	}
	for i := 0; i < devices; i++ {
		steps = append(steps,
			keyStep{vnc.KeyDown, 1, bootStepSettle},
			keyStep{vnc.KeyF5, 1, bootStepSettle}, // raises priority
		)
	}
	return steps
}
