// ABOUTME: vnc_boot_to_os: connect, leave firmware setup, wait for login, log in, verify.
// ABOUTME: Records a step trace; only read-only steps are retried.

package tools

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/2389/pilot-gateway/internal/clock"
	"github.com/2389/pilot-gateway/internal/fault"
	"github.com/2389/pilot-gateway/internal/session"
)

// Boot saga pacing.
const (
	pollInitial    = time.Second
	pollMax        = 8 * time.Second
	readAttempts   = 3
	readRetryDelay = 500 * time.Millisecond
	sagaTimeout    = 10 * time.Minute
	maxBootWait    = 480
)

type bootArgs struct {
	Host          string `json:"host" jsonschema:"VNC server host"`
	Port          int    `json:"port,omitempty" jsonschema:"VNC server port (default 5901)"`
	Password      string `json:"password,omitempty" jsonschema:"VNC password"`
	Name          string `json:"name,omitempty" jsonschema:"session name (default: default)"`
	Username      string `json:"username,omitempty" jsonschema:"OS account to log in with, skipped when empty"`
	UserPassword  string `json:"user_password,omitempty" jsonschema:"OS account password"`
	TimeoutS      int    `json:"timeout_s,omitempty" jsonschema:"seconds to wait for a login prompt (default: the configured boot timeout)"`
	VerifyCommand string `json:"verify_command,omitempty" jsonschema:"read-only command run over SSH after login"`
	SSHPort       int    `json:"ssh_port,omitempty" jsonschema:"SSH port for verify_command, screenshot verification when 0"`
}

func (a *bootArgs) Validate() error {
	var errs []error
	if a.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if a.Port <= 0 || a.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", a.Port))
	}
	if a.TimeoutS < 0 || a.TimeoutS > maxBootWait {
		errs = append(errs, fmt.Errorf("timeout_s %d out of range 0-%d", a.TimeoutS, maxBootWait))
	}
	if a.SSHPort < 0 || a.SSHPort > 65535 {
		errs = append(errs, fmt.Errorf("ssh_port %d out of range", a.SSHPort))
	}
	if a.SSHPort > 0 && (a.VerifyCommand == "" || a.Username == "") {
		errs = append(errs, errors.New("ssh_port needs verify_command and username"))
	}
	return errors.Join(errs...)
}

func sagaTools() []Tool {
	return []Tool{
		Spec[bootArgs]{
			Name: "vnc_boot_to_os",
			Description: "Drive a machine from firmware setup to a logged-in OS: connect, save and exit setup " +
				"if it is showing, wait for a login prompt, log in, and verify. Returns a step trace.",
			Class:       ClassSaga,
			SideEffects: true,
			Timeout:     sagaTimeout,
			Defaults:    bootArgs{Port: defaultPort},
			Handler:     bootToOS,
		},
	}
}

// saga accumulates the step trace of one run.
type saga struct {
	env   *Env
	name  string
	steps []Step
	last  image.Image
}

func (s *saga) record(name string, start time.Time, attempts int, err error) {
	st := Step{
		Name:       name,
		DurationMS: since(start, s.env.Clock.Now()),
		Outcome:    StepOK,
		Attempts:   attempts,
	}
	if err != nil {
		st.Outcome = StepFailed
		st.Cause = err.Error()
	}
	s.steps = append(s.steps, st)
}

func (s *saga) skip(name, reason string) {
	s.steps = append(s.steps, Step{Name: name, Outcome: StepSkipped, Cause: reason})
}

// once runs a side-effecting step exactly once.
func (s *saga) once(ctx context.Context, name string, fn func(context.Context) error) error {
	start := s.env.Clock.Now()
	err := fn(ctx)
	s.record(name, start, 1, err)
	return err
}

// read runs a read-only step, retrying failures with a growing delay.
func (s *saga) read(ctx context.Context, name string, fn func(context.Context) error) error {
	start := s.env.Clock.Now()
	var err error
	attempt := 0
	for attempt < readAttempts {
		attempt++
		if err = fn(ctx); err == nil || ctx.Err() != nil || !retryable(err) {
			break
		}
		if attempt < readAttempts {
			s.env.Logger.Debug("retrying read-only step", "step", name, "attempt", attempt, "error", err)
			if serr := s.env.sleep(ctx, readRetryDelay*time.Duration(attempt)); serr != nil {
				err = serr
				break
			}
		}
	}
	s.record(name, start, attempt, err)
	return err
}

// retryable excludes failures a retry cannot fix.
func retryable(err error) bool {
	switch fault.CodeOf(err) {
	case fault.CodeInvalidArgument, fault.CodeSessionNotFound, fault.CodeAuthenticationFailed:
		return false
	}
	return !errors.Is(err, session.ErrSessionFailed)
}

func (s *saga) capture(ctx context.Context) (image.Image, error) {
	img, err := capture(ctx, s.env, s.name)
	if err == nil {
		s.last = img
	}
	return img, err
}

// result builds the saga's output, attaching the last screenshot seen.
func (s *saga) result(screen Screen, format string, args ...any) *Result {
	res := textResult(format, args...)
	data := map[string]any{"session": s.name, "screen": screen}
	if s.last != nil {
		if frame, err := EncodeJPEG(s.last, DefaultResize, DefaultQuality); err == nil {
			res.withImage(frame.JPEG, "image/jpeg")
		}
	}
	res.Steps = s.steps
	return res.withData(data)
}

func bootToOS(ctx context.Context, env *Env, a bootArgs) (*Result, error) {
	s := &saga{env: env, name: env.session(a.Name)}
	abort := func(screen Screen, err error) (*Result, error) {
		return s.result(screen, "Boot to OS on %q failed", s.name), err
	}

	err := s.once(ctx, "connect", func(ctx context.Context) error {
		_, err := env.Sessions.Connect(ctx, s.name, session.Target{Host: a.Host, Port: a.Port, Password: a.Password})
		return err
	})
	if err != nil {
		return abort(ScreenUnknown, err)
	}

	screen := ScreenUnknown
	err = s.read(ctx, "inspect", func(ctx context.Context) error {
		img, err := s.capture(ctx)
		if err != nil {
			return err
		}
		screen = env.Inspector.Classify(nil, img)
		return nil
	})
	if err != nil {
		return abort(screen, err)
	}

	if screen == ScreenFirmware {
		err = s.once(ctx, "save_exit", func(ctx context.Context) error {
			return keySequence(ctx, env, s.name, saveExitSequence())
		})
		if err != nil {
			return abort(screen, err)
		}
	} else {
		s.skip("save_exit", fmt.Sprintf("screen is %s", screen))
	}

	screen, err = s.waitForLogin(ctx, env.bootWait(a.TimeoutS))
	if err != nil {
		return abort(screen, err)
	}

	switch {
	case a.Username == "":
		s.skip("login", "no username given")
	case screen == ScreenDesktop:
		s.skip("login", "desktop already showing")
	default:
		err = s.once(ctx, "login", func(ctx context.Context) error {
			_, err := env.Sessions.Execute(ctx, s.name, func(ctx context.Context, r session.Remote) (any, error) {
				return nil, login(ctx, env, r, a.Username, a.UserPassword)
			})
			return err
		})
		if err != nil {
			return abort(screen, err)
		}
	}

	if a.SSHPort > 0 {
		var output string
		err = s.read(ctx, "verify", func(ctx context.Context) error {
			out, err := env.Verifier.Verify(ctx, VerifyRequest{
				Host:     a.Host,
				Port:     a.SSHPort,
				User:     a.Username,
				Password: a.UserPassword,
				Command:  a.VerifyCommand,
			})
			output = out
			return err
		})
		if err != nil {
			return abort(screen, err)
		}
		res := s.result(screen, "Booted %q to the OS; %q printed:\n%s", s.name, a.VerifyCommand, output)
		res.Data.(map[string]any)["verify_output"] = output
		return res, nil
	}

	err = s.read(ctx, "verify", func(ctx context.Context) error {
		img, err := s.capture(ctx)
		if err != nil {
			return err
		}
		screen = env.Inspector.Classify(nil, img)
		switch screen {
		case ScreenConsole, ScreenDesktop:
			return nil
		default:
			return fmt.Errorf("%w: screen shows %s after boot", fault.ErrToolExecutionFailed, screen)
		}
	})
	if err != nil {
		return abort(screen, err)
	}
	return s.result(screen, "Booted %q to the OS (%s)", s.name, screen), nil
}

// waitForLogin polls screenshots with a doubling delay until the screen
// shows a login prompt or a desktop, or budget runs out.
func (s *saga) waitForLogin(ctx context.Context, budget time.Duration) (Screen, error) {
	start := s.env.Clock.Now()
	ctx, cancel := clock.WithTimeout(ctx, s.env.Clock, budget,
		fmt.Errorf("%w: no login prompt within %s", fault.ErrTimeout, budget))
	defer cancel()

	var prev image.Image
	screen := ScreenUnknown
	delay := pollInitial
	polls := 0
	for {
		if err := s.env.sleep(ctx, delay); err != nil {
			s.record("wait_for_login", start, polls, err)
			return screen, err
		}
		polls++

		img, err := s.capture(ctx)
		if err != nil {
			if ctx.Err() != nil || !retryable(err) {
				s.record("wait_for_login", start, polls, err)
				return screen, err
			}
			s.env.Logger.Debug("boot poll capture failed", "session", s.name, "poll", polls, "error", err)
		} else {
			screen = s.env.Inspector.Classify(prev, img)
			prev = img
			if screen == ScreenLogin || screen == ScreenDesktop {
				s.record("wait_for_login", start, polls, nil)
				return screen, nil
			}
		}

		delay *= 2
		if delay > pollMax {
			delay = pollMax
		}
	}
}
