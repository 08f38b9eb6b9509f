// ABOUTME: Remote and Dialer abstract the underlying remote-desktop protocol.
// ABOUTME: The vnc package implements them; tests use in-memory fakes.

package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"strconv"

	"github.com/2389/pilot-gateway/internal/fault"
)

// ErrRemoteIO marks an error as a failure of the remote connection itself.
// Operations returning it move their session to Error. It classifies as
// fault.ErrToolExecutionFailed.
var ErrRemoteIO = fmt.Errorf("%w: remote i/o failure", fault.ErrToolExecutionFailed)

// Target identifies a remote-control endpoint and its credentials.
type Target struct {
	Host     string
	Port     int
	Password string
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Validate checks the target is dialable.
func (t Target) Validate() error {
	if t.Host == "" {
		return errors.New("host is required")
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("port %d out of range", t.Port)
	}
	return nil
}

// Remote is one authenticated remote-control connection. Implementations
// wrap transport failures with ErrRemoteIO.
type Remote interface {
	// KeyEvent presses (down=true) or releases an X11 keysym.
	KeyEvent(keysym uint32, down bool) error
	// PointerEvent moves the pointer to x,y with the given button mask
	// (bit 0 left, bit 1 middle, bit 2 right).
	PointerEvent(buttons uint8, x, y uint16) error
	// Capture returns the current framebuffer.
	Capture(ctx context.Context) (image.Image, error)
	// Close tears the connection down.
	Close() error
}

// Dialer opens Remotes. Authentication failures wrap
// fault.ErrAuthenticationFailed.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Remote, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, target Target) (Remote, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, target Target) (Remote, error) {
	return f(ctx, target)
}

func isRemoteIO(err error) bool {
	return err != nil && errors.Is(err, ErrRemoteIO)
}
