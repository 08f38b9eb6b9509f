// ABOUTME: Read-only post-boot verification by running a command over SSH.
// ABOUTME: Uses golang.org/x/crypto/ssh with password authentication.

package tools

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/pilot-gateway/internal/fault"
)

// VerifyRequest describes one verification command.
type VerifyRequest struct {
	Host     string
	Port     int
	User     string
	Password string
	Command  string
}

// Verifier runs a read-only command on a booted machine and returns its
// output.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (string, error)
}

// SSHVerifier runs verification commands over SSH.
type SSHVerifier struct {
	// HostKeyCallback checks the server key. Nil accepts any key, which
	// suits freshly installed lab machines whose keys are not known yet.
	HostKeyCallback ssh.HostKeyCallback
	// HandshakeTimeout bounds the SSH handshake. Zero means 10s.
	HandshakeTimeout time.Duration
}

// Verify implements Verifier. A rejected password wraps
// fault.ErrAuthenticationFailed; a non-zero exit status wraps
// fault.ErrToolExecutionFailed and includes the output.
func (v *SSHVerifier) Verify(ctx context.Context, req VerifyRequest) (string, error) {
	addr := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		return "", fmt.Errorf("%w: ssh dial %s: %v", fault.ErrToolExecutionFailed, addr, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	hostKey := v.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	timeout := v.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            req.User,
		Auth:            []ssh.AuthMethod{ssh.Password(req.Password)},
		HostKeyCallback: hostKey,
	})
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		if strings.Contains(err.Error(), "unable to authenticate") {
			return "", fmt.Errorf("%w: ssh %s@%s: %v", fault.ErrAuthenticationFailed, req.User, addr, err)
		}
		return "", fmt.Errorf("%w: ssh handshake %s: %v", fault.ErrToolExecutionFailed, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: ssh session %s: %v", fault.ErrToolExecutionFailed, addr, err)
	}
	defer sess.Close()

	out, err := sess.CombinedOutput(req.Command)
	if err != nil {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		var exit *ssh.ExitError
		if errors.As(err, &exit) {
			return string(out), fmt.Errorf("%w: %q exited with status %d: %s",
				fault.ErrToolExecutionFailed, req.Command, exit.ExitStatus(), strings.TrimSpace(string(out)))
		}
		return string(out), fmt.Errorf("%w: ssh run %q: %v", fault.ErrToolExecutionFailed, req.Command, err)
	}
	return string(out), nil
}
