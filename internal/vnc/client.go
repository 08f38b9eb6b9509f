// ABOUTME: RFB client implementing session.Remote on top of mitchellh/go-vnc.
// ABOUTME: Keeps a local framebuffer copy refreshed by full update requests.

package vnc

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	govnc "github.com/mitchellh/go-vnc"

	"github.com/2389/pilot-gateway/internal/fault"
	"github.com/2389/pilot-gateway/internal/session"
)

// Dialer opens RFB connections.
type Dialer struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Dial connects to target and completes the RFB handshake. A rejected
// password wraps fault.ErrAuthenticationFailed; any other handshake or
// network failure wraps session.ErrRemoteIO.
func (d *Dialer) Dial(ctx context.Context, target session.Target) (session.Remote, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	var nd net.Dialer
	nc, err := nd.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", session.ErrRemoteIO, target.Addr(), err)
	}

	wc := watch(nc)

	// The RFB handshake has no context of its own; closing the socket
	// unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = wc.Close() })

	var auth []govnc.ClientAuth
	if target.Password != "" {
		auth = []govnc.ClientAuth{&govnc.PasswordAuth{Password: target.Password}}
	} else {
		auth = []govnc.ClientAuth{new(govnc.ClientAuthNone)}
	}

	msgs := make(chan govnc.ServerMessage, 16)
	conn, err := govnc.Client(wc, &govnc.ClientConfig{
		Auth:            auth,
		ServerMessageCh: msgs,
	})
	if !stop() {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, fmt.Errorf("%w: handshake with %s: %v", fault.ErrTimeout, target.Addr(), context.Cause(ctx))
	}
	if err != nil {
		_ = wc.Close()
		return nil, classifyHandshake(target, err)
	}

	c := newClient(conn, wc, msgs, logger.With("component", "vnc", "addr", target.Addr()))
	if err := c.configure(); err != nil {
		_ = c.Close()
		return nil, err
	}

	c.logger.Info("vnc connected", "desktop", conn.DesktopName,
		"width", conn.FrameBufferWidth, "height", conn.FrameBufferHeight)
	return c, nil
}

// securityFailed prefixes go-vnc's error for a failed SecurityResult, the
// only handshake outcome that means the credentials were rejected.
const securityFailed = "security handshake failed"

// classifyHandshake separates credential rejection from every other
// handshake failure (I/O, version or security type mismatch).
func classifyHandshake(target session.Target, err error) error {
	if strings.HasPrefix(err.Error(), securityFailed) {
		return fmt.Errorf("%w: %s: %v", fault.ErrAuthenticationFailed, target.Addr(), err)
	}
	return fmt.Errorf("%w: handshake with %s: %v", session.ErrRemoteIO, target.Addr(), err)
}

// watchedConn records the first read failure of the socket under go-vnc.
// go-vnc's reader closes the socket silently when the server goes away.
type watchedConn struct {
	net.Conn
	once sync.Once
	dead chan struct{}
	err  error
}

func watch(nc net.Conn) *watchedConn {
	return &watchedConn{Conn: nc, dead: make(chan struct{})}
}

func (w *watchedConn) Read(b []byte) (int, error) {
	n, err := w.Conn.Read(b)
	if err != nil {
		w.fail(err)
	}
	return n, err
}

func (w *watchedConn) Close() error {
	w.fail(net.ErrClosed)
	return w.Conn.Close()
}

func (w *watchedConn) fail(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.dead)
	})
}

// Err returns why the socket died, or nil while it is alive.
func (w *watchedConn) Err() error {
	select {
	case <-w.dead:
		return w.err
	default:
		return nil
	}
}

// Client is one live RFB connection.
type Client struct {
	conn   *govnc.ClientConn
	wire   *watchedConn
	msgs   chan govnc.ServerMessage
	logger *slog.Logger

	mu      sync.Mutex
	fb      *image.RGBA
	pf      govnc.PixelFormat
	updated chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

func newClient(conn *govnc.ClientConn, wire *watchedConn, msgs chan govnc.ServerMessage, logger *slog.Logger) *Client {
	c := &Client{
		conn:    conn,
		wire:    wire,
		msgs:    msgs,
		logger:  logger,
		fb:      image.NewRGBA(image.Rect(0, 0, int(conn.FrameBufferWidth), int(conn.FrameBufferHeight))),
		updated: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	go c.listen()
	return c
}

// configure selects raw encoding. The server's own pixel format is kept;
// go-vnc decodes raw pixels with it and apply scales the components.
func (c *Client) configure() error {
	if err := c.conn.SetEncodings([]govnc.Encoding{new(govnc.RawEncoding)}); err != nil {
		return fmt.Errorf("%w: set encodings: %v", session.ErrRemoteIO, err)
	}
	c.mu.Lock()
	c.pf = c.conn.PixelFormat
	c.mu.Unlock()
	return nil
}

// listen applies framebuffer updates as the server sends them.
func (c *Client) listen() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.wire.dead:
			return
		case msg := <-c.msgs:
			switch m := msg.(type) {
			case *govnc.FramebufferUpdateMessage:
				c.apply(m)
				select {
				case c.updated <- struct{}{}:
				default:
				}
			case *govnc.BellMessage:
				c.logger.Debug("bell")
			}
		}
	}
}

func (c *Client) apply(m *govnc.FramebufferUpdateMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rect := range m.Rectangles {
		raw, ok := rect.Enc.(*govnc.RawEncoding)
		if !ok || rect.Width == 0 {
			continue
		}
		w := int(rect.Width)
		for i, col := range raw.Colors {
			x := int(rect.X) + i%w
			y := int(rect.Y) + i/w
			if !(image.Point{X: x, Y: y}).In(c.fb.Rect) {
				continue
			}
			c.fb.SetRGBA(x, y, c.rgba(col))
		}
	}
}

// rgba converts a decoded pixel to 8-bit components. True color pixels
// range up to the format's channel maxima; color map entries are 16-bit.
func (c *Client) rgba(col govnc.Color) color.RGBA {
	if !c.pf.TrueColor {
		return color.RGBA{R: uint8(col.R >> 8), G: uint8(col.G >> 8), B: uint8(col.B >> 8), A: 0xff}
	}
	return color.RGBA{
		R: scale(col.R, c.pf.RedMax),
		G: scale(col.G, c.pf.GreenMax),
		B: scale(col.B, c.pf.BlueMax),
		A: 0xff,
	}
}

func scale(v, max uint16) uint8 {
	if max == 0 || max == 255 {
		return uint8(v)
	}
	return uint8(uint32(v) * 255 / uint32(max))
}

func (c *Client) ioErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", session.ErrRemoteIO, op, err)
}

// alive fails once the connection has died or been closed.
func (c *Client) alive(op string) error {
	if err := c.wire.Err(); err != nil {
		return c.ioErr(op, fmt.Errorf("connection lost: %w", err))
	}
	return nil
}

// KeyEvent sends a key press or release.
func (c *Client) KeyEvent(keysym uint32, down bool) error {
	if err := c.alive("key event"); err != nil {
		return err
	}
	if err := c.conn.KeyEvent(keysym, down); err != nil {
		return c.ioErr("key event", err)
	}
	return nil
}

// PointerEvent moves the pointer with the given button mask.
func (c *Client) PointerEvent(buttons uint8, x, y uint16) error {
	if err := c.alive("pointer event"); err != nil {
		return err
	}
	if err := c.conn.PointerEvent(govnc.ButtonMask(buttons), x, y); err != nil {
		return c.ioErr("pointer event", err)
	}
	return nil
}

// Capture requests a full framebuffer update and returns a copy once it
// has been applied.
func (c *Client) Capture(ctx context.Context) (image.Image, error) {
	if err := c.alive("capture"); err != nil {
		return nil, err
	}
	select {
	case <-c.updated:
	default:
	}

	w, h := c.conn.FrameBufferWidth, c.conn.FrameBufferHeight
	if err := c.conn.FramebufferUpdateRequest(false, 0, 0, w, h); err != nil {
		return nil, c.ioErr("framebuffer update request", err)
	}

	select {
	case <-c.updated:
	case <-c.closed:
		return nil, c.ioErr("capture", errors.New("connection closed"))
	case <-c.wire.dead:
		return nil, c.alive("capture")
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := image.NewRGBA(c.fb.Rect)
	copy(out.Pix, c.fb.Pix)
	return out, nil
}

// Close ends the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		c.logger.Info("vnc disconnected")
	})
	return err
}
