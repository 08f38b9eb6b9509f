// ABOUTME: Tests for the RFB client against an in-process RFB 3.8 server.
// ABOUTME: Covers handshakes, raw framebuffer decoding, input events and dropped connections.

package vnc

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"io"
	"net"
	"testing"
	"time"

	govnc "github.com/mitchellh/go-vnc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pilot-gateway/internal/fault"
	"github.com/2389/pilot-gateway/internal/session"
)

// clientMsg is one client-to-server message after the handshake.
type clientMsg struct {
	Type uint8
	Data []byte
}

// rfbServer is a minimal RFB 3.8 server serving a fixed raw framebuffer
// in 32bpp little-endian true color.
type rfbServer struct {
	ln       net.Listener
	version  string
	security uint8
	reject   string
	width    uint16
	height   uint16
	pixel    func(x, y int) color.RGBA

	// dropAfterSetup closes the socket once the client has set encodings.
	dropAfterSetup bool
	// dropOnUpdate closes the socket instead of answering an update request.
	dropOnUpdate bool

	msgs chan clientMsg
}

func newRFBServer(t *testing.T, mutate ...func(*rfbServer)) *rfbServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &rfbServer{
		ln:       ln,
		version:  "RFB 003.008\n",
		security: 1,
		width:    4,
		height:   3,
		pixel:    gradient,
		msgs:     make(chan clientMsg, 64),
	}
	for _, m := range mutate {
		m(s)
	}
	t.Cleanup(func() { ln.Close() })
	go s.acceptLoop()
	return s
}

func gradient(x, y int) color.RGBA {
	return color.RGBA{R: uint8(x * 60), G: uint8(y * 80), B: uint8(10 + x + y), A: 0xff}
}

func (s *rfbServer) target() session.Target {
	addr := s.ln.Addr().(*net.TCPAddr)
	return session.Target{Host: "127.0.0.1", Port: addr.Port}
}

func (s *rfbServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *rfbServer) serve(conn net.Conn) {
	defer conn.Close()

	if _, err := io.WriteString(conn, s.version); err != nil {
		return
	}
	var version [12]byte
	if _, err := io.ReadFull(conn, version[:]); err != nil {
		return
	}
	if _, err := conn.Write([]byte{1, s.security}); err != nil {
		return
	}
	var chosen [1]byte
	if _, err := io.ReadFull(conn, chosen[:]); err != nil {
		return
	}
	if chosen[0] == 2 {
		challenge := make([]byte, 16)
		if _, err := conn.Write(challenge); err != nil {
			return
		}
		if _, err := io.ReadFull(conn, challenge); err != nil {
			return
		}
	}

	if s.reject != "" {
		out := binary.BigEndian.AppendUint32(nil, 1)
		out = binary.BigEndian.AppendUint32(out, uint32(len(s.reject)))
		_, _ = conn.Write(append(out, s.reject...))
		return
	}
	if _, err := conn.Write(binary.BigEndian.AppendUint32(nil, 0)); err != nil {
		return
	}

	var shared [1]byte
	if _, err := io.ReadFull(conn, shared[:]); err != nil {
		return
	}
	if _, err := conn.Write(s.serverInit()); err != nil {
		return
	}
	for {
		var typ [1]byte
		if _, err := io.ReadFull(conn, typ[:]); err != nil {
			return
		}
		var body []byte
		switch typ[0] {
		case 0: // SetPixelFormat
			body = make([]byte, 19)
		case 2: // SetEncodings
			head := make([]byte, 3)
			if _, err := io.ReadFull(conn, head); err != nil {
				return
			}
			rest := make([]byte, 4*int(binary.BigEndian.Uint16(head[1:])))
			if _, err := io.ReadFull(conn, rest); err != nil {
				return
			}
			s.msgs <- clientMsg{Type: typ[0], Data: append(head, rest...)}
			if s.dropAfterSetup {
				return
			}
			continue
		case 3: // FramebufferUpdateRequest
			body = make([]byte, 9)
		case 4: // KeyEvent
			body = make([]byte, 7)
		case 5: // PointerEvent
			body = make([]byte, 5)
		default:
			return
		}
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		s.msgs <- clientMsg{Type: typ[0], Data: body}

		if typ[0] == 3 {
			if s.dropOnUpdate {
				return
			}
			if _, err := conn.Write(s.update()); err != nil {
				return
			}
		}
	}
}

func (s *rfbServer) serverInit() []byte {
	out := binary.BigEndian.AppendUint16(nil, s.width)
	out = binary.BigEndian.AppendUint16(out, s.height)
	// 32bpp, depth 24, little-endian, true color, 8 bits per channel.
	out = append(out, 32, 24, 0, 1, 0, 255, 0, 255, 0, 255, 16, 8, 0, 0, 0, 0)
	name := "pilot-test"
	out = binary.BigEndian.AppendUint32(out, uint32(len(name)))
	return append(out, name...)
}

func (s *rfbServer) update() []byte {
	out := []byte{0, 0}
	out = binary.BigEndian.AppendUint16(out, 1)
	out = binary.BigEndian.AppendUint16(out, 0)
	out = binary.BigEndian.AppendUint16(out, 0)
	out = binary.BigEndian.AppendUint16(out, s.width)
	out = binary.BigEndian.AppendUint16(out, s.height)
	out = binary.BigEndian.AppendUint32(out, 0) // raw
	for y := 0; y < int(s.height); y++ {
		for x := 0; x < int(s.width); x++ {
			c := s.pixel(x, y)
			out = binary.LittleEndian.AppendUint32(out, uint32(c.R)<<16|uint32(c.G)<<8|uint32(c.B))
		}
	}
	return out
}

// next returns the next client message of type typ, skipping others.
func (s *rfbServer) next(t *testing.T, typ uint8) clientMsg {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-s.msgs:
			if m.Type == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("no client message of type %d", typ)
			return clientMsg{}
		}
	}
}

func dial(t *testing.T, target session.Target) session.Remote {
	t.Helper()
	d := &Dialer{Timeout: 5 * time.Second}
	remote, err := d.Dial(context.Background(), target)
	require.NoError(t, err)
	t.Cleanup(func() { remote.Close() })
	return remote
}

func TestDialAndCaptureRawFramebuffer(t *testing.T) {
	srv := newRFBServer(t)
	remote := dial(t, srv.target())

	encodings := srv.next(t, 2)
	assert.Equal(t, []byte{0, 0, 1, 0, 0, 0, 0}, encodings.Data)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	img, err := remote.Capture(ctx)
	require.NoError(t, err)

	req := srv.next(t, 3)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 4, 0, 3}, req.Data)

	rgba, ok := img.(*image.RGBA)
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 4, 3), rgba.Rect)
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			assert.Equal(t, gradient(x, y), rgba.RGBAAt(x, y), "pixel %d,%d", x, y)
		}
	}
}

func TestCaptureReturnsCopy(t *testing.T) {
	srv := newRFBServer(t)
	remote := dial(t, srv.target())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first, err := remote.Capture(ctx)
	require.NoError(t, err)
	first.(*image.RGBA).SetRGBA(0, 0, color.RGBA{A: 0xff})

	second, err := remote.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, gradient(0, 0), second.(*image.RGBA).RGBAAt(0, 0))
}

func TestInputEventsOnTheWire(t *testing.T) {
	srv := newRFBServer(t)
	remote := dial(t, srv.target())

	require.NoError(t, remote.KeyEvent(KeyEnter, true))
	key := srv.next(t, 4)
	assert.Equal(t, []byte{1, 0, 0, 0x00, 0x00, 0xff, 0x0d}, key.Data)

	require.NoError(t, remote.KeyEvent('a', false))
	key = srv.next(t, 4)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 'a'}, key.Data)

	require.NoError(t, remote.PointerEvent(4, 300, 20))
	ptr := srv.next(t, 5)
	assert.Equal(t, []byte{4, 0x01, 0x2c, 0x00, 0x14}, ptr.Data)
}

func TestDialHandshakeFailures(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*rfbServer)
		password string
		want     error
	}{
		{
			name:     "rejected password",
			mutate:   func(s *rfbServer) { s.security = 2; s.reject = "bad password" },
			password: "wrong",
			want:     fault.ErrAuthenticationFailed,
		},
		{
			name:   "old protocol version",
			mutate: func(s *rfbServer) { s.version = "RFB 003.003\n" },
			want:   session.ErrRemoteIO,
		},
		{
			name:   "no common security type",
			mutate: func(s *rfbServer) { s.security = 2 },
			want:   session.ErrRemoteIO,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newRFBServer(t, tt.mutate)
			target := srv.target()
			target.Password = tt.password

			d := &Dialer{Timeout: 5 * time.Second}
			_, err := d.Dial(context.Background(), target)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	d := &Dialer{Timeout: 5 * time.Second}
	_, err = d.Dial(context.Background(), session.Target{Host: "127.0.0.1", Port: port})
	assert.ErrorIs(t, err, session.ErrRemoteIO)
	assert.Equal(t, fault.CodeToolExecutionFailed, fault.CodeOf(err))
}

func TestServerCloseFailsLaterOperations(t *testing.T) {
	srv := newRFBServer(t, func(s *rfbServer) { s.dropAfterSetup = true })
	remote := dial(t, srv.target())

	require.Eventually(t, func() bool {
		return errors.Is(remote.KeyEvent(KeyEnter, true), session.ErrRemoteIO)
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, remote.PointerEvent(0, 1, 1), session.ErrRemoteIO)
	_, err := remote.Capture(context.Background())
	assert.ErrorIs(t, err, session.ErrRemoteIO)
}

func TestServerCloseDuringCapture(t *testing.T) {
	srv := newRFBServer(t, func(s *rfbServer) { s.dropOnUpdate = true })
	remote := dial(t, srv.target())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	start := time.Now()
	_, err := remote.Capture(ctx)
	assert.ErrorIs(t, err, session.ErrRemoteIO)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestClassifyHandshake(t *testing.T) {
	target := session.Target{Host: "10.0.0.5", Port: 5901}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"security result", errors.New("security handshake failed: bad password"), fault.ErrAuthenticationFailed},
		{"eof", io.EOF, session.ErrRemoteIO},
		{"version", errors.New("unsupported minor version, less than 8: 3"), session.ErrRemoteIO},
		{"security types", errors.New("no suitable auth schemes found. server supported: []byte{0x2}"), session.ErrRemoteIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyHandshake(target, tt.err)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "10.0.0.5:5901")
		})
	}
}

func TestPixelScaling(t *testing.T) {
	assert.Equal(t, uint8(0), scale(0, 31))
	assert.Equal(t, uint8(255), scale(31, 31))
	assert.Equal(t, uint8(131), scale(16, 31))
	assert.Equal(t, uint8(200), scale(200, 255))

	c := &Client{pf: govnc.PixelFormat{TrueColor: true, RedMax: 31, GreenMax: 63, BlueMax: 31}}
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 0, A: 0xff}, c.rgba(govnc.Color{R: 31, G: 63}))

	c = &Client{pf: govnc.PixelFormat{TrueColor: false}}
	assert.Equal(t, color.RGBA{R: 0xff, G: 0x80, B: 0x00, A: 0xff}, c.rgba(govnc.Color{R: 0xffff, G: 0x8000}))
}
