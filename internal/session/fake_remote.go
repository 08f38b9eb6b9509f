// ABOUTME: In-memory Remote and Dialer used by tests across packages.
// ABOUTME: Records every key and pointer event and replays scripted frames.

package session

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/2389/pilot-gateway/internal/fault"
)

// KeyRecord is one recorded key event.
type KeyRecord struct {
	Keysym uint32
	Down   bool
}

// PointerRecord is one recorded pointer event.
type PointerRecord struct {
	Buttons uint8
	X, Y    uint16
}

// FakeRemote is a scriptable Remote.
type FakeRemote struct {
	mu       sync.Mutex
	keys     []KeyRecord
	pointer  []PointerRecord
	frames   []image.Image
	captures int
	failErr  error
	closed   bool
	onKey    func(KeyRecord)
}

// NewFakeRemote returns a remote whose Capture yields frames in order and
// then keeps repeating the last one. With no frames it returns a black
// 640x480 image.
func NewFakeRemote(frames ...image.Image) *FakeRemote {
	return &FakeRemote{frames: frames}
}

// KeyEvent records the event.
func (f *FakeRemote) KeyEvent(keysym uint32, down bool) error {
	f.mu.Lock()
	if err := f.errLocked(); err != nil {
		f.mu.Unlock()
		return err
	}
	rec := KeyRecord{Keysym: keysym, Down: down}
	f.keys = append(f.keys, rec)
	hook := f.onKey
	f.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
	return nil
}

// PointerEvent records the event.
func (f *FakeRemote) PointerEvent(buttons uint8, x, y uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errLocked(); err != nil {
		return err
	}
	f.pointer = append(f.pointer, PointerRecord{Buttons: buttons, X: x, Y: y})
	return nil
}

// Capture returns the next scripted frame.
func (f *FakeRemote) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errLocked(); err != nil {
		return nil, err
	}
	f.captures++
	if len(f.frames) == 0 {
		return SolidFrame(640, 480, color.Black), nil
	}
	img := f.frames[0]
	if len(f.frames) > 1 {
		f.frames = f.frames[1:]
	}
	return img, nil
}

// Close marks the remote closed.
func (f *FakeRemote) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakeRemote) errLocked() error {
	if f.closed {
		return fmt.Errorf("%w: connection closed", ErrRemoteIO)
	}
	if f.failErr != nil {
		return fmt.Errorf("%w: %v", ErrRemoteIO, f.failErr)
	}
	return nil
}

// Fail makes every later call fail with err wrapped in ErrRemoteIO.
func (f *FakeRemote) Fail(err error) {
	f.mu.Lock()
	f.failErr = err
	f.mu.Unlock()
}

// SetFrames replaces the scripted frames.
func (f *FakeRemote) SetFrames(frames ...image.Image) {
	f.mu.Lock()
	f.frames = frames
	f.mu.Unlock()
}

// OnKey installs a hook run after each recorded key event.
func (f *FakeRemote) OnKey(hook func(KeyRecord)) {
	f.mu.Lock()
	f.onKey = hook
	f.mu.Unlock()
}

// Keys returns every recorded key event.
func (f *FakeRemote) Keys() []KeyRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]KeyRecord(nil), f.keys...)
}

// Pressed returns the keysyms of key-down events in order.
func (f *FakeRemote) Pressed() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint32
	for _, k := range f.keys {
		if k.Down {
			out = append(out, k.Keysym)
		}
	}
	return out
}

// Pointer returns every recorded pointer event.
func (f *FakeRemote) Pointer() []PointerRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PointerRecord(nil), f.pointer...)
}

// Captures returns how many frames were captured.
func (f *FakeRemote) Captures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

// Closed reports whether Close was called.
func (f *FakeRemote) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// SolidFrame returns a w×h image filled with c.
func SolidFrame(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	r, g, b, a := c.RGBA()
	px := color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: uint8(a >> 8)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, px)
		}
	}
	return img
}

// FakeDialer hands out FakeRemotes and counts handshakes.
type FakeDialer struct {
	// Password, when set, must match the target's password.
	Password string
	// Frames seed every new remote.
	Frames []image.Image
	// Gate, when non-nil, blocks each Dial until it is closed.
	Gate chan struct{}
	// Err, when set, fails every Dial wrapped in ErrRemoteIO.
	Err error

	mu      sync.Mutex
	dials   int
	remotes []*FakeRemote
}

// Dial simulates a handshake.
func (d *FakeDialer) Dial(ctx context.Context, target Target) (Remote, error) {
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.Err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrRemoteIO, target.Addr(), d.Err)
	}
	if d.Password != "" && target.Password != d.Password {
		return nil, fmt.Errorf("%w: bad password for %s", fault.ErrAuthenticationFailed, target.Addr())
	}
	r := NewFakeRemote(d.Frames...)
	d.remotes = append(d.remotes, r)
	return r, nil
}

// Dials returns the number of handshakes attempted.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recently opened remote, or nil.
func (d *FakeDialer) Last() *FakeRemote {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.remotes) == 0 {
		return nil
	}
	return d.remotes[len(d.remotes)-1]
}
