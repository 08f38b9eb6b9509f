// ABOUTME: Shared fixtures for tool tests: fake browser, synthetic frames, clock driver.
// ABOUTME: The clock driver keeps fake time moving while handlers sleep.

package tools

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/pilot-gateway/internal/browser"
	"github.com/2389/pilot-gateway/internal/clock"
	"github.com/2389/pilot-gateway/internal/session"
)

type browserCall struct {
	Name string
	Args map[string]any
}

type fakeBrowser struct {
	mu      sync.Mutex
	calls   []browserCall
	results map[string]*browser.Result
	err     error
}

func (f *fakeBrowser) CallTool(ctx context.Context, name string, args map[string]any) (*browser.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, browserCall{Name: name, Args: args})
	if f.err != nil {
		return nil, f.err
	}
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return &browser.Result{Text: name + " ok"}, nil
}

func (f *fakeBrowser) Calls() []browserCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]browserCall(nil), f.calls...)
}

type transition struct {
	Name string
	To   session.State
}

type harness struct {
	clock    *clock.FakeClock
	dialer   *session.FakeDialer
	sessions *session.Registry
	browser  *fakeBrowser
	exec     *Executor

	mu          sync.Mutex
	transitions []transition
}

func newHarness(t *testing.T, frames ...image.Image) *harness {
	t.Helper()
	h := &harness{
		clock:   clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		dialer:  &session.FakeDialer{Frames: frames},
		browser: &fakeBrowser{results: map[string]*browser.Result{}},
	}
	h.sessions = session.NewRegistry(session.Config{
		Dialer: h.dialer,
		Clock:  h.clock,
		Observer: func(name string, from, to session.State) {
			h.mu.Lock()
			h.transitions = append(h.transitions, transition{Name: name, To: to})
			h.mu.Unlock()
		},
	})
	exec, err := NewExecutor(Config{
		Sessions:    h.sessions,
		Browser:     h.browser,
		Clock:       h.clock,
		CallTimeout: time.Hour,
	})
	require.NoError(t, err)
	h.exec = exec
	t.Cleanup(func() { _ = h.sessions.Close(context.Background()) })
	return h
}

// drive advances the fake clock in small steps until the test ends, so
// handler sleeps complete without real waiting.
func (h *harness) drive(t *testing.T) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				h.clock.Advance(50 * time.Millisecond)
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
}

func (h *harness) stateChanges(name string) []session.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []session.State
	for _, tr := range h.transitions {
		if tr.Name == name {
			out = append(out, tr.To)
		}
	}
	return out
}

func (h *harness) call(t *testing.T, name string, args any) *Result {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return h.exec.Execute(context.Background(), Call{ID: "call-" + name, Name: name, Arguments: raw})
}

func (h *harness) connect(t *testing.T, name string) *session.FakeRemote {
	t.Helper()
	res := h.call(t, "vnc_connect", map[string]any{"host": "10.0.0.5", "name": name})
	require.False(t, res.IsError, res.Text())
	return h.dialer.Last()
}

func fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

// firmwareFrame looks like a setup utility: blue field, grey title bar.
func firmwareFrame() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	fill(img, img.Bounds(), color.RGBA{B: 170, A: 255})
	fill(img, image.Rect(0, 0, 640, 40), color.RGBA{R: 170, G: 170, B: 170, A: 255})
	return img
}

// consoleFrame is a dark text console; offset moves the glyph block so
// frames with different offsets differ.
func consoleFrame(offset int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	fill(img, img.Bounds(), color.RGBA{A: 255})
	fill(img, image.Rect(8, 8+offset, 320, 32+offset), color.RGBA{R: 220, G: 220, B: 220, A: 255})
	return img
}

func blankFrame() image.Image {
	return session.SolidFrame(640, 480, color.Black)
}

// desktopFrame is a smooth gradient with many distinct colors.
func desktopFrame() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 255 / 640), G: uint8(y * 255 / 480), B: 128, A: 255})
		}
	}
	return img
}
