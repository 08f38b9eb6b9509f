// ABOUTME: Tests for remote, firmware, and system tools against fake sessions.
// ABOUTME: Includes the vm1 firmware entry and save-exit transition scenario.

package tools

import (
	"bytes"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pilot-gateway/internal/fault"
	"github.com/2389/pilot-gateway/internal/session"
	"github.com/2389/pilot-gateway/internal/vnc"
)

func TestConnectIsIdempotent(t *testing.T) {
	h := newHarness(t)

	first := h.call(t, "vnc_connect", map[string]any{"host": "10.0.0.5", "name": "vm1"})
	second := h.call(t, "vnc_connect", map[string]any{"host": "10.0.0.5", "name": "vm1"})
	require.False(t, first.IsError, first.Text())
	require.False(t, second.IsError, second.Text())
	assert.Equal(t, 1, h.dialer.Dials())
	assert.Contains(t, first.Text(), "10.0.0.5:5901")
}

func TestConnectAuthenticationFailure(t *testing.T) {
	h := newHarness(t)
	h.dialer.Password = "secret"

	res := h.call(t, "vnc_connect", map[string]any{"host": "10.0.0.5", "password": "wrong"})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.CodeAuthenticationFailed, res.Code)
	assert.Zero(t, h.sessions.Len())
}

func TestDisconnectUnknownSession(t *testing.T) {
	h := newHarness(t)

	res := h.call(t, "vnc_disconnect", map[string]any{"name": "unknown"})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.CodeSessionNotFound, res.Code)
}

func TestToolOnMissingSession(t *testing.T) {
	h := newHarness(t)

	res := h.call(t, "vnc_screenshot", map[string]any{})
	assert.Equal(t, fault.CodeSessionNotFound, res.Code)
}

func TestScreenshotIsResizedJPEG(t *testing.T) {
	h := newHarness(t, session.SolidFrame(1280, 720, firmwareFrame().At(0, 0)))
	h.connect(t, "default")

	res := h.call(t, "vnc_screenshot", map[string]any{})
	require.False(t, res.IsError, res.Text())

	imgs := res.Images()
	require.Len(t, imgs, 1)
	assert.Equal(t, "image/jpeg", imgs[0].MIMEType)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(imgs[0].Data))
	require.NoError(t, err)
	assert.Equal(t, 800, cfg.Width)
	assert.Equal(t, 450, cfg.Height)

	data := res.Data.(map[string]any)
	assert.Equal(t, 1280, data["width"])
	assert.Equal(t, 720, data["height"])
}

func TestKeyPressRepeatsAndChords(t *testing.T) {
	h := newHarness(t)
	remote := h.connect(t, "default")
	h.drive(t)

	res := h.call(t, "vnc_key_press", map[string]any{"key": "down", "count": 3})
	require.False(t, res.IsError, res.Text())
	assert.Equal(t, []uint32{vnc.KeyDown, vnc.KeyDown, vnc.KeyDown}, remote.Pressed())

	res = h.call(t, "vnc_key_press", map[string]any{"key": "ctrl+c"})
	require.False(t, res.IsError, res.Text())
	keys := remote.Keys()
	assert.Equal(t, []session.KeyRecord{
		{Keysym: vnc.KeyControl, Down: true},
		{Keysym: 'c', Down: true},
		{Keysym: 'c', Down: false},
		{Keysym: vnc.KeyControl, Down: false},
	}, keys[len(keys)-4:])
}

func TestUnknownKeyIsInvalid(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "default")

	res := h.call(t, "vnc_key_press", map[string]any{"key": "hyperdrive"})
	assert.Equal(t, fault.CodeInvalidArgument, res.Code)
}

func TestTypeText(t *testing.T) {
	h := newHarness(t)
	remote := h.connect(t, "default")
	h.drive(t)

	res := h.call(t, "vnc_type_text", map[string]any{"text": "ls -a"})
	require.False(t, res.IsError, res.Text())
	assert.Equal(t, []uint32{'l', 's', ' ', '-', 'a'}, remote.Pressed())
}

func TestMouseClickAndDoubleClick(t *testing.T) {
	h := newHarness(t)
	remote := h.connect(t, "default")
	h.drive(t)

	res := h.call(t, "vnc_mouse_click", map[string]any{"x": 100, "y": 200, "button": 3, "double": true})
	require.False(t, res.IsError, res.Text())
	assert.Equal(t, []session.PointerRecord{
		{Buttons: 0, X: 100, Y: 200},
		{Buttons: 4, X: 100, Y: 200},
		{Buttons: 0, X: 100, Y: 200},
		{Buttons: 4, X: 100, Y: 200},
		{Buttons: 0, X: 100, Y: 200},
	}, remote.Pointer())
}

func TestMouseDrag(t *testing.T) {
	h := newHarness(t)
	remote := h.connect(t, "default")
	h.drive(t)

	res := h.call(t, "vnc_mouse_drag", map[string]any{"start_x": 10, "start_y": 20, "end_x": 30, "end_y": 40})
	require.False(t, res.IsError, res.Text())
	assert.Equal(t, []session.PointerRecord{
		{Buttons: 0, X: 10, Y: 20},
		{Buttons: 1, X: 10, Y: 20},
		{Buttons: 1, X: 30, Y: 40},
		{Buttons: 0, X: 30, Y: 40},
	}, remote.Pointer())
}

func TestSendShortcutReleasesInReverse(t *testing.T) {
	h := newHarness(t)
	remote := h.connect(t, "default")

	res := h.call(t, "system_send_shortcut", map[string]any{"shortcut": "ctrl+alt+del"})
	require.False(t, res.IsError, res.Text())
	assert.Equal(t, []session.KeyRecord{
		{Keysym: vnc.KeyControl, Down: true},
		{Keysym: vnc.KeyAlt, Down: true},
		{Keysym: vnc.KeyDelete, Down: true},
		{Keysym: vnc.KeyDelete, Down: false},
		{Keysym: vnc.KeyAlt, Down: false},
		{Keysym: vnc.KeyControl, Down: false},
	}, remote.Keys())
}

func TestSystemLoginTypesCredentials(t *testing.T) {
	h := newHarness(t)
	remote := h.connect(t, "default")
	h.drive(t)

	res := h.call(t, "system_login", map[string]any{"username": "root", "password": "pw"})
	require.False(t, res.IsError, res.Text())
	assert.Equal(t, []uint32{'r', 'o', 'o', 't', vnc.KeyEnter, 'p', 'w', vnc.KeyEnter}, remote.Pressed())
	assert.NotContains(t, res.Text(), "pw")
}

func TestExecuteCommandReturnsScreenshot(t *testing.T) {
	h := newHarness(t, consoleFrame(0))
	remote := h.connect(t, "default")
	h.drive(t)

	res := h.call(t, "system_execute_command", map[string]any{"command": "uname"})
	require.False(t, res.IsError, res.Text())
	assert.Equal(t, []uint32{'u', 'n', 'a', 'm', 'e', vnc.KeyEnter}, remote.Pressed())
	assert.Len(t, res.Images(), 1)
}

func TestSetBootOrderSequence(t *testing.T) {
	h := newHarness(t)
	remote := h.connect(t, "default")
	h.drive(t)

	res := h.call(t, "uefi_set_boot_order", map[string]any{"devices": []string{"USB", "HDD"}})
	require.False(t, res.IsError, res.Text())
	assert.Equal(t, []uint32{
		vnc.KeyRight, vnc.KeyRight,
		vnc.KeyDown, vnc.KeyDown,
		vnc.KeyEnter,
		vnc.KeyDown, vnc.KeyF5,
		vnc.KeyDown, vnc.KeyF5,
	}, remote.Pressed())
	assert.Contains(t, res.Text(), "USB -> HDD")
}

func TestDetectScreen(t *testing.T) {
	h := newHarness(t, firmwareFrame())
	h.connect(t, "default")

	res := h.call(t, "uefi_detect_screen", map[string]any{})
	require.False(t, res.IsError, res.Text())
	assert.Equal(t, ScreenFirmware, res.Data.(map[string]any)["screen"])
}

func TestRemoteFailureLatchesSessionError(t *testing.T) {
	h := newHarness(t)
	remote := h.connect(t, "default")
	remote.Fail(assert.AnError)

	res := h.call(t, "vnc_screenshot", map[string]any{})
	require.True(t, res.IsError)
	assert.Equal(t, fault.CodeToolExecutionFailed, res.Code)
	assert.Contains(t, res.Text(), assert.AnError.Error())

	info, err := h.sessions.Get("default")
	require.NoError(t, err)
	assert.Equal(t, "error", info.State)

	res = h.call(t, "vnc_key_press", map[string]any{"key": "enter"})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.CodeToolExecutionFailed, res.Code)

	res = h.call(t, "vnc_connect", map[string]any{"host": "10.0.0.5"})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.CodeToolExecutionFailed, res.Code)
	assert.Contains(t, res.Text(), "disconnect before reconnecting")
}

func TestConnectUnreachableHost(t *testing.T) {
	h := newHarness(t)
	h.dialer.Err = assert.AnError

	res := h.call(t, "vnc_connect", map[string]any{"host": "10.0.0.9"})
	assert.True(t, res.IsError)
	assert.Equal(t, fault.CodeToolExecutionFailed, res.Code)
	assert.Contains(t, res.Text(), "10.0.0.9:5901")
	assert.Zero(t, h.sessions.Len())
}

func TestStatusListsSessions(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "vm2")
	h.connect(t, "vm1")

	res := h.call(t, "vnc_status", nil)
	require.False(t, res.IsError)
	assert.Equal(t, "vm1: connected (10.0.0.5:5901)\nvm2: connected (10.0.0.5:5901)", res.Text())
	infos := res.Data.([]session.Info)
	assert.Len(t, infos, 2)
}

func TestVM1FirmwareEntryAndSaveExit(t *testing.T) {
	h := newHarness(t, firmwareFrame())
	h.drive(t)

	res := h.call(t, "vnc_connect", map[string]any{"host": "192.168.1.50", "port": 5900, "name": "vm1"})
	require.False(t, res.IsError, res.Text())
	remote := h.dialer.Last()

	res = h.call(t, "uefi_enter", map[string]any{"name": "vm1"})
	require.False(t, res.IsError, res.Text())
	assert.Len(t, res.Images(), 1)

	res = h.call(t, "uefi_save_exit", map[string]any{"name": "vm1"})
	require.False(t, res.IsError, res.Text())

	assert.Equal(t, []uint32{vnc.KeyF2, vnc.KeyF10, vnc.KeyEnter}, remote.Pressed())
	assert.Equal(t, []session.State{
		session.StateConnecting,
		session.StateConnected,
		session.StateBusy,
		session.StateConnected,
		session.StateBusy,
		session.StateConnected,
	}, h.stateChanges("vm1"))
}
