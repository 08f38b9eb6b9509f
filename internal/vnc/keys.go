// ABOUTME: Key name to X11 keysym translation for VNC key events.
// ABOUTME: Covers named keys, function keys, modifiers, chords, and printable runes.

package vnc

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// X11 keysyms for the keys the tools name.
const (
	KeyBackspace uint32 = 0xff08
	KeyTab       uint32 = 0xff09
	KeyEnter     uint32 = 0xff0d
	KeyEscape    uint32 = 0xff1b
	KeyHome      uint32 = 0xff50
	KeyLeft      uint32 = 0xff51
	KeyUp        uint32 = 0xff52
	KeyRight     uint32 = 0xff53
	KeyDown      uint32 = 0xff54
	KeyPageUp    uint32 = 0xff55
	KeyPageDown  uint32 = 0xff56
	KeyEnd       uint32 = 0xff57
	KeyInsert    uint32 = 0xff63
	KeyF1        uint32 = 0xffbe
	KeyF2        uint32 = 0xffbf
	KeyF5        uint32 = 0xffc2
	KeyF10       uint32 = 0xffc7
	KeyShift     uint32 = 0xffe1
	KeyControl   uint32 = 0xffe3
	KeyAlt       uint32 = 0xffe9
	KeySuper     uint32 = 0xffeb
	KeyDelete    uint32 = 0xffff
	KeySpace     uint32 = 0x0020
)

var namedKeys = map[string]uint32{
	"enter":     KeyEnter,
	"return":    KeyEnter,
	"esc":       KeyEscape,
	"escape":    KeyEscape,
	"tab":       KeyTab,
	"space":     KeySpace,
	"backspace": KeyBackspace,
	"delete":    KeyDelete,
	"del":       KeyDelete,
	"insert":    KeyInsert,
	"ins":       KeyInsert,
	"home":      KeyHome,
	"end":       KeyEnd,
	"pageup":    KeyPageUp,
	"pgup":      KeyPageUp,
	"pagedown":  KeyPageDown,
	"pgdn":      KeyPageDown,
	"up":        KeyUp,
	"down":      KeyDown,
	"left":      KeyLeft,
	"right":     KeyRight,
	"shift":     KeyShift,
	"ctrl":      KeyControl,
	"control":   KeyControl,
	"alt":       KeyAlt,
	"super":     KeySuper,
	"win":       KeySuper,
	"meta":      KeySuper,
}

func init() {
	for i := 0; i < 12; i++ {
		namedKeys[fmt.Sprintf("f%d", i+1)] = KeyF1 + uint32(i)
	}
}

// Keysym resolves a key name (case-insensitive) or a single character.
func Keysym(name string) (uint32, error) {
	if name == "" {
		return 0, fmt.Errorf("empty key name")
	}
	if ks, ok := namedKeys[strings.ToLower(name)]; ok {
		return ks, nil
	}
	if r, size := utf8.DecodeRuneInString(name); size == len(name) && r != utf8.RuneError {
		return RuneKeysym(r), nil
	}
	return 0, fmt.Errorf("unknown key %q", name)
}

// RuneKeysym returns the keysym that types r. Latin-1 maps directly;
// everything else uses the Unicode keysym range.
func RuneKeysym(r rune) uint32 {
	switch r {
	case '\n', '\r':
		return KeyEnter
	case '\t':
		return KeyTab
	}
	if (r >= 0x20 && r <= 0x7e) || (r >= 0xa0 && r <= 0xff) {
		return uint32(r)
	}
	return 0x01000000 | uint32(r)
}

// ParseChord resolves a "+"-separated chord such as "ctrl+alt+del" into
// keysyms in press order.
func ParseChord(chord string) ([]uint32, error) {
	parts := strings.Split(chord, "+")
	keys := make([]uint32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("malformed shortcut %q", chord)
		}
		ks, err := Keysym(p)
		if err != nil {
			return nil, fmt.Errorf("shortcut %q: %w", chord, err)
		}
		keys = append(keys, ks)
	}
	return keys, nil
}
