// ABOUTME: Screen classification for the firmware and boot tools.
// ABOUTME: The default inspector uses color statistics, no OCR.

package tools

import (
	"image"
)

// Screen is what a remote display is showing.
type Screen string

const (
	ScreenUnknown  Screen = "unknown"
	ScreenBlank    Screen = "blank"
	ScreenFirmware Screen = "firmware"
	ScreenConsole  Screen = "console"
	ScreenLogin    Screen = "login"
	ScreenDesktop  Screen = "desktop"
)

// Inspector classifies screenshots. prev is the previous frame of the same
// poll sequence, or nil.
type Inspector interface {
	Classify(prev, cur image.Image) Screen
}

// ColorInspector classifies frames from sampled color statistics:
// firmware setup screens are dominated by a few saturated blue or grey
// colors, consoles are dark with sparse light glyphs, and desktops use
// many colors. A console frame identical to the previous poll is taken to
// be waiting at a login prompt.
type ColorInspector struct {
	// Step is the sampling stride in pixels along both axes.
	Step int
}

// NewColorInspector returns an inspector sampling every fourth pixel.
func NewColorInspector() *ColorInspector {
	return &ColorInspector{Step: 4}
}

type colorStats struct {
	samples  int
	dark     int
	bright   int
	blue     int
	grey     int
	palette  map[uint16]struct{}
	checksum []uint32
}

func (ci *ColorInspector) stats(img image.Image) colorStats {
	step := ci.Step
	if step <= 0 {
		step = 1
	}
	st := colorStats{palette: make(map[uint16]struct{})}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			r32, g32, b32, _ := img.At(x, y).RGBA()
			r, g, bl := int(r32>>8), int(g32>>8), int(b32>>8)
			luma := (299*r + 587*g + 114*bl) / 1000

			st.samples++
			switch {
			case luma < 40:
				st.dark++
			case luma > 180:
				st.bright++
			}
			if bl > r+60 && bl > g+60 {
				st.blue++
			}
			if abs(r-g) < 16 && abs(g-bl) < 16 && luma >= 100 && luma <= 200 {
				st.grey++
			}
			st.palette[uint16(r>>4)<<8|uint16(g>>4)<<4|uint16(bl>>4)] = struct{}{}
			st.checksum = append(st.checksum, uint32(r)<<16|uint32(g)<<8|uint32(bl))
		}
	}
	return st
}

// Classify implements Inspector.
func (ci *ColorInspector) Classify(prev, cur image.Image) Screen {
	if cur == nil {
		return ScreenUnknown
	}
	st := ci.stats(cur)
	if st.samples == 0 {
		return ScreenUnknown
	}
	frac := func(n int) float64 { return float64(n) / float64(st.samples) }

	switch {
	case frac(st.dark) > 0.995:
		return ScreenBlank
	case frac(st.blue+st.grey) > 0.6 && len(st.palette) <= 16:
		return ScreenFirmware
	case frac(st.dark) > 0.85 && st.bright > 0:
		if prev != nil && sameFrame(ci.stats(prev).checksum, st.checksum) {
			return ScreenLogin
		}
		return ScreenConsole
	case len(st.palette) > 64:
		return ScreenDesktop
	default:
		return ScreenUnknown
	}
}

func sameFrame(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
