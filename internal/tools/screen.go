// ABOUTME: Screenshot encoding: aspect-preserving downscale and JPEG output.
// ABOUTME: Scaling uses golang.org/x/image/draw; JPEG comes from image/jpeg.

package tools

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// Screenshot defaults.
const (
	DefaultResize  = 800
	DefaultQuality = 85
)

// Frame is an encoded screenshot.
type Frame struct {
	JPEG []byte
	// Width and Height are the remote screen size.
	Width  int
	Height int
	// EncodedWidth and EncodedHeight are the size after resizing.
	EncodedWidth  int
	EncodedHeight int
}

// Fit returns the size of src after scaling its wider side down to max,
// preserving the aspect ratio. Images already within max, and a
// non-positive max, keep their size.
func Fit(src image.Rectangle, max int) image.Point {
	w, h := src.Dx(), src.Dy()
	if max <= 0 || (w <= max && h <= max) {
		return image.Pt(w, h)
	}
	if w >= h {
		return image.Pt(max, scaleSide(h, max, w))
	}
	return image.Pt(scaleSide(w, max, h), max)
}

func scaleSide(side, num, den int) int {
	v := side * num / den
	if v < 1 {
		return 1
	}
	return v
}

// EncodeJPEG resizes img per Fit and encodes it at quality (1-100).
func EncodeJPEG(img image.Image, resize, quality int) (*Frame, error) {
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("jpeg quality %d out of range 1-100", quality)
	}
	bounds := img.Bounds()
	size := Fit(bounds, resize)

	src := img
	if size.X != bounds.Dx() || size.Y != bounds.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
		src = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return &Frame{
		JPEG:          buf.Bytes(),
		Width:         bounds.Dx(),
		Height:        bounds.Dy(),
		EncodedWidth:  size.X,
		EncodedHeight: size.Y,
	}, nil
}

// screenshotResult wraps an encoded frame as tool output.
func screenshotResult(f *Frame, format string, args ...any) *Result {
	return textResult(format, args...).
		withImage(f.JPEG, "image/jpeg").
		withData(map[string]any{
			"width":          f.Width,
			"height":         f.Height,
			"encoded_width":  f.EncodedWidth,
			"encoded_height": f.EncodedHeight,
			"format":         "jpeg",
		})
}
