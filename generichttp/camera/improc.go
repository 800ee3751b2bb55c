// this file contains a few small image processing utilities
package camera

import (
	"image"

	"github.com/disintegration/gift"

	"github.com/devilmastah/asilive/camera"
)

// percentiles used to stretch 16-bit frames to 8 bits for display
const (
	stretchLow  = 0.005
	stretchHigh = 0.995
)

// Levels returns the sample values at the low and high stretch percentiles
func Levels(f *camera.Frame) (lo, hi uint16) {
	if len(f.Pix) == 0 {
		return 0, 0
	}
	var hist [65536]uint32
	for _, v := range f.Pix {
		hist[v]++
	}
	n := float64(len(f.Pix))
	loCount, hiCount := uint64(stretchLow*n), uint64(stretchHigh*n)
	var cum uint64
	found := false
	for v, c := range hist {
		cum += uint64(c)
		if !found && cum > loCount {
			lo = uint16(v)
			found = true
		}
		if cum > hiCount {
			hi = uint16(v)
			break
		}
	}
	if cum <= hiCount {
		hi = 65535
	}
	return lo, hi
}

// Stretch maps a 16-bit frame to 8 bits, linearly between its stretch levels
func Stretch(f *camera.Frame) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	lo, hi := Levels(f)
	span := float64(hi) - float64(lo)
	if span <= 0 {
		span = 1
	}
	for i, v := range f.Pix {
		x := (float64(v) - float64(lo)) / span * 255
		switch {
		case x <= 0:
			img.Pix[i] = 0
		case x >= 255:
			img.Pix[i] = 255
		default:
			img.Pix[i] = uint8(x + .5)
		}
	}
	return img
}

// Preview stretches a frame to 8 bits and shrinks it to at most width pixels
// wide, keeping the aspect ratio.  Width <= 0 or larger than the frame keeps
// the native size.
func Preview(f *camera.Frame, width int) image.Image {
	img := Stretch(f)
	if width <= 0 || width >= f.Width {
		return img
	}
	g := gift.New(gift.ResizeToFit(width, f.Height, gift.LinearResampling))
	dst := image.NewGray(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}
