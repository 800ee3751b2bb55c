package camera

import (
	"encoding/binary"
	"fmt"
	"image"

	"github.com/devilmastah/asilive/util"
)

// Frame is a 2D grid of 16-bit samples, row major with a stride of Width.
//
// A published frame is never written to again.  Consumers which need to
// modify the data must Clone it first.
type Frame struct {
	Width  int
	Height int
	Pix    []uint16
}

// NewFrame allocates a zeroed frame of the given size
func NewFrame(width, height int) *Frame {
	return &Frame{Width: width, Height: height, Pix: make([]uint16, width*height)}
}

// Validate checks that the pixel buffer matches the dimensions
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("nil frame")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if len(f.Pix) != f.Width*f.Height {
		return fmt.Errorf("frame buffer holds %d samples, %dx%d needs %d", len(f.Pix), f.Width, f.Height, f.Width*f.Height)
	}
	return nil
}

// At returns the sample at column x, row y
func (f *Frame) At(x, y int) uint16 {
	return f.Pix[y*f.Width+x]
}

// Set writes the sample at column x, row y
func (f *Frame) Set(x, y int, v uint16) {
	f.Pix[y*f.Width+x] = v
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	out := &Frame{Width: f.Width, Height: f.Height, Pix: make([]uint16, len(f.Pix))}
	copy(out.Pix, f.Pix)
	return out
}

// SameSize is true if both frames are non-nil and share dimensions
func (f *Frame) SameSize(o *Frame) bool {
	return f != nil && o != nil && f.Width == o.Width && f.Height == o.Height
}

// Mean returns the average sample value
func (f *Frame) Mean() float64 {
	if len(f.Pix) == 0 {
		return 0
	}
	var sum float64
	for _, v := range f.Pix {
		sum += float64(v)
	}
	return sum / float64(len(f.Pix))
}

// Gray16 converts the frame to an image.Gray16, which stores big endian bytes
func (f *Frame) Gray16() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	for i, v := range f.Pix {
		binary.BigEndian.PutUint16(img.Pix[2*i:], v)
	}
	return img
}

// FromGray16 converts an image.Gray16 to a frame
func FromGray16(img *image.Gray16) *Frame {
	b := img.Bounds()
	out := NewFrame(b.Dx(), b.Dy())
	for y := 0; y < out.Height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < out.Width; x++ {
			out.Pix[y*out.Width+x] = binary.BigEndian.Uint16(row[2*x:])
		}
	}
	return out
}

// Rect is a crop rectangle in frame pixel coordinates.  X1 and Y1 are exclusive.
type Rect struct {
	X0 int `json:"x0" koanf:"x0"`
	Y0 int `json:"y0" koanf:"y0"`
	X1 int `json:"x1" koanf:"x1"`
	Y1 int `json:"y1" koanf:"y1"`
}

// Valid is true when the rectangle has positive extent
func (r Rect) Valid() bool {
	return r.X1 > r.X0 && r.Y1 > r.Y0
}

// Clamp fits the rectangle to a w x h frame.  The upper corner is kept at
// least one pixel inside the frame, so the clamped rectangle may be invalid
// for very small frames.
func (r Rect) Clamp(w, h int) Rect {
	return Rect{
		X0: util.ClampInt(r.X0, 0, w-2),
		X1: util.ClampInt(r.X1, 1, w-1),
		Y0: util.ClampInt(r.Y0, 0, h-2),
		Y1: util.ClampInt(r.Y1, 1, h-1),
	}
}

// Crop returns the region of f inside r, clamped to the frame.  If the
// rectangle is degenerate after clamping f itself is returned.
func (f *Frame) Crop(r Rect) *Frame {
	if !r.Valid() {
		return f
	}
	c := r.Clamp(f.Width, f.Height)
	if !c.Valid() {
		return f
	}
	w, h := c.X1-c.X0, c.Y1-c.Y0
	out := NewFrame(w, h)
	for y := 0; y < h; y++ {
		src := f.Pix[(c.Y0+y)*f.Width+c.X0:]
		copy(out.Pix[y*w:(y+1)*w], src[:w])
	}
	return out
}
