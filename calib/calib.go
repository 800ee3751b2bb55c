/*Package calib builds calibration masters from stacks of frames and applies
them to raw frames.

A master dark is the per-pixel median of a stack of dark frames.  A master
flat is the median of a stack of flat field frames, dark subtracted, clamped
to at least 1 and normalized to unit mean so that dividing by it preserves
the overall signal level.

Correction degrades softly: a master whose size differs from the frame is
skipped rather than reported as an error, since a crop or binning change
should not break snapshots.
*/
package calib

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/devilmastah/asilive/camera"
	"github.com/devilmastah/asilive/util"
)

// Method is a per-pixel stack reduction
type Method int

const (
	// Median takes the per-pixel median, averaging the middle two for even stacks
	Median Method = iota

	// Mean takes the per-pixel arithmetic mean
	Mean
)

// flatFloor is the smallest divisor used when applying a flat
const flatFloor = 1e-6

// ErrEmptyStack is returned when asked to reduce zero frames
var ErrEmptyStack = errors.New("no frames to stack")

func (m Method) String() string {
	switch m {
	case Median:
		return "median"
	case Mean:
		return "mean"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod converts "median" or "mean" (any case) to a Method
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "median":
		return Median, nil
	case "mean":
		return Mean, nil
	default:
		return Median, fmt.Errorf("unknown stacking method %q, must be median or mean", s)
	}
}

// Flat is a multiplicative flat field with mean approximately 1
type Flat struct {
	Width  int
	Height int
	Pix    []float32
}

// SameSize is true when the flat matches the frame's dimensions
func (fl *Flat) SameSize(f *camera.Frame) bool {
	return fl != nil && f != nil && fl.Width == f.Width && fl.Height == f.Height
}

func checkStack(frames []*camera.Frame) error {
	if len(frames) == 0 {
		return ErrEmptyStack
	}
	for i, f := range frames {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if !frames[0].SameSize(f) {
			return fmt.Errorf("frame %d is %dx%d, frame 0 is %dx%d", i, f.Width, f.Height, frames[0].Width, frames[0].Height)
		}
	}
	return nil
}

// Stack reduces a stack of equally sized frames to one frame.  The result is
// clamped to [0, 65535] and rounded to the nearest integer.
func Stack(frames []*camera.Frame, m Method) (*camera.Frame, error) {
	if err := checkStack(frames); err != nil {
		return nil, err
	}
	w, h := frames[0].Width, frames[0].Height
	out := camera.NewFrame(w, h)
	n := len(frames)
	switch m {
	case Mean:
		for i := range out.Pix {
			var sum float64
			for _, f := range frames {
				sum += float64(f.Pix[i])
			}
			out.Pix[i] = util.ClampU16(sum / float64(n))
		}
	case Median:
		col := make([]uint16, n)
		for i := range out.Pix {
			for j, f := range frames {
				col[j] = f.Pix[i]
			}
			out.Pix[i] = util.ClampU16(median(col))
		}
	default:
		return nil, fmt.Errorf("unknown stacking method %v", m)
	}
	return out, nil
}

// median sorts s in place
func median(s []uint16) float64 {
	n := len(s)
	if n == 1 {
		return float64(s[0])
	}
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	if n%2 == 1 {
		return float64(s[n/2])
	}
	return (float64(s[n/2-1]) + float64(s[n/2])) / 2
}

// MasterDark is the median stack of dark frames
func MasterDark(frames []*camera.Frame) (*camera.Frame, error) {
	return Stack(frames, Median)
}

// MasterFlat median stacks the flat frames, subtracts the dark, clamps to
// [1, 65535] and divides by the mean.  dark may be nil.
func MasterFlat(frames []*camera.Frame, dark *camera.Frame) (*Flat, error) {
	stacked, err := Stack(frames, Median)
	if err != nil {
		return nil, err
	}
	if dark != nil && !stacked.SameSize(dark) {
		return nil, fmt.Errorf("master dark is %dx%d, flat frames are %dx%d",
			dark.Width, dark.Height, stacked.Width, stacked.Height)
	}
	vals := make([]float64, len(stacked.Pix))
	var sum float64
	for i, v := range stacked.Pix {
		x := float64(v)
		if dark != nil {
			x -= float64(dark.Pix[i])
		}
		x = util.Clamp(x, 1, 65535)
		vals[i] = x
		sum += x
	}
	mean := sum / float64(len(vals))
	if mean <= 0 {
		mean = 1
	}
	out := &Flat{Width: stacked.Width, Height: stacked.Height, Pix: make([]float32, len(vals))}
	for i, x := range vals {
		out.Pix[i] = float32(x / mean)
	}
	return out, nil
}

// Correct subtracts the dark and divides by the flat, each only if it is
// non-nil and matches the frame size.  The result is a new frame clamped to
// [0, 65535].
func Correct(raw *camera.Frame, dark *camera.Frame, flat *Flat) *camera.Frame {
	useDark := raw.SameSize(dark)
	useFlat := flat.SameSize(raw)
	out := camera.NewFrame(raw.Width, raw.Height)
	for i, v := range raw.Pix {
		x := float64(v)
		if useDark {
			x -= float64(dark.Pix[i])
		}
		if useFlat {
			d := float64(flat.Pix[i])
			if d < flatFloor {
				d = flatFloor
			}
			x /= d
		}
		out.Pix[i] = util.ClampU16(x)
	}
	return out
}

// Applied reports which masters Correct would use for a frame of this size
func Applied(raw *camera.Frame, dark *camera.Frame, flat *Flat) (darkUsed, flatUsed bool) {
	return raw.SameSize(dark), flat.SameSize(raw)
}
