/*Package distortion removes radial lens distortion from frames with a
precomputed remap table.

The lens is modeled as a pinhole camera with principal point at the frame
center, focal length 0.9*max(w,h)*zoom and radial coefficients k1, k2, k3
(no tangential terms).  The rectified view is scaled so that every output
pixel has a valid source, which is the same choice as an optimal new camera
matrix with alpha = 0.

Building the table is O(w*h) and is only repeated when the frame size or the
parameters (rounded to 1e-6) change.
*/
package distortion

import (
	"math"
	"sync/atomic"

	"github.com/devilmastah/asilive/camera"
	"github.com/devilmastah/asilive/mathx"
	"github.com/devilmastah/asilive/util"
)

const (
	// ZoomMin is the smallest accepted zoom factor
	ZoomMin = 0.2

	// ZoomMax is the largest accepted zoom factor
	ZoomMax = 3.0

	keyUnit = 1e-6

	// grid points per side used to find the valid rectified region
	borderSamples = 9

	undistortIterations = 20
)

// Params are the manual distortion coefficients
type Params struct {
	Enabled bool    `json:"enabled" koanf:"enabled"`
	K1      float64 `json:"k1" koanf:"k1"`
	K2      float64 `json:"k2" koanf:"k2"`
	K3      float64 `json:"k3" koanf:"k3"`
	Zoom    float64 `json:"zoom" koanf:"zoom"`
}

// DefaultParams is disabled with zero coefficients and unity zoom
func DefaultParams() Params {
	return Params{Zoom: 1}
}

// Normalized returns a copy with Zoom clamped to [ZoomMin, ZoomMax]
func (p Params) Normalized() Params {
	p.Zoom = util.Clamp(p.Zoom, ZoomMin, ZoomMax)
	return p
}

type key struct {
	w, h           int
	k1, k2, k3, zm int64
}

func keyOf(w, h int, p Params) key {
	return key{
		w: w, h: h,
		k1: mathx.Quantize(p.K1, keyUnit),
		k2: mathx.Quantize(p.K2, keyUnit),
		k3: mathx.Quantize(p.K3, keyUnit),
		zm: mathx.Quantize(p.Zoom, keyUnit),
	}
}

// Cache holds the remap table for one set of parameters and frame size.
//
// Ensure and Apply must be called from a single goroutine; Recomputes and
// Active may be called from anywhere.
type Cache struct {
	key    key
	valid  bool
	mapX   []float32
	mapY   []float32
	w, h   int
	builds uint64
	active int32
}

// Ensure prepares the table for a w x h frame.  It returns false, and drops
// any table, when p is disabled.
func (c *Cache) Ensure(w, h int, p Params) bool {
	if !p.Enabled || w < 2 || h < 2 {
		c.invalidate()
		return false
	}
	p = p.Normalized()
	k := keyOf(w, h, p)
	if c.valid && c.key == k {
		return true
	}
	c.mapX, c.mapY = buildMaps(w, h, p)
	c.w, c.h = w, h
	c.key = k
	c.valid = true
	atomic.AddUint64(&c.builds, 1)
	atomic.StoreInt32(&c.active, 1)
	return true
}

func (c *Cache) invalidate() {
	c.valid = false
	c.mapX, c.mapY = nil, nil
	atomic.StoreInt32(&c.active, 0)
}

// Recomputes is the number of times the table has been built
func (c *Cache) Recomputes() uint64 {
	return atomic.LoadUint64(&c.builds)
}

// Active is true when a table is loaded
func (c *Cache) Active() bool {
	return atomic.LoadInt32(&c.active) == 1
}

// Apply remaps f through the table with bilinear interpolation.  Output
// pixels whose source lies outside the frame are 0.  When no table is loaded
// or the table was built for a different size, f is returned unchanged.
func (c *Cache) Apply(f *camera.Frame) *camera.Frame {
	if !c.valid || f == nil || f.Width != c.w || f.Height != c.h {
		return f
	}
	out := camera.NewFrame(f.Width, f.Height)
	remap(f, out, c.mapX, c.mapY)
	return out
}

// model is the forward lens model in normalized coordinates
type model struct {
	f, cx, cy  float64
	k1, k2, k3 float64
}

func newModel(w, h int, p Params) model {
	return model{
		f:  0.9 * math.Max(float64(w), float64(h)) * p.Zoom,
		cx: float64(w) / 2,
		cy: float64(h) / 2,
		k1: p.K1, k2: p.K2, k3: p.K3,
	}
}

func (m model) radial(r2 float64) float64 {
	return 1 + r2*(m.k1+r2*(m.k2+r2*m.k3))
}

// undistort maps a distorted pixel to ideal normalized coordinates by fixed
// point iteration
func (m model) undistort(u, v float64) (float64, float64) {
	x0 := (u - m.cx) / m.f
	y0 := (v - m.cy) / m.f
	x, y := x0, y0
	for i := 0; i < undistortIterations; i++ {
		k := m.radial(x*x + y*y)
		if k <= 0 {
			return x0, y0
		}
		x = x0 / k
		y = y0 / k
	}
	return x, y
}

// rectified returns the new camera intrinsics (fx, fy, cx, cy) such that the
// largest axis aligned rectangle of valid pixels fills the output
func (m model) rectified(w, h int) (fx, fy, cx, cy float64) {
	n := borderSamples
	left, top := math.Inf(-1), math.Inf(-1)
	right, bottom := math.Inf(1), math.Inf(1)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			u := float64(j) * float64(w-1) / float64(n-1)
			v := float64(i) * float64(h-1) / float64(n-1)
			x, y := m.undistort(u, v)
			if j == 0 {
				left = math.Max(left, x)
			}
			if j == n-1 {
				right = math.Min(right, x)
			}
			if i == 0 {
				top = math.Max(top, y)
			}
			if i == n-1 {
				bottom = math.Min(bottom, y)
			}
		}
	}
	if !(right > left) || !(bottom > top) {
		// no valid interior, keep the original intrinsics
		return m.f, m.f, m.cx, m.cy
	}
	fx = float64(w-1) / (right - left)
	fy = float64(h-1) / (bottom - top)
	return fx, fy, -fx * left, -fy * top
}

func buildMaps(w, h int, p Params) (mapX, mapY []float32) {
	m := newModel(w, h, p)
	fx, fy, cx, cy := m.rectified(w, h)
	mapX = make([]float32, w*h)
	mapY = make([]float32, w*h)
	for v := 0; v < h; v++ {
		y := (float64(v) - cy) / fy
		for u := 0; u < w; u++ {
			x := (float64(u) - cx) / fx
			k := m.radial(x*x + y*y)
			i := v*w + u
			mapX[i] = float32(m.f*x*k + m.cx)
			mapY[i] = float32(m.f*y*k + m.cy)
		}
	}
	return mapX, mapY
}

const edgeTolerance = 1e-3

func remap(src, dst *camera.Frame, mapX, mapY []float32) {
	w, h := src.Width, src.Height
	maxX, maxY := float64(w-1), float64(h-1)
	for i := range dst.Pix {
		sx, sy := float64(mapX[i]), float64(mapY[i])
		if sx < -edgeTolerance || sy < -edgeTolerance || sx > maxX+edgeTolerance || sy > maxY+edgeTolerance {
			dst.Pix[i] = 0
			continue
		}
		sx = util.Clamp(sx, 0, maxX)
		sy = util.Clamp(sy, 0, maxY)
		x0, y0 := int(sx), int(sy)
		x1, y1 := x0+1, y0+1
		if x1 > w-1 {
			x1 = w - 1
		}
		if y1 > h-1 {
			y1 = h - 1
		}
		ax, ay := sx-float64(x0), sy-float64(y0)
		p00 := float64(src.Pix[y0*w+x0])
		p01 := float64(src.Pix[y0*w+x1])
		p10 := float64(src.Pix[y1*w+x0])
		p11 := float64(src.Pix[y1*w+x1])
		top := p00 + ax*(p01-p00)
		bot := p10 + ax*(p11-p10)
		dst.Pix[i] = util.ClampU16(top + ay*(bot-top))
	}
}
