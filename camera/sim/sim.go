// Package sim provides a synthetic camera which satisfies camera.Source.
//
// Frames are a constant bias plus a vignetted illumination term plus gaussian
// read noise.  The readout period follows the exposure time unless Period is
// set, which lets tests run the producer loop at a fixed fast cadence.
package sim

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/devilmastah/asilive/camera"
	"github.com/devilmastah/asilive/util"
)

// ErrClosed is returned by GetFrame after Close
var ErrClosed = errors.New("sim: camera closed")

// Config holds the parameters of the synthetic image
type Config struct {
	// Width and Height are the frame dimensions
	Width  int `koanf:"width" yaml:"width"`
	Height int `koanf:"height" yaml:"height"`

	// Bias is the dark level in DN
	Bias float64 `koanf:"bias" yaml:"bias"`

	// Noise is the standard deviation of the gaussian read noise in DN
	Noise float64 `koanf:"noise" yaml:"noise"`

	// Signal is the illumination at the frame center for a 1 ms exposure at unity gain
	Signal float64 `koanf:"signal" yaml:"signal"`

	// Vignette is the fractional falloff of illumination at the corners, 0..1
	Vignette float64 `koanf:"vignette" yaml:"vignette"`

	// Period overrides the readout cadence.  Zero means one exposure per frame.
	Period time.Duration `koanf:"period" yaml:"period"`

	// Seed seeds the noise generator
	Seed int64 `koanf:"seed" yaml:"seed"`
}

// Camera is a simulated camera
type Camera struct {
	sync.Mutex
	cfg      Config
	exposure time.Duration
	gain     int
	rng      *rand.Rand
	closed   bool
	frames   uint64

	// FailAfter makes GetFrame return an error once this many frames have
	// been produced.  Zero disables the failure.
	FailAfter uint64
}

// New returns a simulated camera.  The index must be 0, mirroring a bench with
// exactly one device attached.
func New(index int, cfg Config) (*Camera, error) {
	if index != 0 {
		return nil, fmt.Errorf("%w: invalid camera index %d, found 1 camera", camera.ErrConfiguration, index)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid simulated frame size %dx%d", camera.ErrConfiguration, cfg.Width, cfg.Height)
	}
	return &Camera{
		cfg:      cfg,
		exposure: 5 * time.Millisecond,
		gain:     50,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Configure implements camera.Source
func (c *Camera) Configure(exposure time.Duration, gain int) error {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return ErrClosed
	}
	if exposure <= 0 {
		return fmt.Errorf("sim: exposure must be positive, got %v", exposure)
	}
	c.exposure = exposure
	c.gain = gain
	return nil
}

// Settings returns the values last passed to Configure
func (c *Camera) Settings() camera.Settings {
	c.Lock()
	defer c.Unlock()
	return camera.Settings{Exposure: c.exposure, Gain: c.gain}
}

// Frames returns how many frames have been read out
func (c *Camera) Frames() uint64 {
	c.Lock()
	defer c.Unlock()
	return c.frames
}

// GetFrame implements camera.Source.  It sleeps for one readout period.
func (c *Camera) GetFrame() (*camera.Frame, error) {
	c.Lock()
	if c.closed {
		c.Unlock()
		return nil, ErrClosed
	}
	period := c.cfg.Period
	if period == 0 {
		period = c.exposure
	}
	c.Unlock()

	time.Sleep(period)

	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.FailAfter > 0 && c.frames >= c.FailAfter {
		return nil, fmt.Errorf("sim: readout failed after %d frames", c.frames)
	}
	c.frames++
	return c.render(), nil
}

// Close implements camera.Source
func (c *Camera) Close() error {
	c.Lock()
	defer c.Unlock()
	c.closed = true
	return nil
}

func (c *Camera) render() *camera.Frame {
	w, h := c.cfg.Width, c.cfg.Height
	f := camera.NewFrame(w, h)
	scale := c.exposure.Seconds() * 1e3 * float64(c.gain) / 50
	cx, cy := float64(w-1)/2, float64(h-1)/2
	rmax := math.Hypot(cx, cy)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := c.cfg.Bias
			if c.cfg.Signal != 0 {
				r := 0.
				if rmax > 0 {
					r = math.Hypot(float64(x)-cx, float64(y)-cy) / rmax
				}
				v += c.cfg.Signal * scale * (1 - c.cfg.Vignette*r*r)
			}
			if c.cfg.Noise != 0 {
				v += c.rng.NormFloat64() * c.cfg.Noise
			}
			f.Pix[y*w+x] = util.ClampU16(v)
		}
	}
	return f
}
