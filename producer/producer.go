/*Package producer runs the free-running acquisition loop.

Each frame read from the camera is published twice: untouched on the raw
bus, and after distortion correction and crop on the display bus.  Camera
settings and processing parameters are handed in through single slot
channels where a newer value replaces an unapplied older one; they take
effect between frames.
*/
package producer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/devilmastah/asilive/camera"
	"github.com/devilmastah/asilive/distortion"
	"github.com/devilmastah/asilive/framebus"
	"github.com/devilmastah/asilive/mathx"
)

// Processing is what the loop does to a raw frame before display
type Processing struct {
	Distortion distortion.Params
	Crop       camera.Rect
	CropOn     bool
}

// Stats is a summary of the loop's progress
type Stats struct {
	Frames               uint64    `json:"frames"`
	FPS                  float64   `json:"fps"`
	Width                int       `json:"width"`
	Height               int       `json:"height"`
	LastFrame            time.Time `json:"lastFrame"`
	DistortionActive     bool      `json:"distortionActive"`
	DistortionRecomputes uint64    `json:"distortionRecomputes"`
	Running              bool      `json:"running"`
	Error                string    `json:"error,omitempty"`
}

// Producer owns the camera while it runs
type Producer struct {
	src     camera.Source
	raw     *framebus.Bus
	display *framebus.Bus
	log     zerolog.Logger

	settings chan camera.Settings
	proc     chan Processing
	cache    distortion.Cache

	frames  uint64
	running int32

	mu      sync.Mutex
	err     error
	fps     float64
	w, h    int
	lastAt  time.Time
	current Processing
}

// New returns a producer reading src and publishing to raw and display
func New(src camera.Source, raw, display *framebus.Bus, log zerolog.Logger) *Producer {
	return &Producer{
		src:      src,
		raw:      raw,
		display:  display,
		log:      log.With().Str("component", "producer").Logger(),
		settings: make(chan camera.Settings, 1),
		proc:     make(chan Processing, 1),
	}
}

// Configure queues new camera settings.  Only the most recent unapplied
// value is kept.
func (p *Producer) Configure(s camera.Settings) {
	for {
		select {
		case p.settings <- s:
			return
		default:
		}
		select {
		case <-p.settings:
		default:
		}
	}
}

// SetProcessing queues new processing parameters.  Only the most recent
// unapplied value is kept.
func (p *Producer) SetProcessing(pr Processing) {
	for {
		select {
		case p.proc <- pr:
			return
		default:
		}
		select {
		case <-p.proc:
		default:
		}
	}
}

// Raw is the bus of unprocessed frames
func (p *Producer) Raw() *framebus.Bus {
	return p.raw
}

// Display is the bus of processed frames
func (p *Producer) Display() *framebus.Bus {
	return p.display
}

// Err returns the error which stopped the loop, if any
func (p *Producer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stats returns a snapshot of the loop's counters
func (p *Producer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Frames:               atomic.LoadUint64(&p.frames),
		FPS:                  mathx.Round(p.fps, 0.01),
		Width:                p.w,
		Height:               p.h,
		LastFrame:            p.lastAt,
		DistortionActive:     p.cache.Active(),
		DistortionRecomputes: p.cache.Recomputes(),
		Running:              atomic.LoadInt32(&p.running) == 1,
	}
	if p.err != nil {
		s.Error = p.err.Error()
	}
	return s
}

// Run reads frames until ctx is done or the camera fails.  A camera failure
// is logged, stored for Err, and returned.  The camera is not closed.
func (p *Producer) Run(ctx context.Context) error {
	atomic.StoreInt32(&p.running, 1)
	defer atomic.StoreInt32(&p.running, 0)
	p.log.Info().Msg("acquisition started")
	for {
		if ctx.Err() != nil {
			p.log.Info().Uint64("frames", atomic.LoadUint64(&p.frames)).Msg("acquisition stopped")
			return nil
		}
		p.applyPending()

		f, err := p.src.GetFrame()
		if ctx.Err() != nil {
			continue
		}
		if err == nil {
			err = f.Validate()
		}
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			p.log.Error().Err(err).Msg("capture failed, acquisition stopped")
			return err
		}
		p.publish(f)
	}
}

func (p *Producer) applyPending() {
	select {
	case s := <-p.settings:
		if err := p.src.Configure(s.Exposure, s.Gain); err != nil {
			p.log.Warn().Err(err).Dur("exposure", s.Exposure).Int("gain", s.Gain).Msg("camera rejected settings")
		} else {
			p.log.Debug().Dur("exposure", s.Exposure).Int("gain", s.Gain).Msg("camera configured")
		}
	default:
	}
	select {
	case pr := <-p.proc:
		p.mu.Lock()
		p.current = pr
		p.mu.Unlock()
	default:
	}
}

func (p *Producer) publish(f *camera.Frame) {
	p.raw.Publish(f)

	p.mu.Lock()
	pr := p.current
	p.mu.Unlock()
	out := f
	if p.cache.Ensure(f.Width, f.Height, pr.Distortion) {
		out = p.cache.Apply(f)
	}
	if pr.CropOn {
		out = out.Crop(pr.Crop)
	}
	p.display.Publish(out)

	now := time.Now()
	n := atomic.AddUint64(&p.frames, 1)
	p.mu.Lock()
	if !p.lastAt.IsZero() {
		if dt := now.Sub(p.lastAt).Seconds(); dt > 0 {
			inst := 1 / dt
			if p.fps == 0 {
				p.fps = inst
			} else {
				p.fps = 0.9*p.fps + 0.1*inst
			}
		}
	}
	if p.w != f.Width || p.h != f.Height {
		if n > 1 {
			p.log.Warn().Int("width", f.Width).Int("height", f.Height).Msg("frame size changed")
		}
		p.w, p.h = f.Width, f.Height
	}
	p.lastAt = now
	p.mu.Unlock()
}
