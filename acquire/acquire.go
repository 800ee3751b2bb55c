// Package acquire collects a number of consecutive fresh frames from a free
// running producer without slowing it down.
//
// The collector polls the bus sequence number.  Each time the sequence has
// moved past the last frame taken, the current frame is copied and becomes
// the new baseline.  A frame which was already on the bus when Collect was
// called is never returned.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devilmastah/asilive/camera"
)

var (
	// ErrTimedOut is returned when no new frame arrives within the timeout
	ErrTimedOut = errors.New("timed out waiting for a new frame")

	// ErrCancelled is returned when the context is cancelled mid-collection
	ErrCancelled = errors.New("frame collection cancelled")

	// ErrDimensionChanged is returned when the frame size changes mid-collection
	ErrDimensionChanged = errors.New("frame dimensions changed during collection")
)

const (
	// DefaultPollInterval is how often the bus is checked
	DefaultPollInterval = 10 * time.Millisecond

	// DefaultFrameTimeout bounds the wait for each frame
	DefaultFrameTimeout = 60 * time.Second

	// DefaultFirstFrameTimeout bounds the wait when nothing has ever been published
	DefaultFirstFrameTimeout = 20 * time.Second
)

// Bus is the read side of a framebus.Bus
type Bus interface {
	Snapshot() (uint64, *camera.Frame)
}

// Options tune Collect.  Zero values take the package defaults.
type Options struct {
	PollInterval      time.Duration
	FrameTimeout      time.Duration
	FirstFrameTimeout time.Duration

	// Progress, if not nil, is called after each frame on the calling goroutine
	Progress func(got, want int)
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = DefaultFrameTimeout
	}
	if o.FirstFrameTimeout <= 0 {
		o.FirstFrameTimeout = DefaultFirstFrameTimeout
	}
	return o
}

// Collect returns n frames published strictly after the call, in publish
// order.  Each returned frame is a private copy.  On any error no frames are
// returned.
func Collect(ctx context.Context, bus Bus, n int, opts Options) ([]*camera.Frame, error) {
	if n < 1 {
		return nil, fmt.Errorf("frame count must be at least 1, got %d", n)
	}
	opts = opts.withDefaults()

	baseline, _ := bus.Snapshot()
	timeout := opts.FrameTimeout
	if baseline == 0 {
		timeout = opts.FirstFrameTimeout
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	frames := make([]*camera.Frame, 0, n)
	for len(frames) < n {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w after %d of %d frames", ErrCancelled, len(frames), n)
		}
		seq, f := bus.Snapshot()
		if seq > baseline && f != nil {
			if len(frames) > 0 && !frames[0].SameSize(f) {
				return nil, fmt.Errorf("%w: %dx%d then %dx%d", ErrDimensionChanged,
					frames[0].Width, frames[0].Height, f.Width, f.Height)
			}
			frames = append(frames, f.Clone())
			baseline = seq
			deadline = time.Now().Add(opts.FrameTimeout)
			if opts.Progress != nil {
				opts.Progress(len(frames), n)
			}
			continue
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w after %d of %d frames", ErrTimedOut, len(frames), n)
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
	return frames, nil
}
