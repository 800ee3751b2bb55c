/*Package camera describes the capability interface the acquisition loop needs
from a camera, and the frame type passed between the producer and its consumers.

Drivers are external to this module.  Anything which can be configured, can
read out a 16-bit monochrome frame on demand and can be closed satisfies Source.
Package sim contains a synthetic implementation used for testing and for
running the server without hardware.

*/
package camera

import (
	"errors"
	"time"
)

// ErrConfiguration is returned (wrapped) when a camera cannot be opened or
// configured at startup, for example an invalid index or a failed SDK init.
// It is not retried.
var ErrConfiguration = errors.New("camera configuration error")

// Source describes a camera which free-runs and hands back decoded frames.
type Source interface {
	// Configure sets the exposure time and analog gain.  It is called
	// between frames by the producer loop, never concurrently with GetFrame.
	Configure(exposure time.Duration, gain int) error

	// GetFrame blocks until the next frame has been read out and returns it.
	// The returned frame is owned by the caller.
	GetFrame() (*Frame, error)

	// Close stops acquisition and releases the device.
	Close() error
}

// Settings is the pair of values a Source is configured with
type Settings struct {
	// Exposure is the exposure time
	Exposure time.Duration

	// Gain is the analog gain in driver units
	Gain int
}
