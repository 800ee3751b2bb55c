// Package framebus holds the most recent frame published by the producer and
// a sequence number which increases by one on every publish.
//
// There is exactly one writer and any number of readers.  Readers which poll
// slower than the producer publishes miss frames; there is no history.
package framebus

import (
	"sync"
	"time"

	"github.com/devilmastah/asilive/camera"
)

// Bus is a single slot mailbox.  The zero value is ready to use and holds no
// frame with sequence 0.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	latest *camera.Frame
	at     time.Time
}

// New returns an empty bus
func New() *Bus {
	return &Bus{}
}

// Publish replaces the latest frame and increments the sequence.  The caller
// gives up ownership of f.
func (b *Bus) Publish(f *camera.Frame) {
	now := time.Now()
	b.mu.Lock()
	b.seq++
	b.latest = f
	b.at = now
	b.mu.Unlock()
}

// Snapshot returns the sequence and frame as one consistent pair.  The frame
// is nil until the first publish.  It must not be modified.
func (b *Bus) Snapshot() (uint64, *camera.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq, b.latest
}

// Seq returns the current sequence number
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// ReadIfNew returns the latest frame only if its sequence is greater than
// lastRead.  ok is false when nothing newer has been published.
func (b *Bus) ReadIfNew(lastRead uint64) (f *camera.Frame, seq uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seq <= lastRead || b.latest == nil {
		return nil, lastRead, false
	}
	return b.latest, b.seq, true
}

// LastPublish returns the time of the most recent publish, zero if none
func (b *Bus) LastPublish() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.at
}
