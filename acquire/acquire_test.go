package acquire

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devilmastah/asilive/camera"
	"github.com/devilmastah/asilive/framebus"
)

// pump publishes frames numbered by their sequence until ctx is done
func pump(ctx context.Context, bus *framebus.Bus, period time.Duration, w, h int) {
	var i uint16
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(period):
		}
		i++
		f := camera.NewFrame(w, h)
		for j := range f.Pix {
			f.Pix[j] = i
		}
		bus.Publish(f)
	}
}

func fastOpts() Options {
	return Options{PollInterval: time.Millisecond, FrameTimeout: time.Second, FirstFrameTimeout: time.Second}
}

func TestCollectReturnsFreshFramesInOrder(t *testing.T) {
	bus := framebus.New()
	stale := camera.NewFrame(2, 2)
	bus.Publish(stale)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pump(ctx, bus, 2*time.Millisecond, 2, 2)

	var calls int
	opts := fastOpts()
	opts.Progress = func(got, want int) { calls++ }
	frames, err := Collect(context.Background(), bus, 5, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 5 {
		t.Fatalf("got %d frames, expected 5", len(frames))
	}
	if calls != 5 {
		t.Fatalf("progress called %d times, expected 5", calls)
	}
	prev := uint16(0)
	for i, f := range frames {
		if f == stale {
			t.Fatal("collection returned the frame on the bus before the call")
		}
		if f.Pix[0] <= prev {
			t.Fatalf("frame %d has number %d, not after %d", i, f.Pix[0], prev)
		}
		prev = f.Pix[0]
	}
}

func TestCollectCopiesFrames(t *testing.T) {
	bus := framebus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pump(ctx, bus, time.Millisecond, 3, 3)
	frames, err := Collect(context.Background(), bus, 1, fastOpts())
	if err != nil {
		t.Fatal(err)
	}
	_, latest := bus.Snapshot()
	if frames[0] == latest {
		t.Fatal("expected a private copy of the bus frame")
	}
}

func TestCollectTimesOutWithNoFrames(t *testing.T) {
	bus := framebus.New()
	bus.Publish(camera.NewFrame(2, 2))
	opts := Options{PollInterval: time.Millisecond, FrameTimeout: 30 * time.Millisecond}
	start := time.Now()
	frames, err := Collect(context.Background(), bus, 3, opts)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if frames != nil {
		t.Fatalf("expected no frames on timeout, got %d", len(frames))
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout took far longer than configured")
	}
}

func TestCollectUsesFirstFrameTimeoutOnEmptyBus(t *testing.T) {
	bus := framebus.New()
	opts := Options{PollInterval: time.Millisecond, FrameTimeout: time.Hour, FirstFrameTimeout: 20 * time.Millisecond}
	_, err := Collect(context.Background(), bus, 1, opts)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}

func TestCollectPartialThenStallIsAllOrNothing(t *testing.T) {
	bus := framebus.New()
	bus.Publish(camera.NewFrame(2, 2))
	go func() {
		time.Sleep(5 * time.Millisecond)
		bus.Publish(camera.NewFrame(2, 2))
	}()
	opts := Options{PollInterval: time.Millisecond, FrameTimeout: 50 * time.Millisecond}
	frames, err := Collect(context.Background(), bus, 2, opts)
	if !errors.Is(err, ErrTimedOut) || frames != nil {
		t.Fatalf("expected (nil, ErrTimedOut), got (%d frames, %v)", len(frames), err)
	}
}

func TestCollectCancel(t *testing.T) {
	bus := framebus.New()
	bus.Publish(camera.NewFrame(2, 2))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	frames, err := Collect(ctx, bus, 10, Options{PollInterval: time.Millisecond, FrameTimeout: time.Minute})
	if !errors.Is(err, ErrCancelled) || frames != nil {
		t.Fatalf("expected (nil, ErrCancelled), got (%d frames, %v)", len(frames), err)
	}
}

func TestCollectDimensionChange(t *testing.T) {
	bus := framebus.New()
	go func() {
		time.Sleep(3 * time.Millisecond)
		bus.Publish(camera.NewFrame(2, 2))
		time.Sleep(10 * time.Millisecond)
		bus.Publish(camera.NewFrame(4, 4))
	}()
	_, err := Collect(context.Background(), bus, 2, fastOpts())
	if !errors.Is(err, ErrDimensionChanged) {
		t.Fatalf("expected ErrDimensionChanged, got %v", err)
	}
}

func TestCollectRejectsZero(t *testing.T) {
	if _, err := Collect(context.Background(), framebus.New(), 0, fastOpts()); err == nil {
		t.Fatal("expected an error for n = 0")
	}
}
