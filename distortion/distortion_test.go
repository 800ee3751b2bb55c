package distortion

import (
	"testing"

	"github.com/devilmastah/asilive/camera"
	"github.com/google/go-cmp/cmp"
)

func gradient(w, h int) *camera.Frame {
	f := camera.NewFrame(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			f.Set(x, y, uint16(100*x+7*y))
		}
	}
	return f
}

func TestDisabledIsIdentity(t *testing.T) {
	var c Cache
	if c.Ensure(16, 12, Params{K1: 0.3, Zoom: 1}) {
		t.Fatal("Ensure returned true for disabled params")
	}
	f := gradient(16, 12)
	if out := c.Apply(f); out != f {
		t.Fatal("expected Apply without a table to return its input")
	}
}

func TestZeroCoefficientsAreIdentity(t *testing.T) {
	var c Cache
	if !c.Ensure(32, 24, Params{Enabled: true, Zoom: 1}) {
		t.Fatal("Ensure returned false for enabled params")
	}
	f := gradient(32, 24)
	out := c.Apply(f)
	if diff := cmp.Diff(f.Pix, out.Pix); diff != "" {
		t.Fatalf("zero distortion changed the frame (-want +got):\n%s", diff)
	}
}

func TestSameParamsDoNotRecompute(t *testing.T) {
	var c Cache
	p := Params{Enabled: true, K1: -0.12, K2: 0.03, Zoom: 1}
	c.Ensure(40, 30, p)
	c.Ensure(40, 30, p)
	p.K1 += 1e-9
	c.Ensure(40, 30, p)
	if n := c.Recomputes(); n != 1 {
		t.Fatalf("expected one build for params equal after rounding, got %d", n)
	}
}

func TestChangedParamsRecompute(t *testing.T) {
	var c Cache
	p := Params{Enabled: true, K1: -0.12, Zoom: 1}
	c.Ensure(40, 30, p)
	p.K1 = -0.11
	c.Ensure(40, 30, p)
	c.Ensure(41, 30, p)
	if n := c.Recomputes(); n != 3 {
		t.Fatalf("expected three builds, got %d", n)
	}
}

func TestDisableDropsTable(t *testing.T) {
	var c Cache
	p := Params{Enabled: true, K1: 0.1, Zoom: 1}
	c.Ensure(20, 20, p)
	if !c.Active() {
		t.Fatal("expected an active table")
	}
	p.Enabled = false
	c.Ensure(20, 20, p)
	if c.Active() {
		t.Fatal("expected the table to be dropped")
	}
	p.Enabled = true
	c.Ensure(20, 20, p)
	if n := c.Recomputes(); n != 2 {
		t.Fatalf("expected re-enabling to rebuild, got %d builds", n)
	}
}

func TestBarrelCorrectionKeepsCenter(t *testing.T) {
	var c Cache
	c.Ensure(64, 48, Params{Enabled: true, K1: -0.2, Zoom: 1})
	f := camera.NewFrame(64, 48)
	for i := range f.Pix {
		f.Pix[i] = 1000
	}
	out := c.Apply(f)
	if out.At(32, 24) != 1000 {
		t.Fatalf("center pixel = %d, expected 1000", out.At(32, 24))
	}
	// alpha 0 scaling leaves no invalid pixels at the corners
	for _, p := range [][2]int{{0, 0}, {63, 0}, {0, 47}, {63, 47}} {
		if v := out.At(p[0], p[1]); v == 0 {
			t.Errorf("corner %v is outside the source after rectification", p)
		}
	}
}

func TestSizeMismatchPassesThrough(t *testing.T) {
	var c Cache
	c.Ensure(10, 10, Params{Enabled: true, K1: 0.1, Zoom: 1})
	f := gradient(12, 10)
	if out := c.Apply(f); out != f {
		t.Fatal("expected a frame of a different size to pass through")
	}
}

func TestNormalizedClampsZoom(t *testing.T) {
	if z := (Params{Zoom: 10}).Normalized().Zoom; z != ZoomMax {
		t.Errorf("zoom 10 normalized to %v", z)
	}
	if z := (Params{Zoom: 0.01}).Normalized().Zoom; z != ZoomMin {
		t.Errorf("zoom 0.01 normalized to %v", z)
	}
	if z := (Params{}).Normalized().Zoom; z != ZoomMin {
		t.Errorf("zero zoom normalized to %v", z)
	}
}
