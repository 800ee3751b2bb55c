package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/devilmastah/asilive/acquire"
	"github.com/devilmastah/asilive/bridge"
	"github.com/devilmastah/asilive/calib"
	"github.com/devilmastah/asilive/camera/sim"
	"github.com/devilmastah/asilive/control"
	"github.com/devilmastah/asilive/framebus"
	"github.com/devilmastah/asilive/imgrec"
	"github.com/devilmastah/asilive/producer"
	"github.com/devilmastah/asilive/settings"
)

type rig struct {
	s     *Session
	p     *producer.Producer
	cam   *sim.Camera
	store *settings.Store
	dir   string
	stop  func()
}

// newRig runs a simulated camera, producer and session owner.  If bus is
// nil captures read from the producer's display bus.
func newRig(t *testing.T, bus acquire.Bus) *rig {
	t.Helper()
	return newRigIn(t, t.TempDir(), bus)
}

// newRigIn is newRig with settings and artifacts kept under dir
func newRigIn(t *testing.T, dir string, bus acquire.Bus) *rig {
	t.Helper()
	cam, err := sim.New(0, sim.Config{Width: 32, Height: 24, Bias: 1000, Signal: 100, Period: 2 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	p := producer.New(cam, framebus.New(), framebus.New(), zerolog.Nop())
	if bus == nil {
		bus = p.Display()
	}
	store := settings.New(filepath.Join(dir, "settings.json"), zerolog.Nop())
	st, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{
		CalibrationDir:    filepath.Join(dir, "calibration"),
		SnapshotDir:       filepath.Join(dir, "snapshots"),
		CalibrationFrames: 3,
		SaveDebounce:      10 * time.Millisecond,
		Acquire: acquire.Options{
			PollInterval:      time.Millisecond,
			FrameTimeout:      5 * time.Second,
			FirstFrameTimeout: 5 * time.Second,
		},
		Method: calib.Median,
	}
	s := New(cfg, st, store, p, bus, bridge.New(0, zerolog.Nop()), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	prodDone := make(chan struct{})
	ownerDone := make(chan struct{})
	go func() { p.Run(ctx); close(prodDone) }()
	go func() { s.Run(ctx); close(ownerDone) }()
	r := &rig{s: s, p: p, cam: cam, store: store, dir: dir}
	r.stop = func() {
		cancel()
		<-ownerDone
		<-prodDone
	}
	t.Cleanup(r.stop)
	return r
}

func (r *rig) do(t *testing.T, cmd string, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	res, err := r.s.Handle(context.Background(), cmd, args)
	if err != nil {
		t.Fatalf("%s: %v", cmd, err)
	}
	return res
}

func TestSetStackNClamps(t *testing.T) {
	r := newRig(t, nil)
	res := r.do(t, "set_stack_n", map[string]interface{}{"value": 15.})
	if res["stack_n"] != 15 {
		t.Errorf("got %v", res)
	}
	res = r.do(t, "set_stack_n", map[string]interface{}{"value": 100.})
	if res["stack_n"] != settings.StackMax {
		t.Errorf("got %v, expected clamp to %d", res, settings.StackMax)
	}
	if st := r.s.State(); st.StackN != settings.StackMax {
		t.Errorf("state has stack_n %d", st.StackN)
	}
}

func TestSetExposureReachesCamera(t *testing.T) {
	r := newRig(t, nil)
	res := r.do(t, "set_exposure_ms", map[string]interface{}{"value": 10.})
	if res["exposure_ms"] != settings.ExposureMinMS {
		t.Errorf("got %v, expected clamp to %d", res, settings.ExposureMinMS)
	}
	r.do(t, "set_gain", map[string]interface{}{"value": 120.})
	if st := r.s.State(); st.ExposureUS != 50000 || st.Gain != 120 {
		t.Errorf("state %+v", st)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := r.cam.Settings()
		if got.Exposure == 50*time.Millisecond && got.Gain == 120 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("camera still has %+v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetStateKeys(t *testing.T) {
	r := newRig(t, nil)
	res := r.do(t, "get_state", nil)
	for _, k := range []string{"exposure_us", "gain", "stack_n", "dark_enabled", "flat_enabled"} {
		if _, ok := res[k]; !ok {
			t.Errorf("missing key %s", k)
		}
	}
	if len(res) != 5 {
		t.Errorf("expected exactly 5 keys, got %v", res)
	}
	if res["exposure_us"] != settings.DefaultExposureUS || res["gain"] != settings.DefaultGain {
		t.Errorf("unexpected defaults %v", res)
	}
}

func TestUnknownCommand(t *testing.T) {
	r := newRig(t, nil)
	_, err := r.s.Handle(context.Background(), "bogus", nil)
	if !errors.Is(err, control.ErrUnknownCommand) {
		t.Fatalf("expected unknown cmd, got %v", err)
	}
}

func TestInvalidArguments(t *testing.T) {
	r := newRig(t, nil)
	cases := []struct {
		cmd  string
		args map[string]interface{}
	}{
		{"set_gain", nil},
		{"set_gain", map[string]interface{}{"value": "lots"}},
		{"set_crop", map[string]interface{}{"x0": 10., "y0": 0., "x1": 5., "y1": 8.}},
		{"set_crop", map[string]interface{}{"x0": 1.}},
		{"capture_dark", map[string]interface{}{"n": 0.}},
	}
	for _, c := range cases {
		_, err := r.s.Handle(context.Background(), c.cmd, c.args)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%s %v: expected invalid argument, got %v", c.cmd, c.args, err)
		}
	}
}

func TestEnableWithoutMasterFails(t *testing.T) {
	r := newRig(t, nil)
	for _, cmd := range []string{"set_dark_enabled", "set_flat_enabled"} {
		_, err := r.s.Handle(context.Background(), cmd, map[string]interface{}{"value": true})
		if !errors.Is(err, ErrPrerequisiteMissing) {
			t.Errorf("%s: expected prerequisite error, got %v", cmd, err)
		}
	}
	r.do(t, "set_dark_enabled", map[string]interface{}{"value": false})
}

func TestCaptureFlatNeedsDark(t *testing.T) {
	r := newRig(t, nil)
	start := time.Now()
	_, err := r.s.Handle(context.Background(), "capture_flat", nil)
	if !errors.Is(err, ErrPrerequisiteMissing) {
		t.Fatalf("expected prerequisite error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("capture_flat collected frames before checking for a dark")
	}
	if _, err := os.Stat(imgrec.FlatPath(filepath.Join(r.dir, "calibration"))); !os.IsNotExist(err) {
		t.Errorf("flat file should not exist, stat gave %v", err)
	}
}

func TestCalibrationSequence(t *testing.T) {
	r := newRig(t, nil)
	res := r.do(t, "capture_dark", nil)
	darkPath, _ := res["path"].(string)
	if _, err := os.Stat(darkPath); err != nil {
		t.Fatalf("master dark not written: %v", err)
	}
	st := r.s.State()
	if !st.DarkEnabled || !st.DarkAvailable || st.FlatEnabled {
		t.Fatalf("after dark: %+v", st)
	}

	res = r.do(t, "capture_flat", map[string]interface{}{"n": 2.})
	flatPath, _ := res["path"].(string)
	flat, err := imgrec.LoadFlat(flatPath)
	if err != nil {
		t.Fatal(err)
	}
	if flat.Width != 32 || flat.Height != 24 {
		t.Errorf("flat is %dx%d", flat.Width, flat.Height)
	}
	if st = r.s.State(); !st.FlatEnabled || !st.FlatAvailable {
		t.Fatalf("after flat: %+v", st)
	}

	r.do(t, "capture_dark", nil)
	if st = r.s.State(); st.FlatEnabled || !st.DarkEnabled {
		t.Fatalf("a new dark should disable the flat: %+v", st)
	}

	saved, err := r.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !saved.Dark.Enabled || saved.Flat.Enabled || saved.Dark.Path != darkPath {
		t.Errorf("persisted %+v %+v", saved.Dark, saved.Flat)
	}
	if saved.Dark.ExposureUS == nil || *saved.Dark.ExposureUS != settings.DefaultExposureUS {
		t.Errorf("dark exposure not recorded: %v", saved.Dark.ExposureUS)
	}
}

func TestRestartLoadsSavedMasters(t *testing.T) {
	r := newRig(t, nil)
	r.do(t, "capture_dark", nil)
	r.do(t, "capture_flat", map[string]interface{}{"n": 2.})
	r.stop()

	again := newRigIn(t, r.dir, nil)
	st := again.s.State()
	if !st.DarkEnabled || !st.DarkAvailable || !st.FlatEnabled || !st.FlatAvailable {
		t.Fatalf("after restart: %+v", st)
	}
	res := again.do(t, "take_snapshot", nil)
	snap, err := imgrec.LoadFrame(res["path"].(string))
	if err != nil {
		t.Fatal(err)
	}
	if snap.Width != 32 || snap.Height != 24 {
		t.Errorf("snapshot is %dx%d", snap.Width, snap.Height)
	}
}

func TestReloadKeepsMasters(t *testing.T) {
	r := newRig(t, nil)
	r.do(t, "capture_dark", nil)
	r.do(t, "reload_settings", nil)
	if st := r.s.State(); !st.DarkEnabled || !st.DarkAvailable {
		t.Fatalf("after reload: %+v", st)
	}
}

func TestSnapshotUsesCrop(t *testing.T) {
	r := newRig(t, nil)
	r.do(t, "set_stack_n", map[string]interface{}{"value": 2.})
	r.do(t, "set_crop", map[string]interface{}{"x0": 4., "y0": 2., "x1": 20., "y1": 12.})
	// let the producer pick up the crop
	seq := r.p.Display().Seq()
	deadline := time.Now().Add(2 * time.Second)
	for r.p.Display().Seq() < seq+2 {
		if time.Now().After(deadline) {
			t.Fatal("producer stalled")
		}
		time.Sleep(time.Millisecond)
	}
	res := r.do(t, "take_snapshot", nil)
	path, _ := res["path"].(string)
	f, err := imgrec.LoadFrame(path)
	if err != nil {
		t.Fatal(err)
	}
	if f.Width != 16 || f.Height != 10 {
		t.Errorf("snapshot is %dx%d, expected 16x10", f.Width, f.Height)
	}
	if filepath.Dir(path) != filepath.Join(r.dir, "snapshots") {
		t.Errorf("snapshot written to %s", path)
	}

	r.do(t, "clear_crop", nil)
	if st := r.s.State(); st.CropEnabled {
		t.Error("crop still enabled")
	}
}

func TestGetStateDuringCapture(t *testing.T) {
	// nothing is ever published here, so the snapshot waits
	r := newRig(t, framebus.New())
	done := make(chan error, 1)
	go func() {
		_, err := r.s.Handle(context.Background(), "take_snapshot", nil)
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for r.s.Busy() != "take_snapshot" {
		if time.Now().After(deadline) {
			t.Fatal("snapshot never started")
		}
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	res := r.do(t, "get_state", nil)
	if time.Since(start) > 100*time.Millisecond {
		t.Error("get_state waited for the capture")
	}
	if res["stack_n"] == nil {
		t.Errorf("bad state %v", res)
	}

	if name := r.s.Cancel(); name != "take_snapshot" {
		t.Errorf("cancelled %q", name)
	}
	select {
	case err := <-done:
		if !errors.Is(err, acquire.ErrCancelled) {
			t.Errorf("expected cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot did not stop")
	}
	if r.s.Busy() != "" {
		t.Error("still busy")
	}
}

func TestSettingsPersistOnShutdown(t *testing.T) {
	r := newRig(t, nil)
	r.do(t, "set_gain", map[string]interface{}{"value": 321.})
	r.do(t, "set_distortion", map[string]interface{}{"enabled": true, "k1": -0.1})
	r.stop()

	st, err := r.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.Gain != 321 {
		t.Errorf("gain %d not persisted", st.Gain)
	}
	if !st.Distortion.Enabled || st.Distortion.K1 != -0.1 || st.Distortion.Zoom != 1 {
		t.Errorf("distortion %+v not persisted", st.Distortion)
	}
}

func TestReloadAfterExternalEdit(t *testing.T) {
	r := newRig(t, nil)
	st := settings.Defaults()
	st.Gain = 77
	st.Snapshot.StackN = 9
	if err := r.store.Save(st); err != nil {
		t.Fatal(err)
	}
	res := r.do(t, "reload_settings", nil)
	if res["gain"] != 77 || res["stack_n"] != 9 {
		t.Errorf("reload gave %v", res)
	}
}
