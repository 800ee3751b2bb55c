package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi"
	"github.com/rs/zerolog"

	"github.com/devilmastah/asilive/camera"
	"github.com/devilmastah/asilive/control"
	"github.com/devilmastah/asilive/framebus"
	"github.com/devilmastah/asilive/producer"
	"github.com/devilmastah/asilive/session"
)

type call struct {
	cmd  string
	args map[string]interface{}
}

type fakeCmd struct {
	sync.Mutex
	calls []call
	state map[string]interface{}
}

func (f *fakeCmd) Handle(ctx context.Context, cmd string, args map[string]interface{}) (map[string]interface{}, error) {
	f.Lock()
	defer f.Unlock()
	f.calls = append(f.calls, call{cmd, args})
	switch cmd {
	case "get_state":
		return f.state, nil
	case "set_gain":
		return map[string]interface{}{"gain": args["value"]}, nil
	case "capture_flat", "set_flat_enabled":
		return nil, fmt.Errorf("%w: capture a master dark first", session.ErrPrerequisiteMissing)
	case "take_snapshot":
		return map[string]interface{}{"path": "/tmp/snapshot_1.fits"}, nil
	case "bogus":
		return nil, control.ErrUnknownCommand
	}
	return map[string]interface{}{}, nil
}

func (f *fakeCmd) Cancel() string { return "capture_dark" }
func (f *fakeCmd) Busy() string   { return "" }

func (f *fakeCmd) last() call {
	f.Lock()
	defer f.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakePipe struct {
	bus *framebus.Bus
}

func (p fakePipe) Display() *framebus.Bus { return p.bus }
func (p fakePipe) Stats() producer.Stats  { return producer.Stats{Frames: 7, FPS: 12.5} }

func setup(t *testing.T) (*fakeCmd, *framebus.Bus, http.Handler) {
	t.Helper()
	c := &fakeCmd{state: map[string]interface{}{
		"exposure_us": 250000, "gain": 50, "stack_n": 4, "dark_enabled": true, "flat_enabled": false,
	}}
	bus := framebus.New()
	h := NewHTTPCamera(c, fakePipe{bus}, nil, zerolog.Nop())
	r := chi.NewRouter()
	h.RT().Bind(r)
	return c, bus, r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	h.ServeHTTP(w, r)
	return w
}

func TestScalarRoutes(t *testing.T) {
	c, _, h := setup(t)
	if w := do(h, http.MethodGet, "/exposure-ms", ""); strings.TrimSpace(w.Body.String()) != `{"int":250}` {
		t.Errorf("exposure-ms gave %q", w.Body.String())
	}
	if w := do(h, http.MethodGet, "/dark-enabled", ""); strings.TrimSpace(w.Body.String()) != `{"bool":true}` {
		t.Errorf("dark-enabled gave %q", w.Body.String())
	}
	if w := do(h, http.MethodPost, "/gain", `{"int":120}`); w.Code != http.StatusOK {
		t.Fatalf("POST gain gave %d", w.Code)
	}
	if l := c.last(); l.cmd != "set_gain" || l.args["value"] != 120 {
		t.Errorf("unexpected call %+v", l)
	}
	if w := do(h, http.MethodGet, "/exposure-time", ""); strings.TrimSpace(w.Body.String()) != `{"f64":0.25}` {
		t.Errorf("exposure-time gave %q", w.Body.String())
	}
	if w := do(h, http.MethodPost, "/exposure-time", `{"f64":0.5}`); w.Code != http.StatusOK {
		t.Fatalf("POST exposure-time gave %d", w.Code)
	}
	if l := c.last(); l.cmd != "set_exposure_ms" || l.args["value"] != 500 {
		t.Errorf("unexpected call %+v", l)
	}
	if w := do(h, http.MethodPost, "/distortion/zoom", `{"f64":1.25}`); w.Code != http.StatusOK {
		t.Fatalf("POST zoom gave %d", w.Code)
	}
	if l := c.last(); l.cmd != "set_distortion" || l.args["zoom"] != 1.25 {
		t.Errorf("unexpected call %+v", l)
	}
}

func TestCommandRoutes(t *testing.T) {
	c, _, h := setup(t)
	w := do(h, http.MethodPost, "/snapshot", "")
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot gave %d", w.Code)
	}
	var res map[string]string
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res["path"] != "/tmp/snapshot_1.fits" {
		t.Errorf("got %v", res)
	}

	do(h, http.MethodPost, "/dark?n=5", "")
	if l := c.last(); l.cmd != "capture_dark" || l.args["n"] != "5" {
		t.Errorf("unexpected call %+v", l)
	}

	do(h, http.MethodPost, "/crop", `{"x0":1,"y0":2,"x1":30,"y1":20}`)
	if l := c.last(); l.cmd != "set_crop" || l.args["x1"] != 30. {
		t.Errorf("unexpected call %+v", l)
	}

	if w = do(h, http.MethodPost, "/flat", ""); w.Code != http.StatusConflict {
		t.Errorf("flat without dark gave %d", w.Code)
	}
	if w = do(h, http.MethodPost, "/flat-enabled", `{"bool":true}`); w.Code != http.StatusConflict {
		t.Errorf("enabling a missing flat gave %d", w.Code)
	}
	if w = do(h, http.MethodPost, "/crop", `{x0`); w.Code != http.StatusBadRequest {
		t.Errorf("bad body gave %d", w.Code)
	}
	if w = do(h, http.MethodPost, "/capture/cancel", ""); strings.TrimSpace(w.Body.String()) != `{"str":"capture_dark"}` {
		t.Errorf("cancel gave %q", w.Body.String())
	}
}

func TestPreview(t *testing.T) {
	_, bus, h := setup(t)
	if w := do(h, http.MethodGet, "/preview.jpg", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("preview before any frame gave %d", w.Code)
	}
	f := camera.NewFrame(100, 50)
	for i := range f.Pix {
		f.Pix[i] = uint16(i * 13)
	}
	bus.Publish(f)
	w := do(h, http.MethodGet, "/preview.jpg?width=40", "")
	if w.Code != http.StatusOK {
		t.Fatalf("preview gave %d", w.Code)
	}
	img, err := jpeg.Decode(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 20 {
		t.Errorf("preview is %v, expected 40x20", b)
	}
}

func TestStats(t *testing.T) {
	_, _, h := setup(t)
	w := do(h, http.MethodGet, "/stats", "")
	var st producer.Stats
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Frames != 7 || st.FPS != 12.5 {
		t.Errorf("got %+v", st)
	}
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{control.ErrUnknownCommand, http.StatusNotFound},
		{fmt.Errorf("%w: missing value", session.ErrInvalidArgument), http.StatusBadRequest},
		{fmt.Errorf("x: %w", session.ErrPersistence), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := StatusOf(c.err); got != c.code {
			t.Errorf("StatusOf(%v) = %d, expected %d", c.err, got, c.code)
		}
	}
}

func TestStretch(t *testing.T) {
	f := camera.NewFrame(10, 10)
	for i := range f.Pix {
		f.Pix[i] = 1000 + uint16(i)*10
	}
	img := Stretch(f)
	if img.Pix[0] != 0 || img.Pix[99] != 255 {
		t.Errorf("ends map to %d and %d", img.Pix[0], img.Pix[99])
	}
	flat := camera.NewFrame(4, 4)
	for i := range flat.Pix {
		flat.Pix[i] = 500
	}
	if img = Stretch(flat); img.Pix[5] != 0 {
		t.Errorf("constant frame maps to %d", img.Pix[5])
	}
}
