// Package camera provides an HTTP interface to a live camera session
package camera

import (
	"context"
	"encoding/json"
	"errors"
	"go/types"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/devilmastah/asilive/acquire"
	"github.com/devilmastah/asilive/bridge"
	"github.com/devilmastah/asilive/control"
	"github.com/devilmastah/asilive/framebus"
	"github.com/devilmastah/asilive/generichttp"
	"github.com/devilmastah/asilive/imgrec"
	"github.com/devilmastah/asilive/producer"
	"github.com/devilmastah/asilive/server"
	"github.com/devilmastah/asilive/session"
	"github.com/devilmastah/asilive/util"
)

const (
	jpegQuality    = 80
	defaultFPS     = 5.
	maxFPS         = 30.
	defaultPreview = 640
)

// Commander executes session commands
type Commander interface {
	// Handle runs one command and returns its result
	Handle(ctx context.Context, cmd string, args map[string]interface{}) (map[string]interface{}, error)

	// Cancel cancels the command in progress and returns its name
	Cancel() string

	// Busy returns the name of the command in progress, empty if idle
	Busy() string
}

// Pipeline is the view of the producer the HTTP interface reads from
type Pipeline interface {
	Display() *framebus.Bus
	Stats() producer.Stats
}

// HTTPCamera wraps a session and its producer in an HTTP interface
type HTTPCamera struct {
	Cmd  Commander
	Pipe Pipeline

	log zerolog.Logger

	RouteTable generichttp.RouteTable
}

// NewHTTPCamera returns a new HTTP wrapper.  If rec is not nil its routes are
// added as well.
func NewHTTPCamera(c Commander, p Pipeline, rec *imgrec.Recorder, log zerolog.Logger) HTTPCamera {
	w := HTTPCamera{Cmd: c, Pipe: p, log: log.With().Str("component", "http").Logger()}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/state"}:           w.GetState,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/stats"}:           w.GetStats,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/fps"}:             generichttp.GetFloat(w.fps),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/busy"}:            generichttp.GetString(w.busy),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/capture/cancel"}: w.CancelCapture,

		generichttp.MethodPath{Method: http.MethodGet, Path: "/exposure-ms"}:    generichttp.GetInt(w.exposureMS),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/exposure-ms"}:   generichttp.SetInt(w.setter("set_exposure_ms")),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/exposure-time"}:  generichttp.GetFloat(w.exposureTime),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/exposure-time"}: generichttp.SetFloat(w.setExposureTime),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/gain"}:           generichttp.GetInt(w.stateInt("gain")),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/gain"}:          generichttp.SetInt(w.setter("set_gain")),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/stack-n"}:        generichttp.GetInt(w.stateInt("stack_n")),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/stack-n"}:       generichttp.SetInt(w.setter("set_stack_n")),

		generichttp.MethodPath{Method: http.MethodGet, Path: "/dark-enabled"}:  generichttp.GetBool(w.stateBool("dark_enabled")),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/dark-enabled"}: generichttp.SetBool(w.boolSetter("set_dark_enabled")),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/flat-enabled"}:  generichttp.GetBool(w.stateBool("flat_enabled")),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/flat-enabled"}: generichttp.SetBool(w.boolSetter("set_flat_enabled")),

		generichttp.MethodPath{Method: http.MethodPost, Path: "/snapshot"}: w.command("take_snapshot"),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/dark"}:     w.command("capture_dark"),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/flat"}:     w.command("capture_flat"),

		generichttp.MethodPath{Method: http.MethodPost, Path: "/crop"}:            w.command("set_crop"),
		generichttp.MethodPath{Method: http.MethodDelete, Path: "/crop"}:          w.command("clear_crop"),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/distortion"}:      w.command("set_distortion"),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/distortion/zoom"}: generichttp.SetFloat(w.setZoom),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/settings/reload"}: w.command("reload_settings"),

		generichttp.MethodPath{Method: http.MethodGet, Path: "/preview.jpg"}:  w.Preview,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/stream.mjpeg"}: w.Stream,
	}
	w.RouteTable = rt
	if rec != nil {
		imgrec.NewHTTPWrapper(rec).Inject(w)
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPCamera) RT() generichttp.RouteTable {
	return h.RouteTable
}

// StatusOf maps a command error to an HTTP status code
func StatusOf(err error) int {
	switch {
	case errors.Is(err, control.ErrUnknownCommand):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrPrerequisiteMissing), errors.Is(err, acquire.ErrCancelled),
		errors.Is(err, acquire.ErrDimensionChanged):
		return http.StatusConflict
	case errors.Is(err, acquire.ErrTimedOut), errors.Is(err, bridge.ErrCommandTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, bridge.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type statusError struct{ error }

func (e statusError) HTTPStatus() int { return StatusOf(e.error) }
func (e statusError) Unwrap() error   { return e.error }

// handle runs a command, attaching the HTTP status to any error
func (h HTTPCamera) handle(ctx context.Context, cmd string, args map[string]interface{}) (map[string]interface{}, error) {
	res, err := h.Cmd.Handle(ctx, cmd, args)
	if err != nil {
		return nil, statusError{err}
	}
	return res, nil
}

func (h HTTPCamera) state(ctx context.Context) (map[string]interface{}, error) {
	return h.handle(ctx, "get_state", nil)
}

func (h HTTPCamera) stateInt(key string) func() (int, error) {
	return func() (int, error) {
		st, err := h.state(context.Background())
		if err != nil {
			return 0, err
		}
		v, _ := st[key].(int)
		return v, nil
	}
}

func (h HTTPCamera) stateBool(key string) func() (bool, error) {
	return func() (bool, error) {
		st, err := h.state(context.Background())
		if err != nil {
			return false, err
		}
		v, _ := st[key].(bool)
		return v, nil
	}
}

func (h HTTPCamera) exposureMS() (int, error) {
	us, err := h.stateInt("exposure_us")()
	return us / 1000, err
}

// exposureTime is in seconds
func (h HTTPCamera) exposureTime() (float64, error) {
	us, err := h.stateInt("exposure_us")()
	return (time.Duration(us) * time.Microsecond).Seconds(), err
}

func (h HTTPCamera) setExposureTime(secs float64) error {
	ms := util.SecsToDuration(secs).Milliseconds()
	_, err := h.handle(context.Background(), "set_exposure_ms", map[string]interface{}{"value": int(ms)})
	return err
}

func (h HTTPCamera) fps() (float64, error) {
	return h.Pipe.Stats().FPS, nil
}

func (h HTTPCamera) busy() (string, error) {
	return h.Cmd.Busy(), nil
}

func (h HTTPCamera) setter(cmd string) func(int) error {
	return func(v int) error {
		_, err := h.handle(context.Background(), cmd, map[string]interface{}{"value": v})
		return err
	}
}

func (h HTTPCamera) setZoom(z float64) error {
	_, err := h.handle(context.Background(), "set_distortion", map[string]interface{}{"zoom": z})
	return err
}

func (h HTTPCamera) boolSetter(cmd string) func(bool) error {
	return func(v bool) error {
		_, err := h.handle(context.Background(), cmd, map[string]interface{}{"value": v})
		return err
	}
}

// command returns a handler which runs cmd with the JSON object in the
// request body as its arguments.  Query parameters are added as string
// arguments; an empty body is allowed.
func (h HTTPCamera) command(cmd string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		args := map[string]interface{}{}
		if r.Body != nil && r.ContentLength != 0 {
			err := json.NewDecoder(r.Body).Decode(&args)
			defer r.Body.Close()
			if err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		for k, v := range r.URL.Query() {
			if len(v) > 0 {
				args[k] = v[0]
			}
		}
		res, err := h.handle(r.Context(), cmd, args)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		server.ReplyJSON(w, res)
	}
}

// GetState replies with the session state
func (h HTTPCamera) GetState(w http.ResponseWriter, r *http.Request) {
	st, err := h.state(r.Context())
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	server.ReplyJSON(w, st)
}

// GetStats replies with the producer statistics
func (h HTTPCamera) GetStats(w http.ResponseWriter, r *http.Request) {
	server.ReplyJSON(w, h.Pipe.Stats())
}

// CancelCapture cancels the command in progress and replies with its name,
// empty if nothing was running
func (h HTTPCamera) CancelCapture(w http.ResponseWriter, r *http.Request) {
	name := h.Cmd.Cancel()
	if name != "" {
		h.log.Info().Str("cmd", name).Msg("cancelled over HTTP")
	}
	hp := server.HumanPayload{T: types.String, String: name}
	hp.EncodeAndRespond(w, r)
}

func queryFloat(r *http.Request, key string, def float64) (float64, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	return strconv.ParseFloat(s, 64)
}

// Preview replies with the latest display frame as a JPEG.  The query
// parameter width shrinks it; width=0 keeps the native size.
func (h HTTPCamera) Preview(w http.ResponseWriter, r *http.Request) {
	width, err := queryFloat(r, "width", defaultPreview)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_, f := h.Pipe.Display().Snapshot()
	if f == nil {
		http.Error(w, "no frame has been published yet", http.StatusServiceUnavailable)
		return
	}
	img := Preview(f, int(width))
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err = jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		h.log.Debug().Err(err).Msg("writing preview")
	}
}

// Stream replies with a multipart MJPEG stream of the display bus.  The
// query parameter fps caps the rate (default 5, at most 30); frames are only
// sent when a new one has been published.
func (h HTTPCamera) Stream(w http.ResponseWriter, r *http.Request) {
	fps, err := queryFloat(r, "fps", defaultFPS)
	if err != nil || fps <= 0 {
		http.Error(w, "fps must be a positive number", http.StatusBadRequest)
		return
	}
	if fps > maxFPS {
		fps = maxFPS
	}
	width, err := queryFloat(r, "width", defaultPreview)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	lim := rate.NewLimiter(rate.Limit(fps), 1)
	bus := h.Pipe.Display()
	var last uint64
	sent := 0
	start := time.Now()
	for {
		if err = lim.Wait(ctx); err != nil {
			break
		}
		f, seq, fresh := bus.ReadIfNew(last)
		if !fresh {
			continue
		}
		last = seq
		part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"image/jpeg"}})
		if err != nil {
			break
		}
		if err = jpeg.Encode(part, Preview(f, int(width)), &jpeg.Options{Quality: jpegQuality}); err != nil {
			break
		}
		flusher.Flush()
		sent++
	}
	h.log.Debug().Int("frames", sent).Dur("took", time.Since(start)).Msg("stream closed")
}
