// Package imgrec names and writes image artifacts: master calibration frames
// and timestamped snapshots, stored as FITS.
package imgrec

import (
	"fmt"
	"go/types"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"

	"github.com/devilmastah/asilive/camera"
	"github.com/devilmastah/asilive/generichttp"
	"github.com/devilmastah/asilive/server"
)

const (
	// DarkName is the file name of the master dark inside the calibration folder
	DarkName = "master_dark.fits"

	// FlatName is the file name of the master flat inside the calibration folder
	FlatName = "master_flat.fits"

	stampLayout = "20060102_150405"
)

// Recorder writes snapshots to Root with names of the form
// <Prefix>YYYYMMDD_HHMMSS.fits.  When two snapshots land in the same second
// the later one gets a _N suffix.  It is not thread safe.
type Recorder struct {
	// Root is the folder snapshots are written to
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Now returns the current time; nil means time.Now
	Now func() time.Time
}

// NewRecorder returns a recorder writing snapshot_*.fits files under root
func NewRecorder(root string) *Recorder {
	return &Recorder{Root: root, Prefix: "snapshot_"}
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	err := os.MkdirAll(r.Root, 0777)
	return r.Root, err
}

// Next returns a path which does not exist yet
func (r *Recorder) Next() (string, error) {
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	stem := r.Prefix + r.now().Format(stampLayout)
	fn := filepath.Join(fldr, stem+".fits")
	for i := 1; ; i++ {
		_, err := os.Stat(fn)
		if os.IsNotExist(err) {
			return fn, nil
		}
		if err != nil {
			return "", err
		}
		fn = filepath.Join(fldr, fmt.Sprintf("%s_%d.fits", stem, i))
	}
}

// Record writes f to the next free path and returns it
func (r *Recorder) Record(f *camera.Frame, cards []fitsio.Card) (string, error) {
	fn, err := r.Next()
	if err != nil {
		return "", err
	}
	if err = SaveFrame(fn, f, cards); err != nil {
		return "", fmt.Errorf("writing snapshot %s: %w", fn, err)
	}
	return fn, nil
}

// DarkPath is the master dark path inside a calibration folder
func DarkPath(dir string) string {
	return filepath.Join(dir, DarkName)
}

// FlatPath is the master flat path inside a calibration folder
func FlatPath(dir string) string {
	return filepath.Join(dir, FlatName)
}

// HTTPWrapper exposes a recorder's destination over HTTP.
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// GetRoot gets the recorder's root folder and sends it back as JSON
func (h HTTPWrapper) GetRoot(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.String, String: h.Recorder.Root}
	hp.EncodeAndRespond(w, r)
}

// GetPrefix gets the recorder's prefix and sends it back as JSON
func (h HTTPWrapper) GetPrefix(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.String, String: h.Recorder.Prefix}
	hp.EncodeAndRespond(w, r)
}

// GetFile serves a recorded file by name
func (h HTTPWrapper) GetFile(w http.ResponseWriter, r *http.Request) {
	server.ReplyWithFile(w, r, chi.URLParam(r, "name"), h.Recorder.Root)
}

// Inject adds GET routes for /snapshot/root, /snapshot/prefix and
// /snapshot/{name} to the HTTPer
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/snapshot/{name}"}] = h.GetFile
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/snapshot/root"}] = h.GetRoot
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/snapshot/prefix"}] = h.GetPrefix
}
