/*Package settings persists the session's user adjustable state as a JSON
document.

The document is merged over compiled defaults when loaded, so a file written
by an older version with fewer keys still loads.  A missing or unreadable
file is replaced with the defaults.  Only the session goroutine writes the
file; edits made by hand while the server runs are picked up by Watch.
*/
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/knadh/koanf"
	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/rs/zerolog"

	"github.com/devilmastah/asilive/camera"
	"github.com/devilmastah/asilive/distortion"
	"github.com/devilmastah/asilive/util"
)

// limits applied to commands and loaded documents
const (
	ExposureMinMS = 50
	ExposureMaxMS = 5000
	GainMin       = 0
	GainMax       = 600
	StackMin      = 1
	StackMax      = 50

	DefaultExposureUS = 5000
	DefaultGain       = 50
)

// Master references a calibration master on disk and the camera settings it
// was captured at.  The settings are advisory and never enforced.
type Master struct {
	Enabled    bool   `json:"enabled" koanf:"enabled"`
	Path       string `json:"path" koanf:"path"`
	ExposureUS *int   `json:"exposure_us" koanf:"exposure_us"`
	Gain       *int   `json:"gain" koanf:"gain"`
}

// Snapshot holds snapshot options
type Snapshot struct {
	StackN int `json:"stack_n" koanf:"stack_n"`
}

// Crop holds the crop rectangle as [x0, y0, x1, y1]
type Crop struct {
	Enabled bool  `json:"enabled" koanf:"enabled"`
	Rect    []int `json:"rect" koanf:"rect"`
}

// Bounds returns the rectangle and whether cropping should be applied
func (c Crop) Bounds() (camera.Rect, bool) {
	if len(c.Rect) != 4 {
		return camera.Rect{}, false
	}
	r := camera.Rect{X0: c.Rect[0], Y0: c.Rect[1], X1: c.Rect[2], Y1: c.Rect[3]}
	if !r.Valid() {
		return r, false
	}
	return r, c.Enabled
}

// Settings is the whole persisted document
type Settings struct {
	ExposureUS int               `json:"exposure_us" koanf:"exposure_us"`
	Gain       int               `json:"gain" koanf:"gain"`
	Snapshot   Snapshot          `json:"snapshot" koanf:"snapshot"`
	Dark       Master            `json:"dark" koanf:"dark"`
	Flat       Master            `json:"flat" koanf:"flat"`
	Crop       Crop              `json:"crop" koanf:"crop"`
	Distortion distortion.Params `json:"distortion_manual" koanf:"distortion_manual"`
}

// Defaults returns the settings used when no file exists
func Defaults() Settings {
	return Settings{
		ExposureUS: DefaultExposureUS,
		Gain:       DefaultGain,
		Snapshot:   Snapshot{StackN: 1},
		Distortion: distortion.DefaultParams(),
	}
}

// Normalize brings out of range values back into range
func (s Settings) Normalize() Settings {
	if s.ExposureUS <= 0 {
		s.ExposureUS = DefaultExposureUS
	}
	s.Gain = util.ClampInt(s.Gain, GainMin, GainMax)
	s.Snapshot.StackN = util.ClampInt(s.Snapshot.StackN, StackMin, StackMax)
	s.Distortion = s.Distortion.Normalized()
	return s
}

// Store reads and writes the settings document at one path
type Store struct {
	path string
	log  zerolog.Logger

	mu      sync.Mutex
	written []byte
}

// New returns a store for the document at path
func New(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log.With().Str("component", "settings").Logger()}
}

// Path returns the document path
func (s *Store) Path() string {
	return s.path
}

// Load reads the document merged over the defaults.  When the file is
// missing or cannot be parsed the defaults are written back; the returned
// error is only non-nil if that write fails, and the defaults are still
// returned with it.
func (s *Store) Load() (Settings, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Defaults(), err
	}
	_, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Info().Str("path", s.path).Msg("settings file missing, writing defaults")
		return Defaults(), s.Save(Defaults())
	}
	if err == nil {
		err = k.Load(file.Provider(s.path), kjson.Parser())
	}
	var out Settings
	if err == nil {
		err = k.UnmarshalWithConf("", &out, koanf.UnmarshalConf{Tag: "koanf"})
	}
	if err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("settings file unreadable, replacing with defaults")
		return Defaults(), s.Save(Defaults())
	}
	return out.Normalize(), nil
}

// Encode renders settings as the indented JSON document
func Encode(st Settings) ([]byte, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(st, "koanf"), nil); err != nil {
		return nil, err
	}
	raw, err := k.Marshal(kjson.Parser())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err = json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Save writes the whole document atomically
func (s *Store) Save(st Settings) error {
	b, err := Encode(st)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err = os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	s.written = b
	return nil
}

// ownWrite is true when the file holds exactly the bytes of the last Save
func (s *Store) ownWrite() bool {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written != nil && bytes.Equal(b, s.written)
}
