/*Package session owns the mutable state of a live camera session: camera
settings, snapshot options, calibration masters, crop and distortion.

Every mutation happens on the goroutine running Run, which receives commands
from a bridge.Bridge.  Other goroutines read an immutable State snapshot
which is republished after each command, so status queries never wait
behind a capture in progress.
*/
package session

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/devilmastah/asilive/acquire"
	"github.com/devilmastah/asilive/bridge"
	"github.com/devilmastah/asilive/calib"
	"github.com/devilmastah/asilive/camera"
	"github.com/devilmastah/asilive/control"
	"github.com/devilmastah/asilive/distortion"
	"github.com/devilmastah/asilive/imgrec"
	"github.com/devilmastah/asilive/producer"
	"github.com/devilmastah/asilive/settings"
)

var (
	// ErrPrerequisiteMissing is returned when a command needs a calibration
	// master which does not exist
	ErrPrerequisiteMissing = errors.New("prerequisite missing")

	// ErrPersistence wraps failures writing artifacts or the settings file.
	// In-memory state is not rolled back.
	ErrPersistence = errors.New("persistence failed")

	// ErrInvalidArgument is returned for missing or malformed command arguments
	ErrInvalidArgument = errors.New("invalid argument")
)

// Pipeline is the part of the producer the session drives
type Pipeline interface {
	Configure(camera.Settings)
	SetProcessing(producer.Processing)
}

// Config holds the session's fixed parameters
type Config struct {
	// CalibrationDir holds master_dark.fits and master_flat.fits
	CalibrationDir string

	// SnapshotDir receives snapshot_*.fits
	SnapshotDir string

	// CalibrationFrames is the default number of frames in a master
	CalibrationFrames int

	// SaveDebounce delays settings writes so a burst of changes is written once
	SaveDebounce time.Duration

	// Acquire tunes frame collection
	Acquire acquire.Options

	// Method reduces snapshot stacks
	Method calib.Method
}

// State is an immutable summary of the session
type State struct {
	ExposureUS    int               `json:"exposure_us"`
	Gain          int               `json:"gain"`
	StackN        int               `json:"stack_n"`
	DarkEnabled   bool              `json:"dark_enabled"`
	FlatEnabled   bool              `json:"flat_enabled"`
	DarkAvailable bool              `json:"dark_available"`
	FlatAvailable bool              `json:"flat_available"`
	CropEnabled   bool              `json:"crop_enabled"`
	Crop          camera.Rect       `json:"crop"`
	Distortion    distortion.Params `json:"distortion_manual"`
}

// Reply is the get_state reply
func (s State) Reply() map[string]interface{} {
	return map[string]interface{}{
		"exposure_us":  s.ExposureUS,
		"gain":         s.Gain,
		"stack_n":      s.StackN,
		"dark_enabled": s.DarkEnabled,
		"flat_enabled": s.FlatEnabled,
	}
}

type handler func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// Session is the state owner
type Session struct {
	cfg      Config
	store    *settings.Store
	pipe     Pipeline
	bus      acquire.Bus
	bridge   *bridge.Bridge
	recorder *imgrec.Recorder
	log      zerolog.Logger

	st       settings.Settings
	dark     *camera.Frame
	flat     *calib.Flat
	commands map[string]handler

	state atomic.Value
	saveC <-chan time.Time
	dirty bool
}

// New builds a session from persisted settings.  bus is where captures read
// frames from.  The pipeline is brought in line with the settings before New
// returns.
func New(cfg Config, st settings.Settings, store *settings.Store, pipe Pipeline, bus acquire.Bus, br *bridge.Bridge, log zerolog.Logger) *Session {
	if cfg.CalibrationFrames < 1 {
		cfg.CalibrationFrames = 10
	}
	if cfg.SaveDebounce <= 0 {
		cfg.SaveDebounce = 250 * time.Millisecond
	}
	s := &Session{
		cfg:      cfg,
		store:    store,
		pipe:     pipe,
		bus:      bus,
		bridge:   br,
		recorder: imgrec.NewRecorder(cfg.SnapshotDir),
		log:      log.With().Str("component", "session").Logger(),
	}
	s.commands = map[string]handler{
		"set_exposure_ms":  s.setExposureMS,
		"set_gain":         s.setGain,
		"set_stack_n":      s.setStackN,
		"take_snapshot":    s.takeSnapshot,
		"get_state":        s.getState,
		"capture_dark":     s.captureDark,
		"capture_flat":     s.captureFlat,
		"set_dark_enabled": s.setDarkEnabled,
		"set_flat_enabled": s.setFlatEnabled,
		"set_distortion":   s.setDistortion,
		"set_crop":         s.setCrop,
		"clear_crop":       s.clearCrop,
		"reload_settings":  s.reloadSettings,
	}
	s.adopt(st)
	return s
}

// Commands lists the command names the session understands
func (s *Session) Commands() []string {
	out := make([]string, 0, len(s.commands))
	for k := range s.commands {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// State returns the latest published state.  Safe from any goroutine.
func (s *Session) State() State {
	return s.state.Load().(State)
}

// Recorder exposes the snapshot recorder
func (s *Session) Recorder() *imgrec.Recorder {
	return s.recorder
}

// Handle answers get_state from the published snapshot and submits
// everything else to the owner.  Safe from any goroutine.
func (s *Session) Handle(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	if name == "get_state" {
		return s.State().Reply(), nil
	}
	if _, ok := s.commands[name]; !ok {
		return nil, control.ErrUnknownCommand
	}
	r := s.bridge.Submit(ctx, name, args)
	return r.Value, r.Err
}

// Cancel cancels the command in progress and returns its name
func (s *Session) Cancel() string {
	return s.bridge.CancelInFlight()
}

// Busy returns the name of the command in progress
func (s *Session) Busy() string {
	return s.bridge.InFlight()
}

// Execute implements bridge.Executor.  It runs on the owner goroutine.
func (s *Session) Execute(ctx context.Context, cmd *bridge.Command) (map[string]interface{}, error) {
	h, ok := s.commands[cmd.Name]
	if !ok {
		return nil, control.ErrUnknownCommand
	}
	args := cmd.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	res, err := h(ctx, args)
	s.publish()
	return res, err
}

// Run is the owner loop.  It dispatches commands and writes debounced
// settings until ctx is done, then writes any pending change and closes the
// bridge.
func (s *Session) Run(ctx context.Context) error {
	defer s.bridge.Close()
	defer s.flush()
	s.log.Info().Int("exposure_us", s.st.ExposureUS).Int("gain", s.st.Gain).Msg("session started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.bridge.Next():
			s.bridge.Dispatch(ctx, cmd, s)
		case <-s.saveC:
			s.saveC = nil
			s.flush()
		}
	}
}

// WatchSettings submits reload_settings whenever the settings file is
// edited externally.  It blocks until ctx is done.
func (s *Session) WatchSettings(ctx context.Context, debounce time.Duration) error {
	return s.store.Watch(ctx, debounce, func() {
		if r := s.bridge.Submit(ctx, "reload_settings", nil); !r.OK() {
			s.log.Warn().Err(r.Err).Msg("reloading settings after external edit")
		}
	})
}

func (s *Session) scheduleSave() {
	s.dirty = true
	s.saveC = time.After(s.cfg.SaveDebounce)
}

func (s *Session) flush() {
	if !s.dirty {
		return
	}
	if err := s.store.Save(s.st); err != nil {
		s.log.Error().Err(err).Str("path", s.store.Path()).Msg("saving settings")
		return
	}
	s.dirty = false
}

// saveNow writes the settings immediately
func (s *Session) saveNow() error {
	s.saveC = nil
	s.dirty = true
	if err := s.store.Save(s.st); err != nil {
		return persistErr("saving settings", err)
	}
	s.dirty = false
	return nil
}

// adopt replaces the owned settings wholesale and pushes them downstream
func (s *Session) adopt(st settings.Settings) {
	s.st = st.Normalize()
	s.loadMasters()
	s.pushCamera()
	s.pushProcessing()
	s.publish()
}

func (s *Session) pushCamera() {
	s.pipe.Configure(camera.Settings{
		Exposure: time.Duration(s.st.ExposureUS) * time.Microsecond,
		Gain:     s.st.Gain,
	})
}

func (s *Session) pushProcessing() {
	rect, on := s.st.Crop.Bounds()
	s.pipe.SetProcessing(producer.Processing{
		Distortion: s.st.Distortion,
		Crop:       rect,
		CropOn:     on,
	})
}

func (s *Session) publish() {
	rect, on := s.st.Crop.Bounds()
	s.state.Store(State{
		ExposureUS:    s.st.ExposureUS,
		Gain:          s.st.Gain,
		StackN:        s.st.Snapshot.StackN,
		DarkEnabled:   s.st.Dark.Enabled,
		FlatEnabled:   s.st.Flat.Enabled,
		DarkAvailable: s.dark != nil,
		FlatAvailable: s.flat != nil,
		CropEnabled:   on,
		Crop:          rect,
		Distortion:    s.st.Distortion,
	})
}
