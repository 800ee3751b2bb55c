package session

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/devilmastah/asilive/acquire"
	"github.com/devilmastah/asilive/calib"
	"github.com/devilmastah/asilive/camera"
	"github.com/devilmastah/asilive/imgrec"
)

// collect gathers n fresh frames, logging progress
func (s *Session) collect(ctx context.Context, what string, n int) ([]*camera.Frame, error) {
	opts := s.cfg.Acquire
	log := s.log.With().Str("capture", what).Int("frames", n).Logger()
	opts.Progress = func(got, want int) {
		log.Debug().Int("got", got).Msg("frame collected")
	}
	log.Info().Msg("capture started")
	start := time.Now()
	frames, err := acquire.Collect(ctx, s.bus, n, opts)
	if err != nil {
		log.Warn().Err(err).Msg("capture aborted")
		return nil, err
	}
	log.Info().Dur("took", time.Since(start)).Msg("capture complete")
	return frames, nil
}

func (s *Session) frameCount(args map[string]interface{}) (int, error) {
	n, ok, err := argInt(args, "n")
	if err != nil {
		return 0, err
	}
	if !ok {
		return s.cfg.CalibrationFrames, nil
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: n must be at least 1, got %d", ErrInvalidArgument, n)
	}
	return n, nil
}

func (s *Session) exposure() time.Duration {
	return time.Duration(s.st.ExposureUS) * time.Microsecond
}

func (s *Session) takeSnapshot(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	n := s.st.Snapshot.StackN
	frames, err := s.collect(ctx, "snapshot", n)
	if err != nil {
		return nil, err
	}
	var (
		dark *camera.Frame
		flat *calib.Flat
	)
	if s.st.Dark.Enabled {
		dark = s.dark
	}
	if s.st.Flat.Enabled {
		flat = s.flat
	}
	darkUsed, flatUsed := calib.Applied(frames[0], dark, flat)
	if dark != nil && !darkUsed {
		s.log.Warn().Msg("master dark size does not match the frame, not applied")
	}
	if flat != nil && !flatUsed {
		s.log.Warn().Msg("master flat size does not match the frame, not applied")
	}
	corrected := make([]*camera.Frame, len(frames))
	for i, f := range frames {
		corrected[i] = calib.Correct(f, dark, flat)
	}
	out, err := calib.Stack(corrected, s.cfg.Method)
	if err != nil {
		return nil, err
	}
	meta := imgrec.Meta{
		Exposure:      s.exposure(),
		Gain:          s.st.Gain,
		NFrames:       n,
		Method:        s.cfg.Method.String(),
		DarkCorrected: darkUsed,
		FlatCorrected: flatUsed,
	}
	path, err := s.recorder.Record(out, meta.Cards())
	if err != nil {
		return nil, persistErr("writing snapshot", err)
	}
	s.log.Info().Str("path", path).Int("width", out.Width).Int("height", out.Height).Msg("snapshot saved")
	return map[string]interface{}{"path": path}, nil
}

func (s *Session) captureDark(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	n, err := s.frameCount(args)
	if err != nil {
		return nil, err
	}
	frames, err := s.collect(ctx, "dark", n)
	if err != nil {
		return nil, err
	}
	dark, err := calib.MasterDark(frames)
	if err != nil {
		return nil, err
	}
	path := imgrec.DarkPath(s.cfg.CalibrationDir)
	meta := imgrec.Meta{Exposure: s.exposure(), Gain: s.st.Gain, NFrames: n, Method: calib.Median.String()}
	if err = imgrec.SaveFrame(path, dark, meta.Cards()); err != nil {
		return nil, persistErr("writing master dark", err)
	}
	exp, gain := s.st.ExposureUS, s.st.Gain
	s.dark = dark
	s.st.Dark.Enabled = true
	s.st.Dark.Path = path
	s.st.Dark.ExposureUS = &exp
	s.st.Dark.Gain = &gain
	// a flat made against the old dark is no longer valid
	s.st.Flat.Enabled = false
	s.log.Info().Str("path", path).Int("frames", n).Msg("master dark saved")
	if err = s.saveNow(); err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": path}, nil
}

func (s *Session) captureFlat(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	n, err := s.frameCount(args)
	if err != nil {
		return nil, err
	}
	if p := s.st.Dark.Path; p == "" {
		return nil, fmt.Errorf("%w: capture a master dark first", ErrPrerequisiteMissing)
	} else if _, err := os.Stat(p); err != nil {
		return nil, fmt.Errorf("%w: master dark %s: %v", ErrPrerequisiteMissing, p, err)
	}
	frames, err := s.collect(ctx, "flat", n)
	if err != nil {
		return nil, err
	}
	dark, err := imgrec.LoadFrame(s.st.Dark.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: could not load master dark: %v", ErrPrerequisiteMissing, err)
	}
	flat, err := calib.MasterFlat(frames, dark)
	if err != nil {
		return nil, err
	}
	path := imgrec.FlatPath(s.cfg.CalibrationDir)
	meta := imgrec.Meta{Exposure: s.exposure(), Gain: s.st.Gain, NFrames: n, Method: calib.Median.String(), DarkCorrected: true}
	if err = imgrec.SaveFlat(path, flat, meta.Cards()); err != nil {
		return nil, persistErr("writing master flat", err)
	}
	exp, gain := s.st.ExposureUS, s.st.Gain
	s.dark = dark
	s.flat = flat
	s.st.Flat.Enabled = true
	s.st.Flat.Path = path
	s.st.Flat.ExposureUS = &exp
	s.st.Flat.Gain = &gain
	s.log.Info().Str("path", path).Int("frames", n).Msg("master flat saved")
	if err = s.saveNow(); err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": path}, nil
}
