package session

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/devilmastah/asilive/imgrec"
	"github.com/devilmastah/asilive/settings"
	"github.com/devilmastah/asilive/util"
)

func persistErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, what, err)
}

// loadMasters reads the calibration masters named in the settings.  A flat
// which cannot be loaded is disabled.
func (s *Session) loadMasters() {
	s.dark, s.flat = nil, nil
	if p := s.st.Dark.Path; p != "" {
		d, err := imgrec.LoadFrame(p)
		switch {
		case err == nil:
			s.dark = d
		case errors.Is(err, os.ErrNotExist):
			s.log.Info().Str("path", p).Msg("master dark not found")
		default:
			s.log.Warn().Err(err).Str("path", p).Msg("loading master dark")
		}
	}
	if p := s.st.Flat.Path; p != "" {
		f, err := imgrec.LoadFlat(p)
		switch {
		case err == nil:
			s.flat = f
		case errors.Is(err, os.ErrNotExist):
			s.log.Info().Str("path", p).Msg("master flat not found")
		default:
			s.log.Warn().Err(err).Str("path", p).Msg("loading master flat")
		}
	}
	if s.flat == nil && s.st.Flat.Enabled {
		s.log.Info().Msg("flat correction disabled, no master flat available")
		s.st.Flat.Enabled = false
		s.scheduleSave()
	}
}

func (s *Session) setExposureMS(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	ms, err := requireInt(args, "value")
	if err != nil {
		return nil, err
	}
	ms = util.ClampInt(ms, settings.ExposureMinMS, settings.ExposureMaxMS)
	s.st.ExposureUS = ms * 1000
	s.pushCamera()
	s.scheduleSave()
	return map[string]interface{}{"exposure_ms": ms}, nil
}

func (s *Session) setGain(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	g, err := requireInt(args, "value")
	if err != nil {
		return nil, err
	}
	g = util.ClampInt(g, settings.GainMin, settings.GainMax)
	s.st.Gain = g
	s.pushCamera()
	s.scheduleSave()
	return map[string]interface{}{"gain": g}, nil
}

func (s *Session) setStackN(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	n, err := requireInt(args, "value")
	if err != nil {
		return nil, err
	}
	n = util.ClampInt(n, settings.StackMin, settings.StackMax)
	s.st.Snapshot.StackN = n
	s.scheduleSave()
	return map[string]interface{}{"stack_n": n}, nil
}

func (s *Session) getState(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	s.publish()
	return s.State().Reply(), nil
}

func (s *Session) setDarkEnabled(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	on, err := requireBool(args, "value")
	if err != nil {
		return nil, err
	}
	if on && s.dark == nil {
		return nil, fmt.Errorf("%w: capture a master dark first", ErrPrerequisiteMissing)
	}
	s.st.Dark.Enabled = on
	s.scheduleSave()
	return map[string]interface{}{"dark_enabled": on}, nil
}

func (s *Session) setFlatEnabled(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	on, err := requireBool(args, "value")
	if err != nil {
		return nil, err
	}
	if on && s.flat == nil {
		return nil, fmt.Errorf("%w: capture a master flat first", ErrPrerequisiteMissing)
	}
	s.st.Flat.Enabled = on
	s.scheduleSave()
	return map[string]interface{}{"flat_enabled": on}, nil
}

func (s *Session) setDistortion(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	p := s.st.Distortion
	for key, dst := range map[string]*float64{"k1": &p.K1, "k2": &p.K2, "k3": &p.K3, "zoom": &p.Zoom} {
		v, ok, err := argFloat(args, key)
		if err != nil {
			return nil, err
		}
		if ok {
			*dst = v
		}
	}
	on, ok, err := argBool(args, "enabled")
	if err != nil {
		return nil, err
	}
	if ok {
		p.Enabled = on
	}
	s.st.Distortion = p.Normalized()
	s.pushProcessing()
	s.scheduleSave()
	d := s.st.Distortion
	return map[string]interface{}{"enabled": d.Enabled, "k1": d.K1, "k2": d.K2, "k3": d.K3, "zoom": d.Zoom}, nil
}

func (s *Session) setCrop(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var rect [4]int
	for i, key := range []string{"x0", "y0", "x1", "y1"} {
		v, err := requireInt(args, key)
		if err != nil {
			return nil, err
		}
		rect[i] = v
	}
	if rect[2] <= rect[0] || rect[3] <= rect[1] {
		return nil, fmt.Errorf("%w: crop needs x1 > x0 and y1 > y0, got %v", ErrInvalidArgument, rect)
	}
	on, ok, err := argBool(args, "enabled")
	if err != nil {
		return nil, err
	}
	if !ok {
		on = true
	}
	s.st.Crop = settings.Crop{Enabled: on, Rect: rect[:]}
	s.pushProcessing()
	s.scheduleSave()
	return map[string]interface{}{"crop_enabled": on, "rect": rect[:]}, nil
}

func (s *Session) clearCrop(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	s.st.Crop = settings.Crop{}
	s.pushProcessing()
	s.scheduleSave()
	return map[string]interface{}{"crop_enabled": false}, nil
}

func (s *Session) reloadSettings(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	st, err := s.store.Load()
	s.adopt(st)
	if err != nil {
		return nil, persistErr("rewriting settings", err)
	}
	s.log.Info().Str("path", s.store.Path()).Msg("settings reloaded")
	return s.State().Reply(), nil
}
