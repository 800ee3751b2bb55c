package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/devilmastah/asilive/camera/sim"
)

// EnvPrefix prefixes environment overrides.  A double underscore separates
// levels: ASILIVE_ACQUISITION__SOURCE=raw sets acquisition.source.
const EnvPrefix = "ASILIVE_"

type acquisition struct {
	// Source is the bus captures read from, processed or raw
	Source string `koanf:"source" yaml:"source"`

	// Method reduces snapshot stacks, median or mean
	Method string `koanf:"method" yaml:"method"`

	PollInterval      time.Duration `koanf:"pollinterval" yaml:"pollinterval"`
	FrameTimeout      time.Duration `koanf:"frametimeout" yaml:"frametimeout"`
	FirstFrameTimeout time.Duration `koanf:"firstframetimeout" yaml:"firstframetimeout"`

	// CalibrationFrames is the default frame count of capture_dark and capture_flat
	CalibrationFrames int `koanf:"calibrationframes" yaml:"calibrationframes"`
}

type cameraCfg struct {
	Index int        `koanf:"index" yaml:"index"`
	Sim   sim.Config `koanf:"sim" yaml:"sim"`
}

type config struct {
	// Addr is the HTTP listen address; empty disables HTTP
	Addr string `koanf:"addr" yaml:"addr"`

	// Root is the HTTP mount point
	Root string `koanf:"root" yaml:"root"`

	// ControlAddr is the ZeroMQ REP endpoint
	ControlAddr string `koanf:"controladdr" yaml:"controladdr"`

	LogLevel string `koanf:"loglevel" yaml:"loglevel"`

	SettingsPath   string `koanf:"settingspath" yaml:"settingspath"`
	CalibrationDir string `koanf:"calibrationdir" yaml:"calibrationdir"`
	SnapshotDir    string `koanf:"snapshotdir" yaml:"snapshotdir"`

	// WatchSettings reloads the settings file when it is edited by hand
	WatchSettings bool `koanf:"watchsettings" yaml:"watchsettings"`

	// CommandTimeout bounds each command; zero waits forever
	CommandTimeout time.Duration `koanf:"commandtimeout" yaml:"commandtimeout"`

	// ShutdownTimeout bounds the wait for an in-flight command at exit
	ShutdownTimeout time.Duration `koanf:"shutdowntimeout" yaml:"shutdowntimeout"`

	Acquisition acquisition `koanf:"acquisition" yaml:"acquisition"`
	Camera      cameraCfg   `koanf:"camera" yaml:"camera"`
}

func defaults() config {
	return config{
		Addr:            ":8000",
		Root:            "/",
		ControlAddr:     "tcp://127.0.0.1:5555",
		LogLevel:        "info",
		SettingsPath:    "asilive_settings.json",
		CalibrationDir:  "calibration",
		SnapshotDir:     "snapshots",
		WatchSettings:   true,
		ShutdownTimeout: 5 * time.Second,
		Acquisition: acquisition{
			Source:            "processed",
			Method:            "median",
			PollInterval:      10 * time.Millisecond,
			FrameTimeout:      60 * time.Second,
			FirstFrameTimeout: 20 * time.Second,
			CalibrationFrames: 10,
		},
		Camera: cameraCfg{
			Sim: sim.Config{
				Width:    1280,
				Height:   960,
				Bias:     800,
				Noise:    12,
				Signal:   40,
				Vignette: 0.3,
				Seed:     1,
			},
		},
	}
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// loadConfig layers the compiled defaults, the yaml file at path (if it
// exists) and the environment
func loadConfig(k *koanf.Koanf, path string) (config, error) {
	var c config
	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return c, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return c, fmt.Errorf("error loading config %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return c, err
	}
	err := k.Unmarshal("", &c)
	return c, err
}

func (c config) validate() error {
	switch c.Acquisition.Source {
	case "processed", "raw":
	default:
		return fmt.Errorf("acquisition.source must be processed or raw, got %q", c.Acquisition.Source)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdowntimeout must be positive, got %v", c.ShutdownTimeout)
	}
	return nil
}
