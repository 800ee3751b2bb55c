package main

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "asilive.yml"
)

const longHelp = `asilive runs a camera continuously and exposes it over two interfaces:

a ZeroMQ REP socket speaking single JSON requests,
	{"cmd": "set_exposure_ms", "args": {"value": 250}}
and an HTTP interface with a live preview, an MJPEG stream and the
same commands as routes.

Captures of master darks, master flats and stacked snapshots run on
the frames the live loop publishes, so the preview never stops.

Configuration is read from asilive.yml, then from ASILIVE_ environment
variables, for example ASILIVE_ACQUISITION__SOURCE=raw.  The command
mkconf writes a file with the defaults.`

func newLogger(level string) zerolog.Logger {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return log.Level(lvl)
}

func main() {
	var cfgPath string
	load := func() (config, error) {
		return loadConfig(koanf.New("."), cfgPath)
	}

	root := &cobra.Command{
		Use:           "asilive",
		Short:         "live camera acquisition with a ZeroMQ and HTTP control plane",
		Long:          longHelp,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", ConfigFileName, "configuration file")

	run := &cobra.Command{
		Use:   "run",
		Short: "run the camera, control and HTTP servers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := load()
			if err != nil {
				return err
			}
			if err = c.validate(); err != nil {
				return err
			}
			return serve(c, newLogger(c.LogLevel))
		},
	}

	mkconf := &cobra.Command{
		Use:   "mkconf",
		Short: "write the configuration file with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(cfgPath)
			if err != nil {
				return err
			}
			defer f.Close()
			return yml.NewEncoder(f).Encode(defaults())
		},
	}

	conf := &cobra.Command{
		Use:   "conf",
		Short: "print the configuration in effect",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := load()
			if err != nil {
				return err
			}
			return yml.NewEncoder(os.Stdout).Encode(c)
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("asilive version %v\n", Version)
		},
	}

	root.AddCommand(run, newSendCmd(load), mkconf, conf, version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
