package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/devilmastah/asilive/acquire"
	"github.com/devilmastah/asilive/bridge"
	"github.com/devilmastah/asilive/calib"
	"github.com/devilmastah/asilive/camera/sim"
	"github.com/devilmastah/asilive/control"
	"github.com/devilmastah/asilive/framebus"
	"github.com/devilmastah/asilive/generichttp"
	gcam "github.com/devilmastah/asilive/generichttp/camera"
	"github.com/devilmastah/asilive/producer"
	"github.com/devilmastah/asilive/server/middleware/locker"
	"github.com/devilmastah/asilive/session"
	"github.com/devilmastah/asilive/settings"
)

// settingsDebounce collapses bursts of file events from editors
const settingsDebounce = 250 * time.Millisecond

func buildMux(c config, cam gcam.HTTPCamera, lk *locker.Locker) chi.Router {
	root := chi.NewRouter()
	mux := chi.NewRouter()
	mux.Use(lk.Check)
	locker.Inject(cam, lk)
	cam.RT().Bind(mux)
	root.Mount(generichttp.SubMuxSanitize(c.Root), mux)
	return root
}

// serve runs everything until SIGINT/SIGTERM or a fatal error.  Shutdown
// closes the bridge and stops the control server, waits up to
// ShutdownTimeout for an in-flight command before cancelling it, stops the
// HTTP server, the owner and the producer, then closes the camera.
func serve(c config, log zerolog.Logger) error {
	cam, err := sim.New(c.Camera.Index, c.Camera.Sim)
	if err != nil {
		return err
	}
	method, err := calib.ParseMethod(c.Acquisition.Method)
	if err != nil {
		cam.Close()
		return err
	}

	raw, display := framebus.New(), framebus.New()
	prod := producer.New(cam, raw, display, log)
	var bus acquire.Bus = display
	if c.Acquisition.Source == "raw" {
		bus = raw
	}

	store := settings.New(c.SettingsPath, log)
	st, err := store.Load()
	if err != nil {
		log.Warn().Err(err).Str("path", c.SettingsPath).Msg("settings could not be rewritten, continuing with what was loaded")
	}
	br := bridge.New(c.CommandTimeout, log)
	sess := session.New(session.Config{
		CalibrationDir:    c.CalibrationDir,
		SnapshotDir:       c.SnapshotDir,
		CalibrationFrames: c.Acquisition.CalibrationFrames,
		Acquire: acquire.Options{
			PollInterval:      c.Acquisition.PollInterval,
			FrameTimeout:      c.Acquisition.FrameTimeout,
			FirstFrameTimeout: c.Acquisition.FirstFrameTimeout,
		},
		Method: method,
	}, st, store, prod, bus, br, log)

	ctrl := control.NewServer(c.ControlAddr, sess, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	var hsrv *http.Server
	if c.Addr != "" {
		hcam := gcam.NewHTTPCamera(sess, prod, sess.Recorder(), log)
		hsrv = &http.Server{
			Addr:        c.Addr,
			Handler:     buildMux(c, hcam, locker.New()),
			BaseContext: func(net.Listener) context.Context { return gctx },
		}
	}

	// the owner and the producer outlive gctx so in-flight work can finish
	ownerCtx, stopOwner := context.WithCancel(context.Background())
	prodCtx, stopProd := context.WithCancel(context.Background())
	defer stopOwner()
	defer stopProd()
	ownerDone := make(chan struct{})
	prodDone := make(chan struct{})

	go func() {
		defer close(prodDone)
		if err := prod.Run(prodCtx); err != nil {
			log.Error().Err(err).Msg("producer stopped, captures will time out until restart")
		}
	}()
	go func() {
		defer close(ownerDone)
		sess.Run(ownerCtx)
	}()

	g.Go(func() error {
		return ctrl.ListenAndServe(gctx)
	})
	if hsrv != nil {
		g.Go(func() error {
			log.Info().Str("addr", c.Addr).Str("root", c.Root).Msg("http server listening")
			if err := hsrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if c.WatchSettings {
		g.Go(func() error {
			if err := sess.WatchSettings(gctx, settingsDebounce); err != nil {
				log.Warn().Err(err).Msg("settings watcher unavailable")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		br.Close()
		dctx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		if err := br.Drain(dctx); err != nil {
			log.Warn().Err(err).Msg("in-flight command did not finish in time, cancelled")
		}
		cancel()
		if hsrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
			if err := hsrv.Shutdown(sctx); err != nil {
				hsrv.Close()
			}
			cancel()
		}
		return nil
	})

	err = g.Wait()
	stopOwner()
	<-ownerDone

	stopProd()
	select {
	case <-prodDone:
	case <-time.After(c.ShutdownTimeout):
		log.Warn().Msg("producer did not stop in time")
	}
	if cerr := cam.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("closing camera")
	}
	log.Info().Msg("stopped")
	return err
}
