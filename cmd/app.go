package cmd

import (
	adhoc "FaceAuthClient/Adhoc"
	"FaceAuthClient/camera"
	"FaceAuthClient/capture"
	"FaceAuthClient/config"
	"FaceAuthClient/engine"
	"FaceAuthClient/flow"
	iface "FaceAuthClient/interface"
	"FaceAuthClient/monitor"
	"FaceAuthClient/overlay"
	"FaceAuthClient/session"
	"FaceAuthClient/store"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

const heartbeatInterval = 10 * time.Second

// app holds the long lived collaborators every flow shares.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	metrics  *monitor.Metrics
	detector iface.Detector
	cropper  *capture.Engine
	overlay  *overlay.Renderer
	rest     *adhoc.Client
	store    iface.Store
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	metrics := monitor.New()
	var det iface.Detector
	var err error
	if cfg.Detector.Backend == "grpc" {
		det, err = engine.DialRemote(engine.RemoteConfig{
			Addr:     cfg.Detector.GRPCAddr,
			Timeout:  cfg.Detector.GRPCTimeout(),
			MinScore: cfg.Detector.MinScore,
			Observer: metrics,
		}, log)
	} else {
		det, err = loadLocalDetector(cfg.Detector, log)
	}
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store, log)
	if err != nil {
		_ = det.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		detector: det,
		cropper:  capture.New(cfg.Capture.Padding, cfg.Capture.Quality),
		overlay:  overlay.New(cfg.Camera.ViewWidth, cfg.Camera.ViewHeight, 80),
		rest:     adhoc.New(cfg.Rest.URL, cfg.Rest.Timeout(), log),
		store:    st,
	}, nil
}

func loadLocalDetector(c config.DetectorConfig, log *zap.Logger) (*engine.Detector, error) {
	det := engine.New(log)
	err := det.LoadModel(engine.Config{
		ModelPath:  c.ModelPath,
		ConfigPath: c.ConfigPath,
		InputSize:  c.InputSize,
		MinScore:   c.MinScore,
		Backend:    c.Backend,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load face detector: %w", err)
	}
	if c.Backend != "default" {
		log.Info("warming up detector", zap.String("backend", c.Backend))
		det.Warmup(3)
	}
	return det, nil
}

// background starts process sampling and the backend heartbeat until ctx ends.
func (a *app) background(ctx context.Context) {
	if a.cfg.Monitor.Enabled {
		go a.metrics.StartMon(ctx, time.Duration(a.cfg.Monitor.ProcessSampleMs)*time.Millisecond)
	}
	go a.rest.Heartbeat(ctx, heartbeatInterval, a.metrics.BackendUp)
}

func (a *app) openSource() (iface.VideoSource, error) {
	if a.cfg.Camera.StaticImage != "" {
		src, err := camera.OpenStatic(a.cfg.Camera.StaticImage)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	cam, err := camera.Open(camera.Constraints{
		Device: a.cfg.Camera.Device,
		Width:  a.cfg.Camera.Width,
		Height: a.cfg.Camera.Height,
		FPS:    a.cfg.Camera.FPS,
	}, a.log)
	if err != nil {
		return nil, err
	}
	return cam, nil
}

func (a *app) newSession(h flow.SessionHandler) flow.Session {
	s := a.cfg.Session
	return session.New(session.Config{
		URL:              s.URL,
		Namespace:        s.Namespace,
		MaxRetries:       s.MaxRetries,
		RetryDelay:       s.RetryDelay(),
		HandshakeTimeout: s.HandshakeTimeout(),
		WriteTimeout:     s.WriteTimeout(),
		Observer:         a.metrics,
	}, h, a.log)
}

func (a *app) options() flow.Options {
	f := a.cfg.Flow
	return flow.Options{
		Tick:         a.cfg.Scheduler.Tick(),
		DisplayDelay: f.DisplayDelay(),
		AuthTimeout:  f.AuthTimeout(),
		MaxAttempts:  f.MaxAttempts,
		Destinations: f.Destinations,
		Home:         f.Home,
		ViewWidth:    a.cfg.Camera.ViewWidth,
		ViewHeight:   a.cfg.Camera.ViewHeight,
	}
}

func (a *app) newFlow(opts flow.Options, nav iface.Navigator) *flow.Flow {
	return flow.New(flow.Deps{
		OpenSource:   a.openSource,
		Detector:     a.detector,
		Cropper:      a.cropper,
		Overlay:      a.overlay,
		NewSession:   a.newSession,
		Store:        a.store,
		Logins:       a.rest,
		Registrar:    a.rest,
		Navigator:    nav,
		Observer:     a.metrics,
		TickObserver: a.metrics,
		Log:          a.log,
	}, opts)
}

func (a *app) Close() error {
	var errs []error
	if err := a.detector.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close detector: %w", err))
	}
	if err := a.overlay.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close overlay: %w", err))
	}
	if c, ok := a.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
