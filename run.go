package main

import (
	"context"
	"fmt"
	"io"

	"github.com/Tutortoise/gaze-kiosk/audio"
	"github.com/Tutortoise/gaze-kiosk/bridge"
	"github.com/Tutortoise/gaze-kiosk/camera"
	"github.com/Tutortoise/gaze-kiosk/config"
	"github.com/Tutortoise/gaze-kiosk/conversion"
	"github.com/Tutortoise/gaze-kiosk/gaze"
	"github.com/Tutortoise/gaze-kiosk/landmarks"
	"github.com/Tutortoise/gaze-kiosk/lifecycle"
	"github.com/Tutortoise/gaze-kiosk/models"
	"github.com/Tutortoise/gaze-kiosk/monitor"
	"github.com/Tutortoise/gaze-kiosk/scene"
	"github.com/Tutortoise/gaze-kiosk/scheduler"
	"github.com/Tutortoise/gaze-kiosk/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gaze pipeline until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync()

		return run(cmd.Context(), cfg, logger.With(zap.String("instance_id", cfg.InstanceID)))
	},
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var closers []io.Closer
	defer func() {
		var errs error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = multierr.Append(errs, closers[i].Close())
		}
		if errs != nil {
			logger.Warn("shutdown", zap.Error(errs))
		}
	}()

	var client *bridge.Client
	if cfg.UsesBridge() {
		c, err := openBridge(ctx, cfg.Bridge, logger.Named("bridge"))
		if err != nil {
			return err
		}
		client = c
		closers = append(closers, client)
	}

	if cfg.Inference.Backend == "onnx" {
		if err := landmarks.InitRuntime(cfg.Inference.LibraryDir); err != nil {
			return err
		}
		defer landmarks.DestroyRuntime()
	}

	res, err := buildResources(cfg, client, logger)
	if err != nil {
		return err
	}

	manager := lifecycle.NewManager(lifecycle.Config{
		Scheduler: scheduler.Config{
			Period:           cfg.Capture.Period,
			FailureThreshold: cfg.Capture.FailureThreshold,
			MaxBackoff:       cfg.Capture.MaxBackoff,
			InferenceTimeout: cfg.Capture.InferenceTimeout,
			Debug:            debugMode,
		},
		Sync: scene.SyncConfig{
			Alpha:       cfg.Render.SmoothingAlpha,
			MaxOffset:   cfg.Render.MaxOffset,
			IrisTravel:  cfg.Render.IrisTravel,
			MaxYawDeg:   cfg.Render.MaxYawDeg,
			MaxPitchDeg: cfg.Render.MaxPitchDeg,
		},
		RefreshRate: cfg.Render.RefreshRate,
		Rings:       cfg.Audio.Rings,
		AudioWindow: cfg.Audio.BufferSize,
	}, res, logger.Named("lifecycle"))

	if cfg.MQTT.Broker != "" {
		emitter := telemetry.NewMQTTEmitter(cfg.MQTT, cfg.InstanceID, logger.Named("mqtt"))
		if err := emitter.Connect(ctx); err != nil {
			logger.Warn("health telemetry disabled", zap.Error(err))
		} else {
			closers = append(closers, emitter)
			manager.OnTransition = emitter.OnTransition
			manager.OnHealth = emitter.OnHealth
		}
	}

	if cfg.Monitor.Addr != "" {
		srv := monitor.New(cfg.Monitor.Addr, manager, statusMessage, logger.Named("monitor"))
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("monitor server stopped", zap.Error(err))
			}
		}()
	}

	if client != nil {
		// The host UI mounts and unmounts the avatar screen on navigation.
		client.Handle("screen.mount", func([]byte) {
			if err := manager.Acquire(ctx); err != nil {
				logger.Error("screen mount failed", zap.Error(err))
			}
		})
		client.Handle("screen.unmount", func([]byte) {
			manager.Release(context.Background())
		})
	}

	if err := manager.Acquire(ctx); err != nil {
		// The kiosk keeps running with a static avatar; /health reports the fault.
		logger.Error("gaze pipeline unavailable", zap.Error(err))
	}

	var bridgeDone <-chan struct{}
	if client != nil {
		bridgeDone = client.Done()
	}
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-bridgeDone:
		logger.Error("host bridge closed", zap.Error(client.Err()))
	}

	manager.Release(context.Background())
	if client != nil && client.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("host bridge: %w", client.Err())
	}
	return nil
}

func openBridge(ctx context.Context, cfg config.BridgeConfig, logger *zap.Logger) (*bridge.Client, error) {
	var conn io.ReadWriteCloser
	if len(cfg.Command) > 0 {
		p, err := bridge.Spawn(cfg.Command[0], cfg.Command[1:]...)
		if err != nil {
			return nil, err
		}
		conn = p
		logger.Info("host process started", zap.Strings("command", cfg.Command))
	} else {
		c, err := bridge.Dial(ctx, cfg.Network, cfg.Address)
		if err != nil {
			return nil, err
		}
		conn = c
		logger.Info("connected to host", zap.String("network", cfg.Network), zap.String("address", cfg.Address))
	}
	return bridge.NewClient(conn, logger), nil
}

func buildResources(cfg *config.Config, client *bridge.Client, logger *zap.Logger) (lifecycle.Resources, error) {
	var svc camera.Service
	switch cfg.Camera.Backend {
	case "gstreamer":
		svc = camera.NewGstService(logger.Named("gst"))
	case "bridge":
		svc = camera.NewRemoteService(client, cfg.Bridge.CallTimeout)
	case "synthetic":
		svc = camera.NewSyntheticService()
	default:
		return lifecycle.Resources{}, fmt.Errorf("unknown camera backend %q", cfg.Camera.Backend)
	}
	cam := camera.NewAdapter(svc, cfg.Camera.Device, camera.FormatSpec{
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
		FPS:         cfg.Camera.FPS,
		PixelFormat: models.PixelFormat(cfg.Camera.PixelFormat),
	}, logger.Named("camera"))

	opts := landmarks.Options{
		ModelComplexity:        cfg.Inference.ModelComplexity,
		SmoothLandmarks:        cfg.Inference.SmoothLandmarks,
		MinDetectionConfidence: cfg.Inference.MinDetectionConfidence,
		MinTrackingConfidence:  cfg.Inference.MinTrackingConfidence,
		RefineLandmarks:        cfg.Inference.RefineLandmarks,
	}
	openEngine := func(ctx context.Context) (landmarks.Engine, error) {
		if cfg.Inference.Backend == "bridge" {
			return landmarks.NewRemoteEngine(ctx, client, cfg.Inference.InputSize, opts)
		}
		return landmarks.NewONNXEngine(landmarks.ONNXConfig{
			ModelPath:       cfg.Inference.ModelPath,
			InputName:       cfg.Inference.InputName,
			LandmarksOutput: cfg.Inference.LandmarksOutput,
			ScoreOutput:     cfg.Inference.ScoreOutput,
			InputSize:       cfg.Inference.InputSize,
			Options:         opts,
		}, logger.Named("onnx"))
	}

	var host scene.Host
	switch cfg.Render.Host {
	case "bridge":
		host = scene.NewBridgeHost(client, cfg.Bridge.CallTimeout, logger.Named("scene"))
	default:
		host = scene.NewHeadlessHost()
	}

	var openAudio func() (audio.Node, error)
	if cfg.Audio.Enabled {
		openAudio = func() (audio.Node, error) {
			mic, err := audio.OpenMic(cfg.Audio.SampleRate, cfg.Audio.BufferSize, logger.Named("mic"))
			if err != nil {
				return nil, err
			}
			return mic, nil
		}
	}

	// A fresh estimator per mount so "first" reference mode recalibrates.
	newEstimator := func() scheduler.Estimator {
		return gaze.NewEstimator(cfg.Gaze.ConfidenceThreshold, gaze.ReferenceMode(cfg.Gaze.Reference))
	}

	return lifecycle.Resources{
		Camera:       cam,
		OpenEngine:   openEngine,
		Host:         host,
		Normalize:    conversion.NewPreprocessor(cfg.Inference.InputSize),
		NewEstimator: newEstimator,
		Gaze:         gaze.NewSlot(cfg.Gaze.HoldTimeout, nil),
		OpenAudio:    openAudio,
	}, nil
}
