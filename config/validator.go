package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/Tutortoise/gaze-kiosk/models"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

const (
	DefaultPeriod              = 50 * time.Millisecond
	DefaultFailureThreshold    = 10
	DefaultMaxBackoff          = time.Second
	DefaultHoldTimeout         = 1500 * time.Millisecond
	DefaultRefreshRate         = 60
	DefaultSmoothingAlpha      = 0.35
	DefaultConfidenceThreshold = 0.6
	DefaultMinConfidence       = 0.5
	DefaultInputSize           = 192
)

// Validate fills defaults in place and rejects values the pipeline cannot run with.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "kiosk"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	if err := validateCapture(&cfg.Capture); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := validateInference(&cfg.Inference); err != nil {
		return fmt.Errorf("inference: %w", err)
	}
	if err := validateGaze(&cfg.Gaze); err != nil {
		return fmt.Errorf("gaze: %w", err)
	}
	if err := validateRender(&cfg.Render); err != nil {
		return fmt.Errorf("render: %w", err)
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 44100
	}
	if cfg.Audio.BufferSize <= 0 {
		cfg.Audio.BufferSize = 2048
	}
	if cfg.Audio.Rings <= 0 {
		cfg.Audio.Rings = 8
	}

	if cfg.Bridge.CallTimeout <= 0 {
		cfg.Bridge.CallTimeout = 2 * time.Second
	}
	if cfg.Bridge.Network == "" {
		cfg.Bridge.Network = "unix"
	}
	if cfg.UsesBridge() && cfg.Bridge.Address == "" && len(cfg.Bridge.Command) == 0 {
		return fmt.Errorf("bridge: address or command is required when a bridge backend is selected")
	}

	if cfg.MQTT.Broker != "" && cfg.MQTT.HealthTopic == "" {
		cfg.MQTT.HealthTopic = fmt.Sprintf("kiosk/health/%s", cfg.InstanceID)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt: qos must be 0, 1 or 2")
	}
	return nil
}

func validateCamera(c *CameraConfig) error {
	switch c.Backend {
	case "":
		c.Backend = "gstreamer"
	case "gstreamer", "bridge", "synthetic":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Device == "" {
		c.Device = "/dev/video0"
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = 640, 480
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.PixelFormat == "" {
		c.PixelFormat = string(models.PixelFormatRGB24)
	}
	return nil
}

func validateCapture(c *CaptureConfig) error {
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.Period {
		return fmt.Errorf("max_backoff (%s) must be >= period (%s)", c.MaxBackoff, c.Period)
	}
	if c.InferenceTimeout <= 0 {
		c.InferenceTimeout = c.Period
	}
	return nil
}

func validateInference(c *InferenceConfig) error {
	switch c.Backend {
	case "":
		c.Backend = "onnx"
	case "onnx", "bridge":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Backend == "onnx" && c.ModelPath == "" {
		return fmt.Errorf("model_path is required for the onnx backend")
	}
	if c.InputName == "" {
		c.InputName = "input_1"
	}
	if c.LandmarksOutput == "" {
		c.LandmarksOutput = "Identity"
	}
	if c.ScoreOutput == "" {
		c.ScoreOutput = "Identity_1"
	}
	if c.InputSize <= 0 {
		c.InputSize = DefaultInputSize
	}
	if c.ModelComplexity < 0 || c.ModelComplexity > 2 {
		return fmt.Errorf("model_complexity must be 0, 1 or 2, got %d", c.ModelComplexity)
	}
	if c.MinDetectionConfidence == 0 {
		c.MinDetectionConfidence = DefaultMinConfidence
	}
	if c.MinTrackingConfidence == 0 {
		c.MinTrackingConfidence = DefaultMinConfidence
	}
	if c.MinDetectionConfidence < 0 || c.MinDetectionConfidence > 1 {
		return fmt.Errorf("min_detection_confidence must be in [0,1], got %f", c.MinDetectionConfidence)
	}
	if c.MinTrackingConfidence < 0 || c.MinTrackingConfidence > 1 {
		return fmt.Errorf("min_tracking_confidence must be in [0,1], got %f", c.MinTrackingConfidence)
	}
	return nil
}

func validateGaze(c *GazeConfig) error {
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0,1], got %f", c.ConfidenceThreshold)
	}
	if c.HoldTimeout <= 0 {
		c.HoldTimeout = DefaultHoldTimeout
	}
	switch c.Reference {
	case "":
		c.Reference = "fixed"
	case "fixed", "first":
	default:
		return fmt.Errorf("unknown reference %q", c.Reference)
	}
	return nil
}

func validateRender(c *RenderConfig) error {
	switch c.Host {
	case "":
		c.Host = "bridge"
	case "bridge", "headless":
	default:
		return fmt.Errorf("unknown host %q", c.Host)
	}
	if c.RefreshRate <= 0 {
		c.RefreshRate = DefaultRefreshRate
	}
	if c.SmoothingAlpha == 0 {
		c.SmoothingAlpha = DefaultSmoothingAlpha
	}
	if c.SmoothingAlpha < 0 || c.SmoothingAlpha > 1 {
		return fmt.Errorf("smoothing_alpha must be in (0,1], got %f", c.SmoothingAlpha)
	}
	if c.MaxOffset <= 0 {
		c.MaxOffset = 0.5
	}
	if c.IrisTravel <= 0 {
		c.IrisTravel = 0.12
	}
	if c.MaxYawDeg <= 0 {
		c.MaxYawDeg = 25
	}
	if c.MaxPitchDeg <= 0 {
		c.MaxPitchDeg = 15
	}
	return nil
}
