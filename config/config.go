package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete kiosk gaze pipeline configuration.
type Config struct {
	InstanceID string          `yaml:"instance_id"`
	LogLevel   string          `yaml:"log_level"`
	Camera     CameraConfig    `yaml:"camera"`
	Capture    CaptureConfig   `yaml:"capture"`
	Inference  InferenceConfig `yaml:"inference"`
	Gaze       GazeConfig      `yaml:"gaze"`
	Render     RenderConfig    `yaml:"render"`
	Audio      AudioConfig     `yaml:"audio"`
	Bridge     BridgeConfig    `yaml:"bridge"`
	Monitor    MonitorConfig   `yaml:"monitor"`
	MQTT       MQTTConfig      `yaml:"mqtt"`
}

type CameraConfig struct {
	Backend     string `yaml:"backend"` // gstreamer, bridge, synthetic
	Device      string `yaml:"device"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         int    `yaml:"fps"`
	PixelFormat string `yaml:"pixel_format"`
}

type CaptureConfig struct {
	Period           time.Duration `yaml:"period"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	InferenceTimeout time.Duration `yaml:"inference_timeout"`
}

type InferenceConfig struct {
	Backend                string  `yaml:"backend"` // onnx, bridge
	LibraryDir             string  `yaml:"library_dir"`
	ModelPath              string  `yaml:"model_path"`
	InputName              string  `yaml:"input_name"`
	LandmarksOutput        string  `yaml:"landmarks_output"`
	ScoreOutput            string  `yaml:"score_output"`
	InputSize              int     `yaml:"input_size"`
	ModelComplexity        int     `yaml:"model_complexity"`
	SmoothLandmarks        bool    `yaml:"smooth_landmarks"`
	MinDetectionConfidence float64 `yaml:"min_detection_confidence"`
	MinTrackingConfidence  float64 `yaml:"min_tracking_confidence"`
	RefineLandmarks        bool    `yaml:"refine_landmarks"`
}

type GazeConfig struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	HoldTimeout         time.Duration `yaml:"hold_timeout"`
	Reference           string        `yaml:"reference"` // fixed, first
}

type RenderConfig struct {
	Host           string  `yaml:"host"` // bridge, headless
	RefreshRate    int     `yaml:"refresh_rate"`
	SmoothingAlpha float64 `yaml:"smoothing_alpha"`
	MaxOffset      float64 `yaml:"max_offset"`
	IrisTravel     float64 `yaml:"iris_travel"`
	MaxYawDeg      float64 `yaml:"max_yaw_deg"`
	MaxPitchDeg    float64 `yaml:"max_pitch_deg"`
}

type AudioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SampleRate uint32 `yaml:"sample_rate"`
	BufferSize int    `yaml:"buffer_size"`
	Rings      int    `yaml:"rings"`
}

type BridgeConfig struct {
	Network     string        `yaml:"network"`
	Address     string        `yaml:"address"`
	Command     []string      `yaml:"command"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type MonitorConfig struct {
	Addr string `yaml:"addr"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	HealthTopic string `yaml:"health_topic"`
	QoS         byte   `yaml:"qos"`
}

// UsesBridge reports whether any component reaches the host through the invocation bridge.
func (c *Config) UsesBridge() bool {
	return c.Camera.Backend == "bridge" || c.Inference.Backend == "bridge" || c.Render.Host == "bridge"
}

// Load reads, parses and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes and validates the result.
func Parse(data []byte) (*Config, error) {
	// Keys absent from the file keep these values.
	cfg := Config{
		Inference: InferenceConfig{SmoothLandmarks: true, RefineLandmarks: true},
		Audio:     AudioConfig{Enabled: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
