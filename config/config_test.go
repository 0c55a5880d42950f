package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
instance_id: lobby-01
inference:
  model_path: models/face_landmark.onnx
render:
  host: headless
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Capture.Period != DefaultPeriod {
		t.Errorf("Period = %v, want %v", cfg.Capture.Period, DefaultPeriod)
	}
	if cfg.Capture.InferenceTimeout != cfg.Capture.Period {
		t.Errorf("InferenceTimeout = %v, want period %v", cfg.Capture.InferenceTimeout, cfg.Capture.Period)
	}
	if cfg.Gaze.HoldTimeout != DefaultHoldTimeout {
		t.Errorf("HoldTimeout = %v, want %v", cfg.Gaze.HoldTimeout, DefaultHoldTimeout)
	}
	if cfg.Inference.MinDetectionConfidence != 0.5 || cfg.Inference.MinTrackingConfidence != 0.5 {
		t.Errorf("confidences = %v/%v, want 0.5/0.5", cfg.Inference.MinDetectionConfidence, cfg.Inference.MinTrackingConfidence)
	}
	if cfg.Camera.Backend != "gstreamer" {
		t.Errorf("camera backend = %q, want gstreamer", cfg.Camera.Backend)
	}
	if !cfg.Inference.RefineLandmarks || !cfg.Inference.SmoothLandmarks || !cfg.Audio.Enabled {
		t.Errorf("boolean defaults not applied: %+v %+v", cfg.Inference, cfg.Audio)
	}
	if cfg.Render.RefreshRate != 60 {
		t.Errorf("RefreshRate = %d, want 60", cfg.Render.RefreshRate)
	}
}

func TestParseDurations(t *testing.T) {
	cfg, err := Parse([]byte(`
inference:
  model_path: m.onnx
capture:
  period: 40ms
  max_backoff: 2s
  inference_timeout: 30ms
gaze:
  hold_timeout: 800ms
render:
  host: headless
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Capture.Period != 40*time.Millisecond {
		t.Errorf("Period = %v", cfg.Capture.Period)
	}
	if cfg.Capture.MaxBackoff != 2*time.Second {
		t.Errorf("MaxBackoff = %v", cfg.Capture.MaxBackoff)
	}
	if cfg.Capture.InferenceTimeout != 30*time.Millisecond {
		t.Errorf("InferenceTimeout = %v", cfg.Capture.InferenceTimeout)
	}
	if cfg.Gaze.HoldTimeout != 800*time.Millisecond {
		t.Errorf("HoldTimeout = %v", cfg.Gaze.HoldTimeout)
	}

	off, err := Parse([]byte("inference: {model_path: m.onnx, refine_landmarks: false}\nrender: {host: headless}\naudio: {enabled: false}"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if off.Inference.RefineLandmarks || off.Audio.Enabled {
		t.Error("explicit false was overridden")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "Bad instance id",
			yaml:    "instance_id: Lobby_01\ninference: {model_path: m.onnx}\nrender: {host: headless}",
			wantErr: "instance_id",
		},
		{
			name:    "Missing model for onnx",
			yaml:    "render: {host: headless}",
			wantErr: "model_path",
		},
		{
			name:    "Unknown camera backend",
			yaml:    "camera: {backend: webcam}\ninference: {model_path: m.onnx}\nrender: {host: headless}",
			wantErr: "unknown backend",
		},
		{
			name:    "Backoff below period",
			yaml:    "capture: {period: 100ms, max_backoff: 50ms}\ninference: {model_path: m.onnx}\nrender: {host: headless}",
			wantErr: "max_backoff",
		},
		{
			name:    "Bridge without address",
			yaml:    "inference: {model_path: m.onnx}",
			wantErr: "bridge",
		},
		{
			name:    "Confidence out of range",
			yaml:    "inference: {model_path: m.onnx, min_detection_confidence: 1.5}\nrender: {host: headless}",
			wantErr: "min_detection_confidence",
		},
		{
			name:    "Unknown reference",
			yaml:    "inference: {model_path: m.onnx}\ngaze: {reference: mean}\nrender: {host: headless}",
			wantErr: "reference",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiosk.yaml")
	content := "instance_id: hall\ninference: {backend: bridge}\nbridge: {address: /tmp/host.sock}\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.UsesBridge() {
		t.Error("Expected UsesBridge to be true")
	}
	if cfg.Bridge.Network != "unix" {
		t.Errorf("Network = %q, want unix", cfg.Bridge.Network)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
