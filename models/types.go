package models

import (
	"time"

	"github.com/golang/geo/r3"
)

// PixelFormat names the layout of a raw camera buffer.
type PixelFormat string

const (
	PixelFormatRGB24 PixelFormat = "rgb24"
	PixelFormatBGR24 PixelFormat = "bgr24"
	PixelFormatRGBA  PixelFormat = "rgba"
	PixelFormatBGRA  PixelFormat = "bgra"
	PixelFormatGray8 PixelFormat = "gray8"
	PixelFormatYUYV  PixelFormat = "yuyv"
	PixelFormatNV12  PixelFormat = "nv12"
)

// FrameSize returns the byte length of a w×h buffer in format f, and false for unknown formats.
func (f PixelFormat) FrameSize(w, h int) (int, bool) {
	switch f {
	case PixelFormatRGB24, PixelFormatBGR24:
		return w * h * 3, true
	case PixelFormatRGBA, PixelFormatBGRA:
		return w * h * 4, true
	case PixelFormatGray8:
		return w * h, true
	case PixelFormatYUYV:
		return ((w + 1) / 2) * 4 * h, true
	case PixelFormatNV12:
		return w*h + 2*((w+1)/2)*((h+1)/2), true
	}
	return 0, false
}

// CameraFrame is immutable once produced. Pixels must not be modified after capture.
type CameraFrame struct {
	Seq        uint64
	TraceID    string
	Width      int
	Height     int
	Format     PixelFormat
	Pixels     []byte
	CapturedAt time.Time
}

// NormalizedFrame is the dense interleaved HWC float32 RGB tensor the landmark model consumes.
type NormalizedFrame struct {
	TraceID    string
	Width      int
	Height     int
	Data       []float32
	SourceW    int
	SourceH    int
	CapturedAt time.Time
}

type LandmarkSet struct {
	// Points are normalized image coordinates; Z is relative depth scaled like X.
	Points  []r3.Vector
	Score   float64
	Refined bool
	Partial bool
}

type EyeGaze struct {
	Offset     r3.Vector
	Confidence float64
}

type GazeVector struct {
	Left       EyeGaze
	Right      EyeGaze
	AcceptedAt time.Time
}

// NeutralGaze has both eyes centered with full confidence.
func NeutralGaze() GazeVector {
	return GazeVector{
		Left:  EyeGaze{Confidence: 1},
		Right: EyeGaze{Confidence: 1},
	}
}

type HealthState int

const (
	HealthIdle HealthState = iota
	HealthRunning
	HealthDegraded
	HealthStopped
)

func (s HealthState) String() string {
	switch s {
	case HealthIdle:
		return "idle"
	case HealthRunning:
		return "running"
	case HealthDegraded:
		return "degraded"
	case HealthStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type PipelineHealth struct {
	ConsecutiveCaptureFailures   int           `json:"consecutive_capture_failures"`
	ConsecutiveInferenceFailures int           `json:"consecutive_inference_failures"`
	State                        HealthState   `json:"-"`
	StateName                    string        `json:"state"`
	Interval                     time.Duration `json:"-"`
	IntervalMS                   int64         `json:"interval_ms"`
	Cycles                       uint64        `json:"cycles"`
	Skips                        uint64        `json:"skips"`
	Accepted                     uint64        `json:"accepted"`
	NoFace                       uint64        `json:"no_face"`
	Discarded                    uint64        `json:"discarded"`
	StopCause                    string        `json:"stop_cause,omitempty"`
}

type ProcessingTimings struct {
	TraceID   string
	Capture   time.Duration
	Convert   time.Duration
	Inference time.Duration
	Gaze      time.Duration
	Total     time.Duration
}
